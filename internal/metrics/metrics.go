// Copyright 2025 The edgeproxy Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes a Prometheus registry for edgeproxy's QUIC and
// HTTP layers, plus a periodic process memory sampler.
package metrics

import (
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

// Metrics holds all counters and gauges edgeproxy reports.
type Metrics struct {
	PacketsSent         prometheus.Counter
	PacketsReceived     prometheus.Counter
	PacketsFailed       prometheus.Counter
	FramesRetransmitted prometheus.Counter
	TransactionsTotal   prometheus.Counter
	TransactionErrors   *prometheus.CounterVec
	SessionPoolSize     prometheus.Gauge
	HostsDown           prometheus.Gauge
	ProcessRSSBytes     prometheus.Gauge

	registry *prometheus.Registry
}

// New builds a Metrics bundle registered against a private registry (never
// the global default), so multiple edgeproxy instances in one process
// don't collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgeproxy_quic_packets_sent_total",
			Help: "Total QUIC packets successfully protected and emitted.",
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgeproxy_quic_packets_received_total",
			Help: "Total QUIC packets successfully parsed and unprotected.",
		}),
		PacketsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgeproxy_quic_packets_failed_total",
			Help: "Total QUIC packets dropped due to protect/unprotect failure.",
		}),
		FramesRetransmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgeproxy_quic_frames_retransmitted_total",
			Help: "Total frames replayed by the retransmission queue.",
		}),
		TransactionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgeproxy_http_transactions_total",
			Help: "Total HTTP transactions completed by the state machine.",
		}),
		TransactionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeproxy_http_transaction_errors_total",
			Help: "Total HTTP transactions ending in an error kind.",
		}, []string{"kind"}),
		SessionPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgeproxy_session_pool_size",
			Help: "Current number of pooled outbound sessions.",
		}),
		HostsDown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgeproxy_hosts_down",
			Help: "Current number of origin hosts marked down.",
		}),
		ProcessRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgeproxy_process_rss_bytes",
			Help: "Resident set size of the edgeproxy process, sampled periodically.",
		}),
		registry: reg,
	}
	reg.MustRegister(
		m.PacketsSent, m.PacketsReceived, m.PacketsFailed, m.FramesRetransmitted,
		m.TransactionsTotal, m.TransactionErrors, m.SessionPoolSize, m.HostsDown,
		m.ProcessRSSBytes,
	)
	return m
}

// Handler returns the http.Handler serving this bundle's /metrics page.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RSSReporter periodically samples the current process's RSS into
// ProcessRSSBytes.
type RSSReporter struct {
	m      *Metrics
	period time.Duration
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewRSSReporter returns a reporter sampling every period into m.
func NewRSSReporter(m *Metrics, period time.Duration) *RSSReporter {
	if period <= 0 {
		period = 30 * time.Second
	}
	return &RSSReporter{m: m, period: period, stop: make(chan struct{})}
}

// Start begins the periodic sampling goroutine.
func (r *RSSReporter) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop halts sampling and waits for the goroutine to exit.
func (r *RSSReporter) Stop() {
	close(r.stop)
	r.wg.Wait()
}

func (r *RSSReporter) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	r.sample()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sample()
		}
	}
}

func (r *RSSReporter) sample() {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}
	info, err := proc.MemoryInfoWithContext(context.Background())
	if err != nil || info == nil {
		return
	}
	r.m.ProcessRSSBytes.Set(float64(info.RSS))
}
