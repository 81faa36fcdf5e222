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

// edgeproxyd is the forward/reverse caching proxy daemon. It wires the
// HTTP transaction state machine to the session pool, connection tracker,
// host-down marker, hook registry, and metrics, then serves inbound
// traffic until terminated.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"edgeproxy/internal/config"
	"edgeproxy/internal/logging"
	"edgeproxy/internal/metrics"
	"edgeproxy/proxy/headers"
	"edgeproxy/proxy/hooks"
	"edgeproxy/proxy/httpsm"
	"edgeproxy/proxy/session"
)

func main() {
	cfgPath := flag.String("config", "edgeproxy.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		// Missing config file: run on defaults so a bare binary still
		// comes up for smoke testing.
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.Default()
		} else {
			log.Fatalf("config: %v", err)
		}
	}

	logger, logCloser := logging.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.FilePath)
	defer logCloser.Close()

	m := metrics.New()
	rss := metrics.NewRSSReporter(m, cfg.Metrics.ProcessRSSPeriod)
	rss.Start()
	defer rss.Stop()

	pool := session.NewPool(session.MatchPolicy(cfg.Session.ServerSessionSharingMatch), 16)
	pool.OnSizeChange = func(n int) { m.SessionPoolSize.Set(float64(n)) }

	tracker := session.NewTracker(
		cfg.Session.MaxConnectionsPerHost,
		cfg.Session.GlobalConnectionCredit,
		cfg.Session.RateLimitPerSecond,
		cfg.Session.RateLimitBurst,
	)

	var marker session.DownMarker
	if cfg.Redis.Addr != "" {
		client := session.NewGoRedisEvaler(cfg.Redis.Addr, cfg.Redis.DB)
		defer client.Close()
		marker = session.NewRedisDownMarker(client, 3, 30*time.Second)
		logger.Info("host-down markers shared via redis", "addr", cfg.Redis.Addr)
	} else {
		mem := session.NewMemoryDownMarker(3, 30*time.Second)
		mem.OnDownCount = func(n int) { m.HostsDown.Set(float64(n)) }
		marker = mem
	}

	janitor, err := session.NewJanitor(pool, cfg.Session.JanitorSchedule, logger)
	if err != nil {
		log.Fatalf("janitor schedule: %v", err)
	}
	janitor.Start()
	defer janitor.Stop()

	registry := &hooks.Registry{}
	driver := hooks.NewDriver(registry, logger)

	smCfg := httpsm.Config{
		NumberOfRedirections:   cfg.Transact.NumberOfRedirections,
		ConnectDownPolicy:      session.DownPolicy(cfg.Transact.ConnectDownPolicy),
		NoActivityTimeoutIn:    cfg.Transact.NoActivityTimeoutIn,
		NoActivityTimeoutOut:   cfg.Transact.NoActivityTimeoutOut,
		ActiveTimeoutIn:        cfg.Transact.ActiveTimeoutIn,
		ActiveTimeoutOut:       cfg.Transact.ActiveTimeoutOut,
		ConnectAttemptsTimeout: cfg.Transact.ConnectAttemptsTimeout,
		ConnectMaxRetries:      cfg.Transact.ConnectMaxRetries,
		ConnectMaxRetriesDown:  cfg.Transact.ConnectMaxRetriesDownServer,
		OpenWriteFail:          httpsm.ParseOpenWriteFailAction(cfg.Transact.CacheOpenWriteFailAction),
		InsertForwarded:        headers.ForwardedField(cfg.Transact.InsertForwarded),
		NormalizeAE:            headers.AcceptEncodingMode(cfg.Transact.NormalizeAE),
		MaxRequestLineBytes:    cfg.Transact.MaxRequestLineBytes,
		MaxHeaderBytes:         cfg.Transact.MaxHeaderBytes,
		EnablePushMethod:       cfg.Transact.EnablePushMethod,
		DrainBodyLimit:         16 * 1024,
		ViaPseudonym:           viaPseudonym(cfg),
	}

	fetcher := &httpsm.PoolFetcher{Pool: pool, Log: logger}
	deps := httpsm.Deps{
		Log:        logger,
		Resolver:   netResolver{},
		Origin:     fetcher,
		Pool:       pool,
		Tracker:    tracker,
		DownMarker: marker,
		Hooks:      driver,
	}

	proxy := &http.Server{
		Addr: cfg.Listen.HTTPAddr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sm := httpsm.New(smCfg, deps)
			if la, ok := r.Context().Value(http.LocalAddrContextKey).(*net.TCPAddr); ok {
				sm.InboundLocalAddr = la
			}
			if r.TLS != nil {
				sm.SNI = r.TLS.ServerName
			}
			sm.ServeTxn(w, r)
			m.TransactionsTotal.Inc()
			if kind, set := sm.ErrorKindSet(); set {
				m.TransactionErrors.WithLabelValues(fmt.Sprintf("%d", int(kind))).Inc()
			}
		}),
	}

	metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: m.Handler()}
	go func() {
		logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", "err", err)
		}
	}()

	go func() {
		logger.Info("edgeproxyd listening", "addr", cfg.Listen.HTTPAddr)
		if err := proxy.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("proxy server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	proxy.Shutdown(ctx)
	metricsSrv.Shutdown(ctx)
}

func viaPseudonym(cfg *config.Config) string {
	if cfg.Headers.ViaPseudonym != "" {
		return cfg.Headers.ViaPseudonym
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "edgeproxy"
}

// netResolver adapts net.DefaultResolver to the state machine's contract.
type netResolver struct{}

func (netResolver) Lookup(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}
