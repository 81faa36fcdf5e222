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

// Package session manages outbound server sessions: a bucketed reuse pool
// with configurable sharing policies, an outbound connection tracker with
// per-host credits, and a host-down marker store consulted after connect
// failures.
package session

import (
	"hash/fnv"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/dgryski/go-rendezvous"
	"github.com/rs/xid"
)

// MatchPolicy is the bitmask deciding when an idle pooled session may be
// reused for a new transaction. MatchNone disables pooling entirely.
type MatchPolicy int

const (
	MatchNone MatchPolicy = 0
	MatchIP   MatchPolicy = 1 << (iota - 1)
	MatchHostOnly
	MatchHostSNISync
	MatchSNI
	MatchCert
)

// Session is one outbound server connection. It is shared between the
// owning transaction and the pool: returned on clean completion, closed
// otherwise. Private sessions are never pooled.
type Session struct {
	ID       string
	Conn     net.Conn
	IP       string
	Hostname string
	Port     int
	SNI      string
	CertName string

	// Private marks sessions that carried authenticated requests,
	// non-keep-alive POSTs, or plugin tunnels.
	Private bool

	lastUsed time.Time
}

// NewSession wraps conn for pooling bookkeeping.
func NewSession(conn net.Conn, ip, hostname string, port int) *Session {
	return &Session{
		ID:       xid.New().String(),
		Conn:     conn,
		IP:       ip,
		Hostname: hostname,
		Port:     port,
		lastUsed: time.Now(),
	}
}

// AcquireResult is the outcome of Pool.Acquire.
type AcquireResult int

const (
	// AcquireDone means an idle session was found and detached to the
	// caller.
	AcquireDone AcquireResult = iota
	// AcquireNotFound means no matching idle session exists.
	AcquireNotFound
	// AcquireRetry means the bucket lock was contended; the caller should
	// proceed to open a fresh connection (or retry later).
	AcquireRetry
)

// bucket is one lock domain of the pool. A transaction only ever touches
// the bucket its (hostname, family, port) tuple hashes to.
type bucket struct {
	mu   sync.Mutex
	idle []*Session
}

// Pool is the outbound session pool. Bucket assignment uses rendezvous
// hashing so a key maps to the same bucket for the pool's lifetime.
type Pool struct {
	policy  MatchPolicy
	buckets []*bucket
	rz      *rendezvous.Rendezvous
	size    int // pooled session count, guarded by sizeMu
	sizeMu  sync.Mutex

	// IdleTimeout ages out sessions during janitor sweeps.
	IdleTimeout time.Duration

	// OnSizeChange, when set, observes the pooled-session count after
	// every mutation (wired to a metrics gauge by the daemon).
	OnSizeChange func(n int)
}

// NewPool builds a pool with nBuckets lock domains.
func NewPool(policy MatchPolicy, nBuckets int) *Pool {
	if nBuckets <= 0 {
		nBuckets = 16
	}
	names := make([]string, nBuckets)
	for i := range names {
		names[i] = strconv.Itoa(i)
	}
	p := &Pool{
		policy:      policy,
		buckets:     make([]*bucket, nBuckets),
		IdleTimeout: 60 * time.Second,
	}
	for i := range p.buckets {
		p.buckets[i] = &bucket{}
	}
	p.rz = rendezvous.New(names, func(s string) uint64 {
		h := fnv.New64a()
		h.Write([]byte(s))
		return h.Sum64()
	})
	return p
}

// BucketKey is the tuple a transaction hashes to pick its bucket.
func BucketKey(hostname, family string, port int) string {
	return hostname + "|" + family + "|" + strconv.Itoa(port)
}

func (p *Pool) bucketFor(key string) *bucket {
	idx, _ := strconv.Atoi(p.rz.Lookup(key))
	return p.buckets[idx]
}

// Acquire looks for an idle session matching (ip, hostname, port) under
// the configured policy. The bucket lock is tried, not taken: contention
// yields AcquireRetry and the caller opens a new connection instead.
func (p *Pool) Acquire(ip, hostname, sni string, port int) (AcquireResult, *Session) {
	if p.policy == MatchNone {
		return AcquireNotFound, nil
	}
	b := p.bucketFor(BucketKey(hostname, familyOf(ip), port))
	if !b.mu.TryLock() {
		return AcquireRetry, nil
	}
	defer b.mu.Unlock()

	for i, s := range b.idle {
		if !p.matches(s, ip, hostname, sni) {
			continue
		}
		b.idle = append(b.idle[:i], b.idle[i+1:]...)
		p.addSize(-1)
		s.lastUsed = time.Now()
		return AcquireDone, s
	}
	return AcquireNotFound, nil
}

// Release returns a session to the pool. Private sessions and pools with
// MatchNone close the connection instead.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}
	if s.Private || p.policy == MatchNone {
		if s.Conn != nil {
			s.Conn.Close()
		}
		return
	}
	b := p.bucketFor(BucketKey(s.Hostname, familyOf(s.IP), s.Port))
	b.mu.Lock()
	s.lastUsed = time.Now()
	b.idle = append(b.idle, s)
	b.mu.Unlock()
	p.addSize(1)
}

// Size reports the number of pooled idle sessions.
func (p *Pool) Size() int {
	p.sizeMu.Lock()
	defer p.sizeMu.Unlock()
	return p.size
}

func (p *Pool) addSize(delta int) {
	p.sizeMu.Lock()
	p.size += delta
	n := p.size
	p.sizeMu.Unlock()
	if p.OnSizeChange != nil {
		p.OnSizeChange(n)
	}
}

// matches applies the sharing bitmask. Every set bit must hold.
func (p *Pool) matches(s *Session, ip, hostname, sni string) bool {
	if p.policy&MatchIP != 0 && s.IP != ip {
		return false
	}
	if p.policy&MatchHostOnly != 0 && s.Hostname != hostname {
		return false
	}
	if p.policy&MatchSNI != 0 && s.SNI != sni {
		return false
	}
	if p.policy&MatchHostSNISync != 0 && (s.Hostname != hostname || s.SNI != sni) {
		return false
	}
	if p.policy&MatchCert != 0 && s.CertName != hostname {
		return false
	}
	return true
}

// ReapIdle drops sessions idle longer than IdleTimeout and returns how
// many were closed. Called by the janitor.
func (p *Pool) ReapIdle(now time.Time) int {
	reaped := 0
	for _, b := range p.buckets {
		b.mu.Lock()
		kept := b.idle[:0]
		for _, s := range b.idle {
			if now.Sub(s.lastUsed) > p.IdleTimeout {
				if s.Conn != nil {
					s.Conn.Close()
				}
				reaped++
				continue
			}
			kept = append(kept, s)
		}
		b.idle = kept
		b.mu.Unlock()
	}
	if reaped > 0 {
		p.addSize(-reaped)
	}
	return reaped
}

func familyOf(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed != nil && parsed.To4() == nil {
		return "inet6"
	}
	return "inet"
}
