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

package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ConnectErrorKind classifies a connect-phase failure for the down-marking
// policy.
type ConnectErrorKind int

const (
	// ErrKindTCP covers pre-TLS transport errors (RST, timeout,
	// EADDRNOTAVAIL).
	ErrKindTCP ConnectErrorKind = iota
	// ErrKindTLS covers handshake-phase failures after the TCP connect.
	ErrKindTLS
)

// DownPolicy selects which connect failures mark a host.
type DownPolicy int

const (
	// DownNever disables marking.
	DownNever DownPolicy = iota
	// DownOnTCP marks only on pre-TLS TCP errors.
	DownOnTCP
	// DownOnAny marks on any connect-phase error including TLS.
	DownOnAny
)

// Applies reports whether a failure of kind counts under the policy.
func (p DownPolicy) Applies(kind ConnectErrorKind) bool {
	switch p {
	case DownOnTCP:
		return kind == ErrKindTCP
	case DownOnAny:
		return true
	default:
		return false
	}
}

// DownMarker records origin connect failures and answers whether a host is
// currently considered down. Crossing FailThreshold failures marks the
// host down for DownDuration.
type DownMarker interface {
	// MarkFailure counts one failure against host; returns true when the
	// host just transitioned to down.
	MarkFailure(ctx context.Context, host string) (bool, error)
	// ClearFailures resets host after a successful connect.
	ClearFailures(ctx context.Context, host string) error
	// IsDown reports whether host is marked down right now.
	IsDown(ctx context.Context, host string) (bool, error)
}

// MemoryDownMarker is the in-process DownMarker used when no shared store
// is configured (single-node deployments and tests).
type MemoryDownMarker struct {
	FailThreshold int
	DownDuration  time.Duration

	mu    sync.Mutex
	fails map[string]int
	down  map[string]time.Time // host -> down-until

	// OnDownCount observes the number of currently-down hosts after every
	// transition (wired to a metrics gauge by the daemon).
	OnDownCount func(n int)

	now func() time.Time
}

// NewMemoryDownMarker builds a marker with the given threshold and down
// window.
func NewMemoryDownMarker(failThreshold int, downDuration time.Duration) *MemoryDownMarker {
	if failThreshold <= 0 {
		failThreshold = 3
	}
	if downDuration <= 0 {
		downDuration = 30 * time.Second
	}
	return &MemoryDownMarker{
		FailThreshold: failThreshold,
		DownDuration:  downDuration,
		fails:         make(map[string]int),
		down:          make(map[string]time.Time),
		now:           time.Now,
	}
}

func (m *MemoryDownMarker) MarkFailure(_ context.Context, host string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fails[host]++
	if m.fails[host] >= m.FailThreshold {
		_, already := m.down[host]
		m.down[host] = m.now().Add(m.DownDuration)
		if !already {
			m.notifyLocked()
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryDownMarker) ClearFailures(_ context.Context, host string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.fails, host)
	if _, ok := m.down[host]; ok {
		delete(m.down, host)
		m.notifyLocked()
	}
	return nil
}

func (m *MemoryDownMarker) IsDown(_ context.Context, host string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.down[host]
	if !ok {
		return false, nil
	}
	if m.now().After(until) {
		delete(m.down, host)
		delete(m.fails, host)
		m.notifyLocked()
		return false, nil
	}
	return true, nil
}

func (m *MemoryDownMarker) notifyLocked() {
	if m.OnDownCount != nil {
		m.OnDownCount(len(m.down))
	}
}

// RedisEvaler abstracts the minimal surface needed from a Redis client.
// Implementations may wrap github.com/redis/go-redis/v9 (Cmdable.Eval) or
// any equivalent.
type RedisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// RedisDownMarker shares connect-failure counts across proxy instances.
// Marking is idempotent per (host, failure id): a Lua script does
// SETNX on a marker key and only then HINCRBYs the failure counter, so a
// retried mark never double-counts.
type RedisDownMarker struct {
	client        RedisEvaler
	FailThreshold int
	DownDuration  time.Duration
	markerTTL     time.Duration

	nextID func() string
}

// NewRedisDownMarker wires a shared marker over client.
func NewRedisDownMarker(client RedisEvaler, failThreshold int, downDuration time.Duration) *RedisDownMarker {
	if failThreshold <= 0 {
		failThreshold = 3
	}
	if downDuration <= 0 {
		downDuration = 30 * time.Second
	}
	return &RedisDownMarker{
		client:        client,
		FailThreshold: failThreshold,
		DownDuration:  downDuration,
		markerTTL:     24 * time.Hour,
		nextID:        defaultFailureID,
	}
}

var failureSeq struct {
	mu sync.Mutex
	n  uint64
}

func defaultFailureID() string {
	failureSeq.mu.Lock()
	defer failureSeq.mu.Unlock()
	failureSeq.n++
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), failureSeq.n)
}

// markLuaScript applies one failure idempotently. Returns the new failure
// count when applied, -1 when the marker already existed.
const markLuaScript = `
local failKey = KEYS[1]
local markerKey = KEYS[2]
local downKey = KEYS[3]
local threshold = tonumber(ARGV[1])
local downSeconds = tonumber(ARGV[2])
local ttlSeconds = tonumber(ARGV[3])
local set = redis.call('SETNX', markerKey, 1)
if set == 1 then
  local n = redis.call('HINCRBY', failKey, 'failures', 1)
  if ttlSeconds and ttlSeconds > 0 then
    redis.call('EXPIRE', markerKey, ttlSeconds)
  end
  if n >= threshold then
    redis.call('SET', downKey, 1, 'EX', downSeconds)
    return n
  end
  return n
else
  return -1
end
`

const clearLuaScript = `
redis.call('DEL', KEYS[1])
redis.call('DEL', KEYS[2])
return 1
`

func redisFailKey(host string) string { return "edgeproxy:fail:" + host }
func redisDownKey(host string) string { return "edgeproxy:down:" + host }
func redisMarkerKey(host, id string) string {
	return "edgeproxy:failmark:" + host + ":" + id
}

func (r *RedisDownMarker) MarkFailure(ctx context.Context, host string) (bool, error) {
	keys := []string{redisFailKey(host), redisMarkerKey(host, r.nextID()), redisDownKey(host)}
	args := []interface{}{r.FailThreshold, int(r.DownDuration.Seconds()), int(r.markerTTL.Seconds())}
	res, err := r.client.Eval(ctx, markLuaScript, keys, args...)
	if err != nil {
		return false, fmt.Errorf("redis mark failure host=%s: %w", host, err)
	}
	n, ok := res.(int64)
	if !ok {
		return false, nil
	}
	return n == int64(r.FailThreshold), nil
}

func (r *RedisDownMarker) ClearFailures(ctx context.Context, host string) error {
	_, err := r.client.Eval(ctx, clearLuaScript, []string{redisFailKey(host), redisDownKey(host)})
	if err != nil {
		return fmt.Errorf("redis clear failures host=%s: %w", host, err)
	}
	return nil
}

const isDownLuaScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 1
end
return 0
`

func (r *RedisDownMarker) IsDown(ctx context.Context, host string) (bool, error) {
	res, err := r.client.Eval(ctx, isDownLuaScript, []string{redisDownKey(host)})
	if err != nil {
		return false, fmt.Errorf("redis is-down host=%s: %w", host, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}
