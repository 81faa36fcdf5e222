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
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// TrackerGroup identifies one outbound counting domain.
type TrackerGroup struct {
	Host string
	Port int
}

func (g TrackerGroup) key() string { return g.Host + ":" + strconv.Itoa(g.Port) }

// groupState holds the per-group atomic counter plus a token bucket
// pacing new connection attempts to the group's host.
type groupState struct {
	active  atomic.Int64
	limiter *rate.Limiter
}

// Tracker counts outbound connections per (host, port) group against a
// per-group cap and a global credit. Reserve/Release pair around each
// connection attempt; a transaction blocked by either limit gets a
// throttled response from the state machine.
type Tracker struct {
	perGroupMax  int64
	globalCredit atomic.Int64
	groups       sync.Map // key() -> *groupState

	ratePerSecond rate.Limit
	rateBurst     int
}

// NewTracker builds a tracker allowing perGroupMax connections per group
// and globalCredit total. ratePerSecond/rateBurst configure the per-host
// token bucket; ratePerSecond <= 0 disables pacing.
func NewTracker(perGroupMax, globalCredit int, ratePerSecond, rateBurst int) *Tracker {
	t := &Tracker{
		perGroupMax:   int64(perGroupMax),
		ratePerSecond: rate.Limit(ratePerSecond),
		rateBurst:     rateBurst,
	}
	t.globalCredit.Store(int64(globalCredit))
	return t
}

func (t *Tracker) state(g TrackerGroup) *groupState {
	if v, ok := t.groups.Load(g.key()); ok {
		return v.(*groupState)
	}
	gs := &groupState{}
	if t.ratePerSecond > 0 {
		gs.limiter = rate.NewLimiter(t.ratePerSecond, t.rateBurst)
	}
	if actual, loaded := t.groups.LoadOrStore(g.key(), gs); loaded {
		return actual.(*groupState)
	}
	return gs
}

// ReserveOutcome is the result of Tracker.Reserve.
type ReserveOutcome int

const (
	// Reserved means the caller holds one unit of the group's and the
	// global budget; Release must follow.
	Reserved ReserveOutcome = iota
	// ThrottledPerHost means the group hit its cap or its token bucket.
	ThrottledPerHost
	// ThrottledGlobal means the cross-host credit is exhausted.
	ThrottledGlobal
)

// Reserve claims one outbound slot for g.
func (t *Tracker) Reserve(g TrackerGroup) ReserveOutcome {
	gs := t.state(g)

	if gs.limiter != nil && !gs.limiter.Allow() {
		return ThrottledPerHost
	}
	if n := gs.active.Add(1); t.perGroupMax > 0 && n > t.perGroupMax {
		gs.active.Add(-1)
		return ThrottledPerHost
	}
	if c := t.globalCredit.Add(-1); c < 0 {
		t.globalCredit.Add(1)
		gs.active.Add(-1)
		return ThrottledGlobal
	}
	return Reserved
}

// Release returns a slot claimed by a successful Reserve.
func (t *Tracker) Release(g TrackerGroup) {
	gs := t.state(g)
	gs.active.Add(-1)
	t.globalCredit.Add(1)
}

// Active reports the current count for g.
func (t *Tracker) Active(g TrackerGroup) int64 {
	return t.state(g).active.Load()
}
