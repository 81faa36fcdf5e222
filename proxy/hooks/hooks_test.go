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

package hooks

import (
	"testing"
	"time"
)

// newSyncDriver returns a driver whose reschedules run inline, so tests stay
// deterministic without timers.
func newSyncDriver(reg *Registry) *Driver {
	d := NewDriver(reg, nil)
	d.schedule = func(_ time.Duration, fn func()) { fn() }
	return d
}

func TestDispatchOrderGlobalThenLocal(t *testing.T) {
	reg := &Registry{}
	var order []string
	reg.Register(ReadRequestHdr, NewObserver(func(ID) Action {
		order = append(order, "g1")
		return Continue
	}))
	reg.Register(ReadRequestHdr, NewObserver(func(ID) Action {
		order = append(order, "g2")
		return Continue
	}))
	local := []*Observer{NewObserver(func(ID) Action {
		order = append(order, "l1")
		return Continue
	})}

	var res Result
	newSyncDriver(reg).Dispatch(ReadRequestHdr, local, func(r Result) { res = r })

	if res.Action != Continue {
		t.Fatalf("action = %v, want Continue", res.Action)
	}
	want := []string{"g1", "g2", "l1"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestDispatchErrorStopsChain(t *testing.T) {
	reg := &Registry{}
	invoked := 0
	reg.Register(SendResponseHdr, NewObserver(func(ID) Action {
		invoked++
		return Error
	}))
	reg.Register(SendResponseHdr, NewObserver(func(ID) Action {
		invoked++
		return Continue
	}))

	var res Result
	newSyncDriver(reg).Dispatch(SendResponseHdr, nil, func(r Result) { res = r })

	if res.Action != Error {
		t.Fatalf("action = %v, want Error", res.Action)
	}
	if invoked != 1 {
		t.Fatalf("invoked = %d observers, want 1", invoked)
	}
}

func TestDispatchReschedulesOnContendedLock(t *testing.T) {
	reg := &Registry{}
	obs := NewObserver(func(ID) Action { return Continue })
	reg.Register(OSDNS, obs)

	d := NewDriver(reg, nil)
	var rescheduled int
	var pending func()
	d.schedule = func(_ time.Duration, fn func()) {
		rescheduled++
		pending = fn
	}

	obs.Lock()
	doneCalled := false
	d.Dispatch(OSDNS, nil, func(Result) { doneCalled = true })

	if doneCalled {
		t.Fatal("done fired while observer lock was held")
	}
	if rescheduled != 1 {
		t.Fatalf("rescheduled = %d, want 1", rescheduled)
	}

	obs.Unlock()
	pending()
	if !doneCalled {
		t.Fatal("done did not fire after lock release and retry")
	}
}

func TestDispatchAccumulatesAPITime(t *testing.T) {
	reg := &Registry{}
	reg.Register(TxnClose, NewObserver(func(ID) Action { return Continue }))
	reg.Register(TxnClose, NewObserver(func(ID) Action { return Continue }))

	d := newSyncDriver(reg)
	// Each observer call advances the fake clock by 5ms.
	fake := time.Unix(0, 0)
	d.now = func() time.Time {
		fake = fake.Add(5 * time.Millisecond)
		return fake
	}

	var res Result
	d.Dispatch(TxnClose, nil, func(r Result) { res = r })
	if res.APITime != 10*time.Millisecond {
		t.Fatalf("APITime = %v, want 10ms", res.APITime)
	}
}

func TestRewindReported(t *testing.T) {
	reg := &Registry{}
	local := []*Observer{NewObserver(func(ID) Action { return Rewind })}
	var res Result
	newSyncDriver(reg).Dispatch(PostRemap, local, func(r Result) { res = r })
	if res.Action != Rewind {
		t.Fatalf("action = %v, want Rewind", res.Action)
	}
}

func TestHookIDNames(t *testing.T) {
	if got := ReadRequestHdr.String(); got != "READ_REQUEST_HDR" {
		t.Fatalf("ReadRequestHdr = %q", got)
	}
	if got := CacheLookupComplete.String(); got != "CACHE_LOOKUP_COMPLETE" {
		t.Fatalf("CacheLookupComplete = %q", got)
	}
	if got := ID(99).String(); got != "UNKNOWN_HOOK" {
		t.Fatalf("out of range = %q", got)
	}
}
