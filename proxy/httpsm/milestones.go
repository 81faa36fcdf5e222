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

package httpsm

import "time"

// Milestone names one timestamp captured during a transaction. The set is
// fixed; each is recorded at most once.
type Milestone int

const (
	MilestoneSMStart Milestone = iota
	MilestoneUABegin
	MilestoneUAFirstRead
	MilestoneUAReadHeaderDone
	MilestoneCacheOpenReadBegin
	MilestoneCacheOpenReadEnd
	MilestoneCacheOpenWriteBegin
	MilestoneCacheOpenWriteEnd
	MilestoneDNSLookupBegin
	MilestoneDNSLookupEnd
	MilestoneServerConnect
	MilestoneServerConnectEnd
	MilestoneServerFirstRead
	MilestoneServerReadHeaderDone
	MilestoneUABeginWrite
	MilestoneUAClose
	MilestoneSMFinish

	numMilestones
)

// Milestones records the transaction's timestamps plus the accumulated
// in-observer time from API callouts.
type Milestones struct {
	stamps [numMilestones]time.Time

	// APIActive is time spent inside observers that ran synchronously;
	// APITotal additionally includes observer time overlapping other
	// work. Both grow by the same delta per callout here.
	APIActive time.Duration
	APITotal  time.Duration

	now func() time.Time
}

// NewMilestones returns an empty record using the wall clock.
func NewMilestones() *Milestones {
	return &Milestones{now: time.Now}
}

// Record stamps m with the current time. The first stamp wins; re-records
// are ignored so retries never move an earlier milestone forward.
func (ms *Milestones) Record(m Milestone) {
	if ms.stamps[m].IsZero() {
		ms.stamps[m] = ms.now()
	}
}

// Clear unsets m. Used when redirect handling resets origin state.
func (ms *Milestones) Clear(m Milestone) {
	ms.stamps[m] = time.Time{}
}

// Get returns the stamp for m (zero if never recorded).
func (ms *Milestones) Get(m Milestone) time.Time { return ms.stamps[m] }

// AddAPITime accrues one callout's in-observer time.
func (ms *Milestones) AddAPITime(d time.Duration) {
	ms.APIActive += d
	ms.APITotal += d
}

// ordering lists the required non-decreasing chains: each pair (a, b)
// demands stamp(a) <= stamp(b) whenever both are set.
var ordering = [][2]Milestone{
	{MilestoneSMStart, MilestoneUABegin},
	{MilestoneUABegin, MilestoneUAFirstRead},
	{MilestoneUAFirstRead, MilestoneUAReadHeaderDone},
	{MilestoneUAReadHeaderDone, MilestoneCacheOpenReadBegin},
	{MilestoneUAReadHeaderDone, MilestoneDNSLookupBegin},
	{MilestoneUAReadHeaderDone, MilestoneServerConnect},
	{MilestoneCacheOpenReadBegin, MilestoneCacheOpenReadEnd},
	{MilestoneDNSLookupBegin, MilestoneDNSLookupEnd},
	{MilestoneServerConnect, MilestoneServerConnectEnd},
	{MilestoneServerFirstRead, MilestoneServerReadHeaderDone},
	{MilestoneCacheOpenReadEnd, MilestoneUABeginWrite},
	{MilestoneDNSLookupEnd, MilestoneUABeginWrite},
	{MilestoneServerReadHeaderDone, MilestoneUABeginWrite},
	{MilestoneUABeginWrite, MilestoneUAClose},
	{MilestoneUAClose, MilestoneSMFinish},
}

// Valid reports whether every recorded pair respects the partial order.
func (ms *Milestones) Valid() bool {
	for _, pair := range ordering {
		a, b := ms.stamps[pair[0]], ms.stamps[pair[1]]
		if a.IsZero() || b.IsZero() {
			continue
		}
		if b.Before(a) {
			return false
		}
	}
	return true
}
