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

// Package retransmit buffers lost, retransmit-eligible frames and replays
// them into later packets. The queue is per-connection, ordered by loss
// order, and drained head-first by encryption level.
package retransmit

import (
	"container/list"
	"sync"

	"edgeproxy/quic/frame"
	"edgeproxy/quic/generator"
)

// entry is one saved retransmit-eligible frame awaiting replay.
type entry struct {
	level generator.Level
	f     frame.Frame
}

// AllowList decides which frame types are eligible for retransmission
// buffering. The default allows only STREAM; callers may widen it.
type AllowList map[frame.FrameType]bool

// DefaultAllowList permits only frame.TypeStream.
func DefaultAllowList() AllowList {
	return AllowList{frame.TypeStream: true}
}

// Queue is the per-connection retransmission buffer.
type Queue struct {
	mu      sync.Mutex
	entries *list.List
	allow   AllowList
}

// New returns an empty Queue gated by allow. A nil allow uses
// DefaultAllowList.
func New(allow AllowList) *Queue {
	if allow == nil {
		allow = DefaultAllowList()
	}
	return &Queue{entries: list.New(), allow: allow}
}

// Save transfers a lost frame into the queue if its type is eligible.
// Returns false if the frame's type is not in the allow-list, in which
// case the caller must not retry saving it.
func (q *Queue) Save(level generator.Level, f frame.Frame) bool {
	if !q.allow[f.Type()] {
		return false
	}
	q.mu.Lock()
	q.entries.PushBack(&entry{level: level, f: f})
	q.mu.Unlock()
	return true
}

// Len reports how many frames are currently buffered, across all levels.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}

// CreateRetransmittedFrame scans the queue head-first for the first entry
// matching level that yields a frame fitting within maxSize. Entries of a
// different level are moved to a temporary holding deque and restored, in
// order, after the scan. If the head candidate doesn't fit, it is split
// via frame.Splittable; if splitting isn't possible, the entry is pushed
// back and the scan continues with the next entry.
//
// Invariant: every entry present at entry to this call ends up either (a)
// consumed and returned as the produced frame, or (b) still present in
// the queue.
func (q *Queue) CreateRetransmittedFrame(level generator.Level, maxSize int) (frame.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	holding := list.New()
	defer func() {
		// Restore holding-deque entries to the front, in original order.
		for e := holding.Back(); e != nil; e = e.Prev() {
			q.entries.PushFront(e.Value)
		}
	}()

	for {
		e := q.entries.Front()
		if e == nil {
			return nil, false
		}
		ent := e.Value.(*entry)
		if ent.level != level {
			q.entries.Remove(e)
			holding.PushBack(ent)
			continue
		}

		if ent.f.Size() <= maxSize {
			q.entries.Remove(e)
			return &frame.Retransmission{Inner: ent.f}, true
		}

		s, ok := ent.f.(frame.Splittable)
		if !ok {
			// Can't split and doesn't fit: push back, keep scanning past it.
			q.entries.Remove(e)
			holding.PushBack(ent)
			continue
		}
		left, right, ok := s.Split(maxSize)
		if !ok {
			q.entries.Remove(e)
			holding.PushBack(ent)
			continue
		}
		q.entries.Remove(e)
		q.entries.PushFront(&entry{level: ent.level, f: right})
		return &frame.Retransmission{Inner: left}, true
	}
}
