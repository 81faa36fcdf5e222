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

// Package generator implements the frame-generator scheduling framework:
// a weight-ordered manager that polls registered generators while
// assembling a packet, plus small composable wrappers
// (once-per-sequence, level filtering) and the PingGenerator reference
// implementation.
package generator

import (
	"sort"

	"edgeproxy/quic/frame"
)

// Level is an encryption level a generator may be restricted to.
type Level int

const (
	LevelInitial Level = iota
	LevelHandshake
	LevelZeroRTT
	LevelOneRTT
)

// Weight orders generators within a Manager; ties resolve by insertion
// order.
type Weight int

const (
	WeightEarly      Weight = 100
	WeightBeforeData Weight = 200
	WeightAfterData  Weight = 300
	WeightLate       Weight = 400
)

// Generator is the abstract contract every frame source implements.
type Generator interface {
	WillGenerateFrame(level Level, currentPacketSize int, ackEliciting bool, sequenceNumber uint64) bool
	GenerateFrame(level Level, connectionCredit, maxFrameSize, currentPacketSize int, sequenceNumber uint64) (frame.Frame, bool)
	OnFrameAcked(frameID uint64)
	OnFrameLost(frameID uint64)
}

// entry pairs a generator with its static weight and insertion index, for
// stable weight-then-insertion ordering.
type entry struct {
	gen    Generator
	weight Weight
	order  int
}

// Manager holds generators ordered by weight, polling each in turn while
// assembling a packet.
type Manager struct {
	entries []entry
	next    int
}

// Register adds a generator at the given weight. Later registrations at
// the same weight sort after earlier ones.
func (m *Manager) Register(g Generator, w Weight) {
	m.entries = append(m.entries, entry{gen: g, weight: w, order: m.next})
	m.next++
	sort.SliceStable(m.entries, func(i, j int) bool {
		if m.entries[i].weight != m.entries[j].weight {
			return m.entries[i].weight < m.entries[j].weight
		}
		return m.entries[i].order < m.entries[j].order
	})
}

// Fill polls every registered generator in order, appending any frame it
// produces to out, until maxFrameSize/budget is exhausted or no
// generator has more to contribute this pass.
func (m *Manager) Fill(level Level, connectionCredit, maxFrameSize int, ackEliciting bool, sequenceNumber uint64) []frame.Frame {
	var produced []frame.Frame
	currentPacketSize := 0
	madeAckEliciting := ackEliciting

	for _, e := range m.entries {
		if !e.gen.WillGenerateFrame(level, currentPacketSize, madeAckEliciting, sequenceNumber) {
			continue
		}
		remaining := maxFrameSize - currentPacketSize
		if remaining <= 0 {
			continue
		}
		f, ok := e.gen.GenerateFrame(level, connectionCredit, remaining, currentPacketSize, sequenceNumber)
		if !ok || f == nil {
			continue
		}
		produced = append(produced, f)
		currentPacketSize += f.Size()
		if frame.AckEliciting(f) {
			madeAckEliciting = true
		}
	}
	return produced
}

// OncePerSequence wraps a Generator so it emits at most one frame per
// packet: it remembers the last sequence number it was asked about and
// short-circuits duplicate calls within the same packet.
type OncePerSequence struct {
	Generator
	lastSeen   uint64
	haveSeen   bool
	emittedFor uint64
	emitted    bool
}

func (o *OncePerSequence) WillGenerateFrame(level Level, currentPacketSize int, ackEliciting bool, sequenceNumber uint64) bool {
	if o.emitted && o.emittedFor == sequenceNumber {
		return false
	}
	if o.haveSeen && o.lastSeen == sequenceNumber {
		return false
	}
	o.haveSeen = true
	o.lastSeen = sequenceNumber
	return o.Generator.WillGenerateFrame(level, currentPacketSize, ackEliciting, sequenceNumber)
}

func (o *OncePerSequence) GenerateFrame(level Level, connectionCredit, maxFrameSize, currentPacketSize int, sequenceNumber uint64) (frame.Frame, bool) {
	f, ok := o.Generator.GenerateFrame(level, connectionCredit, maxFrameSize, currentPacketSize, sequenceNumber)
	if ok {
		o.emitted = true
		o.emittedFor = sequenceNumber
	}
	return f, ok
}

// LevelFilter wraps a Generator so it only answers true for a configured
// set of encryption levels; calls outside that set never observe true
// from WillGenerateFrame.
type LevelFilter struct {
	Generator
	Levels map[Level]bool
}

// NewLevelFilter defaults to {OneRTT} when no levels are given.
func NewLevelFilter(g Generator, levels ...Level) *LevelFilter {
	set := make(map[Level]bool)
	if len(levels) == 0 {
		set[LevelOneRTT] = true
	}
	for _, l := range levels {
		set[l] = true
	}
	return &LevelFilter{Generator: g, Levels: set}
}

func (lf *LevelFilter) WillGenerateFrame(level Level, currentPacketSize int, ackEliciting bool, sequenceNumber uint64) bool {
	if !lf.Levels[level] {
		return false
	}
	return lf.Generator.WillGenerateFrame(level, currentPacketSize, ackEliciting, sequenceNumber)
}
