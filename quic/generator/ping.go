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

package generator

import (
	"sync"

	"edgeproxy/quic/frame"
)

// PingGenerator emits PING frames; one PING clears every pending credit
// for its level. Credits come
// from explicit Request calls or are armed automatically for runs of
// un-ack-eliciting packets: a non-empty packet that is not ack-eliciting
// and whose predecessor at the same level was also not ack-eliciting (or
// there was no predecessor) arms one credit so the packet elicits an ACK.
// A packet that is already ack-eliciting consumes one credit instead,
// since no PING is needed on it.
type PingGenerator struct {
	mu      sync.Mutex
	pending map[Level]int

	// lastSeq/seen dedupe repeated queries for the same packet; prevAck
	// remembers whether the last processed packet was ack-eliciting.
	lastSeq map[Level]uint64
	seen    map[Level]bool
	prevAck map[Level]bool
}

// NewPingGenerator returns an empty PingGenerator.
func NewPingGenerator() *PingGenerator {
	return &PingGenerator{
		pending: make(map[Level]int),
		lastSeq: make(map[Level]uint64),
		seen:    make(map[Level]bool),
		prevAck: make(map[Level]bool),
	}
}

// Request increments the pending PING count for level.
func (p *PingGenerator) Request(level Level) {
	p.mu.Lock()
	p.pending[level]++
	p.mu.Unlock()
}

// Cancel decrements the pending count for level, never below zero.
func (p *PingGenerator) Cancel(level Level) {
	p.mu.Lock()
	if p.pending[level] > 0 {
		p.pending[level]--
	}
	p.mu.Unlock()
}

func (p *PingGenerator) WillGenerateFrame(level Level, currentPacketSize int, ackEliciting bool, sequenceNumber uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	// At most one answer per packet.
	if p.seen[level] && p.lastSeq[level] == sequenceNumber {
		return false
	}
	if currentPacketSize <= 0 {
		// Empty packet: no frame, no credit consumed, no state update.
		return false
	}
	p.seen[level] = true
	p.lastSeq[level] = sequenceNumber

	if ackEliciting {
		// The packet elicits an ACK already; a pending PING is unneeded
		// and its credit is consumed here without emitting a frame.
		if p.pending[level] > 0 {
			p.pending[level]--
		}
		p.prevAck[level] = true
		return false
	}

	// Second consecutive un-ack-eliciting packet (or the very first
	// packet): arm one credit so this one gets a PING.
	if !p.prevAck[level] && p.pending[level] == 0 {
		p.pending[level]++
	}
	p.prevAck[level] = false
	return p.pending[level] > 0
}

func (p *PingGenerator) GenerateFrame(level Level, connectionCredit, maxFrameSize, currentPacketSize int, sequenceNumber uint64) (frame.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending[level] <= 0 || maxFrameSize <= 0 {
		return nil, false
	}
	// One PING satisfies every pending request for the level; loss or ack
	// of the frame is irrelevant.
	p.pending[level] = 0
	return &frame.Ping{}, true
}

func (p *PingGenerator) OnFrameAcked(frameID uint64) {}
func (p *PingGenerator) OnFrameLost(frameID uint64)  {}

// Pending returns the current credit count for level, for tests and
// diagnostics.
func (p *PingGenerator) Pending(level Level) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending[level]
}
