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

// Package packet assembles and parses QUIC packets, dispatching payload
// protection to quic/protect and pulling packet numbers from per-space
// monotonic generators.
package packet

import (
	"sync/atomic"

	"github.com/rs/xid"

	"edgeproxy/quic/keys"
	"edgeproxy/quic/protect"
)

// Type enumerates the seven packet shapes the factory handles.
type Type int

const (
	TypeInitial Type = iota
	TypeHandshake
	TypeZeroRTT
	TypeOneRTT
	TypeRetry
	TypeVersionNegotiation
	TypeStatelessReset
)

// Outcome is the single result value the parse path must return — never
// more than one of these per packet.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeNotReady
	OutcomeIgnored
	OutcomeUnsupported
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeNotReady:
		return "NOT_READY"
	case OutcomeIgnored:
		return "IGNORED"
	case OutcomeUnsupported:
		return "UNSUPPORTED"
	case OutcomeFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// SupportedVersion is the one QUIC version this factory speaks.
const SupportedVersion uint32 = 1

// Packet is the decoded, unprotected form of a QUIC packet: header fields
// plus a plaintext frame payload ready for frame.Parse to walk.
type Packet struct {
	Type                 Type
	Version              uint32
	DestinationConnID    []byte
	SourceConnID         []byte
	PacketNumber         uint64
	Payload              []byte
	DebugID              xid.ID
}

// Space identifies one of the three packet-number spaces; 0-RTT and 1-RTT
// share the application-data space.
type Space int

const (
	SpaceInitial Space = iota
	SpaceHandshake
	SpaceApplication
	numSpaces
)

func spaceFor(t Type) Space {
	switch t {
	case TypeInitial:
		return SpaceInitial
	case TypeHandshake:
		return SpaceHandshake
	default:
		return SpaceApplication
	}
}

func phaseFor(t Type) keys.Phase {
	switch t {
	case TypeInitial:
		return keys.PhaseInitial
	case TypeHandshake:
		return keys.PhaseHandshake
	case TypeZeroRTT:
		return keys.Phase0RTT
	default:
		return keys.Phase1
	}
}

// NumberGenerator hands out monotonically increasing packet numbers per
// space, reset only by Discard (called when a key space is dropped).
type NumberGenerator struct {
	counters [numSpaces]atomic.Uint64
}

// Next returns the next packet number for t's space, starting at 0.
func (g *NumberGenerator) Next(t Type) uint64 {
	return g.counters[spaceFor(t)].Add(1) - 1
}

// Discard resets a space's counter, called when its key space is dropped
// and will never be reused.
func (g *NumberGenerator) Discard(t Type) {
	g.counters[spaceFor(t)].Store(0)
}

// Factory assembles and parses packets for one connection.
type Factory struct {
	reg  *keys.Registry
	prot *protect.Protector
	nums NumberGenerator
}

// New returns a Factory backed by reg for AEAD operations.
func New(reg *keys.Registry) *Factory {
	return &Factory{reg: reg, prot: protect.New(reg)}
}

// unprotectedTypes never carry AEAD protection.
func unprotectedType(t Type) bool {
	return t == TypeRetry || t == TypeVersionNegotiation || t == TypeStatelessReset
}

// Emit assembles cleartext with a header (built by buildHeader) and
// protects the payload. On protect failure it returns OutcomeFailed and
// no bytes; the caller is expected to drop the packet and log.
func (f *Factory) Emit(t Type, destConnID, sourceConnID []byte, version uint32, payload []byte) ([]byte, Outcome) {
	if unprotectedType(t) {
		return f.emitUnprotected(t, destConnID, sourceConnID, version, payload), OutcomeSuccess
	}

	pn := f.nums.Next(t)
	header := buildHeader(t, destConnID, sourceConnID, version, pn)
	phase := phaseFor(t)

	ct, err := f.prot.Protect(phase, pn, header, payload)
	if err != nil {
		return nil, OutcomeFailed
	}
	return append(header, ct...), OutcomeSuccess
}

func (f *Factory) emitUnprotected(t Type, destConnID, sourceConnID []byte, version uint32, payload []byte) []byte {
	header := buildHeader(t, destConnID, sourceConnID, version, 0)
	return append(header, payload...)
}

func buildHeader(t Type, destConnID, sourceConnID []byte, version uint32, pn uint64) []byte {
	var firstByte byte
	switch t {
	case TypeInitial:
		firstByte = 0xc0
	case TypeZeroRTT:
		firstByte = 0xd0
	case TypeHandshake:
		firstByte = 0xe0
	case TypeRetry:
		firstByte = 0xf0
	case TypeOneRTT:
		firstByte = 0x40
	case TypeVersionNegotiation:
		firstByte = 0x80
	case TypeStatelessReset:
		firstByte = 0x00
	}
	header := []byte{firstByte}
	header = append(header, byte(version>>24), byte(version>>16), byte(version>>8), byte(version))
	header = append(header, byte(len(destConnID)))
	header = append(header, destConnID...)
	if t != TypeOneRTT {
		header = append(header, byte(len(sourceConnID)))
		header = append(header, sourceConnID...)
	}
	if t != TypeVersionNegotiation && t != TypeRetry && t != TypeStatelessReset {
		header = append(header, byte(pn>>24), byte(pn>>16), byte(pn>>8), byte(pn))
	}
	return header
}

// headerLen recomputes how many bytes buildHeader would produce for a
// given type, so Parse can split header from protected payload.
func headerLen(t Type, destConnIDLen, sourceConnIDLen int) int {
	n := 1 + 4 + 1 + destConnIDLen
	if t != TypeOneRTT {
		n += 1 + sourceConnIDLen
	}
	if t != TypeVersionNegotiation && t != TypeRetry && t != TypeStatelessReset {
		n += 4
	}
	return n
}

func typeFromFirstByte(b byte) Type {
	switch {
	case b&0xf0 == 0xc0:
		return TypeInitial
	case b&0xf0 == 0xd0:
		return TypeZeroRTT
	case b&0xf0 == 0xe0:
		return TypeHandshake
	case b&0xf0 == 0xf0:
		return TypeRetry
	case b&0xf0 == 0x80:
		return TypeVersionNegotiation
	case b&0xc0 == 0x40:
		return TypeOneRTT
	default:
		return TypeStatelessReset
	}
}

// Parse loads a packet's header and, unless it is Retry/Stateless-Reset/
// Version-Negotiation, unprotects its payload. It returns exactly one
// Outcome.
func (f *Factory) Parse(buf []byte) (*Packet, Outcome) {
	if len(buf) < 6 {
		return nil, OutcomeFailed
	}
	firstByte := buf[0]
	t := typeFromFirstByte(firstByte)
	version := uint32(buf[1])<<24 | uint32(buf[2])<<16 | uint32(buf[3])<<8 | uint32(buf[4])

	if t != TypeVersionNegotiation && version != SupportedVersion {
		return nil, OutcomeUnsupported
	}

	pos := 5
	destLen := int(buf[pos])
	pos++
	if pos+destLen > len(buf) {
		return nil, OutcomeFailed
	}
	destConnID := buf[pos : pos+destLen]
	pos += destLen

	var sourceConnID []byte
	if t != TypeOneRTT {
		if pos >= len(buf) {
			return nil, OutcomeFailed
		}
		srcLen := int(buf[pos])
		pos++
		if pos+srcLen > len(buf) {
			return nil, OutcomeFailed
		}
		sourceConnID = buf[pos : pos+srcLen]
		pos += srcLen
	}

	if t == TypeStatelessReset || t == TypeRetry {
		return &Packet{Type: t, Version: version, DestinationConnID: destConnID, SourceConnID: sourceConnID, Payload: append([]byte(nil), buf[pos:]...), DebugID: xid.New()}, OutcomeSuccess
	}
	if t == TypeVersionNegotiation {
		return &Packet{Type: t, Version: version, DestinationConnID: destConnID, SourceConnID: sourceConnID, Payload: append([]byte(nil), buf[pos:]...), DebugID: xid.New()}, OutcomeSuccess
	}

	phase := phaseFor(t)
	if !f.reg.IsDecryptionKeyAvailable(phase) {
		if t == TypeInitial || t == TypeZeroRTT {
			return nil, OutcomeNotReady
		}
		return nil, OutcomeIgnored
	}

	if pos+4 > len(buf) {
		return nil, OutcomeFailed
	}
	pn := uint64(buf[pos])<<24 | uint64(buf[pos+1])<<16 | uint64(buf[pos+2])<<8 | uint64(buf[pos+3])
	pos += 4

	header := buf[:pos]
	ciphertext := buf[pos:]
	plaintext, err := f.prot.Unprotect(phase, pn, header, ciphertext)
	if err != nil {
		return nil, OutcomeFailed
	}

	return &Packet{
		Type:              t,
		Version:           version,
		DestinationConnID: destConnID,
		SourceConnID:      sourceConnID,
		PacketNumber:      pn,
		Payload:           plaintext,
		DebugID:           xid.New(),
	}, OutcomeSuccess
}
