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

// Package frame implements the QUIC frame codec: encode/decode for every
// frame variant, size queries, splitting, and cloning.
//
// A Frame is modeled as a small interface implemented by concrete value
// types (Stream, Ack, Ping, ...), not as a class hierarchy. Fields are
// plain Go values (slices, ints) rather than a dual "buffer-backed vs
// owned" accessor pair: a decoded frame's []byte fields already borrow
// their backing array the way a C++ "buffer-backed" view would, and Clone
// copies that array when independent ownership is required. This keeps a
// single representation per frame type instead of two.
package frame

import "edgeproxy/quic/varint"

// FrameType identifies the wire variant of a frame. Values below were
// chosen to mirror the shape of RFC 9000 §19 (STREAM occupying a small
// contiguous range whose low bits are flags) without claiming wire
// compatibility with any particular QUIC draft.
type FrameType uint8

const (
	TypePadding          FrameType = 0x00
	TypePing             FrameType = 0x01
	TypeAck              FrameType = 0x02
	TypeRstStream        FrameType = 0x04
	TypeStopSending      FrameType = 0x05
	TypeCrypto           FrameType = 0x06
	TypeNewToken         FrameType = 0x07
	TypeStream           FrameType = 0x08 // 0x08-0x0f: O,L,F flag bits in the low 3 bits
	streamTypeMax        FrameType = 0x0f
	TypeMaxData          FrameType = 0x10
	TypeMaxStreamData    FrameType = 0x11
	TypeMaxStreamID      FrameType = 0x12
	TypeBlocked          FrameType = 0x13
	TypeStreamBlocked    FrameType = 0x14
	TypeStreamIDBlocked  FrameType = 0x15
	TypeNewConnectionID  FrameType = 0x16
	TypePathChallenge    FrameType = 0x17
	TypePathResponse     FrameType = 0x18
	TypeConnectionClose  FrameType = 0x19
	TypeApplicationClose FrameType = 0x1a
	unknownThreshold     FrameType = 0x1b

	// TypeRetransmission tags the Retransmission wrapper. It is never
	// written to the wire; Store delegates to the wrapped frame.
	TypeRetransmission FrameType = 0xfe
	TypeUnknown        FrameType = 0xff
)

// Frame is the common contract every frame variant satisfies.
type Frame interface {
	Type() FrameType
	Size() int
	// Store serializes the frame into buf and returns the number of bytes
	// written. It writes either exactly Size() bytes or zero bytes — it
	// never partially writes.
	Store(buf []byte) int
	Clone() Frame
	DebugDescription() string
}

// Splittable is implemented by frame types that support splitting a
// frame's payload across two packets (today: only Stream).
type Splittable interface {
	Frame
	// Split divides the frame at byte offset n within its serialized form.
	// ok is false if n is out of the valid range (sizeof_prefix < n < Size()).
	Split(n int) (left, right Frame, ok bool)
}

// AckEliciting reports whether a frame obliges the receiver to send an ACK.
// PADDING, ACK, and CONNECTION_CLOSE (including the application-close
// variant) are not ack-eliciting; everything else is.
func AckEliciting(f Frame) bool {
	switch f.Type() {
	case TypePadding, TypeAck, TypeConnectionClose, TypeApplicationClose:
		return false
	default:
		return true
	}
}

// AnyAckEliciting is the disjunction used when deciding whether a packet as
// a whole is ack-eliciting.
func AnyAckEliciting(fs []Frame) bool {
	for _, f := range fs {
		if AckEliciting(f) {
			return true
		}
	}
	return false
}

// Parse dispatches on the first byte of buf: bytes at or
// above unknownThreshold decode as Unknown; bytes in the STREAM range
// decode as Stream; otherwise the byte names the type directly. It returns
// (nil, 0) on an empty buffer or on any truncation it cannot safely
// recover from — parsing an Unknown type is not a hard failure, callers
// decide what to do with it.
func Parse(buf []byte) (Frame, int) {
	if len(buf) == 0 {
		return nil, 0
	}
	t := FrameType(buf[0])
	switch {
	case t >= unknownThreshold:
		return parseUnknown(buf)
	case t >= TypeStream && t <= streamTypeMax:
		return parseStream(buf)
	default:
		return parseKnown(t, buf)
	}
}

func parseKnown(t FrameType, buf []byte) (Frame, int) {
	switch t {
	case TypePadding:
		return parsePadding(buf)
	case TypePing:
		return parsePing(buf)
	case TypeAck:
		return parseAck(buf)
	case TypeRstStream:
		return parseRstStream(buf)
	case TypeStopSending:
		return parseStopSending(buf)
	case TypeCrypto:
		return parseCrypto(buf)
	case TypeNewToken:
		return parseNewToken(buf)
	case TypeMaxData:
		return parseMaxData(buf)
	case TypeMaxStreamData:
		return parseMaxStreamData(buf)
	case TypeMaxStreamID:
		return parseMaxStreamID(buf)
	case TypeBlocked:
		return parseBlocked(buf)
	case TypeStreamBlocked:
		return parseStreamBlocked(buf)
	case TypeStreamIDBlocked:
		return parseStreamIDBlocked(buf)
	case TypeNewConnectionID:
		return parseNewConnectionID(buf)
	case TypePathChallenge:
		return parsePathChallenge(buf)
	case TypePathResponse:
		return parsePathResponse(buf)
	case TypeConnectionClose:
		return parseConnectionClose(buf, false)
	case TypeApplicationClose:
		return parseConnectionClose(buf, true)
	default:
		return parseUnknown(buf)
	}
}

// Unknown represents a frame type this codec does not recognize. It carries
// no decoded fields; it holds a copy of every byte from its type byte to
// the end of the buffer, and Parse reports all of them as consumed.
type Unknown struct {
	raw []byte
}

func parseUnknown(buf []byte) (Frame, int) {
	return &Unknown{raw: append([]byte(nil), buf...)}, len(buf)
}

func (f *Unknown) Type() FrameType { return TypeUnknown }
func (f *Unknown) Size() int { return len(f.raw) }
func (f *Unknown) DebugDescription() string { return "type=UNKNOWN size=" + itoa(len(f.raw)) }
func (f *Unknown) Clone() Frame { return &Unknown{raw: append([]byte(nil), f.raw...)} }
func (f *Unknown) Store(buf []byte) int {
	if len(buf) < len(f.raw) {
		return 0
	}
	return copy(buf, f.raw)
}

func putVarint(buf []byte, n uint64) []byte {
	out, _ := varint.Encode(buf, n)
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}
