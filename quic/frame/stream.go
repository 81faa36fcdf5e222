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

package frame

import "edgeproxy/quic/varint"

// Stream carries application data for one QUIC stream. The O, L, F header
// bits are derived from (Offset != 0, IncludeLength, Fin) at Store time
// and are never stored as independent fields.
type Stream struct {
	StreamID      uint64
	Offset        uint64
	Data          []byte
	Fin           bool
	IncludeLength bool // whether Store writes an explicit length field
}

func parseStream(buf []byte) (Frame, int) {
	if len(buf) < 1 {
		return nil, 0
	}
	flags := buf[0]
	hasOffset := flags&0x04 != 0
	hasLength := flags&0x02 != 0
	fin := flags&0x01 != 0

	pos := 1
	sid, n, err := varint.Decode(buf[pos:])
	if err != nil {
		return nil, 0
	}
	pos += n

	var offset uint64
	if hasOffset {
		offset, n, err = varint.Decode(buf[pos:])
		if err != nil {
			return nil, 0
		}
		pos += n
	}

	var dataLen uint64
	if hasLength {
		dataLen, n, err = varint.Decode(buf[pos:])
		if err != nil {
			return nil, 0
		}
		pos += n
	} else {
		dataLen = uint64(len(buf) - pos)
	}

	if uint64(len(buf)-pos) < dataLen {
		return nil, 0
	}
	data := buf[pos : pos+int(dataLen)]
	pos += int(dataLen)

	return &Stream{
		StreamID:      sid,
		Offset:        offset,
		Data:          data,
		Fin:           fin,
		IncludeLength: hasLength,
	}, pos
}

func (f *Stream) Type() FrameType { return TypeStream }

func (f *Stream) headerBits() byte {
	var b byte = byte(TypeStream)
	if f.Offset != 0 {
		b |= 0x04
	}
	if f.IncludeLength {
		b |= 0x02
	}
	if f.Fin {
		b |= 0x01
	}
	return b
}

func (f *Stream) Size() int {
	n := 1 + varint.Len(f.StreamID)
	if f.Offset != 0 {
		n += varint.Len(f.Offset)
	}
	if f.IncludeLength {
		n += varint.Len(uint64(len(f.Data)))
	}
	return n + len(f.Data)
}

func (f *Stream) Store(buf []byte) int {
	size := f.Size()
	if len(buf) < size {
		return 0
	}
	out := buf[:0]
	out = append(out, f.headerBits())
	out = putVarint(out, f.StreamID)
	if f.Offset != 0 {
		out = putVarint(out, f.Offset)
	}
	if f.IncludeLength {
		out = putVarint(out, uint64(len(f.Data)))
	}
	out = append(out, f.Data...)
	return len(out)
}

func (f *Stream) Clone() Frame {
	return &Stream{
		StreamID:      f.StreamID,
		Offset:        f.Offset,
		Data:          append([]byte(nil), f.Data...),
		Fin:           f.Fin,
		IncludeLength: f.IncludeLength,
	}
}

func (f *Stream) DebugDescription() string {
	return "type=STREAM id=" + itoa(int(f.StreamID)) + " size=" + itoa(f.Size())
}

// headerPrefixLen returns the number of bytes before the data field — the
// lower bound a Split point must exceed.
func (f *Stream) headerPrefixLen() int {
	return f.Size() - len(f.Data)
}

// Split implements Splittable. n is a byte offset into the frame's
// serialized form; sizeof_prefix < n < Size() must hold. The left half
// loses Fin; the right half inherits it and has its Offset recomputed as
// left.Offset + len(left.Data). The right half's IncludeLength mirrors the
// left half's.
func (f *Stream) Split(n int) (Frame, Frame, bool) {
	prefix := f.headerPrefixLen()
	total := f.Size()
	if n <= prefix || n >= total {
		return nil, nil, false
	}
	leftDataLen := n - prefix
	left := &Stream{
		StreamID:      f.StreamID,
		Offset:        f.Offset,
		Data:          append([]byte(nil), f.Data[:leftDataLen]...),
		Fin:           false,
		IncludeLength: f.IncludeLength,
	}
	right := &Stream{
		StreamID:      f.StreamID,
		Offset:        f.Offset + uint64(leftDataLen),
		Data:          append([]byte(nil), f.Data[leftDataLen:]...),
		Fin:           f.Fin,
		IncludeLength: f.IncludeLength,
	}
	return left, right, true
}
