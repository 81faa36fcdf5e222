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

// AckBlock is one (gap, length) pair following the first ack block.
type AckBlock struct {
	Gap    uint64
	Length uint64
}

// Ack reports which packet numbers have been received. Blocks are stored
// in insertion order and iterated stably.
type Ack struct {
	LargestAcknowledged uint64
	Delay               uint64
	FirstAckBlock       uint64
	Blocks              []AckBlock
}

func parseAck(buf []byte) (Frame, int) {
	pos := 1
	largest, n, err := varint.Decode(buf[pos:])
	if err != nil {
		return nil, 0
	}
	pos += n

	delay, n, err := varint.Decode(buf[pos:])
	if err != nil {
		return nil, 0
	}
	pos += n

	blockCount, n, err := varint.Decode(buf[pos:])
	if err != nil {
		return nil, 0
	}
	pos += n

	first, n, err := varint.Decode(buf[pos:])
	if err != nil {
		return nil, 0
	}
	pos += n

	blocks := make([]AckBlock, 0, blockCount)
	for i := uint64(0); i < blockCount; i++ {
		gap, n, err := varint.Decode(buf[pos:])
		if err != nil {
			return nil, 0
		}
		pos += n
		length, n, err := varint.Decode(buf[pos:])
		if err != nil {
			return nil, 0
		}
		pos += n
		blocks = append(blocks, AckBlock{Gap: gap, Length: length})
	}

	return &Ack{
		LargestAcknowledged: largest,
		Delay:               delay,
		FirstAckBlock:       first,
		Blocks:              blocks,
	}, pos
}

func (f *Ack) Type() FrameType { return TypeAck }

func (f *Ack) Size() int {
	n := 1 + varint.Len(f.LargestAcknowledged) + varint.Len(f.Delay) +
		varint.Len(uint64(len(f.Blocks))) + varint.Len(f.FirstAckBlock)
	for _, b := range f.Blocks {
		n += varint.Len(b.Gap) + varint.Len(b.Length)
	}
	return n
}

func (f *Ack) Store(buf []byte) int {
	size := f.Size()
	if len(buf) < size {
		return 0
	}
	out := buf[:0]
	out = append(out, byte(TypeAck))
	out = putVarint(out, f.LargestAcknowledged)
	out = putVarint(out, f.Delay)
	out = putVarint(out, uint64(len(f.Blocks)))
	out = putVarint(out, f.FirstAckBlock)
	for _, b := range f.Blocks {
		out = putVarint(out, b.Gap)
		out = putVarint(out, b.Length)
	}
	return len(out)
}

// Clone deep-copies the block section, so mutating a clone's Blocks
// slice never affects the original.
func (f *Ack) Clone() Frame {
	blocks := make([]AckBlock, len(f.Blocks))
	copy(blocks, f.Blocks)
	return &Ack{
		LargestAcknowledged: f.LargestAcknowledged,
		Delay:               f.Delay,
		FirstAckBlock:       f.FirstAckBlock,
		Blocks:              blocks,
	}
}

func (f *Ack) DebugDescription() string {
	return "type=ACK largest=" + itoa(int(f.LargestAcknowledged)) + " blocks=" + itoa(len(f.Blocks))
}
