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

import (
	"bytes"
	"testing"
)

func roundTrip(t *testing.T, f Frame) {
	t.Helper()
	buf := make([]byte, f.Size())
	n := f.Store(buf)
	if n != f.Size() {
		t.Fatalf("%T: Store wrote %d, want %d", f, n, f.Size())
	}
	got, consumed := Parse(buf)
	if got == nil {
		t.Fatalf("%T: Parse returned nil", f)
	}
	if consumed != f.Size() {
		t.Fatalf("%T: Parse consumed %d, want %d", f, consumed, f.Size())
	}
	if got.Type() != f.Type() {
		t.Fatalf("%T: Parse produced type %v, want %v", f, got.Type(), f.Type())
	}
	buf2 := make([]byte, got.Size())
	got.Store(buf2)
	if !bytes.Equal(buf, buf2) {
		t.Fatalf("%T: round trip bytes differ", f)
	}
}

func TestRoundTripAllVariants(t *testing.T) {
	ft := uint64(3)
	cases := []Frame{
		&Padding{Length: 4},
		&Ping{},
		&Ack{LargestAcknowledged: 100, Delay: 5, FirstAckBlock: 10, Blocks: []AckBlock{{Gap: 1, Length: 2}, {Gap: 3, Length: 4}}},
		&RstStream{StreamID: 4, ErrorCode: 1, FinalOffset: 1000},
		&StopSending{StreamID: 4, ErrorCode: 2},
		&Crypto{Offset: 0, Data: []byte("client hello")},
		&NewToken{Token: []byte{1, 2, 3, 4}},
		&Stream{StreamID: 9, Offset: 0, Data: []byte("hello"), Fin: true, IncludeLength: true},
		&MaxData{Maximum: 65536},
		&MaxStreamData{StreamID: 4, Maximum: 4096},
		&MaxStreamID{Maximum: 17},
		&Blocked{Offset: 9000},
		&StreamBlocked{StreamID: 4, Offset: 512},
		&StreamIDBlocked{StreamID: 21},
		&NewConnectionID{Sequence: 1, ConnectionID: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		&PathChallenge{Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}},
		&PathResponse{Data: [8]byte{8, 7, 6, 5, 4, 3, 2, 1}},
		&Close{ErrorCode: 10, FrameType: &ft, Reason: "bad frame"},
		&Close{ErrorCode: 20, Reason: "app error"},
	}
	for _, f := range cases {
		roundTrip(t, f)
	}
}

func TestStoreInsufficientSpaceReturnsZero(t *testing.T) {
	f := &Ping{}
	if n := f.Store(nil); n != 0 {
		t.Fatalf("Store on empty buf returned %d, want 0", n)
	}
	s := &Stream{StreamID: 1, Data: []byte("abcdef")}
	small := make([]byte, s.Size()-1)
	if n := s.Store(small); n != 0 {
		t.Fatalf("Store into undersized buffer returned %d, want 0", n)
	}
}

func TestAckEliciting(t *testing.T) {
	notEliciting := []Frame{&Padding{Length: 1}, &Ack{}, &Close{ErrorCode: 1}}
	for _, f := range notEliciting {
		if AckEliciting(f) {
			t.Fatalf("%v unexpectedly ack-eliciting", f.DebugDescription())
		}
	}
	eliciting := []Frame{&Ping{}, &Stream{StreamID: 1, Data: []byte("x")}, &Crypto{Data: []byte("y")}}
	for _, f := range eliciting {
		if !AckEliciting(f) {
			t.Fatalf("%v expected ack-eliciting", f.DebugDescription())
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	orig := &Ack{LargestAcknowledged: 1, Blocks: []AckBlock{{Gap: 1, Length: 2}}}
	clone := orig.Clone().(*Ack)
	clone.Blocks[0].Gap = 999
	if orig.Blocks[0].Gap == 999 {
		t.Fatal("mutating clone's blocks mutated the original: Clone is not a deep copy")
	}

	s := &Stream{StreamID: 1, Data: []byte("abc")}
	sc := s.Clone().(*Stream)
	sc.Data[0] = 'z'
	if s.Data[0] == 'z' {
		t.Fatal("mutating clone's data mutated the original")
	}
}

func TestStreamSplitBoundary(t *testing.T) {
	s := &Stream{StreamID: 1, Offset: 0, Data: bytes.Repeat([]byte{0x41}, 1000), Fin: true, IncludeLength: true}
	total := s.Size()
	left, right, ok := s.Split(500)
	if !ok {
		t.Fatal("split at valid boundary rejected")
	}
	ls := left.(*Stream)
	rs := right.(*Stream)
	if ls.Fin {
		t.Fatal("left half must not inherit fin")
	}
	if !rs.Fin {
		t.Fatal("right half must inherit fin")
	}
	if rs.Offset != ls.Offset+uint64(len(ls.Data)) {
		t.Fatalf("right.Offset = %d, want %d", rs.Offset, ls.Offset+uint64(len(ls.Data)))
	}
	if len(ls.Data)+len(rs.Data) != len(s.Data) {
		t.Fatalf("split data lengths %d+%d != original %d", len(ls.Data), len(rs.Data), len(s.Data))
	}
	combined := append(append([]byte(nil), ls.Data...), rs.Data...)
	if !bytes.Equal(combined, s.Data) {
		t.Fatal("concatenated split payloads differ from original payload")
	}
	_ = total
}

func TestStreamSplitOutOfRange(t *testing.T) {
	s := &Stream{StreamID: 1, Data: []byte("hello"), IncludeLength: true}
	prefix := s.headerPrefixLen()
	if _, _, ok := s.Split(prefix); ok {
		t.Fatal("split at exactly the prefix boundary must be rejected")
	}
	if _, _, ok := s.Split(s.Size()); ok {
		t.Fatal("split at or beyond total size must be rejected")
	}
}

func TestParseUnknownType(t *testing.T) {
	buf := []byte{0xfc, 0x01, 0x02}
	f, n := Parse(buf)
	if f == nil || f.Type() != TypeUnknown {
		t.Fatalf("expected UNKNOWN frame, got %v", f)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
}

func TestRetransmissionWrapperDelegates(t *testing.T) {
	inner := &Stream{StreamID: 1, Data: bytes.Repeat([]byte{1}, 100), IncludeLength: true}
	wrapped := &Retransmission{Inner: inner}
	if wrapped.Type() != TypeRetransmission {
		t.Fatal("wrapper must report TypeRetransmission")
	}
	if wrapped.Size() != inner.Size() {
		t.Fatal("wrapper size must mirror inner frame")
	}
	left, right, ok := wrapped.Split(50)
	if !ok {
		t.Fatal("wrapper split should delegate to a splittable inner frame")
	}
	if left.Type() != TypeRetransmission || right.Type() != TypeRetransmission {
		t.Fatal("split halves must still be wrapped")
	}
}
