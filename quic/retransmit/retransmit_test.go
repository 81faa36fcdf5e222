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

package retransmit

import (
	"bytes"
	"testing"

	"edgeproxy/quic/frame"
	"edgeproxy/quic/generator"
)

func TestSaveRejectsTypesOutsideAllowList(t *testing.T) {
	q := New(nil)
	if q.Save(generator.LevelOneRTT, &frame.Ping{}) {
		t.Fatal("PING is not in the default allow-list")
	}
	if q.Len() != 0 {
		t.Fatal("rejected frame must not be buffered")
	}
}

func TestSaveAcceptsStream(t *testing.T) {
	q := New(nil)
	if !q.Save(generator.LevelOneRTT, &frame.Stream{StreamID: 1, Data: []byte("abc")}) {
		t.Fatal("STREAM must be accepted by the default allow-list")
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}
}

func TestCreateRetransmittedFrameFitsWholeFrame(t *testing.T) {
	q := New(nil)
	s := &frame.Stream{StreamID: 1, Data: []byte("small")}
	q.Save(generator.LevelOneRTT, s)

	f, ok := q.CreateRetransmittedFrame(generator.LevelOneRTT, 1000)
	if !ok {
		t.Fatal("expected a frame")
	}
	wrapped, ok := f.(*frame.Retransmission)
	if !ok {
		t.Fatalf("expected *frame.Retransmission, got %T", f)
	}
	if wrapped.Inner.(*frame.Stream).StreamID != 1 {
		t.Fatal("wrong frame returned")
	}
	if q.Len() != 0 {
		t.Fatal("consumed frame must leave the queue")
	}
}

func TestCreateRetransmittedFrameSkipsOtherLevels(t *testing.T) {
	q := New(nil)
	handshakeFrame := &frame.Stream{StreamID: 2, Data: []byte("hs")}
	oneRTTFrame := &frame.Stream{StreamID: 3, Data: []byte("art")}
	q.Save(generator.LevelHandshake, handshakeFrame)
	q.Save(generator.LevelOneRTT, oneRTTFrame)

	f, ok := q.CreateRetransmittedFrame(generator.LevelOneRTT, 1000)
	if !ok {
		t.Fatal("expected a frame for LevelOneRTT")
	}
	got := f.(*frame.Retransmission).Inner.(*frame.Stream)
	if got.StreamID != 3 {
		t.Fatalf("got stream %d, want 3", got.StreamID)
	}
	// The handshake-level entry must have been restored, not dropped.
	if q.Len() != 1 {
		t.Fatalf("Len after scan = %d, want 1 (handshake entry restored)", q.Len())
	}
	f2, ok := q.CreateRetransmittedFrame(generator.LevelHandshake, 1000)
	if !ok {
		t.Fatal("expected the restored handshake frame")
	}
	if f2.(*frame.Retransmission).Inner.(*frame.Stream).StreamID != 2 {
		t.Fatal("restored entry must still be the original handshake frame")
	}
}

func TestCreateRetransmittedFrameSplitsOversizedEntry(t *testing.T) {
	q := New(nil)
	data := bytes.Repeat([]byte{0x41}, 1000)
	s := &frame.Stream{StreamID: 9, Data: data, IncludeLength: true, Fin: true}
	q.Save(generator.LevelOneRTT, s)

	f, ok := q.CreateRetransmittedFrame(generator.LevelOneRTT, 100)
	if !ok {
		t.Fatal("expected a split frame")
	}
	left := f.(*frame.Retransmission).Inner.(*frame.Stream)
	if left.Size() > 100 {
		t.Fatalf("left half size %d exceeds max %d", left.Size(), 100)
	}
	if left.Fin {
		t.Fatal("left half of a split must not carry Fin")
	}
	if q.Len() != 1 {
		t.Fatalf("Len after split = %d, want 1 (remainder requeued)", q.Len())
	}
}

func TestCreateRetransmittedFramePushesBackWhenSplitImpossible(t *testing.T) {
	q := New(nil)
	s := &frame.Stream{StreamID: 1, Data: []byte("abcdefgh")}
	q.Save(generator.LevelOneRTT, s)

	// maxSize smaller than the frame's fixed prefix: cannot split.
	_, ok := q.CreateRetransmittedFrame(generator.LevelOneRTT, 1)
	if ok {
		t.Fatal("expected no frame when split is impossible")
	}
	if q.Len() != 1 {
		t.Fatal("entry that could not be split or fit must remain in the queue")
	}
}

func TestCreateRetransmittedFrameEmptyQueue(t *testing.T) {
	q := New(nil)
	if _, ok := q.CreateRetransmittedFrame(generator.LevelOneRTT, 1000); ok {
		t.Fatal("empty queue must return false")
	}
}
