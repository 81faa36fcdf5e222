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

package tunnel

import (
	"bytes"
	"errors"
	"io"
)

// VC is a byte-oriented virtual connection with deferred I/O completion.
// net.Conn satisfies it, as do in-memory test doubles.
type VC interface {
	io.Reader
	io.Writer
	io.Closer
}

// VIO tracks one registered read or write against a VC: how many bytes
// were requested and how many have completed.
type VIO struct {
	NBytes int64
	NDone  int64
}

// Entry is one slot of a transaction's VC table.
type Entry struct {
	ID       int
	VC       VC
	ReadVIO  VIO
	WriteVIO VIO
	InTunnel bool
	EOS      bool

	// ReadHandler and WriteHandler receive I/O completion events routed
	// to this entry.
	ReadHandler  func(*Entry)
	WriteHandler func(*Entry)

	WriteBuffer *bytes.Buffer

	used bool
}

// vcTableCapacity bounds the number of live VCs one transaction may hold:
// client, origin, cache read, cache write, plus a transform or push slot.
const vcTableCapacity = 5

// ErrTableFull is returned when every table slot is in use.
var ErrTableFull = errors.New("tunnel: vc table full")

// Table is the fixed-capacity VC table owned by one transaction. Entries
// are created at transaction start, origin connect, transform open, and
// push; they are destroyed only via CleanupEntry.
type Table struct {
	entries [vcTableCapacity]Entry
}

// NewEntry claims a free slot for vc.
func (t *Table) NewEntry(vc VC) (*Entry, error) {
	for i := range t.entries {
		if t.entries[i].used {
			continue
		}
		t.entries[i] = Entry{
			ID:          i,
			VC:          vc,
			WriteBuffer: &bytes.Buffer{},
			used:        true,
		}
		return &t.entries[i], nil
	}
	return nil, ErrTableFull
}

// Get returns the entry with the given id, or nil.
func (t *Table) Get(id int) *Entry {
	if id < 0 || id >= vcTableCapacity || !t.entries[id].used {
		return nil
	}
	return &t.entries[id]
}

// Len reports how many slots are in use.
func (t *Table) Len() int {
	n := 0
	for i := range t.entries {
		if t.entries[i].used {
			n++
		}
	}
	return n
}

// CleanupEntry closes the entry's VC and releases its slot. Cancelling
// pending I/O is the zeroing of the VIOs; handlers registered on the
// entry never fire again.
func (t *Table) CleanupEntry(e *Entry) {
	if e == nil || !e.used {
		return
	}
	if e.VC != nil {
		e.VC.Close()
	}
	t.entries[e.ID] = Entry{ID: e.ID}
}

// CleanupAll releases every used slot. Called from transaction teardown,
// which guarantees a close for every successful open.
func (t *Table) CleanupAll() {
	for i := range t.entries {
		if t.entries[i].used {
			t.CleanupEntry(&t.entries[i])
		}
	}
}
