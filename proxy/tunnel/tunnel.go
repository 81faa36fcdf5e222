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

// Package tunnel pumps bytes from N producers to M consumers with an
// explicit chunked-encoding policy at each edge. Transform VCs appear as
// a consumer of the upstream producer chained to a downstream producer of
// their own.
package tunnel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httputil"
)

// ChunkingAction is a producer's declared treatment of its byte stream.
type ChunkingAction int

const (
	// PassthruChunked forwards already-chunked bytes untouched.
	PassthruChunked ChunkingAction = iota
	// PassthruDechunked forwards identity-framed bytes untouched.
	PassthruDechunked
	// Chunk applies chunked transfer-encoding on the way out.
	Chunk
	// Dechunk strips chunked transfer-encoding on the way in.
	Dechunk
)

func (a ChunkingAction) String() string {
	switch a {
	case PassthruChunked:
		return "PASSTHRU_CHUNKED_CONTENT"
	case PassthruDechunked:
		return "PASSTHRU_DECHUNKED_CONTENT"
	case Chunk:
		return "CHUNK_CONTENT"
	case Dechunk:
		return "DECHUNK_CONTENT"
	default:
		return fmt.Sprintf("ChunkingAction(%d)", int(a))
	}
}

// SelectAction picks the producer action for a client/origin boundary:
// whether the inbound side speaks chunked, whether the outbound side
// does, and whether the body length is known up front.
//
//	in=yes out=yes          -> PASSTHRU_CHUNKED_CONTENT
//	in=yes out=no           -> DECHUNK_CONTENT
//	in=no  out=yes, len unknown -> CHUNK_CONTENT
//	otherwise               -> PASSTHRU_DECHUNKED_CONTENT
func SelectAction(inChunked, outChunked, knownLength bool) ChunkingAction {
	switch {
	case inChunked && outChunked:
		return PassthruChunked
	case inChunked && !outChunked:
		return Dechunk
	case !inChunked && outChunked && !knownLength:
		return Chunk
	default:
		return PassthruDechunked
	}
}

// Event is the terminal outcome a tunnel reports per producer.
type Event int

const (
	// EventDone means the producer's bytes were fully delivered.
	EventDone Event = iota
	// EventParseError means chunked framing on the producer was malformed.
	EventParseError
	// EventPrecomplete means the declared content length was reached
	// before the source signalled EOS.
	EventPrecomplete
	// EventConsumerDetach means the client consumer died and background
	// fill was not permitted to continue.
	EventConsumerDetach
)

func (e Event) String() string {
	switch e {
	case EventDone:
		return "DONE"
	case EventParseError:
		return "PARSE_ERROR"
	case EventPrecomplete:
		return "PRECOMPLETE"
	case EventConsumerDetach:
		return "CONSUMER_DETACH"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// Consumer is one sink of a producer's bytes. A transform consumer names
// a chained downstream producer that re-enters the tunnel with the
// transform's output.
type Consumer struct {
	Name     string
	Sink     io.Writer
	IsClient bool

	// Chained, when non-nil, is the downstream producer spliced onto
	// this consumer (transform VCs).
	Chained *Producer

	detached bool
}

// Producer is one source of bytes with a declared chunking action.
type Producer struct {
	Name   string
	Source io.Reader
	Action ChunkingAction

	// ContentLength is the declared body size, or -1 when unknown.
	ContentLength int64

	// ChunkSize bounds the chunks written under the Chunk action.
	ChunkSize int

	consumers []*Consumer
	consumed  int64
}

// AddConsumer attaches a sink to p and returns it.
func (p *Producer) AddConsumer(name string, sink io.Writer, isClient bool) *Consumer {
	c := &Consumer{Name: name, Sink: sink, IsClient: isClient}
	p.consumers = append(p.consumers, c)
	return c
}

// Consumed reports how many payload bytes p has delivered so far.
func (p *Producer) Consumed() int64 { return p.consumed }

// Tunnel multiplexes producers to consumers. One Tunnel belongs to one
// transaction; Run drives it to completion.
type Tunnel struct {
	Log *slog.Logger

	// BackgroundFillThreshold is the fraction of the declared content
	// length that must already be consumed before a dead client consumer
	// may be detached while other consumers keep filling.
	BackgroundFillThreshold float64
	// BackgroundFillDisabled forces EventConsumerDetach whenever the
	// client dies, regardless of progress.
	BackgroundFillDisabled bool

	// OnEvent receives the terminal event for each producer.
	OnEvent func(p *Producer, ev Event)

	producers []*Producer
}

// New returns an empty tunnel.
func New(log *slog.Logger) *Tunnel {
	return &Tunnel{Log: log, BackgroundFillThreshold: 0.5}
}

// AddProducer registers a byte source with the tunnel.
func (t *Tunnel) AddProducer(name string, src io.Reader, action ChunkingAction, contentLength int64, chunkSize int) *Producer {
	if chunkSize <= 0 {
		chunkSize = 32 * 1024
	}
	p := &Producer{
		Name:          name,
		Source:        src,
		Action:        action,
		ContentLength: contentLength,
		ChunkSize:     chunkSize,
	}
	t.producers = append(t.producers, p)
	return p
}

// Run pumps initial to completion, then any producers chained behind its
// transform consumers. Each producer's terminal event is delivered via
// OnEvent; the first producer's event is also returned.
func (t *Tunnel) Run(initial *Producer) Event {
	ev := t.pump(initial)
	t.emit(initial, ev)

	for _, c := range initial.consumers {
		if c.Chained == nil || c.detached {
			continue
		}
		if closer, ok := c.Sink.(io.Closer); ok {
			closer.Close()
		}
		chained := t.pump(c.Chained)
		t.emit(c.Chained, chained)
	}
	return ev
}

func (t *Tunnel) emit(p *Producer, ev Event) {
	if t.Log != nil {
		t.Log.Debug("tunnel producer finished", "producer", p.Name, "event", ev.String(), "consumed", p.consumed)
	}
	if t.OnEvent != nil {
		t.OnEvent(p, ev)
	}
}

// pump moves p's bytes to its consumers until EOS, error, or detach.
func (t *Tunnel) pump(p *Producer) Event {
	src := p.Source
	if p.Action == Dechunk {
		src = httputil.NewChunkedReader(bufio.NewReader(p.Source))
	}

	chunking := p.Action == Chunk
	var chunkWriters map[*Consumer]io.WriteCloser
	if chunking {
		chunkWriters = make(map[*Consumer]io.WriteCloser, len(p.consumers))
		for _, c := range p.consumers {
			chunkWriters[c] = httputil.NewChunkedWriter(c.Sink)
		}
	}

	buf := make([]byte, p.ChunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			p.consumed += int64(n)
			if ev, stop := t.deliver(p, chunkWriters, buf[:n]); stop {
				return ev
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if p.Action == Dechunk {
				return EventParseError
			}
			// Source truncation: the owner closes the inbound side to
			// signal it; the tunnel itself reports completion of what it
			// saw.
			if t.Log != nil {
				t.Log.Debug("tunnel producer read error", "producer", p.Name, "err", err)
			}
			break
		}
		if p.ContentLength >= 0 && p.consumed >= p.ContentLength {
			if chunking {
				closeChunkWriters(p, chunkWriters)
			}
			return EventPrecomplete
		}
	}

	if chunking {
		closeChunkWriters(p, chunkWriters)
	}
	return EventDone
}

func closeChunkWriters(p *Producer, writers map[*Consumer]io.WriteCloser) {
	for c, w := range writers {
		if !c.detached {
			w.Close()
		}
	}
}

// deliver writes one block to every live consumer, handling write errors
// as detaches. A dead client consumer triggers the background-fill
// decision; losing the last consumer stops the pump.
func (t *Tunnel) deliver(p *Producer, chunkWriters map[*Consumer]io.WriteCloser, block []byte) (Event, bool) {
	for _, c := range p.consumers {
		if c.detached {
			continue
		}
		var w io.Writer = c.Sink
		if chunkWriters != nil {
			w = chunkWriters[c]
		}
		if _, err := w.Write(block); err != nil {
			c.detached = true
			if t.Log != nil {
				t.Log.Debug("tunnel consumer detached", "producer", p.Name, "consumer", c.Name, "err", err)
			}
			if c.IsClient && !t.backgroundFillAllowed(p) {
				return EventConsumerDetach, true
			}
		}
	}
	if p.liveConsumers() == 0 {
		return EventConsumerDetach, true
	}
	return 0, false
}

func (p *Producer) liveConsumers() int {
	n := 0
	for _, c := range p.consumers {
		if !c.detached {
			n++
		}
	}
	return n
}

// backgroundFillAllowed decides whether the tunnel may keep pumping to
// the remaining consumers after the client died.
func (t *Tunnel) backgroundFillAllowed(p *Producer) bool {
	if t.BackgroundFillDisabled {
		return false
	}
	if p.liveConsumers() == 0 {
		// Only the dying client was attached; nothing left to fill.
		return false
	}
	if p.ContentLength <= 0 {
		return false
	}
	frac := float64(p.consumed) / float64(p.ContentLength)
	return frac >= t.BackgroundFillThreshold
}
