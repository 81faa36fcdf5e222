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

// Retransmission wraps a frame that is being re-sent after the original
// packet carrying it was declared lost. It is never
// itself written to the wire: Store/Size/Clone all delegate to the
// wrapped frame so callers can treat a retransmission exactly like the
// frame it carries, while the retransmitter can still type-switch on
// Type() == TypeRetransmission to find a previously-wrapped entry.
type Retransmission struct {
	Inner Frame
}

func (f *Retransmission) Type() FrameType { return TypeRetransmission }
func (f *Retransmission) Size() int { return f.Inner.Size() }
func (f *Retransmission) Store(buf []byte) int { return f.Inner.Store(buf) }
func (f *Retransmission) Clone() Frame {
	return &Retransmission{Inner: f.Inner.Clone()}
}
func (f *Retransmission) DebugDescription() string {
	return "type=RETRANSMISSION(" + f.Inner.DebugDescription() + ")"
}

// Split delegates to the wrapped frame when it is Splittable, re-wrapping
// both halves so the retransmission bookkeeping survives a split.
func (f *Retransmission) Split(n int) (Frame, Frame, bool) {
	s, ok := f.Inner.(Splittable)
	if !ok {
		return nil, nil, false
	}
	left, right, ok := s.Split(n)
	if !ok {
		return nil, nil, false
	}
	return &Retransmission{Inner: left}, &Retransmission{Inner: right}, true
}
