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

// Padding is Length consecutive zero bytes. Modeling a run rather than one
// frame per byte keeps size queries and Store cheap for the common
// multi-byte pad.
type Padding struct {
	Length int
}

func parsePadding(buf []byte) (Frame, int) {
	n := 0
	for n < len(buf) && buf[n] == byte(TypePadding) {
		n++
	}
	return &Padding{Length: n}, n
}

func (f *Padding) Type() FrameType { return TypePadding }
func (f *Padding) Size() int { return f.Length }
func (f *Padding) Clone() Frame { return &Padding{Length: f.Length} }
func (f *Padding) DebugDescription() string { return "type=PADDING len=" + itoa(f.Length) }
func (f *Padding) Store(buf []byte) int {
	if len(buf) < f.Length {
		return 0
	}
	for i := 0; i < f.Length; i++ {
		buf[i] = byte(TypePadding)
	}
	return f.Length
}

// Ping carries no payload; it exists purely to elicit an ACK.
type Ping struct{}

func parsePing(buf []byte) (Frame, int) { return &Ping{}, 1 }
func (f *Ping) Type() FrameType { return TypePing }
func (f *Ping) Size() int { return 1 }
func (f *Ping) Clone() Frame { return &Ping{} }
func (f *Ping) DebugDescription() string { return "type=PING" }
func (f *Ping) Store(buf []byte) int {
	if len(buf) < 1 {
		return 0
	}
	buf[0] = byte(TypePing)
	return 1
}

// RstStream abruptly terminates a stream.
type RstStream struct {
	StreamID     uint64
	ErrorCode    uint64
	FinalOffset  uint64
}

func parseRstStream(buf []byte) (Frame, int) {
	vals, pos, ok := decodeVarints(buf[1:], 3)
	if !ok {
		return nil, 0
	}
	return &RstStream{StreamID: vals[0], ErrorCode: vals[1], FinalOffset: vals[2]}, pos + 1
}
func (f *RstStream) Type() FrameType { return TypeRstStream }
func (f *RstStream) Size() int {
	return 1 + varint.Len(f.StreamID) + varint.Len(f.ErrorCode) + varint.Len(f.FinalOffset)
}
func (f *RstStream) Clone() Frame { c := *f; return &c }
func (f *RstStream) DebugDescription() string {
	return "type=RST_STREAM id=" + itoa(int(f.StreamID))
}
func (f *RstStream) Store(buf []byte) int {
	return storeTyped(buf, f.Size(), TypeRstStream, f.StreamID, f.ErrorCode, f.FinalOffset)
}

// StopSending asks the peer to stop sending on a stream.
type StopSending struct {
	StreamID  uint64
	ErrorCode uint64
}

func parseStopSending(buf []byte) (Frame, int) {
	vals, pos, ok := decodeVarints(buf[1:], 2)
	if !ok {
		return nil, 0
	}
	return &StopSending{StreamID: vals[0], ErrorCode: vals[1]}, pos + 1
}
func (f *StopSending) Type() FrameType { return TypeStopSending }
func (f *StopSending) Size() int {
	return 1 + varint.Len(f.StreamID) + varint.Len(f.ErrorCode)
}
func (f *StopSending) Clone() Frame { c := *f; return &c }
func (f *StopSending) DebugDescription() string {
	return "type=STOP_SENDING id=" + itoa(int(f.StreamID))
}
func (f *StopSending) Store(buf []byte) int {
	return storeTyped(buf, f.Size(), TypeStopSending, f.StreamID, f.ErrorCode)
}

// Crypto carries TLS handshake bytes outside of stream flow control.
type Crypto struct {
	Offset uint64
	Data   []byte
}

func parseCrypto(buf []byte) (Frame, int) {
	pos := 1
	offset, n, err := varint.Decode(buf[pos:])
	if err != nil {
		return nil, 0
	}
	pos += n
	length, n, err := varint.Decode(buf[pos:])
	if err != nil {
		return nil, 0
	}
	pos += n
	if uint64(len(buf)-pos) < length {
		return nil, 0
	}
	data := buf[pos : pos+int(length)]
	pos += int(length)
	return &Crypto{Offset: offset, Data: data}, pos
}
func (f *Crypto) Type() FrameType { return TypeCrypto }
func (f *Crypto) Size() int {
	return 1 + varint.Len(f.Offset) + varint.Len(uint64(len(f.Data))) + len(f.Data)
}
func (f *Crypto) Clone() Frame {
	return &Crypto{Offset: f.Offset, Data: append([]byte(nil), f.Data...)}
}
func (f *Crypto) DebugDescription() string { return "type=CRYPTO offset=" + itoa(int(f.Offset)) }
func (f *Crypto) Store(buf []byte) int {
	size := f.Size()
	if len(buf) < size {
		return 0
	}
	out := buf[:0]
	out = append(out, byte(TypeCrypto))
	out = putVarint(out, f.Offset)
	out = putVarint(out, uint64(len(f.Data)))
	out = append(out, f.Data...)
	return len(out)
}

// NewToken carries an address-validation token for future connections.
type NewToken struct {
	Token []byte
}

func parseNewToken(buf []byte) (Frame, int) {
	pos := 1
	length, n, err := varint.Decode(buf[pos:])
	if err != nil {
		return nil, 0
	}
	pos += n
	if uint64(len(buf)-pos) < length {
		return nil, 0
	}
	tok := buf[pos : pos+int(length)]
	pos += int(length)
	return &NewToken{Token: tok}, pos
}
func (f *NewToken) Type() FrameType { return TypeNewToken }
func (f *NewToken) Size() int { return 1 + varint.Len(uint64(len(f.Token))) + len(f.Token) }
func (f *NewToken) Clone() Frame { return &NewToken{Token: append([]byte(nil), f.Token...)} }
func (f *NewToken) DebugDescription() string { return "type=NEW_TOKEN len=" + itoa(len(f.Token)) }
func (f *NewToken) Store(buf []byte) int {
	size := f.Size()
	if len(buf) < size {
		return 0
	}
	out := buf[:0]
	out = append(out, byte(TypeNewToken))
	out = putVarint(out, uint64(len(f.Token)))
	out = append(out, f.Token...)
	return len(out)
}

// MaxData is connection-level flow control.
type MaxData struct{ Maximum uint64 }

func parseMaxData(buf []byte) (Frame, int) {
	vals, pos, ok := decodeVarints(buf[1:], 1)
	if !ok {
		return nil, 0
	}
	return &MaxData{Maximum: vals[0]}, pos + 1
}
func (f *MaxData) Type() FrameType { return TypeMaxData }
func (f *MaxData) Size() int { return 1 + varint.Len(f.Maximum) }
func (f *MaxData) Clone() Frame { c := *f; return &c }
func (f *MaxData) DebugDescription() string { return "type=MAX_DATA max=" + itoa(int(f.Maximum)) }
func (f *MaxData) Store(buf []byte) int { return storeTyped(buf, f.Size(), TypeMaxData, f.Maximum) }

// MaxStreamData is per-stream flow control.
type MaxStreamData struct {
	StreamID uint64
	Maximum  uint64
}

func parseMaxStreamData(buf []byte) (Frame, int) {
	vals, pos, ok := decodeVarints(buf[1:], 2)
	if !ok {
		return nil, 0
	}
	return &MaxStreamData{StreamID: vals[0], Maximum: vals[1]}, pos + 1
}
func (f *MaxStreamData) Type() FrameType { return TypeMaxStreamData }
func (f *MaxStreamData) Size() int {
	return 1 + varint.Len(f.StreamID) + varint.Len(f.Maximum)
}
func (f *MaxStreamData) Clone() Frame { c := *f; return &c }
func (f *MaxStreamData) DebugDescription() string {
	return "type=MAX_STREAM_DATA id=" + itoa(int(f.StreamID))
}
func (f *MaxStreamData) Store(buf []byte) int {
	return storeTyped(buf, f.Size(), TypeMaxStreamData, f.StreamID, f.Maximum)
}

// MaxStreamID caps how many streams the peer may open.
type MaxStreamID struct{ Maximum uint64 }

func parseMaxStreamID(buf []byte) (Frame, int) {
	vals, pos, ok := decodeVarints(buf[1:], 1)
	if !ok {
		return nil, 0
	}
	return &MaxStreamID{Maximum: vals[0]}, pos + 1
}
func (f *MaxStreamID) Type() FrameType { return TypeMaxStreamID }
func (f *MaxStreamID) Size() int { return 1 + varint.Len(f.Maximum) }
func (f *MaxStreamID) Clone() Frame { c := *f; return &c }
func (f *MaxStreamID) DebugDescription() string {
	return "type=MAX_STREAM_ID max=" + itoa(int(f.Maximum))
}
func (f *MaxStreamID) Store(buf []byte) int {
	return storeTyped(buf, f.Size(), TypeMaxStreamID, f.Maximum)
}

// Blocked signals the sender is connection-flow-control limited.
type Blocked struct{ Offset uint64 }

func parseBlocked(buf []byte) (Frame, int) {
	vals, pos, ok := decodeVarints(buf[1:], 1)
	if !ok {
		return nil, 0
	}
	return &Blocked{Offset: vals[0]}, pos + 1
}
func (f *Blocked) Type() FrameType { return TypeBlocked }
func (f *Blocked) Size() int { return 1 + varint.Len(f.Offset) }
func (f *Blocked) Clone() Frame { c := *f; return &c }
func (f *Blocked) DebugDescription() string { return "type=BLOCKED" }
func (f *Blocked) Store(buf []byte) int { return storeTyped(buf, f.Size(), TypeBlocked, f.Offset) }

// StreamBlocked signals the sender is stream-flow-control limited.
type StreamBlocked struct {
	StreamID uint64
	Offset   uint64
}

func parseStreamBlocked(buf []byte) (Frame, int) {
	vals, pos, ok := decodeVarints(buf[1:], 2)
	if !ok {
		return nil, 0
	}
	return &StreamBlocked{StreamID: vals[0], Offset: vals[1]}, pos + 1
}
func (f *StreamBlocked) Type() FrameType { return TypeStreamBlocked }
func (f *StreamBlocked) Size() int {
	return 1 + varint.Len(f.StreamID) + varint.Len(f.Offset)
}
func (f *StreamBlocked) Clone() Frame { c := *f; return &c }
func (f *StreamBlocked) DebugDescription() string { return "type=STREAM_BLOCKED" }
func (f *StreamBlocked) Store(buf []byte) int {
	return storeTyped(buf, f.Size(), TypeStreamBlocked, f.StreamID, f.Offset)
}

// StreamIDBlocked signals the sender has hit its peer-advertised stream-id limit.
type StreamIDBlocked struct{ StreamID uint64 }

func parseStreamIDBlocked(buf []byte) (Frame, int) {
	vals, pos, ok := decodeVarints(buf[1:], 1)
	if !ok {
		return nil, 0
	}
	return &StreamIDBlocked{StreamID: vals[0]}, pos + 1
}
func (f *StreamIDBlocked) Type() FrameType { return TypeStreamIDBlocked }
func (f *StreamIDBlocked) Size() int { return 1 + varint.Len(f.StreamID) }
func (f *StreamIDBlocked) Clone() Frame { c := *f; return &c }
func (f *StreamIDBlocked) DebugDescription() string { return "type=STREAM_ID_BLOCKED" }
func (f *StreamIDBlocked) Store(buf []byte) int {
	return storeTyped(buf, f.Size(), TypeStreamIDBlocked, f.StreamID)
}

// NewConnectionID advertises an additional connection id the peer may use.
type NewConnectionID struct {
	Sequence           uint64
	ConnectionID       []byte
	StatelessResetToken [16]byte
}

func parseNewConnectionID(buf []byte) (Frame, int) {
	pos := 1
	seq, n, err := varint.Decode(buf[pos:])
	if err != nil {
		return nil, 0
	}
	pos += n
	if pos >= len(buf) {
		return nil, 0
	}
	cidLen := int(buf[pos])
	pos++
	if len(buf) < pos+cidLen+16 {
		return nil, 0
	}
	cid := buf[pos : pos+cidLen]
	pos += cidLen
	var tok [16]byte
	copy(tok[:], buf[pos:pos+16])
	pos += 16
	return &NewConnectionID{Sequence: seq, ConnectionID: cid, StatelessResetToken: tok}, pos
}
func (f *NewConnectionID) Type() FrameType { return TypeNewConnectionID }
func (f *NewConnectionID) Size() int {
	return 1 + varint.Len(f.Sequence) + 1 + len(f.ConnectionID) + 16
}
func (f *NewConnectionID) Clone() Frame {
	return &NewConnectionID{
		Sequence:            f.Sequence,
		ConnectionID:        append([]byte(nil), f.ConnectionID...),
		StatelessResetToken: f.StatelessResetToken,
	}
}
func (f *NewConnectionID) DebugDescription() string {
	return "type=NEW_CONNECTION_ID seq=" + itoa(int(f.Sequence))
}
func (f *NewConnectionID) Store(buf []byte) int {
	size := f.Size()
	if len(buf) < size {
		return 0
	}
	out := buf[:0]
	out = append(out, byte(TypeNewConnectionID))
	out = putVarint(out, f.Sequence)
	out = append(out, byte(len(f.ConnectionID)))
	out = append(out, f.ConnectionID...)
	out = append(out, f.StatelessResetToken[:]...)
	return len(out)
}

// PathChallenge/PathResponse carry an 8-byte opaque value used for path validation.
type PathChallenge struct{ Data [8]byte }
type PathResponse struct{ Data [8]byte }

func parsePathChallenge(buf []byte) (Frame, int) { return parsePathData(buf, true) }
func parsePathResponse(buf []byte) (Frame, int) { return parsePathData(buf, false) }

func parsePathData(buf []byte, challenge bool) (Frame, int) {
	if len(buf) < 9 {
		return nil, 0
	}
	var d [8]byte
	copy(d[:], buf[1:9])
	if challenge {
		return &PathChallenge{Data: d}, 9
	}
	return &PathResponse{Data: d}, 9
}

func (f *PathChallenge) Type() FrameType { return TypePathChallenge }
func (f *PathChallenge) Size() int { return 9 }
func (f *PathChallenge) Clone() Frame { c := *f; return &c }
func (f *PathChallenge) DebugDescription() string { return "type=PATH_CHALLENGE" }
func (f *PathChallenge) Store(buf []byte) int { return storeTagged8(buf, TypePathChallenge, f.Data) }

func (f *PathResponse) Type() FrameType { return TypePathResponse }
func (f *PathResponse) Size() int { return 9 }
func (f *PathResponse) Clone() Frame { c := *f; return &c }
func (f *PathResponse) DebugDescription() string { return "type=PATH_RESPONSE" }
func (f *PathResponse) Store(buf []byte) int { return storeTagged8(buf, TypePathResponse, f.Data) }

func storeTagged8(buf []byte, t FrameType, data [8]byte) int {
	if len(buf) < 9 {
		return 0
	}
	buf[0] = byte(t)
	copy(buf[1:9], data[:])
	return 9
}

// Close models both CONNECTION_CLOSE and APPLICATION_CLOSE. FrameType is
// non-nil only for a transport-level CONNECTION_CLOSE, where it names the
// frame type that triggered the error (0 if none).
type Close struct {
	ErrorCode uint64
	FrameType *uint64
	Reason    string
}

func parseConnectionClose(buf []byte, application bool) (Frame, int) {
	pos := 1
	code, n, err := varint.Decode(buf[pos:])
	if err != nil {
		return nil, 0
	}
	pos += n

	var ft *uint64
	if !application {
		v, n, err := varint.Decode(buf[pos:])
		if err != nil {
			return nil, 0
		}
		pos += n
		ft = &v
	}

	rlen, n, err := varint.Decode(buf[pos:])
	if err != nil {
		return nil, 0
	}
	pos += n
	if uint64(len(buf)-pos) < rlen {
		return nil, 0
	}
	reason := string(buf[pos : pos+int(rlen)])
	pos += int(rlen)
	return &Close{ErrorCode: code, FrameType: ft, Reason: reason}, pos
}

func (f *Close) Type() FrameType {
	if f.FrameType != nil {
		return TypeConnectionClose
	}
	return TypeApplicationClose
}
func (f *Close) Size() int {
	n := 1 + varint.Len(f.ErrorCode)
	if f.FrameType != nil {
		n += varint.Len(*f.FrameType)
	}
	n += varint.Len(uint64(len(f.Reason))) + len(f.Reason)
	return n
}
func (f *Close) Clone() Frame {
	c := &Close{ErrorCode: f.ErrorCode, Reason: f.Reason}
	if f.FrameType != nil {
		v := *f.FrameType
		c.FrameType = &v
	}
	return c
}
func (f *Close) DebugDescription() string {
	return "type=" + closeTypeName(f) + " code=" + itoa(int(f.ErrorCode))
}
func closeTypeName(f *Close) string {
	if f.FrameType != nil {
		return "CONNECTION_CLOSE"
	}
	return "APPLICATION_CLOSE"
}
func (f *Close) Store(buf []byte) int {
	size := f.Size()
	if len(buf) < size {
		return 0
	}
	out := buf[:0]
	out = append(out, byte(f.Type()))
	out = putVarint(out, f.ErrorCode)
	if f.FrameType != nil {
		out = putVarint(out, *f.FrameType)
	}
	out = putVarint(out, uint64(len(f.Reason)))
	out = append(out, f.Reason...)
	return len(out)
}

// decodeVarints decodes count varints from buf in sequence, returning the
// values, the total bytes consumed, and whether decoding fully succeeded.
func decodeVarints(buf []byte, count int) ([]uint64, int, bool) {
	vals := make([]uint64, count)
	pos := 0
	for i := 0; i < count; i++ {
		v, n, err := varint.Decode(buf[pos:])
		if err != nil {
			return nil, 0, false
		}
		vals[i] = v
		pos += n
	}
	return vals, pos, true
}

// storeTyped writes a type byte followed by each varint in order.
func storeTyped(buf []byte, size int, t FrameType, vals ...uint64) int {
	if len(buf) < size {
		return 0
	}
	out := buf[:0]
	out = append(out, byte(t))
	for _, v := range vals {
		out = putVarint(out, v)
	}
	return len(out)
}
