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
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/pgzip"
)

// NewGzipTransform returns the write side of a content-encoding transform
// VC: bytes written to it come out gzip-compressed on dst. Bodies with a
// size hint above parallelThreshold use pgzip, which compresses blocks on
// multiple cores; smaller (or unknown-size) bodies use the serial
// implementation.
func NewGzipTransform(dst io.Writer, sizeHint int64, parallelThreshold int) io.WriteCloser {
	if parallelThreshold > 0 && sizeHint > int64(parallelThreshold) {
		return pgzip.NewWriter(dst)
	}
	return gzip.NewWriter(dst)
}

// NewGunzipReader returns the read side of the inverse transform.
func NewGunzipReader(src io.Reader, sizeHint int64, parallelThreshold int) (io.ReadCloser, error) {
	if parallelThreshold > 0 && sizeHint > int64(parallelThreshold) {
		return pgzip.NewReader(src)
	}
	return gzip.NewReader(src)
}
