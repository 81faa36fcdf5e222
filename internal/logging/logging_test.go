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

package logging

import (
	"path/filepath"
	"testing"
)

func TestNewWithoutFilePathReturnsNoopCloser(t *testing.T) {
	logger, closer := New("info", "json", "")
	if logger == nil {
		t.Fatal("expected a non-nil logger")
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("no-op closer returned error: %v", err)
	}
}

func TestNewWithFilePathWritesAndCloses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "edgeproxy.log")
	logger, closer := New("debug", "text", path)
	logger.Info("hello")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	if parseLevel("bogus") != parseLevel("info") {
		t.Fatal("unrecognized level must default to info")
	}
}
