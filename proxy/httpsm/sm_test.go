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

package httpsm

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"edgeproxy/proxy/headers"
	"edgeproxy/proxy/hooks"
	"edgeproxy/proxy/session"
)

type fakeResolver struct {
	addrs map[string][]net.IP
	err   error
}

func (f *fakeResolver) Lookup(_ context.Context, host string) ([]net.IP, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.addrs[host], nil
}

type fakeCacheReader struct {
	status int
	hdr    http.Header
	body   string
}

func (r *fakeCacheReader) Meta() (int, http.Header) { return r.status, r.hdr }
func (r *fakeCacheReader) Body() io.ReadCloser { return io.NopCloser(strings.NewReader(r.body)) }

type fakeCache struct {
	objects   map[string]*fakeCacheReader
	writes    map[string]*bytes.Buffer
	writeErr  error
	lookupErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		objects: make(map[string]*fakeCacheReader),
		writes:  make(map[string]*bytes.Buffer),
	}
}

func (c *fakeCache) OpenRead(key string) (CacheReader, error) {
	if c.lookupErr != nil {
		return nil, c.lookupErr
	}
	if r, ok := c.objects[key]; ok {
		return r, nil
	}
	return nil, ErrCacheMiss
}

type nopWriteCloser struct{ *bytes.Buffer }

func (nopWriteCloser) Close() error { return nil }

func (c *fakeCache) OpenWrite(key string) (io.WriteCloser, error) {
	if c.writeErr != nil {
		return nil, c.writeErr
	}
	buf := &bytes.Buffer{}
	c.writes[key] = buf
	return nopWriteCloser{buf}, nil
}

func (c *fakeCache) Delete(key string) error {
	delete(c.objects, key)
	return nil
}

// fakeOrigin returns scripted responses in order, or a scripted error.
type fakeOrigin struct {
	responses []*http.Response
	errs      []error
	calls     int
	seenReqs  []*http.Request
}

func (f *fakeOrigin) Fetch(_ context.Context, req *http.Request, _ FetchOptions) (*http.Response, error) {
	i := f.calls
	f.calls++
	f.seenReqs = append(f.seenReqs, req)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	if len(f.responses) > 0 {
		return cloneResponse(f.responses[len(f.responses)-1]), nil
	}
	return nil, errors.New("no scripted response")
}

func cloneResponse(r *http.Response) *http.Response {
	out := *r
	out.Header = r.Header.Clone()
	out.Body = io.NopCloser(strings.NewReader(""))
	return &out
}

func okResponse(body string) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

func redirectResponse(location string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusFound,
		Header:     http.Header{"Location": []string{location}},
		Body:       io.NopCloser(strings.NewReader("")),
	}
}

func testConfig() Config {
	return Config{
		NumberOfRedirections:   3,
		ConnectDownPolicy:      session.DownOnTCP,
		ConnectAttemptsTimeout: time.Second,
		ConnectMaxRetries:      3,
		ConnectMaxRetriesDown:  1,
		MaxRequestLineBytes:    8192,
		MaxHeaderBytes:         65536,
		DrainBodyLimit:         16 * 1024,
		ViaPseudonym:           "edgeproxy",
	}
}

func testDeps(origin OriginFetcher, cache Cache) Deps {
	return Deps{
		Cache:    cache,
		Resolver: &fakeResolver{addrs: map[string][]net.IP{"origin.example": {net.ParseIP("192.0.2.10")}}},
		Origin:   origin,
		Hooks:    syncHooks(),
	}
}

func syncHooks() *hooks.Driver {
	d := hooks.NewDriver(&hooks.Registry{}, nil)
	return d
}

func runTxn(t *testing.T, sm *SM, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(method, target, nil)
	sm.ServeTxn(w, r)
	return w
}

func TestSimpleOriginFetch(t *testing.T) {
	origin := &fakeOrigin{responses: []*http.Response{okResponse("hello")}}
	sm := New(testConfig(), testDeps(origin, nil))

	w := runTxn(t, sm, http.MethodGet, "http://origin.example/index")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.String() != "hello" {
		t.Fatalf("body = %q", w.Body.String())
	}
	if !sm.Freed() {
		t.Fatal("SM not freed after transaction")
	}
	if sm.Reentrancy() != 0 {
		t.Fatalf("reentrancy = %d at quiesce", sm.Reentrancy())
	}
	if !sm.Milestones.Valid() {
		t.Fatal("milestones violate ordering")
	}
	via := origin.seenReqs[0].Header.Get("Via")
	if !strings.Contains(via, "edgeproxy") {
		t.Fatalf("Via = %q", via)
	}
}

func TestRedirectChainTermination(t *testing.T) {
	// Origin loops 302 to itself indefinitely; number_of_redirections=3
	// means exactly 3 origin requests, then the last 302 goes to the
	// client verbatim.
	origin := &fakeOrigin{responses: []*http.Response{
		redirectResponse("http://origin.example/loop"),
		redirectResponse("http://origin.example/loop"),
		redirectResponse("http://origin.example/loop"),
		redirectResponse("http://origin.example/loop"),
	}}
	sm := New(testConfig(), testDeps(origin, nil))

	w := runTxn(t, sm, http.MethodGet, "http://origin.example/loop")

	if origin.calls != 3 {
		t.Fatalf("origin requests = %d, want 3", origin.calls)
	}
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302 returned verbatim", w.Code)
	}
	if sm.Subcode != SubcodeNumRedirectionsExceeded {
		t.Fatalf("subcode = %v, want SubcodeNumRedirectionsExceeded", sm.Subcode)
	}
}

func TestRedirectFollowedToFinalResponse(t *testing.T) {
	origin := &fakeOrigin{responses: []*http.Response{
		redirectResponse("http://origin.example/next"),
		okResponse("final"),
	}}
	sm := New(testConfig(), testDeps(origin, nil))

	w := runTxn(t, sm, http.MethodGet, "http://origin.example/start")
	if w.Code != http.StatusOK || w.Body.String() != "final" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
	if origin.calls != 2 {
		t.Fatalf("origin requests = %d, want 2", origin.calls)
	}
	if got := origin.seenReqs[1].URL.Path; got != "/next" {
		t.Fatalf("second request path = %q", got)
	}
}

func TestSelfLoopRejected(t *testing.T) {
	origin := &fakeOrigin{responses: []*http.Response{okResponse("x")}}
	deps := testDeps(origin, nil)
	deps.Resolver = &fakeResolver{addrs: map[string][]net.IP{"127.0.0.1": {net.ParseIP("127.0.0.1")}}}
	sm := New(testConfig(), deps)
	sm.InboundLocalAddr = &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 8080}

	w := runTxn(t, sm, http.MethodGet, "http://127.0.0.1:8080/")
	if origin.calls != 0 {
		t.Fatalf("origin contacted %d times on a self-loop", origin.calls)
	}
	kind, set := sm.ErrorKindSet()
	if !set || kind != ErrSelfLoop {
		t.Fatalf("error = (%v, %v), want ErrSelfLoop", kind, set)
	}
	if !strings.Contains(w.Body.String(), "Cycle Detected") {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestTransparentInboundSkipsSelfLoopCheck(t *testing.T) {
	origin := &fakeOrigin{responses: []*http.Response{okResponse("ok")}}
	deps := testDeps(origin, nil)
	deps.Resolver = &fakeResolver{addrs: map[string][]net.IP{"127.0.0.1": {net.ParseIP("127.0.0.1")}}}
	sm := New(testConfig(), deps)
	sm.InboundLocalAddr = &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 8080}
	sm.Transparent = true

	w := runTxn(t, sm, http.MethodGet, "http://127.0.0.1:8080/")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestSNIMismatchEnforced(t *testing.T) {
	origin := &fakeOrigin{responses: []*http.Response{okResponse("x")}}
	sm := New(testConfig(), testDeps(origin, nil))
	sm.SNI = "expected.example"
	sm.SNIPolicy = SNIEnforce

	w := runTxn(t, sm, http.MethodGet, "http://origin.example/")
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if origin.calls != 0 {
		t.Fatal("origin contacted despite SNI mismatch")
	}
}

func TestRemapMayRelaxSNIPolicy(t *testing.T) {
	origin := &fakeOrigin{responses: []*http.Response{okResponse("ok")}}
	sm := New(testConfig(), testDeps(origin, nil))
	sm.SNI = "expected.example"
	sm.SNIPolicy = SNIEnforce
	permissive := SNIPermissive
	sm.Remap = &RemapTable{Rules: []RemapRule{{
		FromHost:    "origin.example",
		SNIOverride: &permissive,
	}}}

	w := runTxn(t, sm, http.MethodGet, "http://origin.example/")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; remap override should have allowed it", w.Code)
	}
}

func TestRemapRewritesOriginHost(t *testing.T) {
	origin := &fakeOrigin{responses: []*http.Response{okResponse("ok")}}
	deps := testDeps(origin, nil)
	deps.Resolver = &fakeResolver{addrs: map[string][]net.IP{"backend.internal": {net.ParseIP("192.0.2.20")}}}
	sm := New(testConfig(), deps)
	sm.Remap = &RemapTable{Rules: []RemapRule{{
		FromHost: "www.example",
		ToHost:   "backend.internal",
	}}}

	w := runTxn(t, sm, http.MethodGet, "http://www.example/page")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := origin.seenReqs[0].URL.Host; got != "backend.internal" {
		t.Fatalf("origin host = %q", got)
	}
}

func TestPushMethodDisabled(t *testing.T) {
	origin := &fakeOrigin{}
	sm := New(testConfig(), testDeps(origin, nil))
	w := runTxn(t, sm, "PUSH", "http://origin.example/obj")
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestTraceWithBodyRejected(t *testing.T) {
	origin := &fakeOrigin{}
	sm := New(testConfig(), testDeps(origin, nil))
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodTrace, "http://origin.example/", strings.NewReader("body"))
	sm.ServeTxn(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestRequestLineTooLong(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRequestLineBytes = 64
	origin := &fakeOrigin{}
	sm := New(cfg, testDeps(origin, nil))
	w := runTxn(t, sm, http.MethodGet, "http://origin.example/"+strings.Repeat("a", 200))
	if w.Code != http.StatusRequestURITooLong {
		t.Fatalf("status = %d, want 414", w.Code)
	}
}

func TestOversizeHeadersRejected(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHeaderBytes = 32
	origin := &fakeOrigin{}
	sm := New(cfg, testDeps(origin, nil))
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://origin.example/", nil)
	r.Header.Set("X-Big", strings.Repeat("v", 100))
	sm.ServeTxn(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestServeFromCacheHit(t *testing.T) {
	cache := newFakeCache()
	cache.objects["http://origin.example/cached"] = &fakeCacheReader{
		status: http.StatusOK,
		hdr:    http.Header{"Content-Type": []string{"text/html"}},
		body:   "cached body",
	}
	origin := &fakeOrigin{}
	sm := New(testConfig(), testDeps(origin, cache))

	w := runTxn(t, sm, http.MethodGet, "http://origin.example/cached")
	if w.Code != http.StatusOK || w.Body.String() != "cached body" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
	if origin.calls != 0 {
		t.Fatal("origin contacted on a cache hit")
	}
}

func TestCacheMissWritesThrough(t *testing.T) {
	cache := newFakeCache()
	origin := &fakeOrigin{responses: []*http.Response{okResponse("fresh body")}}
	sm := New(testConfig(), testDeps(origin, cache))

	w := runTxn(t, sm, http.MethodGet, "http://origin.example/obj")
	if w.Code != http.StatusOK || w.Body.String() != "fresh body" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
	buf := cache.writes["http://origin.example/obj"]
	if buf == nil || buf.String() != "fresh body" {
		t.Fatal("response not written through to cache")
	}
}

func TestCacheWriteFailureStillServes(t *testing.T) {
	cache := newFakeCache()
	cache.writeErr = errors.New("write lock contended")
	origin := &fakeOrigin{responses: []*http.Response{okResponse("served anyway")}}
	sm := New(testConfig(), testDeps(origin, cache))

	w := runTxn(t, sm, http.MethodGet, "http://origin.example/obj")
	if w.Code != http.StatusOK || w.Body.String() != "served anyway" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
}

func TestCacheLookupErrorFallsBackToOrigin(t *testing.T) {
	cache := newFakeCache()
	cache.lookupErr = errors.New("disk error")
	origin := &fakeOrigin{responses: []*http.Response{okResponse("origin copy")}}
	sm := New(testConfig(), testDeps(origin, cache))

	w := runTxn(t, sm, http.MethodGet, "http://origin.example/obj")
	if w.Code != http.StatusOK || w.Body.String() != "origin copy" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
}

func TestConnectRetriesThenGatewayTimeout(t *testing.T) {
	connErr := &ConnectError{Kind: session.ErrKindTCP, Err: errors.New("connection refused")}
	origin := &fakeOrigin{errs: []error{connErr, connErr, connErr}}
	sm := New(testConfig(), testDeps(origin, nil))

	w := runTxn(t, sm, http.MethodGet, "http://origin.example/")
	if origin.calls != 3 {
		t.Fatalf("attempts = %d, want ConnectMaxRetries=3", origin.calls)
	}
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", w.Code)
	}
}

func TestConnectFailuresMarkHostDown(t *testing.T) {
	connErr := &ConnectError{Kind: session.ErrKindTCP, Err: errors.New("refused")}
	origin := &fakeOrigin{errs: []error{connErr, connErr, connErr}}
	marker := session.NewMemoryDownMarker(3, time.Minute)
	deps := testDeps(origin, nil)
	deps.DownMarker = marker
	sm := New(testConfig(), deps)

	runTxn(t, sm, http.MethodGet, "http://origin.example/")

	down, _ := marker.IsDown(context.Background(), "origin.example")
	if !down {
		t.Fatal("host not marked down after 3 TCP connect failures under policy 1")
	}
}

func TestTLSFailureNotMarkedUnderPolicy1(t *testing.T) {
	connErr := &ConnectError{Kind: session.ErrKindTLS, Err: errors.New("bad cert")}
	origin := &fakeOrigin{errs: []error{connErr, connErr, connErr}}
	marker := session.NewMemoryDownMarker(3, time.Minute)
	deps := testDeps(origin, nil)
	deps.DownMarker = marker
	sm := New(testConfig(), deps) // policy DownOnTCP

	runTxn(t, sm, http.MethodGet, "http://origin.example/")

	down, _ := marker.IsDown(context.Background(), "origin.example")
	if down {
		t.Fatal("TLS failures marked host down under TCP-only policy")
	}
}

func TestDownHostGetsFewerRetries(t *testing.T) {
	connErr := &ConnectError{Kind: session.ErrKindTCP, Err: errors.New("refused")}
	origin := &fakeOrigin{errs: []error{connErr, connErr, connErr}}
	marker := session.NewMemoryDownMarker(1, time.Minute)
	marker.MarkFailure(context.Background(), "origin.example")
	deps := testDeps(origin, nil)
	deps.DownMarker = marker
	sm := New(testConfig(), deps)

	runTxn(t, sm, http.MethodGet, "http://origin.example/")
	if origin.calls != 1 {
		t.Fatalf("attempts = %d, want ConnectMaxRetriesDown=1", origin.calls)
	}
}

func TestThrottledWhenTrackerExhausted(t *testing.T) {
	origin := &fakeOrigin{responses: []*http.Response{okResponse("x")}}
	deps := testDeps(origin, nil)
	deps.Tracker = session.NewTracker(0, 0, 0, 0)
	sm := New(testConfig(), deps)

	w := runTxn(t, sm, http.MethodGet, "http://origin.example/")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if origin.calls != 0 {
		t.Fatal("origin contacted while throttled")
	}
}

func TestObserverErrorJumpsToPluginError(t *testing.T) {
	origin := &fakeOrigin{responses: []*http.Response{okResponse("x")}}
	sm := New(testConfig(), testDeps(origin, nil))
	sm.AddObserver(hooks.ReadRequestHdr, hooks.NewObserver(func(hooks.ID) hooks.Action {
		return hooks.Error
	}))

	w := runTxn(t, sm, http.MethodGet, "http://origin.example/")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	kind, set := sm.ErrorKindSet()
	if !set || kind != ErrPlugin {
		t.Fatalf("error = (%v, %v), want ErrPlugin", kind, set)
	}
}

func TestObserversSeeHooksInOrder(t *testing.T) {
	origin := &fakeOrigin{responses: []*http.Response{okResponse("x")}}
	sm := New(testConfig(), testDeps(origin, nil))

	var seen []hooks.ID
	record := func(id hooks.ID) hooks.Action {
		seen = append(seen, id)
		return hooks.Continue
	}
	for _, id := range []hooks.ID{
		hooks.ReadRequestHdr, hooks.PreRemap, hooks.PostRemap, hooks.OSDNS,
		hooks.CacheLookupComplete, hooks.SendRequestHdr, hooks.ReadResponseHdr,
		hooks.SendResponseHdr, hooks.TxnClose,
	} {
		sm.AddObserver(id, hooks.NewObserver(record))
	}

	runTxn(t, sm, http.MethodGet, "http://origin.example/")

	want := []hooks.ID{
		hooks.ReadRequestHdr, hooks.PreRemap, hooks.PostRemap, hooks.OSDNS,
		hooks.CacheLookupComplete, hooks.SendRequestHdr, hooks.ReadResponseHdr,
		hooks.SendResponseHdr, hooks.TxnClose,
	}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("hook %d = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestAPITimeoutOverridesWin(t *testing.T) {
	sm := New(testConfig(), testDeps(&fakeOrigin{}, nil))
	sm.SetAPIConnectTimeout(250 * time.Millisecond)
	sm.SetAPIActiveTimeoutOut(9 * time.Second)

	o := sm.outboundOptions()
	if o.ConnectTimeout != 250*time.Millisecond {
		t.Fatalf("ConnectTimeout = %v", o.ConnectTimeout)
	}
	if o.ActiveTimeout != 9*time.Second {
		t.Fatalf("ActiveTimeout = %v", o.ActiveTimeout)
	}
	// Un-overridden value falls through to config.
	if o.InactivityTimeout != sm.Cfg.NoActivityTimeoutOut {
		t.Fatalf("InactivityTimeout = %v", o.InactivityTimeout)
	}
}

func TestNoBodyFor304(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusNotModified,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("must not appear")),
	}
	origin := &fakeOrigin{responses: []*http.Response{resp}}
	sm := New(testConfig(), testDeps(origin, nil))

	w := runTxn(t, sm, http.MethodGet, "http://origin.example/")
	if w.Code != http.StatusNotModified {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Fatalf("304 carried %d body bytes", w.Body.Len())
	}
}

func TestChunkedRequestBodyForcesClose(t *testing.T) {
	origin := &fakeOrigin{responses: []*http.Response{okResponse("resp")}}
	sm := New(testConfig(), testDeps(origin, nil))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "http://origin.example/", strings.NewReader("chunk data"))
	r.TransferEncoding = []string{"chunked"}
	r.ContentLength = -1
	sm.ServeTxn(w, r)

	if got := w.Header().Get("Connection"); got != "close" {
		t.Fatalf("Connection = %q, want close for chunked request body", got)
	}
}

func TestDNSFailureIs502(t *testing.T) {
	origin := &fakeOrigin{}
	deps := testDeps(origin, nil)
	deps.Resolver = &fakeResolver{err: errors.New("nxdomain")}
	sm := New(testConfig(), deps)

	w := runTxn(t, sm, http.MethodGet, "http://origin.example/")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
}

func TestUnresponsiveObserverTerminatesWith408(t *testing.T) {
	origin := &fakeOrigin{responses: []*http.Response{okResponse("x")}}
	cfg := testConfig()
	cfg.NoActivityTimeoutIn = 50 * time.Millisecond
	sm := New(cfg, testDeps(origin, nil))

	release := make(chan struct{})
	defer close(release)
	sm.AddObserver(hooks.ReadRequestHdr, hooks.NewObserver(func(hooks.ID) hooks.Action {
		<-release
		return hooks.Continue
	}))

	w := runTxn(t, sm, http.MethodGet, "http://origin.example/")
	if w.Code != http.StatusRequestTimeout {
		t.Fatalf("status = %d, want 408 from the inactivity watchdog", w.Code)
	}
	kind, set := sm.ErrorKindSet()
	if !set || kind != ErrTimeoutInactivity {
		t.Fatalf("error = (%v, %v), want ErrTimeoutInactivity", kind, set)
	}
	if origin.calls != 0 {
		t.Fatal("origin contacted after the transaction was terminated")
	}
}

func TestAPINoActivityInOverrideShortensWatchdog(t *testing.T) {
	origin := &fakeOrigin{}
	cfg := testConfig()
	cfg.NoActivityTimeoutIn = time.Hour
	sm := New(cfg, testDeps(origin, nil))
	sm.SetAPINoActivityTimeoutIn(50 * time.Millisecond)

	release := make(chan struct{})
	defer close(release)
	sm.AddObserver(hooks.ReadRequestHdr, hooks.NewObserver(func(hooks.ID) hooks.Action {
		<-release
		return hooks.Continue
	}))

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "http://origin.example/", nil)
		sm.ServeTxn(w, r)
		done <- w
	}()

	select {
	case w := <-done:
		if w.Code != http.StatusRequestTimeout {
			t.Fatalf("status = %d, want 408", w.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("API override did not shorten the watchdog")
	}
}

func TestOriginInactivityTimeoutIs408(t *testing.T) {
	origin := &fakeOrigin{errs: []error{
		&TimeoutError{Kind: ErrTimeoutInactivity, Err: errors.New("i/o timeout")},
	}}
	sm := New(testConfig(), testDeps(origin, nil))

	w := runTxn(t, sm, http.MethodGet, "http://origin.example/")
	if w.Code != http.StatusRequestTimeout {
		t.Fatalf("status = %d, want 408", w.Code)
	}
	if origin.calls != 1 {
		t.Fatalf("attempts = %d, read timeouts must not retry", origin.calls)
	}
}

func TestOriginActiveTimeoutIs504(t *testing.T) {
	origin := &fakeOrigin{errs: []error{
		&TimeoutError{Kind: ErrTimeoutActive, Err: errors.New("i/o timeout")},
	}}
	sm := New(testConfig(), testDeps(origin, nil))

	w := runTxn(t, sm, http.MethodGet, "http://origin.example/")
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", w.Code)
	}
}

func TestCacheFillStripsConditionalHeaders(t *testing.T) {
	cache := newFakeCache()
	origin := &fakeOrigin{responses: []*http.Response{okResponse("fresh")}}
	sm := New(testConfig(), testDeps(origin, cache))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://origin.example/obj", nil)
	r.Header.Set("If-None-Match", `"v1"`)
	r.Header.Set("If-Modified-Since", "Tue, 01 Jan 2024 00:00:00 GMT")
	sm.ServeTxn(w, r)

	sent := origin.seenReqs[0].Header
	if sent.Get("If-None-Match") != "" || sent.Get("If-Modified-Since") != "" {
		t.Fatal("conditional headers must be stripped when the response will fill the cache")
	}
}

func TestConditionalHeadersPassThroughWithoutCacheFill(t *testing.T) {
	origin := &fakeOrigin{responses: []*http.Response{okResponse("x")}}
	sm := New(testConfig(), testDeps(origin, nil)) // no cache: nothing to fill

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://origin.example/obj", nil)
	r.Header.Set("If-None-Match", `"v1"`)
	sm.ServeTxn(w, r)

	if got := origin.seenReqs[0].Header.Get("If-None-Match"); got != `"v1"` {
		t.Fatalf("If-None-Match = %q, must pass through when no cache write is pending", got)
	}
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestForwardedByAndConnectionEmitted(t *testing.T) {
	origin := &fakeOrigin{responses: []*http.Response{okResponse("x")}}
	cfg := testConfig()
	cfg.InsertForwarded = headers.ForwardedFor | headers.ForwardedByIP | headers.ForwardedConnectionStd
	sm := New(cfg, testDeps(origin, nil))
	sm.InboundLocalAddr = &net.TCPAddr{IP: net.ParseIP("198.51.100.7"), Port: 8080}

	runTxn(t, sm, http.MethodGet, "http://origin.example/")

	fwd := origin.seenReqs[0].Header.Get("Forwarded")
	if !strings.Contains(fwd, "for=") {
		t.Fatalf("Forwarded = %q, missing for=", fwd)
	}
	if !strings.Contains(fwd, "by=198.51.100.7") {
		t.Fatalf("Forwarded = %q, missing by=<inbound address>", fwd)
	}
	if !strings.Contains(fwd, `connection="http/1.1"`) {
		t.Fatalf("Forwarded = %q, missing connection parameter", fwd)
	}
}

func TestMilestonesOrdering(t *testing.T) {
	ms := NewMilestones()
	base := time.Unix(1000, 0)
	step := 0
	ms.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Millisecond)
	}

	for m := MilestoneSMStart; m < numMilestones; m++ {
		ms.Record(m)
	}
	if !ms.Valid() {
		t.Fatal("in-order stamps reported invalid")
	}

	// Re-recording must not move a stamp.
	first := ms.Get(MilestoneSMStart)
	ms.Record(MilestoneSMStart)
	if !ms.Get(MilestoneSMStart).Equal(first) {
		t.Fatal("re-record moved a milestone")
	}
}

func TestMilestonesDetectInversion(t *testing.T) {
	ms := NewMilestones()
	times := []time.Time{time.Unix(2000, 0), time.Unix(1000, 0)}
	i := 0
	ms.now = func() time.Time { t := times[i%len(times)]; i++; return t }
	ms.Record(MilestoneSMStart)
	ms.Record(MilestoneUABegin)
	if ms.Valid() {
		t.Fatal("inverted stamps reported valid")
	}
}
