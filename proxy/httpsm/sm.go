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

// Package httpsm implements the HTTP transaction state machine: request
// parsing checks, remap, DNS, cache lookup, origin connect with retry and
// down-marking, redirect chasing, response delivery through the tunnel,
// and teardown gated on a re-entrancy counter.
package httpsm

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/xid"

	"edgeproxy/proxy/headers"
	"edgeproxy/proxy/hooks"
	"edgeproxy/proxy/session"
	"edgeproxy/proxy/tunnel"
)

// State is the machine's next action.
type State int

const (
	StateReadRequestHdr State = iota
	StatePreRemap
	StateRemapRequest
	StatePostRemap
	StateOSDNS
	StateDNSLookup
	StateCacheLookup
	StateServeFromCache
	StateOriginServerOpen
	StateServerRead
	StateSendResponse
	StateSMShutdown
	StateDone
)

// calloutState tracks whether a callout is in flight and what is deferred
// behind it.
type calloutState int

const (
	calloutNone calloutState = iota
	calloutInFlight
	calloutDeferredServerError
	calloutDeferredClose
)

// Config carries the transaction knobs the machine consults.
type Config struct {
	NumberOfRedirections int
	ConnectDownPolicy    session.DownPolicy

	NoActivityTimeoutIn  time.Duration
	NoActivityTimeoutOut time.Duration
	ActiveTimeoutIn      time.Duration
	ActiveTimeoutOut     time.Duration

	ConnectAttemptsTimeout time.Duration
	ConnectMaxRetries      int
	ConnectMaxRetriesDown  int

	OpenWriteFail   OpenWriteFailAction
	InsertForwarded headers.ForwardedField
	NormalizeAE     headers.AcceptEncodingMode

	MaxRequestLineBytes int
	MaxHeaderBytes      int
	EnablePushMethod    bool

	// DrainBodyLimit bounds how many request-body bytes get drained when
	// responding early; larger bodies force a connection close.
	DrainBodyLimit int64

	ViaPseudonym string
}

// Deps are the machine's collaborators.
type Deps struct {
	Log        *slog.Logger
	Cache      Cache
	Resolver   Resolver
	Origin     OriginFetcher
	Pool       *session.Pool
	Tracker    *session.Tracker
	DownMarker session.DownMarker
	Hooks      *hooks.Driver
}

// SM drives one HTTP transaction. It is created when the inbound layer
// presents a request and destroyed only when the tunnel is done, the
// close hooks have fired, and the re-entrancy counter has drained.
type SM struct {
	ID   string
	Cfg  Config
	Deps Deps

	// LocalObservers are this transaction's own hooks, merged after the
	// global chain at each callout point.
	LocalObservers map[hooks.ID][]*hooks.Observer

	// Remap, when non-nil, rewrites the client URL before origin
	// selection.
	Remap *RemapTable

	state     State
	prevState State
	callout   calloutState

	reentrancy  int
	terminateSM bool
	freed       bool

	Milestones *Milestones
	VCTable    tunnel.Table

	clientReq  *http.Request
	clientURL  *url.URL
	respWriter http.ResponseWriter

	serverResp   *http.Response
	originReqs   int
	Subcode      Subcode
	cacheInfo    CacheInfo
	dnsInfo      DNSInfo
	cacheKey     string
	serveFromHit bool

	// Inbound TLS attributes for the SNI/Host check.
	SNI       string
	SNIPolicy SNIPolicy

	// InboundLocalAddr is the proxy-side address of the inbound
	// connection, for self-loop detection.
	InboundLocalAddr *net.TCPAddr
	Transparent      bool

	// API timeout overrides; zero means "use config".
	apiNoActivityIn  time.Duration
	apiNoActivityOut time.Duration
	apiActiveOut     time.Duration
	apiConnect       time.Duration

	errKind    ErrorKind
	errSet     bool
	forceClose bool
	bodySent   bool
}

// New builds a state machine for one transaction.
func New(cfg Config, deps Deps) *SM {
	if deps.Log == nil {
		deps.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SM{
		ID:             xid.New().String(),
		Cfg:            cfg,
		Deps:           deps,
		LocalObservers: make(map[hooks.ID][]*hooks.Observer),
		Milestones:     NewMilestones(),
		state:          StateReadRequestHdr,
	}
}

// AddObserver registers a transaction-local observer for id.
func (sm *SM) AddObserver(id hooks.ID, o *hooks.Observer) {
	sm.LocalObservers[id] = append(sm.LocalObservers[id], o)
}

// SetAPIConnectTimeout overrides the configured connect timeout; an
// observer-set value wins over configuration.
func (sm *SM) SetAPIConnectTimeout(d time.Duration) { sm.apiConnect = d }

// SetAPIActiveTimeoutOut overrides the outbound active timeout.
func (sm *SM) SetAPIActiveTimeoutOut(d time.Duration) { sm.apiActiveOut = d }

// SetAPINoActivityTimeoutOut overrides the outbound inactivity timeout.
func (sm *SM) SetAPINoActivityTimeoutOut(d time.Duration) { sm.apiNoActivityOut = d }

// SetAPINoActivityTimeoutIn overrides the inbound inactivity timeout,
// which also bounds how long a callout observer may sit on the
// transaction.
func (sm *SM) SetAPINoActivityTimeoutIn(d time.Duration) { sm.apiNoActivityIn = d }

// outboundOptions merges configuration with API overrides.
func (sm *SM) outboundOptions() OutboundOptions {
	o := OutboundOptions{
		ConnectTimeout:    sm.Cfg.ConnectAttemptsTimeout,
		InactivityTimeout: sm.Cfg.NoActivityTimeoutOut,
		ActiveTimeout:     sm.Cfg.ActiveTimeoutOut,
		MaxRetries:        sm.Cfg.ConnectMaxRetries,
		MaxRetriesDown:    sm.Cfg.ConnectMaxRetriesDown,
	}
	if sm.apiConnect > 0 {
		o.ConnectTimeout = sm.apiConnect
	}
	if sm.apiNoActivityOut > 0 {
		o.InactivityTimeout = sm.apiNoActivityOut
	}
	if sm.apiActiveOut > 0 {
		o.ActiveTimeout = sm.apiActiveOut
	}
	return o
}

// enter/exit bracket every public entry point. The machine frees itself
// only when the counter returns to exactly one inside the final exit and
// terminateSM is set.
func (sm *SM) enter() { sm.reentrancy++ }

func (sm *SM) exit() {
	if sm.reentrancy == 1 && sm.terminateSM {
		sm.free()
	}
	sm.reentrancy--
}

// Reentrancy exposes the counter for tests and diagnostics.
func (sm *SM) Reentrancy() int { return sm.reentrancy }

// Freed reports whether teardown has run.
func (sm *SM) Freed() bool { return sm.freed }

func (sm *SM) free() {
	if sm.freed {
		return
	}
	sm.freed = true
	sm.VCTable.CleanupAll()
	if sm.cacheInfo.ObjectStore != nil {
		sm.cacheInfo.ObjectStore.Close()
	}
}

// ServeTxn runs the whole transaction for one inbound request. It is the
// machine's main entry point; the daemon calls it from its server
// handler.
func (sm *SM) ServeTxn(w http.ResponseWriter, r *http.Request) {
	sm.enter()
	defer sm.exit()

	sm.respWriter = w
	sm.clientReq = r
	sm.clientURL = cloneURL(r)

	sm.Milestones.Record(MilestoneSMStart)
	sm.Milestones.Record(MilestoneUABegin)
	sm.Milestones.Record(MilestoneUAFirstRead)
	sm.Milestones.Record(MilestoneUAReadHeaderDone)

	for sm.state != StateDone {
		sm.step(r.Context())
	}
}

func (sm *SM) transition(next State) {
	sm.prevState = sm.state
	sm.state = next
}

func (sm *SM) step(ctx context.Context) {
	switch sm.state {
	case StateReadRequestHdr:
		sm.handleReadRequestHdr()
	case StatePreRemap:
		sm.handleCalloutThen(hooks.PreRemap, StateRemapRequest)
	case StateRemapRequest:
		sm.handleRemap()
	case StatePostRemap:
		sm.handlePostRemap()
	case StateOSDNS:
		sm.handleCalloutThen(hooks.OSDNS, StateDNSLookup)
	case StateDNSLookup:
		sm.handleDNSLookup(ctx)
	case StateCacheLookup:
		sm.handleCacheLookup()
	case StateServeFromCache:
		sm.handleServeFromCache()
	case StateOriginServerOpen:
		sm.handleOriginOpen(ctx)
	case StateServerRead:
		sm.handleServerRead(ctx)
	case StateSendResponse:
		sm.handleSendResponse()
	case StateSMShutdown:
		sm.handleShutdown()
	default:
		sm.transition(StateDone)
	}
}

// hookTimedOut is the machine-internal verdict for a callout whose
// observer never re-enabled the transaction within the inactivity
// timeout.
const hookTimedOut hooks.Action = -1

// dispatch runs one callout point and waits for the chain to complete
// (contended observer locks resolve via the driver's backoff timer). The
// chain runs off-thread so the machine's own inactivity timer can fire
// if an observer never re-enables the transaction; a timed-out chain's
// late completion lands in the buffered channel and is discarded.
func (sm *SM) dispatch(id hooks.ID) hooks.Action {
	if sm.Deps.Hooks == nil {
		return hooks.Continue
	}
	sm.callout = calloutInFlight
	ch := make(chan hooks.Result, 1)
	go sm.Deps.Hooks.Dispatch(id, sm.LocalObservers[id], func(r hooks.Result) { ch <- r })

	timeout := sm.Cfg.NoActivityTimeoutIn
	if sm.apiNoActivityIn > 0 {
		timeout = sm.apiNoActivityIn
	}
	var watchdog <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		watchdog = t.C
	}

	select {
	case res := <-ch:
		sm.callout = calloutNone
		sm.Milestones.AddAPITime(res.APITime)
		return res.Action
	case <-watchdog:
		sm.callout = calloutNone
		sm.Deps.Log.Warn("callout observer unresponsive, terminating transaction",
			"txn", sm.ID, "hook", id.String(), "timeout", timeout)
		return hookTimedOut
	}
}

// calloutFailed turns an Error or timed-out callout verdict into the
// matching error jump. Returns true when the caller must stop.
func (sm *SM) calloutFailed(act hooks.Action) bool {
	switch act {
	case hooks.Error:
		sm.errorJump(ErrPlugin)
		return true
	case hookTimedOut:
		sm.errorJump(ErrTimeoutInactivity)
		return true
	default:
		return false
	}
}

// handleCalloutThen dispatches id and advances to next on Continue,
// rewinds on Rewind, or jumps to the error path otherwise.
func (sm *SM) handleCalloutThen(id hooks.ID, next State) {
	act := sm.dispatch(id)
	if sm.calloutFailed(act) {
		return
	}
	if act == hooks.Rewind {
		sm.transition(sm.prevState)
		return
	}
	sm.transition(next)
}

func (sm *SM) handleReadRequestHdr() {
	r := sm.clientReq

	if sm.Cfg.MaxRequestLineBytes > 0 {
		lineLen := len(r.Method) + 1 + len(r.RequestURI) + 1 + len(r.Proto) + 2
		if lineLen > sm.Cfg.MaxRequestLineBytes {
			sm.errorJump(ErrRequestLineTooLong)
			return
		}
	}
	if sm.Cfg.MaxHeaderBytes > 0 && headerSize(r.Header) > sm.Cfg.MaxHeaderBytes {
		sm.errorJump(ErrHeadersTooLarge)
		return
	}
	if r.Method == http.MethodTrace && (r.ContentLength > 0 || r.Header.Get("Transfer-Encoding") != "") {
		sm.errorJump(ErrParseClient)
		return
	}
	if r.Method == "PUSH" && !sm.Cfg.EnablePushMethod {
		sm.errorJump(ErrAuthDenied)
		return
	}

	sm.handleCalloutThen(hooks.ReadRequestHdr, StatePreRemap)
}

func headerSize(h http.Header) int {
	n := 0
	for k, vs := range h {
		for _, v := range vs {
			n += len(k) + len(v) + 4
		}
	}
	return n
}

func (sm *SM) handleRemap() {
	if sm.Remap != nil {
		if rule := sm.Remap.Apply(sm.clientURL); rule != nil && rule.SNIOverride != nil {
			sm.SNIPolicy = *rule.SNIOverride
		}
	}
	sm.transition(StatePostRemap)
}

func (sm *SM) handlePostRemap() {
	act := sm.dispatch(hooks.PostRemap)
	if sm.calloutFailed(act) {
		return
	}
	if act == hooks.Rewind {
		sm.transition(sm.prevState)
		return
	}

	// The mismatch check runs after remap so a rule may relax the
	// policy.
	if sm.SNIPolicy == SNIEnforce && sm.SNI != "" {
		host := hostOnly(sm.clientURL.Host)
		if !strings.EqualFold(host, sm.SNI) {
			sm.errorJump(ErrSNIMismatch)
			return
		}
	}
	sm.transition(StateOSDNS)
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

func (sm *SM) handleDNSLookup(ctx context.Context) {
	host := hostOnly(sm.clientURL.Host)
	sm.Milestones.Record(MilestoneDNSLookupBegin)

	if sm.Deps.Resolver == nil {
		sm.errorJump(ErrDNS)
		return
	}
	addrs, err := sm.Deps.Resolver.Lookup(ctx, host)
	sm.Milestones.Record(MilestoneDNSLookupEnd)
	if err != nil || len(addrs) == 0 {
		sm.errorJump(ErrDNS)
		return
	}
	sm.dnsInfo = DNSInfo{Hostname: host, Addrs: addrs}

	// Self-loop: the resolved origin is this proxy's own inbound
	// address.
	if sm.InboundLocalAddr != nil && !sm.Transparent {
		port := portOf(sm.clientURL)
		for _, a := range addrs {
			if a.Equal(sm.InboundLocalAddr.IP) && port == sm.InboundLocalAddr.Port {
				sm.errorJump(ErrSelfLoop)
				return
			}
		}
	}
	sm.transition(StateCacheLookup)
}

func portOf(u *url.URL) int {
	if p := u.Port(); p != "" {
		var n int
		fmt.Sscanf(p, "%d", &n)
		return n
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}

func (sm *SM) handleCacheLookup() {
	sm.cacheKey = sm.clientURL.String()

	if sm.Deps.Cache == nil || sm.clientReq.Method != http.MethodGet {
		sm.cacheInfo.Action = CacheNone
		sm.handleCalloutThen(hooks.CacheLookupComplete, StateOriginServerOpen)
		return
	}

	sm.Milestones.Record(MilestoneCacheOpenReadBegin)
	rd, err := sm.Deps.Cache.OpenRead(sm.cacheKey)
	sm.Milestones.Record(MilestoneCacheOpenReadEnd)

	switch {
	case err == nil:
		sm.cacheInfo.ObjectRead = rd
		sm.cacheInfo.Action = CacheServe
		sm.serveFromHit = true
		if sm.calloutFailed(sm.dispatch(hooks.ReadCacheHdr)) {
			return
		}
		sm.handleCalloutThen(hooks.CacheLookupComplete, StateServeFromCache)
	case errors.Is(err, ErrCacheMiss):
		sm.cacheInfo.Action = CacheWrite
		sm.handleCalloutThen(hooks.CacheLookupComplete, StateOriginServerOpen)
	default:
		// Storage error on lookup: fall back to the origin.
		sm.Deps.Log.Warn("cache open-read failed, falling back to origin", "txn", sm.ID, "err", err)
		sm.cacheInfo.Action = CacheNone
		sm.handleCalloutThen(hooks.CacheLookupComplete, StateOriginServerOpen)
	}
}

func (sm *SM) handleServeFromCache() {
	status, hdr := sm.cacheInfo.ObjectRead.Meta()
	resp := &http.Response{
		StatusCode:    status,
		Header:        hdr.Clone(),
		Body:          sm.cacheInfo.ObjectRead.Body(),
		ContentLength: -1,
	}
	sm.serverResp = resp
	sm.transition(StateSendResponse)
}

func (sm *SM) handleOriginOpen(ctx context.Context) {
	host := sm.dnsInfo.Hostname
	port := portOf(sm.clientURL)
	group := session.TrackerGroup{Host: host, Port: port}

	if sm.Deps.Tracker != nil {
		switch sm.Deps.Tracker.Reserve(group) {
		case session.Reserved:
			defer sm.Deps.Tracker.Release(group)
		default:
			sm.errorJump(ErrThrottled)
			return
		}
	}

	opts := sm.outboundOptions()
	maxAttempts := opts.MaxRetries
	if sm.Deps.DownMarker != nil {
		if down, _ := sm.Deps.DownMarker.IsDown(ctx, host); down {
			maxAttempts = opts.MaxRetriesDown
		}
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	req := sm.buildServerRequest()

	if sm.calloutFailed(sm.dispatch(hooks.SendRequestHdr)) {
		return
	}

	sm.Milestones.Record(MilestoneServerConnect)
	fetchOpts := FetchOptions{
		ConnectTimeout:    opts.ConnectTimeout,
		InactivityTimeout: opts.InactivityTimeout,
		ActiveTimeout:     opts.ActiveTimeout,
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := sm.Deps.Origin.Fetch(ctx, req, fetchOpts)
		sm.originReqs++
		if err == nil {
			sm.Milestones.Record(MilestoneServerConnectEnd)
			sm.Milestones.Record(MilestoneServerFirstRead)
			sm.Milestones.Record(MilestoneServerReadHeaderDone)
			if sm.Deps.DownMarker != nil {
				sm.Deps.DownMarker.ClearFailures(ctx, host)
			}
			sm.serverResp = resp
			sm.transition(StateServerRead)
			return
		}
		lastErr = err

		var ce *ConnectError
		if errors.As(err, &ce) {
			sm.markConnectFailure(ctx, host, ce.Kind)
			continue
		}
		var te *TimeoutError
		if errors.As(err, &te) {
			// Origin went quiet (or overran its total budget) after the
			// connect phase: answer with the matching timeout status.
			sm.errorJump(te.Kind)
			return
		}
		// Response-phase failure: no retry, no pooling of this session.
		sm.errorJump(ErrParseOrigin)
		return
	}

	sm.Deps.Log.Warn("origin connect failed after retries", "txn", sm.ID, "host", host, "attempts", maxAttempts, "err", lastErr)
	if errors.Is(lastErr, context.DeadlineExceeded) {
		sm.errorJump(ErrTimeoutConnect)
		return
	}
	sm.errorJump(ErrConnect)
}

// markConnectFailure applies connect_down_policy after a failed attempt.
func (sm *SM) markConnectFailure(ctx context.Context, host string, kind session.ConnectErrorKind) {
	if sm.Deps.DownMarker == nil || !sm.Cfg.ConnectDownPolicy.Applies(kind) {
		return
	}
	if transitioned, _ := sm.Deps.DownMarker.MarkFailure(ctx, host); transitioned {
		sm.Deps.Log.Warn("origin marked down", "txn", sm.ID, "host", host)
	}
}

// buildServerRequest derives the outbound request from the (possibly
// remapped) client request: hop-by-hop fields stripped, Via and
// Forwarded appended, Accept-Encoding normalized.
func (sm *SM) buildServerRequest() *http.Request {
	r := sm.clientReq
	out := r.Clone(r.Context())
	out.URL = sm.clientURL
	out.Host = sm.clientURL.Host
	out.RequestURI = ""

	headers.StripHopByHop(out.Header, false)

	proto := fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor)
	via := headers.BuildVia(out.Header.Get("Via"), proto, sm.Cfg.ViaPseudonym, "edgeproxy", headers.ViaTerse)
	out.Header.Set("Via", via)

	if sm.Cfg.InsertForwarded != 0 {
		std := strings.ToLower(r.Proto)
		compact := std
		if i := strings.IndexByte(compact, '/'); i >= 0 {
			compact = compact[:i]
		}
		full := std
		if r.TLS != nil {
			full = "tls/" + tlsVersionTag(r.TLS.Version) + "-" + std
		}
		params := headers.ForwardedParams{
			ClientIP:          clientIP(r),
			ServerName:        sm.Cfg.ViaPseudonym,
			UUID:              sm.ID,
			Proto:             sm.clientURL.Scheme,
			Host:              r.Host,
			ConnectionCompact: compact,
			ConnectionStd:     std,
			ConnectionFull:    full,
		}
		if sm.InboundLocalAddr != nil {
			params.InboundIP = sm.InboundLocalAddr.IP.String()
		}
		fwd := headers.BuildForwarded(out.Header.Get("Forwarded"), sm.Cfg.InsertForwarded, params)
		if fwd != "" {
			out.Header.Set("Forwarded", fwd)
		}
	}

	if ae := out.Header.Get("Accept-Encoding"); ae != "" || sm.Cfg.NormalizeAE != headers.AEUntouched {
		if v, keep := headers.NormalizeAcceptEncoding(ae, sm.Cfg.NormalizeAE); keep {
			out.Header.Set("Accept-Encoding", v)
		} else {
			out.Header.Del("Accept-Encoding")
		}
	}

	// Filling the cache needs the full object; a conditional request
	// could come back 304 with no body to store.
	if sm.cacheInfo.Action == CacheWrite {
		headers.RemoveConditional(out.Header)
	}
	return out
}

func tlsVersionTag(v uint16) string {
	switch v {
	case tls.VersionTLS13:
		return "1.3"
	case tls.VersionTLS12:
		return "1.2"
	case tls.VersionTLS11:
		return "1.1"
	case tls.VersionTLS10:
		return "1.0"
	default:
		return "unknown"
	}
}

func clientIP(r *http.Request) string {
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return h
	}
	return r.RemoteAddr
}

func (sm *SM) handleServerRead(ctx context.Context) {
	if sm.calloutFailed(sm.dispatch(hooks.ReadResponseHdr)) {
		return
	}

	resp := sm.serverResp
	if isRedirect(resp.StatusCode) && resp.Header.Get("Location") != "" {
		if sm.originReqs < sm.Cfg.NumberOfRedirections {
			sm.followRedirect(ctx, resp)
			return
		}
		// Retries exhausted: the current response goes to the client
		// verbatim.
		sm.Subcode = SubcodeNumRedirectionsExceeded
	}
	sm.transition(StateSendResponse)
}

// followRedirect rewrites the client URL from Location, clears origin
// state, and re-enters the machine at the DNS step.
func (sm *SM) followRedirect(ctx context.Context, resp *http.Response) {
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		sm.transition(StateSendResponse)
		return
	}
	if resp.Body != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	sm.clientURL = sm.clientURL.ResolveReference(loc)

	// Clear origin state: DNS, connect milestones, any cache read
	// handle.
	sm.dnsInfo = DNSInfo{}
	sm.serverResp = nil
	sm.Milestones.Clear(MilestoneDNSLookupBegin)
	sm.Milestones.Clear(MilestoneDNSLookupEnd)
	sm.Milestones.Clear(MilestoneServerConnect)
	sm.Milestones.Clear(MilestoneServerConnectEnd)
	sm.Milestones.Clear(MilestoneServerFirstRead)
	sm.Milestones.Clear(MilestoneServerReadHeaderDone)
	sm.cacheInfo.ObjectRead = nil

	sm.transition(StateOSDNS)
}

func (sm *SM) handleSendResponse() {
	if sm.calloutFailed(sm.dispatch(hooks.SendResponseHdr)) {
		return
	}

	resp := sm.serverResp
	w := sm.respWriter

	// Decide request-body draining before committing the response: a
	// chunked body always forces close; a small identity body drains;
	// anything else forces close.
	sm.decideBodyDrain()

	copyHeaders(w.Header(), resp.Header)
	headers.StripHopByHop(w.Header(), false)
	if sm.forceClose {
		w.Header().Set("Connection", "close")
	}
	w.WriteHeader(resp.StatusCode)
	sm.Milestones.Record(MilestoneUABeginWrite)

	if !suppressBody(resp.StatusCode) && resp.Body != nil {
		sm.streamBody(resp)
	} else if resp.Body != nil {
		resp.Body.Close()
	}

	sm.bodySent = true
	sm.Milestones.Record(MilestoneUAClose)
	sm.transition(StateSMShutdown)
}

// streamBody pumps the response body to the client, teeing into the
// cache store when a write is in progress.
func (sm *SM) streamBody(resp *http.Response) {
	if act := sm.dispatch(hooks.TunnelStart); act == hooks.Error || act == hookTimedOut {
		resp.Body.Close()
		return
	}

	tn := tunnel.New(sm.Deps.Log)
	p := tn.AddProducer("origin-response", resp.Body, tunnel.PassthruDechunked, resp.ContentLength, 0)
	p.AddConsumer("client", writerOnly{sm.respWriter}, true)

	if sm.cacheInfo.Action == CacheWrite && !sm.serveFromHit && resp.StatusCode == http.StatusOK && sm.Deps.Cache != nil {
		sm.Milestones.Record(MilestoneCacheOpenWriteBegin)
		wc, err := sm.Deps.Cache.OpenWrite(sm.cacheKey)
		sm.Milestones.Record(MilestoneCacheOpenWriteEnd)
		switch {
		case err == nil:
			sm.cacheInfo.WriteLock = WriteLockHeld
			sm.cacheInfo.ObjectStore = wc
			p.AddConsumer("cache-write", wc, false)
		case sm.Cfg.OpenWriteFail == OpenWriteFailErrorOnMissOrRevalidate:
			sm.cacheInfo.WriteLock = WriteLockFailed
			sm.Deps.Log.Warn("cache open-write failed", "txn", sm.ID, "err", err)
		default:
			// Drop the write and keep serving.
			sm.cacheInfo.WriteLock = WriteLockFailed
			sm.Deps.Log.Debug("cache open-write failed, serving without store", "txn", sm.ID, "err", err)
		}
	}

	tn.Run(p)
	resp.Body.Close()
	if sm.cacheInfo.ObjectStore != nil {
		sm.cacheInfo.ObjectStore.Close()
		sm.cacheInfo.ObjectStore = nil
	}
}

// writerOnly hides optional interfaces (Flusher, Hijacker) so the tunnel
// treats the client strictly as a byte sink.
type writerOnly struct{ io.Writer }

// decideBodyDrain handles an unread request body once the machine has
// chosen to respond: short identity bodies are drained, chunked or large
// bodies mark the inbound for close.
func (sm *SM) decideBodyDrain() {
	r := sm.clientReq
	if r.Body == nil {
		return
	}
	chunked := len(r.TransferEncoding) > 0 && r.TransferEncoding[0] == "chunked"
	switch {
	case chunked:
		sm.forceClose = true
	case r.ContentLength > 0 && sm.Cfg.DrainBodyLimit > 0 && r.ContentLength <= sm.Cfg.DrainBodyLimit:
		io.CopyN(io.Discard, r.Body, r.ContentLength)
	case r.ContentLength > 0:
		sm.forceClose = true
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func (sm *SM) handleShutdown() {
	if sm.callout == calloutInFlight {
		sm.callout = calloutDeferredClose
		return
	}
	sm.dispatch(hooks.TxnClose)
	sm.Milestones.Record(MilestoneSMFinish)
	sm.terminateSM = true
	sm.transition(StateDone)
}

// errorJump builds the canned error response and routes the machine to
// shutdown. If a response was already committed, no second status line
// or body is written; the machine only records the error and shuts down.
func (sm *SM) errorJump(kind ErrorKind) {
	sm.errKind = kind
	sm.errSet = true

	if sm.callout == calloutInFlight {
		sm.callout = calloutDeferredServerError
	}

	if !sm.bodySent && sm.respWriter != nil {
		status := statusFor(kind)
		body := cannedBody(kind)
		h := sm.respWriter.Header()
		h.Set("Content-Type", "text/html")
		h.Set("Content-Length", fmt.Sprintf("%d", len(body)))
		if kind == ErrParseClient || kind == ErrRequestLineTooLong || kind == ErrHeadersTooLarge {
			h.Set("Connection", "close")
		}
		sm.respWriter.WriteHeader(status)
		io.WriteString(sm.respWriter, body)
		sm.bodySent = true
		sm.Milestones.Record(MilestoneUABeginWrite)
		sm.Milestones.Record(MilestoneUAClose)
	}
	sm.transition(StateSMShutdown)
}

// ErrorKindSet reports the terminal error, if any.
func (sm *SM) ErrorKindSet() (ErrorKind, bool) { return sm.errKind, sm.errSet }

// OriginRequests reports how many origin fetches this transaction made.
func (sm *SM) OriginRequests() int { return sm.originReqs }

func cloneURL(r *http.Request) *url.URL {
	u := *r.URL
	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Scheme == "" {
		if r.TLS != nil {
			u.Scheme = "https"
		} else {
			u.Scheme = "http"
		}
	}
	return &u
}
