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
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"edgeproxy/proxy/session"
)

// PoolFetcher is the default OriginFetcher: it reuses idle sessions from
// the pool when the sharing policy allows, dials fresh connections
// otherwise, and returns clean sessions to the pool when the response
// body is fully read.
type PoolFetcher struct {
	Pool *session.Pool
	Log  *slog.Logger

	// DialContext is swappable for tests; nil uses a net.Dialer.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// TLSConfig, when non-nil, wraps dialed connections for https
	// requests.
	TLSConfig *tls.Config
}

// Fetch performs one origin request under the per-attempt limits.
func (f *PoolFetcher) Fetch(ctx context.Context, req *http.Request, opts FetchOptions) (*http.Response, error) {
	host := req.URL.Hostname()
	port := portOf(req.URL)
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	var (
		conn   net.Conn
		sess   *session.Session
		reused bool
	)
	if f.Pool != nil {
		res, s := f.Pool.Acquire("", host, host, port)
		if res == session.AcquireDone {
			sess = s
			conn = s.Conn
			reused = true
		}
	}
	if conn == nil {
		c, err := f.dial(ctx, req, addr, opts)
		if err != nil {
			return nil, err
		}
		conn = c
		sess = session.NewSession(conn, host, host, port)
		sess.SNI = host
	}

	if opts.ActiveTimeout > 0 {
		conn.SetDeadline(time.Now().Add(opts.ActiveTimeout))
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		if reused {
			// A stale pooled connection: report as a connect-phase error
			// so the caller retries on a fresh one.
			return nil, &ConnectError{Kind: session.ErrKindTCP, Err: err}
		}
		return nil, err
	}

	if opts.InactivityTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(opts.InactivityTimeout))
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, &TimeoutError{Kind: timeoutKind(opts), Err: err}
		}
		return nil, fmt.Errorf("reading origin response: %w", err)
	}

	sess.Private = isPrivate(req)
	resp.Body = &pooledBody{
		body: resp.Body,
		done: func(clean bool) {
			if clean && f.Pool != nil && !wantClose(resp) {
				f.Pool.Release(sess)
				return
			}
			conn.Close()
		},
	}
	return resp, nil
}

// timeoutKind decides which configured limit expired: the inactivity
// read deadline when it is the shorter (or only) one, the total active
// deadline otherwise.
func timeoutKind(opts FetchOptions) ErrorKind {
	if opts.InactivityTimeout > 0 && (opts.ActiveTimeout <= 0 || opts.InactivityTimeout < opts.ActiveTimeout) {
		return ErrTimeoutInactivity
	}
	return ErrTimeoutActive
}

func (f *PoolFetcher) dial(ctx context.Context, req *http.Request, addr string, opts FetchOptions) (net.Conn, error) {
	dial := f.DialContext
	if dial == nil {
		d := &net.Dialer{Timeout: opts.ConnectTimeout}
		dial = d.DialContext
	}
	dctx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}
	conn, err := dial(dctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Kind: session.ErrKindTCP, Err: err}
	}
	if req.URL.Scheme == "https" {
		cfg := f.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{}
		}
		if cfg.ServerName == "" {
			cfg = cfg.Clone()
			cfg.ServerName = req.URL.Hostname()
		}
		tc := tls.Client(conn, cfg)
		if err := tc.HandshakeContext(dctx); err != nil {
			conn.Close()
			return nil, &ConnectError{Kind: session.ErrKindTLS, Err: err}
		}
		return tc, nil
	}
	return conn, nil
}

// isPrivate flags sessions that must never be pooled: authenticated
// requests and non-keep-alive POSTs.
func isPrivate(req *http.Request) bool {
	if req.Header.Get("Authorization") != "" || req.Header.Get("Proxy-Authorization") != "" {
		return true
	}
	if req.Method == http.MethodPost && wantCloseHeader(req.Header) {
		return true
	}
	return false
}

func wantClose(resp *http.Response) bool {
	if resp.Close {
		return true
	}
	return wantCloseHeader(resp.Header)
}

func wantCloseHeader(h http.Header) bool {
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "close") {
				return true
			}
		}
	}
	return false
}

// pooledBody returns the underlying session to the pool when the body
// was read to EOF before Close; any other close path drops the
// connection.
type pooledBody struct {
	body   io.ReadCloser
	done   func(clean bool)
	sawEOF bool
	closed bool
}

func (b *pooledBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if errors.Is(err, io.EOF) {
		b.sawEOF = true
	}
	return n, err
}

func (b *pooledBody) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.body.Close()
	b.done(b.sawEOF)
	return err
}
