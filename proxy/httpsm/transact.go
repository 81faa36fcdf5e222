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
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"edgeproxy/proxy/session"
)

// CacheAction is the transaction's decided treatment of the cache.
type CacheAction int

const (
	CacheNone CacheAction = iota
	CacheServe
	CacheServeAndDelete
	CacheServeAndUpdate
	CacheUpdate
	CacheWrite
	CacheReplace
	CacheDelete
)

// WriteLockState tracks the cache open-write lock for this transaction.
type WriteLockState int

const (
	WriteLockNone WriteLockState = iota
	WriteLockHeld
	WriteLockFailed
)

// CacheInfo is the transaction's cache sub-state.
type CacheInfo struct {
	Action      CacheAction
	WriteLock   WriteLockState
	ObjectRead  CacheReader
	ObjectStore io.WriteCloser
}

// CacheReader is the read side of a cached object.
type CacheReader interface {
	Meta() (status int, hdr http.Header)
	Body() io.ReadCloser
}

// ErrCacheMiss is returned by Cache.OpenRead when the key is absent.
var ErrCacheMiss = errors.New("httpsm: cache miss")

// Cache is the storage collaborator contract. Implementations live
// outside this package; tests supply fakes.
type Cache interface {
	OpenRead(key string) (CacheReader, error)
	OpenWrite(key string) (io.WriteCloser, error)
	Delete(key string) error
}

// Resolver is the name-resolution collaborator contract.
type Resolver interface {
	Lookup(ctx context.Context, host string) ([]net.IP, error)
}

// DNSInfo is the transaction's resolved origin state.
type DNSInfo struct {
	Hostname string
	Addrs    []net.IP
}

// Addr returns the preferred resolved address, or nil.
func (d *DNSInfo) Addr() net.IP {
	if len(d.Addrs) == 0 {
		return nil
	}
	return d.Addrs[0]
}

// ConnectError wraps an origin connect failure with its phase for the
// down-marking policy.
type ConnectError struct {
	Kind session.ConnectErrorKind
	Err  error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("connect: %v", e.Err) }
func (e *ConnectError) Unwrap() error { return e.Err }

// TimeoutError marks an origin I/O timeout with its taxonomy kind
// (ErrTimeoutInactivity or ErrTimeoutActive), so the state machine can
// answer 408 vs 504 instead of treating it as a malformed response.
type TimeoutError struct {
	Kind ErrorKind
	Err  error
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("origin timeout: %v", e.Err) }
func (e *TimeoutError) Unwrap() error { return e.Err }

// FetchOptions carries the per-attempt limits an origin fetch runs under.
type FetchOptions struct {
	ConnectTimeout    time.Duration
	InactivityTimeout time.Duration
	ActiveTimeout     time.Duration
}

// OriginFetcher performs one request against the origin. Connect-phase
// failures must be returned as *ConnectError so the state machine can
// classify them, and post-connect I/O timeouts as *TimeoutError; anything
// else is treated as a response-phase error.
type OriginFetcher interface {
	Fetch(ctx context.Context, req *http.Request, opts FetchOptions) (*http.Response, error)
}

// OutboundOptions are the effective per-attempt timeouts after API
// overrides are applied over configuration.
type OutboundOptions struct {
	ConnectTimeout    time.Duration
	InactivityTimeout time.Duration
	ActiveTimeout     time.Duration
	MaxRetries        int
	MaxRetriesDown    int
}

// ErrorKind classifies a transaction-fatal failure.
type ErrorKind int

const (
	ErrParseClient ErrorKind = iota
	ErrParseOrigin
	ErrDNS
	ErrConnect
	ErrTimeoutConnect
	ErrTimeoutInactivity
	ErrTimeoutActive
	ErrCacheRead
	ErrThrottled
	ErrSelfLoop
	ErrSNIMismatch
	ErrAuthDenied
	ErrPlugin
	ErrRequestLineTooLong
	ErrHeadersTooLarge
	ErrMethodNotAllowed
)

// Subcode refines an ErrorKind or a terminal outcome.
type Subcode int

const (
	SubcodeNone Subcode = iota
	SubcodeNumRedirectionsExceeded
)

// statusFor maps an error kind to the response status sent to the client.
func statusFor(kind ErrorKind) int {
	switch kind {
	case ErrParseClient, ErrHeadersTooLarge, ErrMethodNotAllowed:
		return http.StatusBadRequest
	case ErrRequestLineTooLong:
		return http.StatusRequestURITooLong
	case ErrParseOrigin, ErrDNS:
		return http.StatusBadGateway
	case ErrConnect, ErrTimeoutConnect, ErrTimeoutActive:
		return http.StatusGatewayTimeout
	case ErrTimeoutInactivity:
		return http.StatusRequestTimeout
	case ErrCacheRead:
		return http.StatusInternalServerError
	case ErrThrottled:
		return http.StatusServiceUnavailable
	case ErrSelfLoop:
		return http.StatusBadGateway
	case ErrSNIMismatch, ErrAuthDenied:
		return http.StatusForbidden
	case ErrPlugin:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// errorTitle is the canned body headline per kind.
func errorTitle(kind ErrorKind) string {
	switch kind {
	case ErrParseClient:
		return "Malformed Request"
	case ErrParseOrigin:
		return "Malformed Server Response"
	case ErrDNS:
		return "Cannot Find Server"
	case ErrConnect:
		return "Could Not Connect"
	case ErrTimeoutConnect:
		return "Connection Timed Out"
	case ErrTimeoutInactivity:
		return "Inactivity Timeout"
	case ErrTimeoutActive:
		return "Activity Timeout"
	case ErrCacheRead:
		return "Cache Read Error"
	case ErrThrottled:
		return "Origin Throttled"
	case ErrSelfLoop:
		return "Cycle Detected"
	case ErrSNIMismatch:
		return "Host Header And SNI Do Not Match"
	case ErrAuthDenied:
		return "Access Denied"
	case ErrPlugin:
		return "Plugin Error"
	case ErrRequestLineTooLong:
		return "Request URI Too Long"
	case ErrHeadersTooLarge:
		return "Headers Too Large"
	case ErrMethodNotAllowed:
		return "Method Not Allowed"
	default:
		return "Proxy Error"
	}
}

// cannedBody renders the error response body for kind.
func cannedBody(kind ErrorKind) string {
	return fmt.Sprintf("<html><head><title>%[1]s</title></head><body><h1>%[1]s</h1></body></html>\n", errorTitle(kind))
}

// suppressBody reports whether a response with status must not carry a
// body (1xx, 204, 304).
func suppressBody(status int) bool {
	return (status >= 100 && status < 200) || status == http.StatusNoContent || status == http.StatusNotModified
}

// isRedirect reports whether status triggers redirect-following.
func isRedirect(status int) bool {
	switch status {
	case http.StatusMultipleChoices, http.StatusMovedPermanently,
		http.StatusFound, http.StatusSeeOther, http.StatusUseProxy,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

// OpenWriteFailAction selects behavior when the cache write lock cannot be
// taken.
type OpenWriteFailAction int

const (
	OpenWriteFailDefault OpenWriteFailAction = iota
	OpenWriteFailReadRetry
	OpenWriteFailErrorOnMissOrRevalidate
)

// ParseOpenWriteFailAction maps the config string form.
func ParseOpenWriteFailAction(s string) OpenWriteFailAction {
	switch s {
	case "read_retry":
		return OpenWriteFailReadRetry
	case "error_on_miss_or_revalidate":
		return OpenWriteFailErrorOnMissOrRevalidate
	default:
		return OpenWriteFailDefault
	}
}
