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

// Package headers implements the proxy's header transformation rules:
// Via/Forwarded synthesis, hop-by-hop stripping, Accept-Encoding
// normalization, HSTS injection and RFC 7234 Age computation. All
// functions operate directly on header maps, following the idiomatic
// Set/Del style rather than a reflection-based struct mapper.
package headers

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
)

// ForwardedField is one bit of the Forwarded bitmask. The by-* bits pick
// how this proxy identifies itself in the by parameter; the connection-*
// bits pick how much of the inbound protocol stack the connection
// extension parameter carries.
type ForwardedField int

const (
	ForwardedFor ForwardedField = 1 << iota
	ForwardedByUnknown
	ForwardedByServerName
	ForwardedByUUID
	ForwardedByIP
	ForwardedProto
	ForwardedHost
	ForwardedConnectionCompact
	ForwardedConnectionStd
	ForwardedConnectionFull
)

// hopByHop lists fields stripped when copying headers across a hop.
// Keep-Alive and Proxy-Authorization get their own policy.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"TE":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// StripHopByHop removes hop-by-hop fields from h, retaining Keep-Alive
// always and Proxy-Authorization when retainProxyAuth is set.
func StripHopByHop(h map[string][]string, retainProxyAuth bool) {
	named := h["Connection"]
	for name := range hopByHop {
		if name == "Keep-Alive" {
			continue
		}
		if name == "Proxy-Authorization" && retainProxyAuth {
			continue
		}
		delete(h, name)
	}
	// Connection also names additional fields to strip (RFC 7230 §6.1).
	for _, extra := range named {
		for _, tok := range strings.Split(extra, ",") {
			delete(h, strings.TrimSpace(tok))
		}
	}
}

// conditional lists the precondition fields a revalidating proxy strips
// from the outbound request when it needs the full object from the
// origin: a 304 cannot fill a cache miss.
var conditional = []string{
	"If-Modified-Since",
	"If-Unmodified-Since",
	"If-Match",
	"If-None-Match",
}

// RemoveConditional deletes the conditional request fields from h.
func RemoveConditional(h map[string][]string) {
	for _, name := range conditional {
		delete(h, name)
	}
}

// ViaVerbosity controls whether BuildVia wraps the hostname in brackets
// with a per-hop uuid (verbose) or emits a bare pseudonym (terse).
type ViaVerbosity int

const (
	ViaTerse ViaVerbosity = iota
	ViaVerbose
)

// BuildVia constructs this hop's Via entry and appends it (comma
// separated) to any existing incoming Via trace. protocolStack is e.g.
// "1.1"; proxyHostname is this proxy's pseudonym; viaString is a free-form
// comment, e.g. a software name/version.
func BuildVia(existing, protocolStack, proxyHostname, viaString string, verbosity ViaVerbosity) string {
	var entry string
	if verbosity == ViaVerbose {
		entry = fmt.Sprintf("%s %s[%s] (%s)", protocolStack, proxyHostname, xid.New().String(), viaString)
	} else {
		entry = fmt.Sprintf("%s %s (%s)", protocolStack, proxyHostname, viaString)
	}
	if existing == "" {
		return entry
	}
	return existing + ", " + entry
}

// ForwardedParams carries the values the selected Forwarded parameters
// draw from. Empty fields suppress their parameter even when the bit is
// set.
type ForwardedParams struct {
	ClientIP   string // for=
	InboundIP  string // by= under ForwardedByIP: this proxy's inbound address
	ServerName string // by= under ForwardedByServerName
	UUID       string // by=_<uuid> under ForwardedByUUID
	Proto      string // proto=
	Host       string // host=, the client request's Host

	// Inbound protocol stack renderings for the connection extension
	// parameter, most to least terse.
	ConnectionCompact string
	ConnectionStd     string
	ConnectionFull    string
}

// BuildForwarded constructs this hop's Forwarded entry per the bitmask and
// appends it to any existing Forwarded header value with a comma
// separator. Parameters are emitted in the order for, by, proto, host,
// connection; IPv6 values are bracket-quoted.
func BuildForwarded(existing string, mask ForwardedField, p ForwardedParams) string {
	var parts []string
	if mask&ForwardedFor != 0 && p.ClientIP != "" {
		parts = append(parts, "for="+quoteIfIPv6(p.ClientIP))
	}
	if mask&ForwardedByUnknown != 0 {
		parts = append(parts, "by=unknown")
	}
	if mask&ForwardedByServerName != 0 && p.ServerName != "" {
		parts = append(parts, "by="+p.ServerName)
	}
	if mask&ForwardedByUUID != 0 && p.UUID != "" {
		parts = append(parts, "by=_"+p.UUID)
	}
	if mask&ForwardedByIP != 0 && p.InboundIP != "" {
		parts = append(parts, "by="+quoteIfIPv6(p.InboundIP))
	}
	if mask&ForwardedProto != 0 && p.Proto != "" {
		parts = append(parts, "proto="+p.Proto)
	}
	if mask&ForwardedHost != 0 && p.Host != "" {
		parts = append(parts, "host="+quoteIfColon(p.Host))
	}
	if mask&ForwardedConnectionCompact != 0 && p.ConnectionCompact != "" {
		parts = append(parts, "connection="+p.ConnectionCompact)
	}
	if mask&ForwardedConnectionStd != 0 && p.ConnectionStd != "" {
		parts = append(parts, "connection="+quoteIfColon(p.ConnectionStd))
	}
	if mask&ForwardedConnectionFull != 0 && p.ConnectionFull != "" {
		parts = append(parts, "connection="+quoteIfColon(p.ConnectionFull))
	}
	entry := strings.Join(parts, ";")
	if entry == "" {
		return existing
	}
	if existing == "" {
		return entry
	}
	return existing + ", " + entry
}

// quoteIfColon double-quotes values that carry characters outside the
// RFC 7239 token set (host:port, protocol stacks) so they stay one
// parameter value.
func quoteIfColon(v string) string {
	if strings.ContainsAny(v, ":/") {
		return "\"" + v + "\""
	}
	return v
}

func quoteIfIPv6(hostport string) string {
	host := hostport
	port := ""
	if h, p, err := net.SplitHostPort(hostport); err == nil {
		host, port = h, p
	}
	if strings.Contains(host, ":") {
		if port != "" {
			return fmt.Sprintf("\"[%s]:%s\"", host, port)
		}
		return fmt.Sprintf("\"[%s]\"", host)
	}
	if port != "" {
		return fmt.Sprintf("%s:%s", host, port)
	}
	return host
}

// BuildHSTS constructs a Strict-Transport-Security header value.
func BuildHSTS(maxAge time.Duration, includeSubDomains bool) string {
	v := fmt.Sprintf("max-age=%d", int64(maxAge.Seconds()))
	if includeSubDomains {
		v += "; includeSubDomains"
	}
	return v
}

// AcceptEncodingMode selects how NormalizeAcceptEncoding rewrites the
// header.
type AcceptEncodingMode int

const (
	AEUntouched AcceptEncodingMode = iota
	AECollapseGzip
	AEPreferBrotli
)

// NormalizeAcceptEncoding rewrites an Accept-Encoding value per mode.
// Returns ("", false) when the header should be deleted.
func NormalizeAcceptEncoding(value string, mode AcceptEncodingMode) (string, bool) {
	switch mode {
	case AEUntouched:
		return value, value != ""
	case AECollapseGzip:
		if hasEncoding(value, "gzip") {
			return "gzip", true
		}
		return "", false
	case AEPreferBrotli:
		if hasEncoding(value, "br") {
			return "br", true
		}
		if hasEncoding(value, "gzip") {
			return "gzip", true
		}
		return "", false
	default:
		return value, value != ""
	}
}

func hasEncoding(acceptEncoding, name string) bool {
	for _, tok := range strings.Split(acceptEncoding, ",") {
		tok = strings.TrimSpace(strings.SplitN(tok, ";", 2)[0])
		if strings.EqualFold(tok, name) {
			return true
		}
	}
	return false
}

// Age computes the current Age value per RFC 7234 §4.2.3, given the
// cached response's Date header value (date), any existing Age header
// value in seconds (ageValue), the time the request was issued
// (requestTime), the time the response was received (responseTime), and
// the current time (now).
func Age(date, responseTime, requestTime, now time.Time, ageValue int64) int64 {
	apparent := int64(responseTime.Sub(date).Seconds())
	if apparent < 0 {
		apparent = 0
	}
	correctedReceived := apparent
	if ageValue > correctedReceived {
		correctedReceived = ageValue
	}
	initial := correctedReceived + int64(responseTime.Sub(requestTime).Seconds())

	residentBase := responseTime
	if now.After(responseTime) {
		residentBase = now
	}
	resident := int64(residentBase.Sub(responseTime).Seconds())
	if resident < 0 {
		resident = 0
	}
	return initial + resident
}

// FormatAge renders an Age value for the Age header.
func FormatAge(seconds int64) string {
	return strconv.FormatInt(seconds, 10)
}
