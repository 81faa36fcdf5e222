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
	"net/url"
	"strings"
)

// SNIPolicy governs enforcement of Host-header/SNI agreement on TLS
// inbounds.
type SNIPolicy int

const (
	SNIPermissive SNIPolicy = iota
	SNIEnforce
)

// RemapRule rewrites a request URL whose host (and optional path prefix)
// match. A rule may also relax the SNI policy for its targets, which is
// why the mismatch check runs after remap.
type RemapRule struct {
	FromHost   string
	PathPrefix string

	ToScheme string
	ToHost   string

	// SNIOverride, when non-nil, replaces the listener's policy for
	// requests this rule matched.
	SNIOverride *SNIPolicy
}

func (r *RemapRule) matches(u *url.URL) bool {
	if !strings.EqualFold(u.Hostname(), r.FromHost) {
		return false
	}
	return r.PathPrefix == "" || strings.HasPrefix(u.Path, r.PathPrefix)
}

// RemapTable is an ordered rewrite table; the first matching rule wins.
type RemapTable struct {
	Rules []RemapRule
}

// Apply rewrites u in place per the first matching rule. It returns the
// matched rule, or nil when no rule applies.
func (t *RemapTable) Apply(u *url.URL) *RemapRule {
	for i := range t.Rules {
		r := &t.Rules[i]
		if !r.matches(u) {
			continue
		}
		if r.ToScheme != "" {
			u.Scheme = r.ToScheme
		}
		if r.ToHost != "" {
			port := u.Port()
			u.Host = r.ToHost
			if port != "" && !strings.Contains(r.ToHost, ":") {
				u.Host = r.ToHost + ":" + port
			}
		}
		return r
	}
	return nil
}
