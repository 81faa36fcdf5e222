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

// connlimiter is a standalone HTTP harness for the outbound connection
// tracker: reserve and release slots per (host, port) group and watch the
// per-host cap, the global credit, and the token bucket in isolation.
//
// Usage:
//
//	go run ./cmd/connlimiter -http :9191 -per_host 4 -global 64
//	Endpoints:
//	  POST /reserve?host=H&port=P  → claim one slot
//	  POST /release?host=H&port=P  → return one slot
//	  GET  /active?host=H&port=P   → current count for the group
//	  GET  /healthz                → liveness probe
package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"strconv"
	"time"

	"edgeproxy/proxy/session"
)

func main() {
	addr := flag.String("http", ":9191", "HTTP listen address")
	perHost := flag.Int("per_host", 4, "max connections per (host, port) group")
	global := flag.Int("global", 64, "global connection credit")
	rps := flag.Int("rps", 0, "per-host token bucket rate (0 disables)")
	burst := flag.Int("burst", 0, "per-host token bucket burst")
	flag.Parse()

	tracker := session.NewTracker(*perHost, *global, *rps, *burst)

	groupFrom := func(r *http.Request) session.TrackerGroup {
		host := r.URL.Query().Get("host")
		if host == "" {
			host = "origin.example"
		}
		port, _ := strconv.Atoi(r.URL.Query().Get("port"))
		if port == 0 {
			port = 80
		}
		return session.TrackerGroup{Host: host, Port: port}
	}

	http.HandleFunc("/reserve", func(w http.ResponseWriter, r *http.Request) {
		g := groupFrom(r)
		outcome := tracker.Reserve(g)
		status := http.StatusOK
		name := "reserved"
		switch outcome {
		case session.ThrottledPerHost:
			status, name = http.StatusServiceUnavailable, "throttled_per_host"
		case session.ThrottledGlobal:
			status, name = http.StatusServiceUnavailable, "throttled_global"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"outcome": name,
			"host":    g.Host,
			"port":    g.Port,
			"active":  tracker.Active(g),
		})
	})

	http.HandleFunc("/release", func(w http.ResponseWriter, r *http.Request) {
		g := groupFrom(r)
		tracker.Release(g)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"host":   g.Host,
			"port":   g.Port,
			"active": tracker.Active(g),
		})
	})

	http.HandleFunc("/active", func(w http.ResponseWriter, r *http.Request) {
		g := groupFrom(r)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"active": tracker.Active(g)})
	})

	http.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "time": time.Now().UTC()})
	})

	log.Printf("connlimiter listening on %s (per_host=%d global=%d)", *addr, *perHost, *global)
	if err := http.ListenAndServe(*addr, nil); err != nil {
		log.Fatalf("http: %v", err)
	}
}
