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

package session

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor reaps idle pooled sessions on a cron schedule.
type Janitor struct {
	pool *Pool
	cron *cron.Cron
	log  *slog.Logger
}

// NewJanitor schedules pool.ReapIdle on the given cron expression
// ("@every 30s" style is accepted).
func NewJanitor(pool *Pool, schedule string, log *slog.Logger) (*Janitor, error) {
	j := &Janitor{
		pool: pool,
		cron: cron.New(),
		log:  log,
	}
	_, err := j.cron.AddFunc(schedule, func() {
		if n := pool.ReapIdle(time.Now()); n > 0 && log != nil {
			log.Debug("reaped idle sessions", "count", n)
		}
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

// Start begins the cron scheduler.
func (j *Janitor) Start() { j.cron.Start() }

// Stop halts the scheduler and waits for any running sweep.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}
