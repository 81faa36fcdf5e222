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
	"context"

	redis "github.com/redis/go-redis/v9"
)

// GoRedisEvaler is the production RedisEvaler, wrapping
// github.com/redis/go-redis/v9. Use NewGoRedisEvaler with an address like
// "127.0.0.1:6379".
type GoRedisEvaler struct{ c *redis.Client }

// NewGoRedisEvaler builds a client for addr and db.
func NewGoRedisEvaler(addr string, db int) *GoRedisEvaler {
	return &GoRedisEvaler{c: redis.NewClient(&redis.Options{Addr: addr, DB: db})}
}

func (g *GoRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return g.c.Eval(ctx, script, keys, args...).Result()
}

// Close releases the underlying client's connections.
func (g *GoRedisEvaler) Close() error { return g.c.Close() }
