// Copyright 2025 Tetsuya Kimata. All Rights Reserved.
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

package history

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// goRedisEvaler adapts a real Redis client to the Evaler surface.
type goRedisEvaler struct {
	client *redis.Client
}

// NewGoRedisEvaler returns an Evaler backed by a real Redis client at addr.
func NewGoRedisEvaler(addr string) Evaler {
	return goRedisEvaler{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (e goRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return e.client.Eval(ctx, script, keys, args...).Result()
}

// Build constructs the sink for the configured address. An empty address
// selects the logging fallback so the service runs without infrastructure;
// otherwise a Redis-backed sink is wired directly.
func Build(redisAddr string, markerTTL time.Duration, log *zap.SugaredLogger) Sink {
	if redisAddr == "" {
		return LoggingSink{Log: log}
	}
	return NewRedisSink(NewGoRedisEvaler(redisAddr), markerTTL)
}
