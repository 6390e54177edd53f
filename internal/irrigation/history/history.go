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

// Package history persists one record per finished watering session (or
// safety abort) to an external store. Appends are idempotent: each record
// carries a unique id, and applying the same record twice is a no-op, so the
// fire-and-forget caller may retry freely.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Record is one completed watering session or safety abort.
//
// Fields:
//   - ID: globally unique idempotency key for this record. Re-using the same
//     id for a retried append makes the operation a no-op.
//   - At: engine clock seconds when the session terminated.
//   - Kind: "total" for a normal completion, "error" for a safety abort.
//   - Operation: "manual" or "auto".
type Record struct {
	ID        string  `json:"id"`
	At        float64 `json:"at"`
	Kind      string  `json:"kind"`
	Operation string  `json:"operation"`
	PeriodSec float64 `json:"period_sec"`
	Litres    float64 `json:"litres"`
	Message   string  `json:"message,omitempty"`
}

// Sink appends session records to a store. Implementations must be safe to
// retry: a duplicate Record.ID becomes a no-op.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// LoggingSink is the dependency-free fallback: it logs each record instead
// of persisting it, so the service runs without infrastructure.
type LoggingSink struct {
	Log *zap.SugaredLogger
}

func (s LoggingSink) Append(_ context.Context, rec Record) error {
	s.Log.Infof("history: kind=%s operation=%s period=%.1fs litres=%.2f %s",
		rec.Kind, rec.Operation, rec.PeriodSec, rec.Litres, rec.Message)
	return nil
}

// Evaler abstracts the minimal surface we need from a Redis client.
// Implementations may wrap github.com/redis/go-redis/v9 (Cmdable.Eval) or
// any equivalent.
type Evaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// RedisSink appends records idempotently using a Lua script:
// 1) SETNX history-marker:<id> 1
// 2) If set -> RPUSH the JSON record onto the history list
// 3) EXPIRE the marker (TTL) for leak protection
// If SETNX fails (already applied), it returns OK and makes no changes.
type RedisSink struct {
	client    Evaler
	listKey   string
	markerTTL time.Duration
}

// redisLuaScript performs the idempotent append. It returns 1 if applied,
// 0 if already applied.
const redisLuaScript = `
local listKey = KEYS[1]
local markerKey = KEYS[2]
local record = ARGV[1]
local ttlSeconds = tonumber(ARGV[2])
-- try to set the idempotency marker
local set = redis.call('SETNX', markerKey, 1)
if set == 1 then
  redis.call('RPUSH', listKey, record)
  if ttlSeconds and ttlSeconds > 0 then
    redis.call('EXPIRE', markerKey, ttlSeconds)
  end
  return 1
else
  -- already applied; no-op
  return 0
end
`

// HistoryListKey is the Redis list the records land on.
const HistoryListKey = "rasp-water:history"

// MarkerKey returns the idempotency marker key for a record id.
func MarkerKey(id string) string { return fmt.Sprintf("rasp-water:history-marker:%s", id) }

// NewRedisSink returns a sink with the given client and marker TTL.
// markerTTL guards against unbounded growth of markers; choose a duration
// comfortably larger than your maximum retry window.
func NewRedisSink(client Evaler, markerTTL time.Duration) *RedisSink {
	if markerTTL <= 0 {
		markerTTL = 24 * time.Hour
	}
	return &RedisSink{client: client, listKey: HistoryListKey, markerTTL: markerTTL}
}

func (s *RedisSink) Append(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return errors.New("Record.ID must be set")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal history record: %w", err)
	}
	keys := []string{s.listKey, MarkerKey(rec.ID)}
	args := []interface{}{string(payload), int(s.markerTTL.Seconds())}
	if _, err := s.client.Eval(ctx, redisLuaScript, keys, args...); err != nil {
		return fmt.Errorf("redis eval record=%s: %w", rec.ID, err)
	}
	return nil
}
