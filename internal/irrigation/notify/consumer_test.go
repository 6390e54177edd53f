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

package notify

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kimata/rasp-water/internal/irrigation/hal"
	"github.com/kimata/rasp-water/internal/irrigation/history"
	"github.com/kimata/rasp-water/internal/irrigation/valve"
)

type stubOperator struct {
	infos  []string
	errors []string
}

func (o *stubOperator) Info(msg string)  { o.infos = append(o.infos, msg) }
func (o *stubOperator) Error(msg string) { o.errors = append(o.errors, msg) }

type stubSink struct {
	records []history.Record
	err     error
}

func (s *stubSink) Append(_ context.Context, rec history.Record) error {
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func newTestConsumer(t *testing.T) (*Consumer, chan valve.Event, *stubOperator, *stubSink) {
	t.Helper()
	fc := clockwork.NewFakeClockAt(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	dummy := hal.NewDummy(fc, 3, 12)
	events := make(chan valve.Event, 10)
	op := &stubOperator{}
	sink := &stubSink{}
	c := NewConsumer(events, dummy, op, sink, "", zap.NewNop().Sugar())
	return c, events, op, sink
}

func TestConsumer_TotalEvent(t *testing.T) {
	c, _, op, sink := newTestConsumer(t)

	c.handle(valve.Event{Type: valve.EventTotal, Period: 150, Total: 12.34})

	if len(op.infos) != 1 {
		t.Fatalf("operator infos = %v, want one line", op.infos)
	}
	if !strings.Contains(op.infos[0], "12.34 L") || !strings.Contains(op.infos[0], "2m30s") {
		t.Fatalf("total line = %q, want litres and duration", op.infos[0])
	}

	if len(sink.records) != 1 {
		t.Fatalf("history records = %d, want 1", len(sink.records))
	}
	rec := sink.records[0]
	if rec.Kind != "total" || rec.Operation != "manual" || rec.Litres != 12.34 {
		t.Fatalf("record = %+v", rec)
	}
	if rec.ID == "" {
		t.Fatalf("record id is empty")
	}
}

func TestConsumer_AutoOperationRecorded(t *testing.T) {
	c, _, _, sink := newTestConsumer(t)

	c.handle(valve.Event{Type: valve.EventTotal, Period: 60, Total: 5, Auto: true})

	if len(sink.records) != 1 || sink.records[0].Operation != "auto" {
		t.Fatalf("records = %+v, want one auto record", sink.records)
	}
}

func TestConsumer_ErrorEvent(t *testing.T) {
	c, _, op, sink := newTestConsumer(t)

	c.handle(valve.Event{Type: valve.EventError, Message: valve.MsgOverflow})

	if len(op.errors) != 1 || op.errors[0] != valve.MsgOverflow {
		t.Fatalf("operator errors = %v, want %q", op.errors, valve.MsgOverflow)
	}
	if len(sink.records) != 1 || sink.records[0].Kind != "error" {
		t.Fatalf("records = %+v, want one error record", sink.records)
	}
}

func TestConsumer_InstantaneousEventIsTelemetryOnly(t *testing.T) {
	c, _, op, sink := newTestConsumer(t)

	c.handle(valve.Event{Type: valve.EventInstantaneous, Flow: 8.2})

	if len(op.errors) != 0 {
		t.Fatalf("unexpected operator errors: %v", op.errors)
	}
	if len(sink.records) != 0 {
		t.Fatalf("instantaneous event persisted: %+v", sink.records)
	}
}

func TestConsumer_SinkFailureIsNotFatal(t *testing.T) {
	c, _, op, sink := newTestConsumer(t)
	sink.err = context.DeadlineExceeded

	c.handle(valve.Event{Type: valve.EventTotal, Period: 60, Total: 5})

	// The operator line is still produced; the sink failure is only logged.
	if len(op.infos) != 1 {
		t.Fatalf("operator infos = %v, want one line", op.infos)
	}
}

func TestConsumer_DrainEmptiesQueue(t *testing.T) {
	c, events, op, _ := newTestConsumer(t)

	events <- valve.Event{Type: valve.EventTotal, Period: 30, Total: 2}
	events <- valve.Event{Type: valve.EventError, Message: valve.MsgOpenFail}

	c.drain()

	if len(op.infos) != 1 || len(op.errors) != 1 {
		t.Fatalf("infos = %v, errors = %v; want one of each", op.infos, op.errors)
	}
	if len(events) != 0 {
		t.Fatalf("queue not drained: %d left", len(events))
	}
}

func TestSecondStr(t *testing.T) {
	cases := []struct {
		sec  float64
		want string
	}{
		{30, "30s"},
		{60, "1m"},
		{150, "2m30s"},
		{3600, "60m"},
		{0, "0s"},
	}
	for _, c := range cases {
		if got := SecondStr(c.sec); got != c.want {
			t.Fatalf("SecondStr(%f) = %q, want %q", c.sec, got, c.want)
		}
	}
}
