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

// Package notify consumes the flow-statistics queue and translates events
// into operator log lines, telemetry, and history records.
package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kimata/rasp-water/internal/irrigation/footprint"
	"github.com/kimata/rasp-water/internal/irrigation/hal"
	"github.com/kimata/rasp-water/internal/irrigation/history"
	"github.com/kimata/rasp-water/internal/irrigation/telemetry"
	"github.com/kimata/rasp-water/internal/irrigation/valve"
)

// Operator is the infallible operator-visible log sink.
type Operator interface {
	Info(msg string)
	Error(msg string)
}

// ZapOperator routes operator messages to the application logger.
type ZapOperator struct {
	Log *zap.SugaredLogger
}

func (o ZapOperator) Info(msg string)  { o.Log.Info(msg) }
func (o ZapOperator) Error(msg string) { o.Log.Error(msg) }

// Consumer is the long-lived task reading the control worker's events.
type Consumer struct {
	events       <-chan valve.Event
	hal          hal.HAL
	op           Operator
	sink         history.Sink
	livenessFile string
	tick         time.Duration
	log          *zap.SugaredLogger

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// NewConsumer creates the flow-notify consumer.
func NewConsumer(events <-chan valve.Event, h hal.HAL, op Operator, sink history.Sink, livenessFile string, log *zap.SugaredLogger) *Consumer {
	return &Consumer{
		events:       events,
		hal:          h,
		op:           op,
		sink:         sink,
		livenessFile: livenessFile,
		tick:         100 * time.Millisecond,
		log:          log,
		stopChan:     make(chan struct{}),
	}
}

// Start launches the consumer loop.
func (c *Consumer) Start() {
	c.log.Info("Start flow notify worker")
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
}

// Stop terminates the consumer at the next tick boundary. Double stop is a
// no-op.
func (c *Consumer) Stop() {
	if !atomic.CompareAndSwapUint32(&c.stopped, 0, 1) {
		return
	}
	close(c.stopChan)
	c.wg.Wait()
	c.log.Info("Terminate flow notify worker")
}

func (c *Consumer) run() {
	ticker := c.hal.Clock().NewTicker(c.tick)
	defer ticker.Stop()

	livenessEvery := int(time.Second / c.tick)

	i := 0
	for {
		select {
		case <-ticker.Chan():
			c.drain()
			if i%livenessEvery == 0 && c.livenessFile != "" {
				if err := footprint.Update(c.livenessFile, c.hal.Now()); err != nil {
					c.log.Warnf("Failed to touch liveness file: %s", err)
				}
			}
			i++
		case <-c.stopChan:
			return
		}
	}
}

// drain handles every event already queued without blocking.
func (c *Consumer) drain() {
	for {
		select {
		case ev := <-c.events:
			c.handle(ev)
		default:
			return
		}
	}
}

// handle translates one event. History appends are fire and forget: a
// failure is logged, never retried here (the sink itself is idempotent for
// callers that do retry).
func (c *Consumer) handle(ev valve.Event) {
	c.log.Debugf("flow notify = %+v", ev)

	switch ev.Type {
	case valve.EventTotal:
		c.op.Info(fmt.Sprintf("Watered about %.2f L over %s", ev.Total, SecondStr(ev.Period)))
		telemetry.ObserveWatering(operation(ev.Auto), ev.Period, ev.Total)
		c.append(history.Record{
			ID:        uuid.NewString(),
			At:        c.hal.Now(),
			Kind:      "total",
			Operation: operation(ev.Auto),
			PeriodSec: ev.Period,
			Litres:    ev.Total,
		})

	case valve.EventInstantaneous:
		c.log.Infof("Send telemetry: flow = %.2f", ev.Flow)
		telemetry.ObserveFlow(ev.Flow)

	case valve.EventError:
		c.op.Error(ev.Message)
		telemetry.RecordError("valve_control")
		c.append(history.Record{
			ID:        uuid.NewString(),
			At:        c.hal.Now(),
			Kind:      "error",
			Operation: operation(ev.Auto),
			Message:   ev.Message,
		})
	}
}

func (c *Consumer) append(rec history.Record) {
	if c.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.sink.Append(ctx, rec); err != nil {
		c.log.Warnf("Failed to append history record: %s", err)
	}
}

func operation(auto bool) string {
	if auto {
		return "auto"
	}
	return "manual"
}

// SecondStr formats a second count the way the operator log reads it:
// "45s", "2m" or "2m30s".
func SecondStr(sec float64) string {
	s := int(sec)
	if s < 60 {
		return fmt.Sprintf("%ds", s)
	}
	if s%60 == 0 {
		return fmt.Sprintf("%dm", s/60)
	}
	return fmt.Sprintf("%dm%ds", s/60, s%60)
}
