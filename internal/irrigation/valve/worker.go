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

// This file implements the background worker supervising watering sessions:
// it observes the valve footprints, enforces the close deadline, accumulates
// flow, and applies the safety rules.
package valve

import (
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kimata/rasp-water/internal/irrigation/footprint"
	"github.com/kimata/rasp-water/internal/irrigation/hal"
)

// Default safety thresholds. The fail times are seconds on the HAL clock;
// the tick counts apply at the file-check cadence (every fifth tick).
const (
	// DefaultCloseFailSec flags a session whose valve was open this long
	// yet delivered less than a litre: the main shutoff is probably closed.
	DefaultCloseFailSec = 45

	// DefaultOpenFailSec is how long flow may continue after the close
	// before the valve is declared stuck.
	DefaultOpenFailSec = 61

	// DefaultOverFailTicks is the number of over-threshold checks before
	// the overflow rule fires.
	DefaultOverFailTicks = 5

	// DefaultZeroTailTicks is the number of zero-flow checks after the
	// close that complete a session.
	DefaultZeroTailTicks = 5

	// zeroFlowBound is the L/min reading treated as "no flow" for the
	// zero-tail counter.
	zeroFlowBound = 0.1

	// reportIntervalSec is the wall time between interim flow reports.
	reportIntervalSec = 10

	// fsCheckDivisor drops the frequency of filesystem checks relative to
	// flow sampling.
	fsCheckDivisor = 5

	// livenessDivisor touches the liveness file once per second at the
	// default tick.
	livenessDivisor = 10
)

// Operator-facing safety messages.
const (
	MsgOverflow  = "too much water"
	MsgCloseFail = "main shutoff may be closed"
	MsgOpenFail  = "valve will not close"
)

// WorkerConfig carries the tunables of the control worker.
type WorkerConfig struct {
	// Tick is the loop interval. Defaults to 100 ms.
	Tick time.Duration

	// FlowErrorThreshold is the L/min above which the overflow counter
	// advances.
	FlowErrorThreshold float64

	// CloseFailSec, OpenFailSec, OverFailTicks and ZeroTailTicks override
	// the corresponding defaults when positive.
	CloseFailSec  float64
	OpenFailSec   float64
	OverFailTicks int
	ZeroTailTicks int

	// LivenessFile is touched every second while the worker runs.
	LivenessFile string
}

func (c *WorkerConfig) fillDefaults() {
	if c.Tick <= 0 {
		c.Tick = 100 * time.Millisecond
	}
	if c.CloseFailSec <= 0 {
		c.CloseFailSec = DefaultCloseFailSec
	}
	if c.OpenFailSec <= 0 {
		c.OpenFailSec = DefaultOpenFailSec
	}
	if c.OverFailTicks <= 0 {
		c.OverFailTicks = DefaultOverFailTicks
	}
	if c.ZeroTailTicks <= 0 {
		c.ZeroTailTicks = DefaultZeroTailTicks
	}
}

// sessionPhase is the tagged state of a watering session, so the safety-rule
// matrix is an exhaustive switch instead of nullable timestamps.
type sessionPhase int

const (
	phaseIdle sessionPhase = iota
	phaseOpened
	phaseClosed
)

// session is the per-watering state. It exists from the first observation of
// the open footprint until tear-down, which zeroes every field exactly once
// per open/close cycle.
type session struct {
	phase    sessionPhase
	openedAt float64
	closedAt float64

	lastFlow    float64
	flowSum     float64
	sampleCount int

	zeroTailCount int
	overCount     int

	lastReportAt    float64
	lastReportSum   float64
	lastReportCount int

	auto bool
}

// Worker is the single long-lived task polling the valve footprints and the
// flow reading at a fixed tick.
type Worker struct {
	driver *Driver
	hal    hal.HAL
	cfg    WorkerConfig
	events chan<- Event
	log    *zap.SugaredLogger

	sess session

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// NewWorker creates the control worker. Events are emitted on the given
// queue; when the queue is full an event is dropped with a warning rather
// than stalling the control loop.
func NewWorker(driver *Driver, h hal.HAL, cfg WorkerConfig, events chan<- Event, log *zap.SugaredLogger) *Worker {
	cfg.fillDefaults()
	return &Worker{
		driver:   driver,
		hal:      h,
		cfg:      cfg,
		events:   events,
		log:      log,
		stopChan: make(chan struct{}),
	}
}

// Start launches the worker loop.
func (w *Worker) Start() {
	w.log.Info("Start valve control worker")
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run()
	}()
}

// Stop terminates the worker at the next tick boundary. Double stop is a
// no-op.
func (w *Worker) Stop() {
	if !atomic.CompareAndSwapUint32(&w.stopped, 0, 1) {
		return
	}
	close(w.stopChan)
	w.wg.Wait()
	w.log.Info("Terminate valve control worker")
}

func (w *Worker) run() {
	ticker := w.hal.Clock().NewTicker(w.cfg.Tick)
	defer ticker.Stop()

	i := 0
	for {
		select {
		case <-ticker.Chan():
			w.step(i)
			i++
		case <-w.stopChan:
			return
		}
	}
}

// step advances the worker by one tick. It is the unit the tests drive
// directly.
func (w *Worker) step(i int) {
	now := w.hal.Now()

	if w.sess.phase != phaseIdle {
		w.sampleFlow(now)
	}

	if i%fsCheckDivisor == 0 {
		w.checkFootprints(now)
	}

	if i%livenessDivisor == 0 && w.cfg.LivenessFile != "" {
		if err := footprint.Update(w.cfg.LivenessFile, now); err != nil {
			w.log.Warnf("Failed to touch liveness file: %s", err)
		}
	}
}

// sampleFlow accumulates one flow sample and emits the interim report every
// ten seconds of wall time.
func (w *Worker) sampleFlow(now float64) {
	flow, err := w.driver.Flow()
	if err != nil {
		w.log.Warnf("Failed to read flow: %s", err)
		return
	}

	w.sess.lastFlow = flow
	w.sess.flowSum += flow
	w.sess.sampleCount++

	if now-w.sess.lastReportAt > reportIntervalSec {
		count := w.sess.sampleCount - w.sess.lastReportCount
		if count > 0 {
			mean := (w.sess.flowSum - w.sess.lastReportSum) / float64(count)
			w.emit(Event{Type: EventInstantaneous, Flow: mean, Auto: w.sess.auto})
		}
		w.sess.lastReportAt = now
		w.sess.lastReportSum = w.sess.flowSum
		w.sess.lastReportCount = w.sess.sampleCount
	}
}

// checkFootprints performs the lower-frequency filesystem work: session
// start detection, deadline enforcement, and the safety rules.
func (w *Worker) checkFootprints(now float64) {
	switch w.sess.phase {
	case phaseIdle:
		if footprint.Exists(w.driver.OpenPath()) {
			w.sess = session{
				phase:        phaseOpened,
				openedAt:     now,
				lastReportAt: now,
				auto:         w.driver.ConsumeAuto(),
			}
		}
		return

	case phaseOpened:
		if closeAt, ok := w.readCloseAt(); ok {
			if now > closeAt || math.Abs(now-closeAt) < 0.01 {
				w.log.Info("Time is up, close valve")
				if _, err := w.driver.SetState(StateClose); err != nil {
					w.log.Warnf("Failed to close valve: %s", err)
				}
				w.sess.phase = phaseClosed
				w.sess.closedAt = now
			}
		}
		if w.sess.phase == phaseOpened && footprint.Exists(w.driver.ClosePath()) {
			// The close footprint alone should never appear while a
			// session is open; record the close defensively.
			w.log.Warn("Close footprint appeared without a command")
			w.sess.phase = phaseClosed
			w.sess.closedAt = now
		}
		if w.sess.phase != phaseClosed {
			return
		}
		fallthrough

	case phaseClosed:
		w.applySafetyRules(now)
	}
}

// readCloseAt parses the command footprint. Parse errors are logged and
// ignored; the deadline is simply re-checked next cycle.
func (w *Worker) readCloseAt() (float64, bool) {
	data, err := os.ReadFile(w.driver.CommandPath())
	if err != nil {
		if !os.IsNotExist(err) {
			w.log.Warnf("Failed to read control command: %s", err)
		}
		return 0, false
	}
	closeAt, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		w.log.Warnf("Failed to parse control command: %s", err)
		return 0, false
	}
	return closeAt, true
}

// applySafetyRules runs the post-close rule matrix. The counters are
// cumulative over the session; each rule runs to its own threshold, and the
// first rule to fire terminates the session, so at most one of the
// overflow/zero-tail/open-fail outcomes wins.
func (w *Worker) applySafetyRules(now float64) {
	if w.sess.lastFlow < zeroFlowBound {
		w.sess.zeroTailCount++
	}
	if w.sess.lastFlow > w.cfg.FlowErrorThreshold {
		w.sess.overCount++
	}

	switch {
	case w.sess.overCount > w.cfg.OverFailTicks:
		if _, err := w.driver.SetState(StateClose); err != nil {
			w.log.Warnf("Failed to force valve closed: %s", err)
		}
		w.emit(Event{Type: EventError, Message: MsgOverflow, Auto: w.sess.auto})
		w.teardown()

	case w.sess.zeroTailCount > w.cfg.ZeroTailTicks:
		period := w.sess.closedAt - w.sess.openedAt
		total := 0.0
		if w.sess.sampleCount > 0 {
			total = w.sess.flowSum / float64(w.sess.sampleCount) * period / 60
		}
		w.emit(Event{Type: EventTotal, Period: period, Total: total, Auto: w.sess.auto})
		if period > w.cfg.CloseFailSec && total < 1 {
			w.emit(Event{Type: EventError, Message: MsgCloseFail, Auto: w.sess.auto})
		}
		w.teardown()

	case now-w.sess.closedAt > w.cfg.OpenFailSec:
		if _, err := w.driver.SetState(StateClose); err != nil {
			w.log.Warnf("Failed to force valve closed: %s", err)
		}
		w.emit(Event{Type: EventError, Message: MsgOpenFail, Auto: w.sess.auto})
		w.teardown()
	}
}

func (w *Worker) teardown() {
	w.sess = session{}
}

func (w *Worker) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.log.Warnf("Flow statistics queue is full, dropping %s event", ev.Type)
	}
}
