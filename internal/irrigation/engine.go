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

// Package irrigation assembles the valve driver, the control worker, the
// scheduler and the flow-notify consumer into one engine value. The engine
// owns its workers and queues; callers construct it at startup, Start it,
// and hand the value to the HTTP layer by dependency injection.
package irrigation

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kimata/rasp-water/internal/config"
	"github.com/kimata/rasp-water/internal/irrigation/hal"
	"github.com/kimata/rasp-water/internal/irrigation/history"
	"github.com/kimata/rasp-water/internal/irrigation/notify"
	"github.com/kimata/rasp-water/internal/irrigation/policy"
	"github.com/kimata/rasp-water/internal/irrigation/scheduler"
	"github.com/kimata/rasp-water/internal/irrigation/valve"
)

// eventQueueSize bounds the flow-statistics queue between the control worker
// and the flow-notify consumer.
const eventQueueSize = 100

// StateReport is the status record public valve operations return. Result is
// "success" or "fail"; the observed state rides along so the UI can
// reconcile.
type StateReport struct {
	State  int     `json:"state"`
	Remain float64 `json:"remain"`
	Result string  `json:"result"`
}

// FlowReport is the status record of a flow readback.
type FlowReport struct {
	Flow   float64 `json:"flow"`
	Result string  `json:"result"`
}

// Options carries the collaborators the engine consumes but does not own.
type Options struct {
	// Judge gates automatic opens. A zero Judge permits everything.
	Judge policy.Judge

	// Operator receives the operator-visible log lines. Defaults to the
	// application logger.
	Operator notify.Operator

	// HistorySink receives one record per finished session. Defaults to
	// the logging sink.
	HistorySink history.Sink

	// Location is the zone schedules are interpreted in.
	Location *time.Location

	// Worker overrides the control-worker tunables for tests.
	Worker valve.WorkerConfig
}

// Engine is the explicit value owning the irrigation workers and queues.
type Engine struct {
	cfg    *config.Config
	hal    hal.HAL
	driver *valve.Driver
	worker *valve.Worker
	sched  *scheduler.Scheduler
	cons   *notify.Consumer
	judge  policy.Judge
	op     notify.Operator
	log    *zap.SugaredLogger

	events chan valve.Event

	// control wakes UI listeners after every accepted operation.
	control chan struct{}

	started atomic.Bool
	stopped atomic.Bool
}

// New constructs an engine over the given HAL. Nothing runs until Start.
func New(cfg *config.Config, h hal.HAL, opts Options, log *zap.SugaredLogger) *Engine {
	if opts.Operator == nil {
		opts.Operator = notify.ZapOperator{Log: log}
	}
	if opts.HistorySink == nil {
		opts.HistorySink = history.LoggingSink{Log: log}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Judge.Notifier == nil {
		opts.Judge.Notifier = opts.Operator
	}

	conv := valve.Converter{
		ScaleValue: cfg.Flow.Sensor.Adc.ScaleValue,
		MaxFlow:    cfg.Flow.Sensor.Scale.Max,
		Offset:     cfg.Flow.Offset,
	}

	events := make(chan valve.Event, eventQueueSize)

	driver := valve.NewDriver(h, cfg.Valve.GpioPin, cfg.Valve.StatDir, conv, log).
		WithAdcScale(cfg.Flow.Sensor.Adc.ScaleFile, cfg.Flow.Sensor.Adc.ScaleValue)

	workerCfg := opts.Worker
	if workerCfg.FlowErrorThreshold == 0 {
		workerCfg.FlowErrorThreshold = cfg.Flow.Threshold.Error
	}
	if workerCfg.LivenessFile == "" {
		workerCfg.LivenessFile = cfg.Liveness.File.ValveControl
	}
	worker := valve.NewWorker(driver, h, workerCfg, events, log)

	e := &Engine{
		cfg:     cfg,
		hal:     h,
		driver:  driver,
		worker:  worker,
		judge:   opts.Judge,
		op:      opts.Operator,
		log:     log,
		events:  events,
		control: make(chan struct{}, 8),
	}

	e.sched = scheduler.New(scheduler.Config{
		Path:         cfg.Schedule.Path,
		LivenessFile: cfg.Liveness.File.Scheduler,
		Location:     opts.Location,
	}, h.Clock(), e.autoControl, opts.Operator, log)

	e.cons = notify.NewConsumer(events, h, opts.Operator, opts.HistorySink,
		cfg.Liveness.File.FlowNotify, log)

	return e
}

// Start initialises the hardware and launches the workers.
func (e *Engine) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already started")
	}
	if err := e.driver.Init(); err != nil {
		return fmt.Errorf("init valve driver: %w", err)
	}
	e.worker.Start()
	e.cons.Start()
	e.sched.Start()
	return nil
}

// Stop terminates the workers and leaves the valve closed. Double stop is a
// no-op.
func (e *Engine) Stop() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	e.sched.Stop()
	e.worker.Stop()
	e.cons.Stop()
	if _, err := e.driver.SetState(valve.StateClose); err != nil {
		e.log.Warnf("Failed to close valve on shutdown: %s", err)
	}
}

// SetValveState is the shared entry point of the manual UI and the
// scheduler. state 1 opens the valve for periodSec seconds; any other state
// closes it. Automatic opens are gated by the watering policy; a veto still
// emits a control event so the UI repaints.
func (e *Engine) SetValveState(state int, periodSec float64, auto bool, user string) StateReport {
	if !e.judge.Allow(state == 1, auto) {
		e.notifyControl()
		return e.GetValveState()
	}

	if state == 1 {
		e.op.Info(fmt.Sprintf("Start watering for %s (%s)%s",
			notify.SecondStr(periodSec), operation(auto), by(user)))
		if err := e.driver.SetControlMode(periodSec, auto); err != nil {
			e.log.Warnf("Failed to start watering: %s", err)
			e.notifyControl()
			rep := e.GetValveState()
			rep.Result = "fail"
			return rep
		}
	} else {
		e.op.Info(fmt.Sprintf("Stop watering (%s)%s", operation(auto), by(user)))
		if _, err := e.driver.SetState(valve.StateClose); err != nil {
			e.log.Warnf("Failed to stop watering: %s", err)
			e.notifyControl()
			rep := e.GetValveState()
			rep.Result = "fail"
			return rep
		}
	}

	e.notifyControl()
	return e.GetValveState()
}

// GetValveState reports the current timer mode and remaining seconds.
func (e *Engine) GetValveState() StateReport {
	mode, remain := e.driver.ControlMode()
	return StateReport{State: int(mode), Remain: remain, Result: "success"}
}

// GetFlow reports the current flow in L/min.
func (e *Engine) GetFlow() FlowReport {
	flow, err := e.driver.Flow()
	if err != nil {
		e.log.Warnf("Failed to read flow: %s", err)
		return FlowReport{Flow: 0, Result: "fail"}
	}
	return FlowReport{Flow: flow, Result: "success"}
}

// ScheduleReplace validates and installs a new schedule set.
func (e *Engine) ScheduleReplace(entries []scheduler.Entry) error {
	return e.sched.Replace(entries)
}

// ScheduleLoad returns the schedule set in effect.
func (e *Engine) ScheduleLoad() []scheduler.Entry {
	return e.sched.Current()
}

// ControlEvents exposes the channel UI listeners wait on for repaints.
func (e *Engine) ControlEvents() <-chan struct{} {
	return e.control
}

// autoControl adapts SetValveState to the scheduler's fire callback.
func (e *Engine) autoControl(periodMin int) bool {
	rep := e.SetValveState(1, float64(periodMin)*60, true, "scheduler")
	return rep.Result == "success"
}

func (e *Engine) notifyControl() {
	select {
	case e.control <- struct{}{}:
	default:
	}
}

func operation(auto bool) string {
	if auto {
		return "auto"
	}
	return "manual"
}

func by(user string) string {
	if user == "" {
		return ""
	}
	return fmt.Sprintf(" (by %s)", user)
}
