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

package irrigation

import (
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kimata/rasp-water/internal/config"
	"github.com/kimata/rasp-water/internal/irrigation/hal"
	"github.com/kimata/rasp-water/internal/irrigation/policy"
	"github.com/kimata/rasp-water/internal/irrigation/scheduler"
	"github.com/kimata/rasp-water/internal/irrigation/valve"
)

type stubOperator struct {
	infos  []string
	errors []string
}

func (o *stubOperator) Info(msg string)  { o.infos = append(o.infos, msg) }
func (o *stubOperator) Error(msg string) { o.errors = append(o.errors, msg) }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Valve.StatDir = filepath.Join(dir, "stat")
	cfg.Flow.Sensor.Adc.ScaleFile = ""
	cfg.Schedule.Path = filepath.Join(dir, "schedule.dat")
	cfg.Liveness.File.Scheduler = filepath.Join(dir, "healthz", "scheduler")
	cfg.Liveness.File.ValveControl = filepath.Join(dir, "healthz", "valve_control")
	cfg.Liveness.File.FlowNotify = filepath.Join(dir, "healthz", "flow_notify")
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, opts Options) (*Engine, *hal.Dummy, *stubOperator) {
	t.Helper()
	fc := clockwork.NewFakeClockAt(time.Date(2026, 1, 4, 0, 0, 30, 0, time.UTC))
	dummy := hal.NewDummy(fc, cfg.Flow.Sensor.Adc.ScaleValue, cfg.Flow.Sensor.Scale.Max)

	op := &stubOperator{}
	if opts.Operator == nil {
		opts.Operator = op
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	e := New(cfg, dummy, opts, zap.NewNop().Sugar())
	if err := e.driver.Init(); err != nil {
		t.Fatalf("driver init: %v", err)
	}
	return e, dummy, op
}

func TestEngine_ManualOpenAndClose(t *testing.T) {
	e, _, op := newTestEngine(t, testConfig(t), Options{})

	rep := e.SetValveState(1, 120, false, "tester")
	if rep.Result != "success" {
		t.Fatalf("open result = %q", rep.Result)
	}
	if rep.State != int(valve.ModeTimer) {
		t.Fatalf("state after open = %d, want TIMER", rep.State)
	}
	if math.Abs(rep.Remain-120) > 0.01 {
		t.Fatalf("remain = %f, want 120", rep.Remain)
	}

	if len(op.infos) == 0 || !strings.Contains(op.infos[0], "Start watering") {
		t.Fatalf("operator infos = %v, want a start line", op.infos)
	}

	rep = e.SetValveState(0, 0, false, "tester")
	if rep.Result != "success" {
		t.Fatalf("close result = %q", rep.Result)
	}
	if rep.State != int(valve.ModeIdle) {
		t.Fatalf("state after close = %d, want IDLE", rep.State)
	}
}

func TestEngine_GetValveStateIdleByDefault(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig(t), Options{})

	rep := e.GetValveState()
	if rep.State != int(valve.ModeIdle) || rep.Remain != 0 || rep.Result != "success" {
		t.Fatalf("report = %+v", rep)
	}
}

func TestEngine_RainSensorBlocksAutomaticRun(t *testing.T) {
	op := &stubOperator{}
	e, dummy, _ := newTestEngine(t, testConfig(t), Options{
		Operator: op,
		Judge: policy.Judge{
			Sensor:   func() (bool, float64) { return true, 10 },
			Notifier: op,
			Log:      zap.NewNop().Sugar(),
		},
	})

	rep := e.SetValveState(1, 60, true, "scheduler")
	if rep.State != int(valve.ModeIdle) {
		t.Fatalf("valve opened despite rain: %+v", rep)
	}

	found := false
	for _, msg := range op.infos {
		if strings.Contains(msg, "watering suspended") {
			found = true
		}
	}
	if !found {
		t.Fatalf("operator infos = %v, want a suspension notice", op.infos)
	}

	// No transition beyond the initial LOW from driver init.
	hist := dummy.History()
	if len(hist) != 1 || hist[0].State != hal.Low {
		t.Fatalf("history = %+v, want the initial LOW only", hist)
	}
}

func TestEngine_PolicyIgnoredForManualRun(t *testing.T) {
	op := &stubOperator{}
	e, _, _ := newTestEngine(t, testConfig(t), Options{
		Operator: op,
		Judge: policy.Judge{
			Sensor:   func() (bool, float64) { return true, 10 },
			Notifier: op,
			Log:      zap.NewNop().Sugar(),
		},
	})

	rep := e.SetValveState(1, 60, false, "tester")
	if rep.State != int(valve.ModeTimer) {
		t.Fatalf("manual open blocked by policy: %+v", rep)
	}
}

func TestEngine_SetValveStateFailsWhenCommandUnwritable(t *testing.T) {
	cfg := testConfig(t)
	e, _, _ := newTestEngine(t, cfg, Options{})

	// Replace the command directory with a file so the write fails.
	breakCommandDir(t, e)

	rep := e.SetValveState(1, 60, false, "tester")
	if rep.Result != "fail" {
		t.Fatalf("result = %q, want fail", rep.Result)
	}
}

func TestEngine_GetFlow(t *testing.T) {
	e, dummy, _ := newTestEngine(t, testConfig(t), Options{})

	dummy.SetAdcOverride(1667) // full scale: 12 L/min
	rep := e.GetFlow()
	if rep.Result != "success" {
		t.Fatalf("flow result = %q", rep.Result)
	}
	if math.Abs(rep.Flow-12) > 0.05 {
		t.Fatalf("flow = %f, want about 12", rep.Flow)
	}
}

func TestEngine_ScheduleReplaceAndLoad(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig(t), Options{})

	entries := []scheduler.Entry{
		{IsActive: true, Time: "06:00", Period: 10, Wday: []bool{true, true, true, true, true, true, true}},
		{IsActive: false, Time: "00:00", Period: 1, Wday: []bool{true, true, true, true, true, true, true}},
	}
	if err := e.ScheduleReplace(entries); err != nil {
		t.Fatalf("ScheduleReplace: %v", err)
	}
	// The scheduler worker is not running in this test; apply the pending
	// replacement the way its tick would.
	e.sched.Tick()

	if got := e.ScheduleLoad(); !reflect.DeepEqual(got, entries) {
		t.Fatalf("ScheduleLoad = %+v, want %+v", got, entries)
	}
}

func TestEngine_InvalidScheduleRejected(t *testing.T) {
	op := &stubOperator{}
	e, _, _ := newTestEngine(t, testConfig(t), Options{Operator: op})

	before := e.ScheduleLoad()

	bad := []scheduler.Entry{
		{IsActive: true, Time: "06:00", Period: 10, Wday: []bool{true, true, true, true, true}},
		{IsActive: false, Time: "00:00", Period: 1, Wday: []bool{true, true, true, true, true, true, true}},
	}
	if err := e.ScheduleReplace(bad); err == nil {
		t.Fatalf("invalid schedule accepted")
	}

	if got := e.ScheduleLoad(); !reflect.DeepEqual(got, before) {
		t.Fatalf("schedule changed after invalid replace: %+v", got)
	}

	found := false
	for _, msg := range op.errors {
		if strings.Contains(msg, "invalid schedule specification") {
			found = true
		}
	}
	if !found {
		t.Fatalf("operator errors = %v, want an invalid-schedule notice", op.errors)
	}
}

func TestEngine_ControlEventEmitted(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig(t), Options{})

	e.SetValveState(1, 60, false, "tester")

	select {
	case <-e.ControlEvents():
	default:
		t.Fatalf("no control event after an accepted operation")
	}
}

// TestEngine_AutoControlUsesSharedEntryPoint drives the scheduler's fire
// callback directly: it must open the valve through the same path the manual
// UI uses, marked as an automatic run.
func TestEngine_AutoControlUsesSharedEntryPoint(t *testing.T) {
	e, _, op := newTestEngine(t, testConfig(t), Options{})

	if !e.autoControl(1) {
		t.Fatalf("autoControl reported failure")
	}

	rep := e.GetValveState()
	if rep.State != int(valve.ModeTimer) {
		t.Fatalf("state after auto fire = %d, want TIMER", rep.State)
	}
	if math.Abs(rep.Remain-60) > 0.01 {
		t.Fatalf("remain = %f, want 60", rep.Remain)
	}

	found := false
	for _, msg := range op.infos {
		if strings.Contains(msg, "(auto)") {
			found = true
		}
	}
	if !found {
		t.Fatalf("operator infos = %v, want an auto start line", op.infos)
	}
}

// breakCommandDir replaces the command footprint's directory with a plain
// file so the next write fails.
func breakCommandDir(t *testing.T, e *Engine) {
	t.Helper()
	dir := filepath.Dir(e.driver.CommandPath())
	if err := os.WriteFile(dir, []byte{}, 0o644); err != nil {
		t.Fatalf("break command dir: %v", err)
	}
}

func TestEngine_StopLeavesValveClosed(t *testing.T) {
	e, dummy, _ := newTestEngine(t, testConfig(t), Options{})

	e.SetValveState(1, 600, false, "tester")
	e.Stop()
	e.Stop() // double stop is a no-op

	if level, _ := dummy.GpioGet(18); level != hal.Low {
		t.Fatalf("pin HIGH after Stop")
	}
}
