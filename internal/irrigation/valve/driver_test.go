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

package valve

import (
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kimata/rasp-water/internal/irrigation/footprint"
	"github.com/kimata/rasp-water/internal/irrigation/hal"
)

var testConv = Converter{ScaleValue: 3, MaxFlow: 12}

func newTestDriver(t *testing.T) (*Driver, *hal.Dummy, *clockwork.FakeClock) {
	t.Helper()
	fc := clockwork.NewFakeClockAt(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	dummy := hal.NewDummy(fc, testConv.ScaleValue, testConv.MaxFlow)
	d := NewDriver(dummy, 18, t.TempDir(), testConv, zap.NewNop().Sugar())
	return d, dummy, fc
}

func TestDriver_SetStateReconcilesFootprints(t *testing.T) {
	d, _, _ := newTestDriver(t)

	if _, err := d.SetState(StateOpen); err != nil {
		t.Fatalf("SetState(OPEN) failed: %v", err)
	}
	if !footprint.Exists(d.OpenPath()) {
		t.Fatalf("open footprint missing after OPEN")
	}
	if footprint.Exists(d.ClosePath()) {
		t.Fatalf("close footprint present after OPEN")
	}

	if _, err := d.SetState(StateClose); err != nil {
		t.Fatalf("SetState(CLOSE) failed: %v", err)
	}
	if footprint.Exists(d.OpenPath()) {
		t.Fatalf("open footprint present after CLOSE")
	}
	if !footprint.Exists(d.ClosePath()) {
		t.Fatalf("close footprint missing after CLOSE")
	}
}

func TestDriver_SetStateReflectsOnRead(t *testing.T) {
	d, _, _ := newTestDriver(t)

	got, err := d.SetState(StateOpen)
	if err != nil {
		t.Fatalf("SetState(OPEN) failed: %v", err)
	}
	if got != StateOpen {
		t.Fatalf("SetState returned %s, want OPEN", got)
	}
	if s, _ := d.GetState(); s != StateOpen {
		t.Fatalf("GetState after OPEN = %s", s)
	}
}

func TestDriver_CloseRemovesCommand(t *testing.T) {
	d, _, _ := newTestDriver(t)

	if err := d.SetControlMode(60, false); err != nil {
		t.Fatalf("SetControlMode failed: %v", err)
	}
	if !footprint.Exists(d.CommandPath()) {
		t.Fatalf("command footprint missing after SetControlMode")
	}

	if _, err := d.SetState(StateClose); err != nil {
		t.Fatalf("SetState(CLOSE) failed: %v", err)
	}
	if footprint.Exists(d.CommandPath()) {
		t.Fatalf("command footprint survived CLOSE")
	}
}

func TestDriver_SetControlModeWritesDeadline(t *testing.T) {
	d, _, fc := newTestDriver(t)

	if err := d.SetControlMode(90, true); err != nil {
		t.Fatalf("SetControlMode failed: %v", err)
	}

	if s, _ := d.GetState(); s != StateOpen {
		t.Fatalf("valve not open after SetControlMode: %s", s)
	}

	mode, remain := d.ControlMode()
	if mode != ModeTimer {
		t.Fatalf("mode = %s, want TIMER", mode)
	}
	if math.Abs(remain-90) > 0.01 {
		t.Fatalf("remain = %f, want 90", remain)
	}

	fc.Advance(30 * time.Second)
	_, remain = d.ControlMode()
	if math.Abs(remain-60) > 0.01 {
		t.Fatalf("remain after 30s = %f, want 60", remain)
	}

	// Past the deadline the remaining time clamps at zero.
	fc.Advance(2 * time.Minute)
	mode, remain = d.ControlMode()
	if mode != ModeTimer || remain != 0 {
		t.Fatalf("mode, remain past deadline = %s, %f; want TIMER, 0", mode, remain)
	}
}

func TestDriver_ControlModeIdleWhenAbsent(t *testing.T) {
	d, _, _ := newTestDriver(t)

	mode, remain := d.ControlMode()
	if mode != ModeIdle || remain != 0 {
		t.Fatalf("mode, remain = %s, %f; want IDLE, 0", mode, remain)
	}
}

func TestDriver_ControlModeUnparsableFallsToIdle(t *testing.T) {
	d, _, _ := newTestDriver(t)

	if err := d.SetControlMode(60, false); err != nil {
		t.Fatalf("SetControlMode failed: %v", err)
	}
	if err := os.WriteFile(d.CommandPath(), []byte("not-a-number"), 0o644); err != nil {
		t.Fatalf("corrupt command: %v", err)
	}

	mode, remain := d.ControlMode()
	if mode != ModeIdle || remain != 0 {
		t.Fatalf("mode, remain = %s, %f; want IDLE, 0", mode, remain)
	}
}

func TestDriver_ControlModeAcceptsAnyDecimalForm(t *testing.T) {
	d, _, fc := newTestDriver(t)

	// Writers have produced both three-decimal and integer forms; readers
	// accept either.
	now := float64(fc.Now().UnixNano()) / 1e9
	for _, form := range []string{"%.3f", "%.0f"} {
		if err := d.SetControlMode(60, false); err != nil {
			t.Fatalf("SetControlMode failed: %v", err)
		}
		writeCommand(t, d, form, now+60)
		mode, remain := d.ControlMode()
		if mode != ModeTimer {
			t.Fatalf("form %q: mode = %s, want TIMER", form, mode)
		}
		if remain < 59 || remain > 61 {
			t.Fatalf("form %q: remain = %f, want about 60", form, remain)
		}
	}
}

func TestDriver_ConsumeAutoResets(t *testing.T) {
	d, _, _ := newTestDriver(t)

	if err := d.SetControlMode(60, true); err != nil {
		t.Fatalf("SetControlMode failed: %v", err)
	}
	if !d.ConsumeAuto() {
		t.Fatalf("ConsumeAuto = false after auto open")
	}
	if d.ConsumeAuto() {
		t.Fatalf("ConsumeAuto did not reset")
	}
}

func writeCommand(t *testing.T, d *Driver, form string, closeAt float64) {
	t.Helper()
	if err := os.WriteFile(d.CommandPath(), []byte(fmt.Sprintf(form, closeAt)), 0o644); err != nil {
		t.Fatalf("write command: %v", err)
	}
}
