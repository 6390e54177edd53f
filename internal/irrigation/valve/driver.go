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

// Package valve drives the solenoid valve and supervises the flow through it.
// The driver mirrors the pin state into marker files under the state
// directory so external scripts can observe the valve, and persists the
// desired close time in a command file the control worker enforces.
package valve

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kimata/rasp-water/internal/irrigation/footprint"
	"github.com/kimata/rasp-water/internal/irrigation/hal"
)

// State of the valve. The values mirror the output pin level.
type State int

const (
	StateClose State = 0
	StateOpen  State = 1
)

func (s State) String() string {
	if s == StateOpen {
		return "OPEN"
	}
	return "CLOSE"
}

// Mode of timer control, derived from the command footprint.
type Mode int

const (
	ModeIdle  Mode = 0
	ModeTimer Mode = 1
)

func (m Mode) String() string {
	if m == ModeTimer {
		return "TIMER"
	}
	return "IDLE"
}

// Driver is the thin layer between the engine and the HAL. Only the driver
// writes the footprints; the control worker and the HTTP layer just read
// them, so no locking is needed beyond filesystem create/unlink atomicity.
type Driver struct {
	hal  hal.HAL
	pin  int
	conv Converter
	log  *zap.SugaredLogger

	openPath    string
	closePath   string
	commandPath string

	adcScaleFile  string
	adcScaleValue float64

	// autoPending records whether the next open was requested by the
	// scheduler; the worker snapshots it when the open edge appears.
	autoPending atomic.Bool
}

// NewDriver returns a driver for the valve on the given pin. statDir is the
// RAM-backed directory the footprints live under.
func NewDriver(h hal.HAL, pin int, statDir string, conv Converter, log *zap.SugaredLogger) *Driver {
	return &Driver{
		hal:         h,
		pin:         pin,
		conv:        conv,
		log:         log,
		openPath:    filepath.Join(statDir, "valve", "open"),
		closePath:   filepath.Join(statDir, "valve", "close"),
		commandPath: filepath.Join(statDir, "valve", "control", "command"),
	}
}

// WithAdcScale configures the sysfs scale file written once during Init.
func (d *Driver) WithAdcScale(file string, value float64) *Driver {
	d.adcScaleFile = file
	d.adcScaleValue = value
	return d
}

// Init forces the valve closed and programs the ADC scale when the driver
// file is present.
func (d *Driver) Init() error {
	if _, err := d.SetState(StateClose); err != nil {
		return err
	}

	if d.adcScaleFile != "" {
		if _, err := os.Stat(d.adcScaleFile); err == nil {
			d.log.Info("Setting scale of ADC")
			value := strconv.FormatFloat(d.adcScaleValue, 'f', -1, 64)
			if err := os.WriteFile(d.adcScaleFile, []byte(value), 0o644); err != nil {
				d.log.Warnf("Failed to set ADC scale: %s", err)
			}
		}
	}
	return nil
}

// SetState drives the pin and reconciles the footprints. It is idempotent
// with respect to the pin, but reconciliation always runs so a stray
// footprint is repaired.
func (d *Driver) SetState(s State) (State, error) {
	curr, err := d.GetState()
	if err == nil && curr != s {
		d.log.Infof("VALVE: %s -> %s", curr, s)
	}

	if err := d.hal.GpioSet(d.pin, int(s)); err != nil {
		return curr, fmt.Errorf("drive valve pin: %w", err)
	}

	if s == StateOpen {
		if err := footprint.Clear(d.closePath); err != nil {
			d.log.Warnf("Failed to clear close footprint: %s", err)
		}
		if err := footprint.Touch(d.openPath); err != nil {
			d.log.Warnf("Failed to touch open footprint: %s", err)
		}
	} else {
		if err := footprint.Clear(d.openPath); err != nil {
			d.log.Warnf("Failed to clear open footprint: %s", err)
		}
		if err := footprint.Touch(d.closePath); err != nil {
			d.log.Warnf("Failed to touch close footprint: %s", err)
		}
		if err := footprint.Clear(d.commandPath); err != nil {
			d.log.Warnf("Failed to clear command footprint: %s", err)
		}
	}

	return d.GetState()
}

// GetState reads the pin back and maps HIGH to OPEN.
func (d *Driver) GetState() (State, error) {
	level, err := d.hal.GpioGet(d.pin)
	if err != nil {
		return StateClose, fmt.Errorf("read valve pin: %w", err)
	}
	if level == hal.High {
		return StateOpen, nil
	}
	return StateClose, nil
}

// SetControlMode opens the valve for openSec seconds: the close time is
// persisted into the command footprint first so the worker never observes an
// open edge without its deadline, then the valve is opened.
func (d *Driver) SetControlMode(openSec float64, auto bool) error {
	d.log.Infof("Open valve for %.0f sec", openSec)

	closeAt := d.hal.Now() + openSec

	if err := os.MkdirAll(filepath.Dir(d.commandPath), 0o755); err != nil {
		return fmt.Errorf("write control command: %w", err)
	}
	if err := os.WriteFile(d.commandPath, []byte(fmt.Sprintf("%.3f", closeAt)), 0o644); err != nil {
		return fmt.Errorf("write control command: %w", err)
	}

	d.autoPending.Store(auto)

	if _, err := d.SetState(StateOpen); err != nil {
		return err
	}
	return nil
}

// ControlMode derives the timer mode from the command footprint: absent means
// IDLE; present means TIMER with the remaining seconds clamped at zero. An
// unreadable or unparsable command logs a warning and falls through to IDLE
// with zero remaining.
func (d *Driver) ControlMode() (Mode, float64) {
	data, err := os.ReadFile(d.commandPath)
	if err != nil {
		if !os.IsNotExist(err) {
			d.log.Warnf("Failed to read control command: %s", err)
		}
		return ModeIdle, 0
	}

	closeAt, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		d.log.Warnf("Failed to parse control command: %s", err)
		return ModeIdle, 0
	}

	remain := math.Max(0, closeAt-d.hal.Now())
	if remain == 0 && d.hal.Now()-closeAt > 1 {
		d.log.Warn("Timer control of the valve may be broken")
	}
	return ModeTimer, remain
}

// Flow samples the ADC once and converts it.
func (d *Driver) Flow() (float64, error) {
	raw, err := d.hal.AdcRead()
	if err != nil {
		return 0, err
	}
	return d.conv.LPM(raw), nil
}

// ConsumeAuto reports whether the pending open was scheduler-initiated and
// resets the flag.
func (d *Driver) ConsumeAuto() bool {
	return d.autoPending.Swap(false)
}

// OpenPath, ClosePath and CommandPath expose the footprint locations for the
// worker and for tests.
func (d *Driver) OpenPath() string    { return d.openPath }
func (d *Driver) ClosePath() string   { return d.closePath }
func (d *Driver) CommandPath() string { return d.commandPath }
