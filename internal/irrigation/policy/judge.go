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

// Package policy gates automatic waterings on the weather: the rain gauge is
// consulted first, the forecast second, and either can veto the run. Manual
// operations bypass the policy entirely.
package policy

import (
	"fmt"

	"go.uber.org/zap"
)

// RainFunc reports whether rainfall exceeds its threshold, and the
// millimetres observed. Implementations must treat their own failures as "no
// rain".
type RainFunc func() (bool, float64)

// Notifier is the operator-visible log sink a veto is explained through.
type Notifier interface {
	Info(msg string)
	Error(msg string)
}

// Judge combines the rain-gauge and forecast predicates into the go/no-go
// decision for automatic waterings.
type Judge struct {
	// Sensor reports the rainfall integrated since the last scheduled run.
	Sensor RainFunc

	// Forecast reports the rainfall expected within the configured window.
	Forecast RainFunc

	// DummyMode forces YES even when rain is detected, keeping CI
	// deterministic.
	DummyMode bool

	Notifier Notifier
	Log      *zap.SugaredLogger
}

func (j Judge) debugf(format string, args ...interface{}) {
	if j.Log != nil {
		j.Log.Debugf(format, args...)
	}
}

// Allow reports whether the requested operation may proceed. Only an
// automatic open is ever vetoed; a veto logs the human-readable reason.
func (j Judge) Allow(open, auto bool) bool {
	if !open || !auto {
		return true
	}

	if j.Sensor != nil {
		if hit, mm := j.Sensor(); hit {
			if j.DummyMode {
				j.debugf("Rain gauge reported %.1fmm but dummy mode waters anyway", mm)
				return true
			}
			j.Notifier.Info(fmt.Sprintf(
				"watering suspended: %.0fmm of rain since the last watering", mm))
			return false
		}
	}

	if j.Forecast != nil {
		if hit, mm := j.Forecast(); hit {
			if j.DummyMode {
				j.debugf("Forecast reported %.1fmm but dummy mode waters anyway", mm)
				return true
			}
			j.Notifier.Info(fmt.Sprintf(
				"watering suspended: %.0fmm of rain is forecast", mm))
			return false
		}
	}

	return true
}
