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

// Package hal abstracts the hardware the engine drives: a digital output for
// the solenoid valve, an ADC channel for the flow meter, and a monotonic
// clock. Two variants exist: Real drives a GPIO line and reads the ADC from
// sysfs; Dummy keeps everything in memory and runs on a controllable clock so
// tests can fast-forward minutes in milliseconds.
package hal

import "github.com/jonboulle/clockwork"

// Digital output levels.
const (
	Low  = 0
	High = 1
)

// HAL is the capability interface the engine is built against.
type HAL interface {
	// GpioSet drives the output pin to the given level.
	GpioSet(pin, level int) error

	// GpioGet reads back the level of the output pin.
	GpioGet(pin int) (int, error)

	// AdcRead returns one raw sample from the flow meter ADC.
	AdcRead() (int, error)

	// Now returns the current time in seconds. All deadline comparisons in
	// the engine use this clock so a test clock moving past a deadline
	// triggers the same branches as wall time would.
	Now() float64

	// Clock exposes the underlying clock for tickers and schedule math.
	Clock() clockwork.Clock
}

// Seconds converts a clock reading to the float seconds representation the
// footprint files use.
func Seconds(c clockwork.Clock) float64 {
	return float64(c.Now().UnixNano()) / 1e9
}
