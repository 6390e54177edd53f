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

package hal

import (
	"math"
	"math/rand"
	"sync"

	"github.com/jonboulle/clockwork"
)

// Transition is one recorded output-pin change in dummy mode. HighPeriod is
// the integer seconds the pin was HIGH, filled in on the falling edge.
type Transition struct {
	Time       float64
	State      int
	HighPeriod int
}

// Dummy is the in-memory HAL variant. The output pin is a plain field, the
// clock is a fake clock owned by the caller, and the ADC is simulated from
// the pin level: while the valve is open the flow walks randomly near full
// scale, and after it closes the flow decays back to zero. The simulated
// value can be pinned with SetAdcOverride for fault-injection tests.
type Dummy struct {
	clock      clockwork.Clock
	scaleValue float64
	maxFlow    float64

	mu          sync.Mutex
	level       int
	risenAt     float64
	history     []Transition
	prevFlow    float64
	adcOverride *int
	rng         *rand.Rand
}

// NewDummy returns a dummy HAL running on the given clock. scaleValue and
// maxFlow must match the flow conversion settings so the simulated raw counts
// convert back to the intended L/min.
func NewDummy(clock clockwork.Clock, scaleValue, maxFlow float64) *Dummy {
	return &Dummy{
		clock:      clock,
		scaleValue: scaleValue,
		maxFlow:    maxFlow,
		rng:        rand.New(rand.NewSource(1)),
	}
}

func (d *Dummy) GpioSet(pin, level int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := Seconds(d.clock)

	if len(d.history) > 0 && d.level == level {
		return nil
	}

	t := Transition{Time: now, State: level}
	if level == High {
		d.risenAt = now
	} else if d.level == High {
		t.HighPeriod = int(math.Round(now - d.risenAt))
	}
	d.history = append(d.history, t)
	d.level = level
	return nil
}

func (d *Dummy) GpioGet(pin int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level, nil
}

func (d *Dummy) AdcRead() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.adcOverride != nil {
		return *d.adcOverride, nil
	}

	var flow float64
	if d.level == High {
		if d.prevFlow == 0 {
			flow = d.maxFlow
		} else {
			flow = d.prevFlow + (d.rng.Float64()-0.5)*(d.maxFlow/5)
			flow = math.Max(0, math.Min(flow, d.maxFlow))
		}
	} else {
		if d.prevFlow > 1 {
			flow = d.prevFlow / 5
		} else {
			flow = math.Max(0, d.prevFlow-0.5)
		}
	}
	d.prevFlow = flow

	return d.rawFor(flow), nil
}

// rawFor inverts the L/min conversion so AdcRead yields counts that convert
// back to flow.
func (d *Dummy) rawFor(flow float64) int {
	return int(math.Round(flow * 5000 / (d.scaleValue * d.maxFlow)))
}

func (d *Dummy) Now() float64 {
	return Seconds(d.clock)
}

func (d *Dummy) Clock() clockwork.Clock {
	return d.clock
}

// SetAdcOverride pins AdcRead to a constant raw value.
func (d *Dummy) SetAdcOverride(raw int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adcOverride = &raw
}

// ClearAdcOverride restores the simulated flow.
func (d *Dummy) ClearAdcOverride() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adcOverride = nil
}

// History returns the recorded pin transitions.
func (d *Dummy) History() []Transition {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Transition, len(d.history))
	copy(out, d.history)
	return out
}
