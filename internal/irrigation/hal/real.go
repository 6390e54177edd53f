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
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/warthog618/gpiod"
)

// Real drives a GPIO line through the character device and reads the flow
// meter ADC from the sysfs file the iio driver exposes.
type Real struct {
	chip         string
	adcValueFile string
	clock        clockwork.Clock

	mu     sync.Mutex
	lines  map[int]*gpiod.Line
	levels map[int]int
}

// NewReal returns a HAL bound to the given GPIO chip and ADC value file.
func NewReal(chip, adcValueFile string) *Real {
	return &Real{
		chip:         chip,
		adcValueFile: adcValueFile,
		clock:        clockwork.NewRealClock(),
		lines:        make(map[int]*gpiod.Line),
		levels:       make(map[int]int),
	}
}

// line returns the requested output line for pin, requesting it on first use.
// The line is held for the lifetime of the process so the pin keeps its level.
func (r *Real) line(pin int) (*gpiod.Line, error) {
	if l, ok := r.lines[pin]; ok {
		return l, nil
	}
	l, err := gpiod.RequestLine(r.chip, pin, gpiod.AsOutput(Low))
	if err != nil {
		return nil, fmt.Errorf("request line %d of %s: %w", pin, r.chip, err)
	}
	r.lines[pin] = l
	r.levels[pin] = Low
	return l, nil
}

func (r *Real) GpioSet(pin, level int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, err := r.line(pin)
	if err != nil {
		return err
	}
	if err := l.SetValue(level); err != nil {
		return fmt.Errorf("set line %d of %s: %w", pin, r.chip, err)
	}
	r.levels[pin] = level
	return nil
}

func (r *Real) GpioGet(pin int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, err := r.line(pin)
	if err != nil {
		return Low, err
	}
	v, err := l.Value()
	if err != nil {
		// Some kernels refuse value reads on output requests; the last
		// driven level is authoritative there.
		return r.levels[pin], nil
	}
	return v, nil
}

func (r *Real) AdcRead() (int, error) {
	data, err := os.ReadFile(r.adcValueFile)
	if err != nil {
		return 0, fmt.Errorf("read adc %s: %w", r.adcValueFile, err)
	}
	raw, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse adc %s: %w", r.adcValueFile, err)
	}
	return raw, nil
}

func (r *Real) Now() float64 {
	return Seconds(r.clock)
}

func (r *Real) Clock() clockwork.Clock {
	return r.clock
}

// Close releases all requested GPIO lines.
func (r *Real) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for pin, l := range r.lines {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.lines, pin)
	}
	return firstErr
}
