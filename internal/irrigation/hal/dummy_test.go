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
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newDummy(t *testing.T) (*Dummy, *clockwork.FakeClock) {
	t.Helper()
	fc := clockwork.NewFakeClockAt(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	return NewDummy(fc, 3, 12), fc
}

func TestDummy_HistoryRecordsHighPeriod(t *testing.T) {
	d, fc := newDummy(t)

	if err := d.GpioSet(18, Low); err != nil {
		t.Fatalf("GpioSet: %v", err)
	}
	if err := d.GpioSet(18, High); err != nil {
		t.Fatalf("GpioSet: %v", err)
	}
	fc.Advance(2 * time.Second)
	if err := d.GpioSet(18, Low); err != nil {
		t.Fatalf("GpioSet: %v", err)
	}

	hist := d.History()
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3", len(hist))
	}
	if hist[0].State != Low || hist[1].State != High || hist[2].State != Low {
		t.Fatalf("history states = %+v", hist)
	}
	if hist[2].HighPeriod != 2 {
		t.Fatalf("high period = %d, want 2", hist[2].HighPeriod)
	}
}

func TestDummy_RepeatedLevelNotRecorded(t *testing.T) {
	d, _ := newDummy(t)

	_ = d.GpioSet(18, Low)
	_ = d.GpioSet(18, Low)
	_ = d.GpioSet(18, High)
	_ = d.GpioSet(18, High)

	if got := len(d.History()); got != 2 {
		t.Fatalf("history length = %d, want 2", got)
	}
}

func TestDummy_FlowRisesWhenOpen(t *testing.T) {
	d, _ := newDummy(t)

	_ = d.GpioSet(18, High)

	// The first open sample is full scale.
	raw, err := d.AdcRead()
	if err != nil {
		t.Fatalf("AdcRead: %v", err)
	}
	if raw != 1667 { // 12 L/min at scale 3: 12*5000/36
		t.Fatalf("first open sample = %d, want 1667", raw)
	}

	// Subsequent samples walk but stay within scale.
	for i := 0; i < 20; i++ {
		raw, _ = d.AdcRead()
		if raw < 0 || raw > 1667 {
			t.Fatalf("open sample %d out of range: %d", i, raw)
		}
	}
}

func TestDummy_FlowDecaysWhenClosed(t *testing.T) {
	d, _ := newDummy(t)

	_ = d.GpioSet(18, High)
	_, _ = d.AdcRead() // full scale
	_ = d.GpioSet(18, Low)

	prev := 1 << 30
	zeroAt := -1
	for i := 0; i < 10; i++ {
		raw, _ := d.AdcRead()
		if raw > prev {
			t.Fatalf("flow rose after close: %d -> %d", prev, raw)
		}
		prev = raw
		if raw == 0 {
			zeroAt = i
			break
		}
	}
	if zeroAt < 0 {
		t.Fatalf("flow never decayed to zero")
	}
}

func TestDummy_AdcOverride(t *testing.T) {
	d, _ := newDummy(t)

	d.SetAdcOverride(500)
	for i := 0; i < 3; i++ {
		raw, _ := d.AdcRead()
		if raw != 500 {
			t.Fatalf("override sample = %d, want 500", raw)
		}
	}

	d.ClearAdcOverride()
	raw, _ := d.AdcRead()
	if raw == 500 {
		t.Fatalf("override survived ClearAdcOverride")
	}
}

func TestDummy_NowFollowsClock(t *testing.T) {
	d, fc := newDummy(t)

	before := d.Now()
	fc.Advance(90 * time.Second)
	if got := d.Now() - before; got < 89.99 || got > 90.01 {
		t.Fatalf("Now advanced by %f, want 90", got)
	}
}
