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

// Package scheduler owns the weekly watering schedule: a pair of entries
// replaced atomically through a latest-wins channel, persisted on every
// accepted update, and fired by a tick loop using cron recurrence
// bookkeeping.
package scheduler

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// EntryCount is the fixed size of a schedule set. The pair is the atomic
// unit of replacement; partial updates are not permitted.
const EntryCount = 2

// Entry is one weekly recurring watering slot.
type Entry struct {
	IsActive bool `json:"is_active" yaml:"is_active"`

	// Time is "HH:MM" in the configured local zone.
	Time string `json:"time" yaml:"time"`

	// Period is the watering length in minutes.
	Period int `json:"period" yaml:"period"`

	// Wday selects the weekdays, index 0 = Sunday through 6 = Saturday.
	Wday []bool `json:"wday" yaml:"wday"`
}

var timeRe = regexp.MustCompile(`^\d{2}:\d{2}$`)

// ErrInvalid reports a schedule set that fails validation.
var ErrInvalid = errors.New("invalid schedule specification")

// Validate checks the shape of a schedule set: exactly two entries, each
// with a well-formed time, a positive period, and a seven-day mask.
func Validate(entries []Entry) error {
	if len(entries) != EntryCount {
		return fmt.Errorf("%w: count of entry is invalid: %d", ErrInvalid, len(entries))
	}
	for i, e := range entries {
		if !timeRe.MatchString(e.Time) {
			return fmt.Errorf("%w: format of time is invalid: %q", ErrInvalid, e.Time)
		}
		if e.Period < 1 {
			return fmt.Errorf("%w: period is invalid: %d", ErrInvalid, e.Period)
		}
		if len(e.Wday) != 7 {
			return fmt.Errorf("%w: count of wday is invalid: %d (entry %d)", ErrInvalid, len(e.Wday), i)
		}
	}
	return nil
}

// Default returns the schedule used when nothing has been stored yet: two
// inactive slots at midnight, one minute long, on every weekday.
func Default() []Entry {
	entries := make([]Entry, EntryCount)
	for i := range entries {
		entries[i] = Entry{
			IsActive: false,
			Time:     "00:00",
			Period:   1,
			Wday:     []bool{true, true, true, true, true, true, true},
		}
	}
	return entries
}

// Store serialises the schedule set to path. The format is gob: opaque,
// site-private, and round-trip stable.
func Store(path string, entries []Entry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store schedule: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("store schedule: %w", err)
	}
	defer f.Close()

	if err := gob.NewEncoder(f).Encode(entries); err != nil {
		return fmt.Errorf("store schedule: %w", err)
	}
	return nil
}

// Load deserialises the schedule set from path. A missing file yields the
// default set; a corrupt file or an invalid set is an error the caller
// surfaces before falling back to the default.
func Load(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("load schedule: %w", err)
	}
	defer f.Close()

	var entries []Entry
	if err := gob.NewDecoder(f).Decode(&entries); err != nil {
		return nil, fmt.Errorf("load schedule: %w", err)
	}
	if err := Validate(entries); err != nil {
		return nil, fmt.Errorf("load schedule: %w", err)
	}
	return entries, nil
}
