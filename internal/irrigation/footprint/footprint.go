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

// Package footprint manages marker files on a RAM-backed filesystem. A
// footprint's presence encodes a piece of engine state; atomicity relies on
// filesystem create/unlink, which is sufficient under the single-writer
// discipline the engine follows.
package footprint

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Exists reports whether the footprint is present.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Touch creates an empty footprint, along with any missing parent
// directories. An existing footprint is left as is.
func Touch(path string) error {
	if Exists(path) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("touch %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("touch %s: %w", path, err)
	}
	return f.Close()
}

// Clear removes the footprint. A missing footprint is not an error.
func Clear(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear %s: %w", path, err)
	}
	return nil
}

// Update writes the current time in seconds into the footprint, creating it
// if needed. Liveness files use this form so watchdogs can read the age.
func Update(path string, now float64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(strconv.FormatFloat(now, 'f', 3, 64)), 0o644); err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	return nil
}

// Elapsed returns the seconds since the footprint was last updated. A missing
// or unreadable footprint reports the full value of now.
func Elapsed(path string, now float64) float64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return now
	}
	stamp, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return now
	}
	return now - stamp
}
