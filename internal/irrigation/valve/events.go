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

// EventType classifies flow-statistics events the control worker emits.
type EventType int

const (
	// EventInstantaneous carries the mean flow over the last report window.
	EventInstantaneous EventType = iota
	// EventTotal carries the final volume of a completed session.
	EventTotal
	// EventError reports a safety-rule violation.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventInstantaneous:
		return "instantaneous"
	case EventTotal:
		return "total"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one entry on the flow-statistics queue between the control worker
// and the flow-notify consumer.
type Event struct {
	Type EventType

	// Flow is the mean L/min over the report window (EventInstantaneous).
	Flow float64

	// Period is the session length in seconds and Total the volume in
	// litres (EventTotal).
	Period float64
	Total  float64

	// Message is the operator-facing text (EventError).
	Message string

	// Auto marks sessions started by the scheduler.
	Auto bool
}
