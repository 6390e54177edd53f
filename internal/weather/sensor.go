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

package weather

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kimata/rasp-water/internal/config"
	"github.com/kimata/rasp-water/internal/irrigation/scheduler"
)

const sensorTimeout = 5 * time.Second

// Sensor judges the rainfall the gauge integrated since the last scheduled
// watering, read from the InfluxDB HTTP query API.
type Sensor struct {
	Config *config.Config
	Clock  clockwork.Clock
	Loc    *time.Location
	Log    *zap.SugaredLogger

	// Schedule returns the schedule set in effect, used to find the last
	// scheduled run.
	Schedule func() []scheduler.Entry

	// HTTP overrides the client, for tests.
	HTTP *http.Client
}

// RainFall sums the gauge rainfall since the last scheduled watering and
// reports whether it exceeds the threshold, together with the millimetres.
func (s Sensor) RainFall() (bool, float64) {
	hours := s.hoursSinceLastWatering()
	if hours < 1 {
		hours = 1
	}

	sum, err := s.querySum(hours)
	if err != nil {
		s.Log.Warnf("Failed to get rain fall data, assuming no rain: %s", err)
		sum = 0
	}

	s.Log.Infof("Rain fall sum since last watering: %.1f (%d hours)", sum, hours)

	judge := sum > s.Config.Weather.RainFall.Sensor.Threshold.Sum
	s.Log.Infof("Rain fall sensor judge: %t", judge)

	return judge, sum
}

// hoursSinceLastWatering walks each active entry back over the last week to
// find its most recent scheduled slot, and returns the rounded hours since
// the latest of them. With no active entry the full week is assumed.
func (s Sensor) hoursSinceLastWatering() int {
	now := s.Clock.Now().In(s.Loc)

	var last time.Time
	for _, e := range s.Schedule() {
		if !e.IsActive {
			continue
		}
		var hour, minute int
		if _, err := fmt.Sscanf(e.Time, "%2d:%2d", &hour, &minute); err != nil {
			continue
		}
		for daysAgo := 0; daysAgo <= 7; daysAgo++ {
			day := now.AddDate(0, 0, -daysAgo)
			if len(e.Wday) == 7 && e.Wday[int(day.Weekday())] {
				at := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, s.Loc)
				if at.After(now) {
					continue
				}
				if at.After(last) {
					last = at
				}
				break
			}
		}
	}

	if last.IsZero() {
		return 24 * 7
	}

	minutes := now.Sub(last).Minutes()
	hours := int(minutes) / 60
	if int(minutes)%60 >= 30 {
		hours++
	}
	return hours
}

// influxResponse mirrors the slice of the query payload we read.
type influxResponse struct {
	Results []struct {
		Series []struct {
			Values [][]interface{} `json:"values"`
		} `json:"series"`
	} `json:"results"`
}

func (s Sensor) querySum(hours int) (float64, error) {
	sc := s.Config.Weather.RainFall.Sensor
	if sc.URL == "" {
		return 0, fmt.Errorf("no rain sensor configured")
	}

	client := s.HTTP
	if client == nil {
		client = &http.Client{Timeout: sensorTimeout}
	}

	q := fmt.Sprintf(`SELECT SUM("rain") FROM %q WHERE ("hostname" = '%s') AND time >= now() - %dh`,
		sc.Measure, sc.Hostname, hours)

	params := url.Values{}
	params.Set("db", sc.Database)
	params.Set("q", q)

	res, err := client.Get(sc.URL + "/query?" + params.Encode())
	if err != nil {
		return 0, fmt.Errorf("query rain sensor: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("query rain sensor: status %d", res.StatusCode)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, fmt.Errorf("read rain sensor response: %w", err)
	}

	var payload influxResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("parse rain sensor response: %w", err)
	}
	if len(payload.Results) == 0 || len(payload.Results[0].Series) == 0 ||
		len(payload.Results[0].Series[0].Values) == 0 {
		// No data points in the window means no rain.
		return 0, nil
	}
	row := payload.Results[0].Series[0].Values[0]
	if len(row) < 2 {
		return 0, nil
	}
	sum, ok := row[1].(float64)
	if !ok {
		return 0, fmt.Errorf("parse rain sensor response: unexpected value %v", row[1])
	}
	return sum, nil
}
