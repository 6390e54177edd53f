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

// Package weather supplies the two rain predicates the watering policy
// consults: the hourly forecast and the integrated rain-gauge reading. Both
// treat their own failures as "no rain" so a flaky network never blocks
// watering.
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
)

const forecastTimeout = 5 * time.Second

// forecastResponse mirrors the slice of the weather API payload we read.
type forecastResponse struct {
	Feature []struct {
		Property struct {
			WeatherList struct {
				Weather []forecastPoint `json:"Weather"`
			} `json:"WeatherList"`
		} `json:"Property"`
	} `json:"Feature"`
}

type forecastPoint struct {
	Type     string  `json:"Type"`
	Date     string  `json:"Date"`
	Rainfall float64 `json:"Rainfall"`
}

// Forecast queries the point-forecast API and judges the expected rainfall.
type Forecast struct {
	Config *config.Config
	Clock  clockwork.Clock
	Loc    *time.Location
	Log    *zap.SugaredLogger

	// HTTP overrides the client, for tests.
	HTTP *http.Client
}

// RainFall sums the forecast rainfall within the configured window and
// reports whether it exceeds the threshold, together with the millimetres.
func (f Forecast) RainFall() (bool, float64) {
	points, err := f.fetch()
	if err != nil {
		f.Log.Warnf("Failed to fetch weather info: %s", err)
		return false, 0
	}

	fc := f.Config.Weather.RainFall.Forecast
	now := f.Clock.Now().In(f.Loc)

	total := 0.0
	for _, p := range points {
		at, err := time.ParseInLocation("200601021504", p.Date, f.Loc)
		if err != nil {
			continue
		}
		if now.Sub(at).Hours() < float64(fc.Threshold.BeforeHour) {
			total += p.Rainfall
		}
	}

	judge := total > fc.Threshold.Sum
	f.Log.Infof("Rain fall total: %.1f, judge: %t", total, judge)

	return judge, total
}

func (f Forecast) fetch() ([]forecastPoint, error) {
	fc := f.Config.Weather.RainFall.Forecast
	if fc.Endpoint == "" {
		return nil, fmt.Errorf("no forecast endpoint configured")
	}

	client := f.HTTP
	if client == nil {
		client = &http.Client{Timeout: forecastTimeout}
	}

	params := url.Values{}
	params.Set("appid", fc.AppID)
	params.Set("coordinates", fmt.Sprintf("%g,%g", fc.Lon, fc.Lat))
	params.Set("output", "json")
	params.Set("past", "2")

	res, err := client.Get(fc.Endpoint + "?" + params.Encode())
	if err != nil {
		return nil, fmt.Errorf("fetch forecast: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch forecast: status %d", res.StatusCode)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read forecast: %w", err)
	}

	var payload forecastResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse forecast: %w", err)
	}
	if len(payload.Feature) == 0 {
		return nil, fmt.Errorf("parse forecast: no features")
	}

	return payload.Feature[0].Property.WeatherList.Weather, nil
}
