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

// Package config loads the service configuration from a YAML file into a
// nested struct mirroring the option paths the engine consumes. Every field
// has a default so a partial (or absent) file still yields a usable config.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML accepts "30m" / "24h" forms.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the root of the configuration tree.
type Config struct {
	Valve    ValveConfig    `yaml:"valve"`
	Flow     FlowConfig     `yaml:"flow"`
	Weather  WeatherConfig  `yaml:"weather"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Liveness LivenessConfig `yaml:"liveness"`
	History  HistoryConfig  `yaml:"history"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	WebAPI   WebAPIConfig   `yaml:"webapi"`

	// Timezone is the IANA zone name schedules are interpreted in.
	Timezone string `yaml:"timezone"`
}

// ValveConfig describes the solenoid valve output and the state directory
// holding the valve footprints.
type ValveConfig struct {
	GpioChip string `yaml:"gpio_chip"`
	GpioPin  int    `yaml:"gpio_pin"`

	// StatDir is the RAM-backed directory for the open/close/command
	// footprints. External scripts may observe it.
	StatDir string `yaml:"stat_dir"`
}

// FlowConfig describes the flow meter and the conversion from raw ADC counts
// to litres per minute.
type FlowConfig struct {
	// Offset is subtracted from the converted reading, in L/min.
	Offset    float64         `yaml:"offset"`
	Sensor    SensorConfig    `yaml:"sensor"`
	Threshold ThresholdConfig `yaml:"threshold"`
}

type SensorConfig struct {
	Adc   AdcConfig   `yaml:"adc"`
	Scale ScaleConfig `yaml:"scale"`
}

type AdcConfig struct {
	// ScaleValue is the multiplier applied to raw ADC counts.
	ScaleValue float64 `yaml:"scale_value"`
	// ValueFile is the sysfs path raw samples are read from.
	ValueFile string `yaml:"value_file"`
	// ScaleFile, when it exists, receives ScaleValue once at startup.
	ScaleFile string `yaml:"scale_file"`
}

type ScaleConfig struct {
	// Max is the flow in L/min at full scale (5000 mV).
	Max float64 `yaml:"max"`
}

type ThresholdConfig struct {
	// Error is the flow in L/min above which the overflow rule fires.
	Error float64 `yaml:"error"`
}

// WeatherConfig holds the rain-sensor and rain-forecast settings consulted
// before an automatic watering.
type WeatherConfig struct {
	RainFall RainFallConfig `yaml:"rain_fall"`
}

type RainFallConfig struct {
	Forecast ForecastConfig   `yaml:"forecast"`
	Sensor   RainSensorConfig `yaml:"sensor"`
}

type ForecastConfig struct {
	Threshold ForecastThreshold `yaml:"threshold"`
	Endpoint  string            `yaml:"endpoint"`
	AppID     string            `yaml:"app_id"`
	Lat       float64           `yaml:"lat"`
	Lon       float64           `yaml:"lon"`
}

type ForecastThreshold struct {
	// Sum is the rainfall in mm above which watering is suspended.
	Sum float64 `yaml:"sum"`
	// BeforeHour is the forecast window in hours.
	BeforeHour int `yaml:"before_hour"`
}

type RainSensorConfig struct {
	Threshold SumThreshold `yaml:"threshold"`
	// URL of the InfluxDB instance holding the rain gauge series.
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
	Measure  string `yaml:"measure"`
	Hostname string `yaml:"hostname"`
}

type SumThreshold struct {
	Sum float64 `yaml:"sum"`
}

// ScheduleConfig locates the persisted schedule set.
type ScheduleConfig struct {
	Path string `yaml:"path"`
}

// LivenessConfig lists the touch-target files each worker refreshes.
type LivenessConfig struct {
	File LivenessFiles `yaml:"file"`
}

type LivenessFiles struct {
	Scheduler    string `yaml:"scheduler"`
	ValveControl string `yaml:"valve_control"`
	FlowNotify   string `yaml:"flow_notify"`
}

// HistoryConfig configures the watering-history sink. An empty RedisAddr
// selects the logging fallback so the service runs without infrastructure.
type HistoryConfig struct {
	RedisAddr string   `yaml:"redis_addr"`
	MarkerTTL Duration `yaml:"marker_ttl"`
}

// MetricsConfig configures the optional Prometheus endpoint. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// WebAPIConfig configures the HTTP/JSON surface.
type WebAPIConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration populated with the values the reference
// hardware (ADS1015 ADC, 12 L/min flow meter) expects.
func Default() *Config {
	return &Config{
		Valve: ValveConfig{
			GpioChip: "gpiochip0",
			GpioPin:  18,
			StatDir:  "/dev/shm/rasp-water",
		},
		Flow: FlowConfig{
			Offset: 0,
			Sensor: SensorConfig{
				Adc: AdcConfig{
					ScaleValue: 3,
					ValueFile:  "/sys/bus/iio/devices/iio:device0/in_voltage0_raw",
					ScaleFile:  "/sys/bus/iio/devices/iio:device0/in_voltage0_scale",
				},
				Scale: ScaleConfig{Max: 12},
			},
			Threshold: ThresholdConfig{Error: 20},
		},
		Weather: WeatherConfig{
			RainFall: RainFallConfig{
				Forecast: ForecastConfig{
					Threshold: ForecastThreshold{Sum: 2, BeforeHour: 12},
				},
				Sensor: RainSensorConfig{
					Threshold: SumThreshold{Sum: 10},
					Database:  "sensor",
				},
			},
		},
		Schedule: ScheduleConfig{
			Path: "/var/lib/rasp-water/schedule.dat",
		},
		Liveness: LivenessConfig{
			File: LivenessFiles{
				Scheduler:    "/dev/shm/rasp-water/healthz/scheduler",
				ValveControl: "/dev/shm/rasp-water/healthz/valve_control",
				FlowNotify:   "/dev/shm/rasp-water/healthz/flow_notify",
			},
		},
		History: HistoryConfig{
			MarkerTTL: Duration(24 * time.Hour),
		},
		WebAPI: WebAPIConfig{
			Addr: ":5000",
		},
		Timezone: "Local",
	}
}

// Load reads the YAML file at path over the defaults. A missing file is not
// an error; it yields Default().
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}
