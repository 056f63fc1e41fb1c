// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the bagwarmer YAML configuration
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/Thermoquad/bagwarmer/pkg/control"
	"github.com/Thermoquad/bagwarmer/pkg/hardware"
	"github.com/Thermoquad/bagwarmer/pkg/link"
	"github.com/Thermoquad/bagwarmer/pkg/warmlink"
)

// DefaultPath is read when --config is not given
const DefaultPath = "bagwarmer.yml"

// Config represents the application configuration
type Config struct {
	Serial      SerialConfig         `yaml:"serial"`
	WebSocket   WebSocketConfig      `yaml:"websocket"`
	Reset       ResetConfig          `yaml:"reset"`
	Protocol    warmlink.OpcodeTable `yaml:"protocol"`
	Calibration CalibrationConfig    `yaml:"calibration"`
	Control     ControlConfig        `yaml:"control"`
	Log         LogConfig            `yaml:"log"`
	MQTT        MQTTConfig           `yaml:"mqtt"`
	HTTP        HTTPConfig           `yaml:"http"`
	Datalog     DatalogConfig        `yaml:"datalog"`
	Capture     CaptureConfig        `yaml:"capture"`
}

// SerialConfig represents the serial port connection
type SerialConfig struct {
	Port    string        `yaml:"port"`
	Baud    int           `yaml:"baud"`
	Timeout time.Duration `yaml:"timeout"`
}

// WebSocketConfig represents a remote serial bridge connection
type WebSocketConfig struct {
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	NoSSLVerify bool   `yaml:"no_ssl_verify"`
}

// ResetConfig selects how the microcontroller is reset before use
type ResetConfig struct {
	Line    string        `yaml:"line"` // dtr | gpio | none
	GPIOPin int           `yaml:"gpio_pin"`
	Hold    time.Duration `yaml:"hold"`
}

// CalibrationConfig holds per-sensor offsets in °C
type CalibrationConfig struct {
	Bag1SensorA float64 `yaml:"bag1_sensor_a"`
	Bag1SensorB float64 `yaml:"bag1_sensor_b"`
	Bag2SensorA float64 `yaml:"bag2_sensor_a"`
	Bag2SensorB float64 `yaml:"bag2_sensor_b"`
}

// ControlConfig represents control loop constants
type ControlConfig struct {
	Period           time.Duration `yaml:"period"`
	ProportionalGain float64       `yaml:"proportional_gain"`
	MotorRunDuty     uint8         `yaml:"motor_run_duty"`
	FanHeatDuty      uint8         `yaml:"fan_heat_duty"`
	FanPowerOn       uint8         `yaml:"fan_power_on"`
	FanPowerOff      uint8         `yaml:"fan_power_off"`
	PWMFrequency     uint8         `yaml:"pwm_frequency"`
	Incubation       time.Duration `yaml:"incubation"`
	ReadyBand        float64       `yaml:"ready_band"`
	Divergence       float64       `yaml:"divergence"`
	Window           int           `yaml:"window"`
	DefaultSetpoint  float64       `yaml:"default_setpoint"`
	MinSetpoint      float64       `yaml:"min_setpoint"`
	MaxSetpoint      float64       `yaml:"max_setpoint"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
	File   string `yaml:"file"`
}

// MQTTConfig represents the telemetry broker connection
type MQTTConfig struct {
	Broker        string `yaml:"broker"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	TopicPrefix   string `yaml:"topic_prefix"`
	RemoteControl bool   `yaml:"remote_control"`
}

// HTTPConfig represents the status endpoint
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// DatalogConfig represents the temperature log
type DatalogConfig struct {
	Path string `yaml:"path"`
}

// CaptureConfig represents the exchange capture file
type CaptureConfig struct {
	Path string `yaml:"path"`
}

// Default returns the configuration of the production unit
func Default() *Config {
	ctrl := control.DefaultConfig()
	cal := hardware.DefaultCalibration()

	return &Config{
		Serial: SerialConfig{
			Baud:    19200,
			Timeout: link.DefaultTimeout,
		},
		Reset: ResetConfig{
			Line:    "none",
			GPIOPin: link.DefaultGPIOPin,
			Hold:    ctrl.ResetHold,
		},
		Protocol: warmlink.DefaultOpcodes(),
		Calibration: CalibrationConfig{
			Bag1SensorA: cal[warmlink.ChannelBag1A],
			Bag1SensorB: cal[warmlink.ChannelBag1B],
			Bag2SensorA: cal[warmlink.ChannelBag2A],
			Bag2SensorB: cal[warmlink.ChannelBag2B],
		},
		Control: ControlConfig{
			Period:           ctrl.Period,
			ProportionalGain: ctrl.ProportionalGain,
			MotorRunDuty:     ctrl.MotorRunDuty,
			FanHeatDuty:      ctrl.FanHeatDuty,
			FanPowerOn:       ctrl.FanPowerOn,
			FanPowerOff:      ctrl.FanPowerOff,
			PWMFrequency:     ctrl.PWMFrequency,
			Incubation:       ctrl.Incubation,
			ReadyBand:        ctrl.ReadyBand,
			Divergence:       hardware.DefaultDivergence,
			Window:           hardware.DefaultWindowSize,
			DefaultSetpoint:  ctrl.DefaultSetpoint,
			MinSetpoint:      ctrl.MinSetpoint,
			MaxSetpoint:      ctrl.MaxSetpoint,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "bagwarmer",
		},
	}
}

// Load reads filename over the defaults. A missing file yields the defaults.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Debug().Str("config_path", filename).Msg("No config file, using defaults")
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("BAGWARMER_PORT"); port != "" {
		c.Serial.Port = port
	}

	if level := os.Getenv("BAGWARMER_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}

	if broker := os.Getenv("BAGWARMER_MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}

	if password := os.Getenv("BAGWARMER_MQTT_PASSWORD"); password != "" {
		c.MQTT.Password = password
	}
}

// Validate checks values the controller cannot run with
func (c *Config) Validate() error {
	if err := c.Protocol.Validate(); err != nil {
		return err
	}

	ctrl := c.Control
	switch {
	case ctrl.Period <= 0:
		return errors.New("control.period must be positive")
	case ctrl.MinSetpoint > ctrl.MaxSetpoint:
		return fmt.Errorf("control.min_setpoint %.1f above max_setpoint %.1f", ctrl.MinSetpoint, ctrl.MaxSetpoint)
	case ctrl.DefaultSetpoint < ctrl.MinSetpoint || ctrl.DefaultSetpoint > ctrl.MaxSetpoint:
		return fmt.Errorf("control.default_setpoint %.1f outside [%.1f, %.1f]", ctrl.DefaultSetpoint, ctrl.MinSetpoint, ctrl.MaxSetpoint)
	case ctrl.PWMFrequency < warmlink.MinFrequencyCode || ctrl.PWMFrequency > warmlink.MaxFrequencyCode:
		return fmt.Errorf("control.pwm_frequency %d outside %d-%d", ctrl.PWMFrequency, warmlink.MinFrequencyCode, warmlink.MaxFrequencyCode)
	case ctrl.Window < 1:
		return errors.New("control.window must be at least 1")
	case ctrl.ReadyBand <= 0:
		return errors.New("control.ready_band must be positive")
	}

	switch c.Reset.Line {
	case "", "none", "dtr", "gpio":
	default:
		return fmt.Errorf("reset.line %q (use dtr, gpio or none)", c.Reset.Line)
	}

	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("log.format %q (use console or json)", c.Log.Format)
	}

	return nil
}

// ControlLoop returns the control loop constants
func (c *Config) ControlLoop() control.Config {
	cfg := control.DefaultConfig()
	cfg.Period = c.Control.Period
	cfg.ProportionalGain = c.Control.ProportionalGain
	cfg.MotorRunDuty = c.Control.MotorRunDuty
	cfg.FanHeatDuty = c.Control.FanHeatDuty
	cfg.FanPowerOn = c.Control.FanPowerOn
	cfg.FanPowerOff = c.Control.FanPowerOff
	cfg.PWMFrequency = c.Control.PWMFrequency
	cfg.Incubation = c.Control.Incubation
	cfg.ReadyBand = c.Control.ReadyBand
	cfg.DefaultSetpoint = c.Control.DefaultSetpoint
	cfg.MinSetpoint = c.Control.MinSetpoint
	cfg.MaxSetpoint = c.Control.MaxSetpoint
	cfg.ResetHold = c.Reset.Hold
	return cfg
}

// Model returns the hardware model configuration
func (c *Config) Model() hardware.Config {
	return hardware.Config{
		Calibration: hardware.Calibration{
			c.Calibration.Bag1SensorA,
			c.Calibration.Bag1SensorB,
			c.Calibration.Bag2SensorA,
			c.Calibration.Bag2SensorB,
		},
		WindowSize: c.Control.Window,
		Divergence: c.Control.Divergence,
		Nack:       c.Protocol.Nack,
	}
}

// WriteSummary prints the effective configuration as YAML
func (c *Config) WriteSummary(w io.Writer) error {
	redacted := *c
	if redacted.MQTT.Password != "" {
		redacted.MQTT.Password = "********"
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(&redacted)
}
