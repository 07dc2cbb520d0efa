// Package config loads daemon configuration from a YAML file with
// environment overrides on top. A missing file is not an error; every
// field has a workable default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/RefikCodes/raptorex-core/machine"
)

// Duration is a time.Duration that unmarshals from strings like "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", raw, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

type Config struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`

	Serial  Serial  `yaml:"serial"`
	Session Session `yaml:"session"`
}

type Serial struct {
	Device        string   `yaml:"device"`
	Baud          int      `yaml:"baud"`
	AutoConnect   bool     `yaml:"auto_connect"`
	WatchInterval Duration `yaml:"watch_interval"`
}

// Session tunes the controller session; zero values fall back to the
// machine package defaults.
type Session struct {
	HomeOnConnect bool     `yaml:"home_on_connect"`
	AckTimeout    Duration `yaml:"ack_timeout"`
	StepTimeout   Duration `yaml:"step_timeout"`
	HomingTimeout Duration `yaml:"homing_timeout"`
	PollIdle      Duration `yaml:"poll_idle"`
	PollActive    Duration `yaml:"poll_active"`

	JogFeed float64 `yaml:"jog_feed"`
	JogStep float64 `yaml:"jog_step"`
}

func Default() Config {
	return Config{
		Listen:   ":8621",
		LogLevel: "info",
		Serial: Serial{
			Baud:          115200,
			WatchInterval: Duration(2 * time.Second),
		},
		Session: Session{
			JogFeed: 1000,
			JogStep: 1,
		},
	}
}

// Load reads path (skipped when empty or absent), then applies
// RAPTOREX_* environment overrides. A .env file in the working
// directory is folded into the environment first.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return c, err
		default:
			if err := yaml.Unmarshal(data, &c); err != nil {
				return c, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	overlayEnv(&c)
	return c, nil
}

func overlayEnv(c *Config) {
	if v := os.Getenv("RAPTOREX_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("RAPTOREX_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("RAPTOREX_DEVICE"); v != "" {
		c.Serial.Device = v
	}
	if v := os.Getenv("RAPTOREX_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.Baud = n
		}
	}
}

// MachineConfig projects the session block onto the machine package's
// knob set.
func (c Config) MachineConfig() machine.Config {
	return machine.Config{
		HomeOnConnect: c.Session.HomeOnConnect,
		AckTimeout:    time.Duration(c.Session.AckTimeout),
		StepTimeout:   time.Duration(c.Session.StepTimeout),
		HomingTimeout: time.Duration(c.Session.HomingTimeout),
		PollIdle:      time.Duration(c.Session.PollIdle),
		PollActive:    time.Duration(c.Session.PollActive),
	}
}
