// Copyright 2025 The gVisor Authors.
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

//go:build linux

// Package config loads the runtime settings of the compatibility layer.
//
// Values are layered: built-in defaults, then an optional TOML file, then
// QNXCOMPAT_* environment variables. For example:
//
//	[log]
//	level = "debug"
//
//	[epoll]
//	notify_rate = 500
//	rearm_interval = "20ms"
//
//	[msg]
//	order = "fifo"
//
// is overridden by QNXCOMPAT_LOG_LEVEL, QNXCOMPAT_EPOLL_NOTIFY_RATE,
// QNXCOMPAT_MSG_ORDER and so on.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/time/rate"

	"github.com/walteh/qnxcompat/pkg/epoll"
	"github.com/walteh/qnxcompat/pkg/log"
	"github.com/walteh/qnxcompat/pkg/msg"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "QNXCOMPAT"

// Config holds all settings.
type Config struct {
	Log   Log   `toml:"log" envconfig:"LOG"`
	Epoll Epoll `toml:"epoll" envconfig:"EPOLL"`
	Msg   Msg   `toml:"msg" envconfig:"MSG"`
}

// Log configures pkg/log.
type Log struct {
	// Level is "debug", "info" or "warning".
	Level string `toml:"level" envconfig:"LEVEL"`

	// Format is "text" or "json".
	Format string `toml:"format" envconfig:"FORMAT"`
}

// Epoll configures instance workers.
type Epoll struct {
	// NotifyRate is the maximum number of worker iterations per second.
	// Zero disables pacing.
	NotifyRate float64 `toml:"notify_rate" envconfig:"NOTIFY_RATE"`

	NotifyBurst int `toml:"notify_burst" envconfig:"NOTIFY_BURST"`

	RearmInterval time.Duration `toml:"rearm_interval" envconfig:"REARM_INTERVAL"`
}

// Msg configures the message channel.
type Msg struct {
	Prefix       string `toml:"prefix" envconfig:"PREFIX"`
	Dir          string `toml:"dir" envconfig:"DIR"`
	MaxFrameSize int    `toml:"max_frame_size" envconfig:"MAX_FRAME_SIZE"`

	// Order is "lifo" or "fifo".
	Order string `toml:"order" envconfig:"ORDER"`
}

// Default returns the built-in configuration.
func Default() *Config {
	eo := epoll.DefaultOptions()
	mo := msg.DefaultOptions()
	return &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Epoll: Epoll{
			NotifyRate:    float64(eo.NotifyRate),
			NotifyBurst:   eo.NotifyBurst,
			RearmInterval: eo.RearmInterval,
		},
		Msg: Msg{
			Prefix:       mo.Prefix,
			Dir:          mo.Dir,
			MaxFrameSize: mo.MaxFrameSize,
			Order:        mo.Order.String(),
		},
	}
}

// Load returns the defaults overridden by the TOML file at path, if path is
// not empty, and then by the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to load config %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return nil, fmt.Errorf("config %q: unknown keys: %s", path, strings.Join(keys, ", "))
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every value is usable.
func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json", "":
	default:
		return fmt.Errorf("config: log.format: unknown format %q", c.Log.Format)
	}
	if c.Epoll.NotifyRate < 0 {
		return fmt.Errorf("config: epoll.notify_rate must not be negative")
	}
	if c.Epoll.NotifyRate > 0 && c.Epoll.NotifyBurst <= 0 {
		return fmt.Errorf("config: epoll.notify_burst must be positive when notify_rate is set")
	}
	if c.Epoll.RearmInterval < 0 {
		return fmt.Errorf("config: epoll.rearm_interval must not be negative")
	}
	if c.Msg.MaxFrameSize <= 0 {
		return fmt.Errorf("config: msg.max_frame_size must be positive")
	}
	if _, err := msg.ParseOrder(c.Msg.Order); err != nil {
		return fmt.Errorf("config: msg.order: %w", err)
	}
	return nil
}

// EpollOptions returns the epoll worker options.
func (c *Config) EpollOptions() epoll.Options {
	return epoll.Options{
		NotifyRate:    rate.Limit(c.Epoll.NotifyRate),
		NotifyBurst:   c.Epoll.NotifyBurst,
		RearmInterval: c.Epoll.RearmInterval,
	}
}

// MsgOptions returns the message channel options.
//
// Preconditions: c.Validate() == nil.
func (c *Config) MsgOptions() msg.Options {
	order, _ := msg.ParseOrder(c.Msg.Order)
	return msg.Options{
		Prefix:       c.Msg.Prefix,
		Dir:          c.Msg.Dir,
		MaxFrameSize: c.Msg.MaxFrameSize,
		Order:        order,
	}
}

// Apply installs c as the process-wide configuration.
//
// Preconditions: c.Validate() == nil.
func (c *Config) Apply() error {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	if err := log.SetFormat(c.Log.Format); err != nil {
		return err
	}
	epoll.SetDefaultOptions(c.EpollOptions())
	msg.SetDefaultOptions(c.MsgOptions())
	log.Debugf("config: %+v", *c)
	return nil
}
