// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package config loads the broker's runtime configuration from a YAML
// file and command-line flags, following the same viper+pflag wiring the
// upstream gateway uses.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Serial describes one serial leg's device, baud rate and resolved byte
// format.
type Serial struct {
	Device   string
	Baud     int
	DataBits int
	Parity   string
	StopBits int
}

// Config is the broker's full runtime configuration (spec §6).
type Config struct {
	InverterPort string `mapstructure:"inverter_port"`
	ShinePort    string `mapstructure:"shine_port"`

	Baud  int    `mapstructure:"baud"`
	Bytes string `mapstructure:"bytes"`

	InvBaud  int    `mapstructure:"inv_baud"`
	InvBytes string `mapstructure:"inv_bytes"`

	ShineBaud  int    `mapstructure:"shine_baud"`
	ShineBytes string `mapstructure:"shine_bytes"`

	TCPBind    string `mapstructure:"tcp_bind"`
	TCPAltBind string `mapstructure:"tcp_alt_bind"`
	SniffBind  string `mapstructure:"sniff_bind"`

	MinPeriod   time.Duration `mapstructure:"min_period"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	LogPath  string `mapstructure:"log_path"`
	LogLevel string `mapstructure:"log_level"`

	SniffBacklogBytes int `mapstructure:"sniff_backlog_bytes"`
}

// InverterSerial resolves the effective format for the inverter leg,
// falling back to the shared baud/bytes when no per-leg override is set.
func (c Config) InverterSerial() Serial {
	baud, bytesFmt := c.Baud, c.Bytes
	if c.InvBaud != 0 {
		baud = c.InvBaud
	}
	if c.InvBytes != "" {
		bytesFmt = c.InvBytes
	}
	return parseSerial(c.InverterPort, baud, bytesFmt)
}

// ShineSerial resolves the effective format for the Shine leg.
func (c Config) ShineSerial() Serial {
	baud, bytesFmt := c.Baud, c.Bytes
	if c.ShineBaud != 0 {
		baud = c.ShineBaud
	}
	if c.ShineBytes != "" {
		bytesFmt = c.ShineBytes
	}
	return parseSerial(c.ShinePort, baud, bytesFmt)
}

// parseSerial decodes a "8E1"-style byte-format string into data bits,
// parity, and stop bits.
func parseSerial(device string, baud int, format string) Serial {
	s := Serial{Device: device, Baud: baud, DataBits: 8, Parity: "N", StopBits: 1}
	format = strings.ToUpper(strings.TrimSpace(format))
	if len(format) == 3 {
		if format[0] >= '5' && format[0] <= '8' {
			s.DataBits = int(format[0] - '0')
		}
		switch format[1] {
		case 'N', 'E', 'O':
			s.Parity = string(format[1])
		}
		if format[2] == '1' || format[2] == '2' {
			s.StopBits = int(format[2] - '0')
		}
	}
	return s
}

// Load reads configuration from configFile (or the default search path
// when empty), overlaid with any flags already parsed into flagSet.
func Load(configFile string, flagSet *pflag.FlagSet) (Config, error) {
	v := viper.New()

	v.SetDefault("baud", 9600)
	v.SetDefault("bytes", "8E1")
	v.SetDefault("tcp_bind", "0.0.0.0:5020")
	v.SetDefault("min_period", 1*time.Second)
	v.SetDefault("read_timeout", 1500*time.Millisecond)
	v.SetDefault("log_path", "-")
	v.SetDefault("log_level", "info")
	v.SetDefault("sniff_backlog_bytes", 64*1024)

	if flagSet != nil {
		if err := v.BindPFlags(flagSet); err != nil {
			return Config{}, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/growatt-rtu-broker/")
		v.AddConfigPath("$HOME/.growatt-rtu-broker")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.InverterPort == "" {
		return Config{}, fmt.Errorf("inverter_port is required")
	}
	if cfg.ShinePort == "" {
		return Config{}, fmt.Errorf("shine_port is required")
	}

	return cfg, nil
}
