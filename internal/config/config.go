// Copyright 2025 Edgeo SCADA
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

// Package config loads the brewsim configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	modbus "github.com/edgeo-scada/brewery-modbus"
	"github.com/edgeo-scada/brewery-modbus/internal/plant"
	"github.com/edgeo-scada/brewery-modbus/internal/simulation"
)

// EnvPrefix prefixes environment overrides, e.g. BREWSIM_SERVER_PORT.
const EnvPrefix = "BREWSIM"

// Config is the full configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Plant      PlantConfig      `mapstructure:"plant"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Diag       DiagConfig       `mapstructure:"diag"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig configures the Modbus TCP listener.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	UnitID       uint8         `mapstructure:"unit_id"`
	MaxConns     int           `mapstructure:"max_conns"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	FrameTimeout time.Duration `mapstructure:"frame_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Address returns host:port.
func (s ServerConfig) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// StoreConfig sizes the register spaces.
type StoreConfig struct {
	Size int `mapstructure:"size"`
}

// PlantConfig configures the register map.
type PlantConfig struct {
	plant.Addressing  `mapstructure:",squash"`
	SetpointSentinels []uint16 `mapstructure:"setpoint_sentinels"`
	AutoRegister      bool     `mapstructure:"auto_register"`
	MaxFermenters     int      `mapstructure:"max_fermenters"`
	TestData          bool     `mapstructure:"test_data"`
}

// SimulationConfig configures the plant simulation.
type SimulationConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	Fermenters []string      `mapstructure:"fermenters"`
}

// DiagConfig configures the diagnostics HTTP API.
type DiagConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
	File   string `mapstructure:"file"`   // Log file path, "" or "-" for stderr
	// Requests logs every Modbus request with a decoding of its values.
	Requests bool `mapstructure:"requests"`
}

// SetDefaults registers every key with its default so that environment
// overrides apply even when no config file is present.
func SetDefaults(v *viper.Viper) {
	addr := plant.DefaultAddressing()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", modbus.DefaultPort)
	v.SetDefault("server.unit_id", 1)
	v.SetDefault("server.max_conns", 100)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.frame_timeout", time.Second)
	v.SetDefault("server.write_timeout", 5*time.Second)

	v.SetDefault("store.size", modbus.DefaultSpaceSize)

	v.SetDefault("plant.chiller_base", addr.ChillerBase)
	v.SetDefault("plant.fermenter_base", addr.FermenterBase)
	v.SetDefault("plant.block_size", addr.BlockSize)
	v.SetDefault("plant.setpoint_base", addr.SetpointBase)
	v.SetDefault("plant.setpoint_sentinels", []uint16{})
	v.SetDefault("plant.auto_register", true)
	v.SetDefault("plant.max_fermenters", 0)
	v.SetDefault("plant.test_data", false)

	v.SetDefault("simulation.enabled", true)
	v.SetDefault("simulation.interval", simulation.DefaultInterval)
	v.SetDefault("simulation.fermenters", simulation.DefaultFermenters)

	v.SetDefault("diag.enabled", false)
	v.SetDefault("diag.address", "127.0.0.1:8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.requests", true)
}

// Load reads configFile, or brewsim.yaml from the usual places when
// configFile is empty, applies BREWSIM_* environment overrides and returns
// the validated configuration. A missing default file is not an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("brewsim")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.brewsim")
		v.AddConfigPath("/etc/brewsim/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	fixup(&config)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func fixup(c *Config) {
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
	if c.Simulation.Interval <= 0 {
		c.Simulation.Interval = simulation.DefaultInterval
	}
	if len(c.Simulation.Fermenters) == 0 {
		c.Simulation.Fermenters = simulation.DefaultFermenters
	}
	if c.Server.UnitID == 0 {
		c.Server.UnitID = 1
	}
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxConns < 1 {
		return fmt.Errorf("config: server.max_conns must be positive")
	}
	if c.Store.Size < 1 || c.Store.Size > modbus.DefaultSpaceSize {
		return fmt.Errorf("config: store.size %d out of range 1-%d", c.Store.Size, modbus.DefaultSpaceSize)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	if c.Diag.Enabled && c.Diag.Address == "" {
		return fmt.Errorf("config: diag.address is required when diag is enabled")
	}
	return nil
}

// PlantOptions translates the plant section into manager options.
func (c *Config) PlantOptions() []plant.Option {
	return []plant.Option{
		plant.WithAddressing(c.Plant.Addressing),
		plant.WithSentinels(c.Plant.SetpointSentinels...),
		plant.WithAutoRegister(c.Plant.AutoRegister),
		plant.WithMaxFermenters(c.Plant.MaxFermenters),
	}
}
