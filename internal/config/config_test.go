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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/fs"
)

func TestLoad_Defaults(t *testing.T) {
	dir := fs.NewDir(t, "brewsim-defaults")
	t.Setenv("HOME", dir.Path())

	cfg, err := Load(viper.New(), "")
	assert.NilError(t, err)

	assert.Equal(t, cfg.Server.Address(), "0.0.0.0:502")
	assert.Equal(t, cfg.Server.UnitID, uint8(1))
	assert.Equal(t, cfg.Server.FrameTimeout, time.Second)
	assert.Equal(t, cfg.Store.Size, 65535)
	assert.Equal(t, cfg.Plant.ChillerBase, uint16(30001))
	assert.Equal(t, cfg.Plant.FermenterBase, uint16(30021))
	assert.Equal(t, cfg.Plant.SetpointBase, uint16(40001))
	assert.Assert(t, cfg.Plant.AutoRegister)
	assert.Equal(t, len(cfg.Plant.SetpointSentinels), 0)
	assert.Assert(t, cfg.Simulation.Enabled)
	assert.Equal(t, cfg.Simulation.Interval, 5*time.Second)
	assert.DeepEqual(t, cfg.Simulation.Fermenters, []string{"FV001", "FV002"})
	assert.Assert(t, !cfg.Diag.Enabled)
	assert.Equal(t, cfg.Log.Level, "info")
	assert.Assert(t, cfg.Log.Requests)
}

func TestLoad_File(t *testing.T) {
	dir := fs.NewDir(t, "brewsim-file", fs.WithFile("brewsim.yaml", `
server:
  host: 127.0.0.1
  port: 5020
  frame_timeout: 250ms
plant:
  setpoint_sentinels: [20]
  auto_register: false
  test_data: true
simulation:
  interval: 1s
  fermenters: [FV101, FV102, FV103]
diag:
  enabled: true
  address: ":9090"
log:
  level: DEBUG
  format: json
  requests: false
`))

	cfg, err := Load(viper.New(), dir.Join("brewsim.yaml"))
	assert.NilError(t, err)

	assert.Equal(t, cfg.Server.Address(), "127.0.0.1:5020")
	assert.Equal(t, cfg.Server.FrameTimeout, 250*time.Millisecond)
	assert.DeepEqual(t, cfg.Plant.SetpointSentinels, []uint16{20})
	assert.Assert(t, !cfg.Plant.AutoRegister)
	assert.Assert(t, cfg.Plant.TestData)
	// Unset keys keep their defaults.
	assert.Equal(t, cfg.Plant.BlockSize, uint16(10))
	assert.Equal(t, cfg.Simulation.Interval, time.Second)
	assert.DeepEqual(t, cfg.Simulation.Fermenters, []string{"FV101", "FV102", "FV103"})
	assert.Assert(t, cfg.Diag.Enabled)
	assert.Equal(t, cfg.Diag.Address, ":9090")
	assert.Equal(t, cfg.Log.Level, "debug")
	assert.Equal(t, cfg.Log.Format, "json")
	assert.Assert(t, !cfg.Log.Requests)
}

func TestLoad_SearchPath(t *testing.T) {
	dir := fs.NewDir(t, "brewsim-search",
		fs.WithDir(".brewsim", fs.WithFile("brewsim.yaml", "server:\n  port: 1502\n")))
	t.Setenv("HOME", dir.Path())

	cfg, err := Load(viper.New(), "")
	assert.NilError(t, err)
	assert.Equal(t, cfg.Server.Port, 1502)
}

func TestLoad_Env(t *testing.T) {
	dir := fs.NewDir(t, "brewsim-env")
	t.Setenv("HOME", dir.Path())
	t.Setenv("BREWSIM_SERVER_PORT", "15020")
	t.Setenv("BREWSIM_SIMULATION_ENABLED", "false")
	t.Setenv("BREWSIM_SERVER_READ_TIMEOUT", "2m")

	cfg, err := Load(viper.New(), "")
	assert.NilError(t, err)
	assert.Equal(t, cfg.Server.Port, 15020)
	assert.Assert(t, !cfg.Simulation.Enabled)
	assert.Equal(t, cfg.Server.ReadTimeout, 2*time.Minute)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(os.TempDir(), "brewsim-does-not-exist.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		error string
	}{
		{"port", "server:\n  port: 70000\n", "server.port"},
		{"store size", "store:\n  size: 0\n", "store.size"},
		{"log level", "log:\n  level: verbose\n", "log.level"},
		{"log format", "log:\n  format: xml\n", "log.format"},
		{"diag address", "diag:\n  enabled: true\n  address: \"\"\n", "diag.address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := fs.NewDir(t, "brewsim-validate", fs.WithFile("brewsim.yaml", tt.yaml))
			_, err := Load(viper.New(), dir.Join("brewsim.yaml"))
			assert.ErrorContains(t, err, tt.error)
		})
	}
}

func TestPlantOptions(t *testing.T) {
	dir := fs.NewDir(t, "brewsim-plant")
	t.Setenv("HOME", dir.Path())

	cfg, err := Load(viper.New(), "")
	assert.NilError(t, err)
	assert.Equal(t, len(cfg.PlantOptions()), 4)
}
