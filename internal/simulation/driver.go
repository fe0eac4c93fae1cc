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

// Package simulation drives the plant with slowly varying sine-wave values.
package simulation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/edgeo-scada/brewery-modbus/internal/plant"
)

// DefaultInterval is the time between two published samples.
const DefaultInterval = 5 * time.Second

// DefaultFermenters are the vessels simulated when none are configured.
var DefaultFermenters = []string{"FV001", "FV002"}

// Publisher receives the simulated samples. *plant.Manager implements it.
type Publisher interface {
	AddFermenter(id string) (int, error)
	UpdateChillerData(d plant.ChillerData) error
	UpdateFermenterData(id string, d plant.FermenterData) error
}

// Option configures a Driver.
type Option func(*Driver)

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) Option {
	return func(dr *Driver) {
		if d > 0 {
			dr.interval = d
		}
	}
}

// WithFermenters sets the simulated fermenter ids.
func WithFermenters(ids ...string) Option {
	return func(dr *Driver) {
		if len(ids) > 0 {
			dr.fermenters = ids
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(dr *Driver) {
		dr.logger = logger
	}
}

// Driver periodically publishes chiller and fermenter samples.
type Driver struct {
	pub        Publisher
	interval   time.Duration
	fermenters []string
	logger     *slog.Logger
	now        func() time.Time
}

// NewDriver creates a driver publishing to pub.
func NewDriver(pub Publisher, opts ...Option) *Driver {
	d := &Driver{
		pub:        pub,
		interval:   DefaultInterval,
		fermenters: DefaultFermenters,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run registers the fermenters and publishes a sample every interval
// until ctx is done. Publish errors are logged; the next tick retries.
func (d *Driver) Run(ctx context.Context) error {
	for _, id := range d.fermenters {
		if _, err := d.pub.AddFermenter(id); err != nil {
			return fmt.Errorf("add fermenter %s: %w", id, err)
		}
	}

	d.logger.Info("simulation started",
		slog.Duration("interval", d.interval),
		slog.String("fermenters", strings.Join(d.fermenters, ",")))

	start := d.now()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.Step(0)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("simulation stopped")
			return nil
		case <-ticker.C:
			d.Step(d.now().Sub(start))
		}
	}
}

// Step publishes the samples for the given time since start and returns
// the number of updates that failed.
func (d *Driver) Step(elapsed time.Duration) int {
	e := elapsed.Seconds()
	failed := 0

	chiller := Chiller(e)
	if err := d.pub.UpdateChillerData(chiller); err != nil {
		failed++
		d.logger.Error("chiller update failed", slog.String("error", err.Error()))
	}

	attrs := []any{slog.Float64("chiller", round1(chiller.ReservoirTemp))}
	for i, id := range d.fermenters {
		f := Fermenter(i, e, chiller)
		if err := d.pub.UpdateFermenterData(id, f); err != nil {
			failed++
			d.logger.Error("fermenter update failed",
				slog.String("id", id),
				slog.String("error", err.Error()))
			continue
		}
		attrs = append(attrs, slog.Float64(id, round1(f.CurrentTemp)))
	}

	d.logger.Debug("plant tick", attrs...)
	return failed
}

// Chiller returns the chiller sample e seconds after start. The compressor
// runs two minutes out of every three.
func Chiller(e float64) plant.ChillerData {
	running := math.Mod(e, 180) < 120
	power := 0.0
	if running {
		power = 4500
	}
	return plant.ChillerData{
		ReservoirTemp:     2.0 + 0.5*math.Sin(e/60),
		SupplyTemp:        2.0 + 0.3*math.Sin(e/60),
		ReturnTemp:        8.0 + 2.0*math.Sin(e/120),
		CompressorRunning: running,
		CompressorPower:   power,
		TotalHeatLoad:     12000 + 3000*math.Sin(e/90),
		Setpoint:          2.0,
		Efficiency:        85.0,
		AlarmStatus:       0,
		SystemStatus:      1,
	}
}

// Fermenter returns the sample of the i-th fermenter. Each vessel runs one
// degree warmer than the previous and is phase shifted by i radians.
func Fermenter(i int, e float64, chiller plant.ChillerData) plant.FermenterData {
	phase := float64(i)
	return plant.FermenterData{
		CurrentTemp:       18.0 + phase + 1.0*math.Sin(e/200+phase),
		Setpoint:          18.0 + phase,
		SupplyTemp:        chiller.SupplyTemp,
		ReturnTemp:        chiller.ReturnTemp - 1.0,
		CoolingActive:     chiller.CompressorRunning,
		DutyCycle:         0.75 + 0.2*math.Sin(e/150+phase),
		HeatLoadToChiller: 3000 + 1000*math.Sin(e/100+phase),
		FermentationHeat:  500 + 200*math.Sin(e/400+phase),
		AlarmStatus:       0,
		Status:            1,
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
