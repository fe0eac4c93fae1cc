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

// Package telemetry exports device and server counters to Prometheus.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	modbus "github.com/edgeo-scada/brewery-modbus"
)

const namespace = "brewsim"

// Collector counts store accesses. It implements modbus.Observer.
type Collector struct {
	accesses *prometheus.CounterVec
	cells    *prometheus.CounterVec
	metrics  []prometheus.Collector
}

// NewCollector creates a collector with no server or plant gauges attached.
func NewCollector() *Collector {
	c := &Collector{
		accesses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_accesses_total",
			Help:      "Store accesses made on behalf of Modbus requests.",
		}, []string{"function", "space", "result"}),
		cells: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_cells_total",
			Help:      "Coils or registers transferred by successful accesses.",
		}, []string{"space", "direction"}),
	}
	c.metrics = []prometheus.Collector{c.accesses, c.cells}
	return c
}

// OnRead implements modbus.Observer.
func (c *Collector) OnRead(ev modbus.AccessEvent) {
	c.observe(ev, "read")
}

// OnWrite implements modbus.Observer.
func (c *Collector) OnWrite(ev modbus.AccessEvent) {
	c.observe(ev, "write")
}

func (c *Collector) observe(ev modbus.AccessEvent, direction string) {
	result := "ok"
	if ev.Err != nil {
		result = "error"
	}
	space := ev.Space.String()
	c.accesses.WithLabelValues(ev.Function.String(), space, result).Inc()
	if ev.Err == nil {
		c.cells.WithLabelValues(space, direction).Add(float64(ev.Quantity))
	}
}

// WatchServer exports the counters of a running server.
func (c *Collector) WatchServer(m *modbus.ServerMetrics) {
	counter := func(name, help string, v *modbus.Counter) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Value()) })
	}

	c.metrics = append(c.metrics,
		counter("requests_total", "Requests received.", &m.RequestsTotal),
		counter("replies_total", "Replies written.", &m.RequestsSuccess),
		counter("write_errors_total", "Replies that could not be written.", &m.RequestsErrors),
		counter("exceptions_total", "Exception replies sent.", &m.Exceptions),
		counter("framing_errors_total", "Connections dropped for a malformed frame.", &m.FramingErrors),
		counter("connections_total", "Connections accepted.", &m.TotalConns),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "active_connections",
			Help:      "Connections currently open.",
		}, func() float64 { return float64(m.ActiveConns.Value()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "latency_avg_milliseconds",
			Help:      "Average request latency.",
		}, func() float64 { return m.Latency.Stats().Avg }),
	)
}

// FermenterLister is the part of the plant manager the collector reads.
type FermenterLister interface {
	ListFermenters() []string
}

// WatchPlant exports the number of registered fermenters.
func (c *Collector) WatchPlant(p FermenterLister) {
	c.metrics = append(c.metrics, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "plant",
		Name:      "fermenters",
		Help:      "Registered fermenters.",
	}, func() float64 { return float64(len(p.ListFermenters())) }))
}

// Register adds every metric to reg.
func (c *Collector) Register(reg prometheus.Registerer) error {
	for _, m := range c.metrics {
		if err := reg.Register(m); err != nil {
			return err
		}
	}
	return nil
}
