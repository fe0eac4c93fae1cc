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

package modbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a monotonic or gauge-like integer updated without locks.
type Counter struct {
	v atomic.Int64
}

func (c *Counter) Add(delta int64) { c.v.Add(delta) }
func (c *Counter) Value() int64    { return c.v.Load() }
func (c *Counter) Reset()          { c.v.Store(0) }

// latencyBuckets are the histogram upper bounds. The last bucket also
// takes every observation above its bound.
var latencyBuckets = []struct {
	label string
	le    time.Duration
}{
	{"1ms", time.Millisecond},
	{"5ms", 5 * time.Millisecond},
	{"10ms", 10 * time.Millisecond},
	{"25ms", 25 * time.Millisecond},
	{"50ms", 50 * time.Millisecond},
	{"100ms", 100 * time.Millisecond},
	{"250ms", 250 * time.Millisecond},
	{"500ms", 500 * time.Millisecond},
	{"1s", time.Second},
	{"5s+", 5 * time.Second},
}

// LatencyHistogram is a fixed-bucket request latency distribution.
type LatencyHistogram struct {
	mu       sync.Mutex
	counts   [10]int64 // parallel to latencyBuckets
	n        int64
	sum      time.Duration
	min, max time.Duration
}

// NewLatencyHistogram returns an empty histogram.
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{}
}

// Observe records one latency.
func (h *LatencyHistogram) Observe(d time.Duration) {
	i := len(latencyBuckets) - 1
	for j, b := range latencyBuckets {
		if d <= b.le {
			i = j
			break
		}
	}

	h.mu.Lock()
	h.counts[i]++
	if h.n == 0 || d < h.min {
		h.min = d
	}
	if d > h.max {
		h.max = d
	}
	h.n++
	h.sum += d
	h.mu.Unlock()
}

// LatencyStats is a snapshot of a histogram. Durations are milliseconds.
type LatencyStats struct {
	Count   int64
	Sum     float64
	Avg     float64
	Min     float64
	Max     float64
	Buckets map[string]int64
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Stats returns a snapshot of the histogram.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := LatencyStats{
		Count:   h.n,
		Sum:     millis(h.sum),
		Buckets: make(map[string]int64, len(latencyBuckets)),
	}
	for i, b := range latencyBuckets {
		st.Buckets[b.label] = h.counts[i]
	}
	if h.n > 0 {
		st.Avg = st.Sum / float64(h.n)
		st.Min = millis(h.min)
		st.Max = millis(h.max)
	}
	return st
}

// Reset clears every observation.
func (h *LatencyHistogram) Reset() {
	h.mu.Lock()
	h.counts = [len(h.counts)]int64{}
	h.n, h.sum, h.min, h.max = 0, 0, 0, 0
	h.mu.Unlock()
}

// FunctionMetrics holds metrics for one function code.
type FunctionMetrics struct {
	Requests Counter
	Errors   Counter
	Latency  *LatencyHistogram
}

// functionTable keeps per-function-code metrics, created on first use.
type functionTable struct {
	byCode sync.Map // FunctionCode -> *FunctionMetrics
}

// ForFunction returns the metrics for fc.
func (t *functionTable) ForFunction(fc FunctionCode) *FunctionMetrics {
	if v, ok := t.byCode.Load(fc); ok {
		return v.(*FunctionMetrics)
	}
	v, _ := t.byCode.LoadOrStore(fc, &FunctionMetrics{Latency: NewLatencyHistogram()})
	return v.(*FunctionMetrics)
}

// EachFunction calls fn for every function code seen so far.
func (t *functionTable) EachFunction(fn func(fc FunctionCode, fm *FunctionMetrics)) {
	t.byCode.Range(func(k, v any) bool {
		fn(k.(FunctionCode), v.(*FunctionMetrics))
		return true
	})
}

// observe records one request against the aggregate and per-function
// metrics.
func (t *functionTable) observe(fc FunctionCode, total *LatencyHistogram, d time.Duration, failed bool) {
	fm := t.ForFunction(fc)
	fm.Requests.Add(1)
	if failed {
		fm.Errors.Add(1)
	}
	fm.Latency.Observe(d)
	total.Observe(d)
}

func (t *functionTable) collect(out map[string]any) {
	funcs := make(map[string]any)
	t.EachFunction(func(fc FunctionCode, fm *FunctionMetrics) {
		funcs[fc.String()] = map[string]any{
			"requests": fm.Requests.Value(),
			"errors":   fm.Errors.Value(),
			"latency":  fm.Latency.Stats(),
		}
	})
	if len(funcs) > 0 {
		out["functions"] = funcs
	}
}

func (t *functionTable) reset() {
	t.EachFunction(func(_ FunctionCode, fm *FunctionMetrics) {
		fm.Requests.Reset()
		fm.Errors.Reset()
		fm.Latency.Reset()
	})
}

// Metrics holds client metrics.
type Metrics struct {
	RequestsTotal   Counter
	RequestsSuccess Counter
	RequestsErrors  Counter
	Reconnections   Counter
	ActiveConns     Counter
	Latency         *LatencyHistogram

	functionTable
}

func NewMetrics() *Metrics {
	return &Metrics{Latency: NewLatencyHistogram()}
}

// Collect returns all metrics as a map keyed by metric name.
func (m *Metrics) Collect() map[string]any {
	out := map[string]any{
		"requests_total":   m.RequestsTotal.Value(),
		"requests_success": m.RequestsSuccess.Value(),
		"requests_errors":  m.RequestsErrors.Value(),
		"reconnections":    m.Reconnections.Value(),
		"active_conns":     m.ActiveConns.Value(),
		"latency":          m.Latency.Stats(),
	}
	m.collect(out)
	return out
}

// Reset zeroes every counter except ActiveConns.
func (m *Metrics) Reset() {
	for _, c := range []*Counter{&m.RequestsTotal, &m.RequestsSuccess, &m.RequestsErrors, &m.Reconnections} {
		c.Reset()
	}
	m.Latency.Reset()
	m.reset()
}

// ServerMetrics holds slave-side metrics. FramingErrors counts
// connections dropped for a malformed MBAP frame; Exceptions counts
// exception replies sent.
type ServerMetrics struct {
	RequestsTotal   Counter
	RequestsSuccess Counter
	RequestsErrors  Counter
	Exceptions      Counter
	FramingErrors   Counter
	ActiveConns     Counter
	TotalConns      Counter
	Latency         *LatencyHistogram

	functionTable
}

func NewServerMetrics() *ServerMetrics {
	return &ServerMetrics{Latency: NewLatencyHistogram()}
}

// Collect returns all server metrics as a map keyed by metric name.
func (m *ServerMetrics) Collect() map[string]any {
	out := map[string]any{
		"requests_total":   m.RequestsTotal.Value(),
		"requests_success": m.RequestsSuccess.Value(),
		"requests_errors":  m.RequestsErrors.Value(),
		"exceptions":       m.Exceptions.Value(),
		"framing_errors":   m.FramingErrors.Value(),
		"active_conns":     m.ActiveConns.Value(),
		"total_conns":      m.TotalConns.Value(),
		"latency":          m.Latency.Stats(),
	}
	m.collect(out)
	return out
}
