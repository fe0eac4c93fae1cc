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
	"fmt"
	"log/slog"
)

// LogObserver logs every request the device serves, with a best-effort
// decoding of register values to help when wiring up a gateway.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates a LogObserver. A nil logger selects slog.Default().
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger}
}

// OnRead implements Observer.
func (o *LogObserver) OnRead(ev AccessEvent) {
	attrs := []any{
		slog.Uint64("request", ev.Seq),
		slog.String("func", ev.Function.String()),
		slog.Uint64("address", uint64(ev.Address)),
		slog.Int("count", ev.Quantity),
		slog.String("range", fmt.Sprintf("%d-%d", ev.Address, int(ev.Address)+ev.Quantity-1)),
	}
	if ev.Err != nil {
		o.logger.Error("read request failed", append(attrs, slog.String("error", ev.Err.Error()))...)
		return
	}

	if ev.Space.IsBit() {
		o.logger.Info("read request", append(attrs, slog.Any("values", ev.Bits))...)
		return
	}

	attrs = append(attrs,
		slog.Any("values", ev.Registers),
		slog.Any("decoded", DecodeRegisters(ev.Address, ev.Registers)))
	if len(ev.Registers) == 2 {
		v := RegistersToUint32(ev.Registers[0], ev.Registers[1])
		attrs = append(attrs, slog.Uint64("uint32", uint64(v)))
		if v >= 1000 && v <= 10000 {
			attrs = append(attrs, slog.String("uint32_temp", fmt.Sprintf("%.2f°C", float64(v)/100)))
		}
	}
	o.logger.Info("read request", attrs...)
}

// OnWrite implements Observer.
func (o *LogObserver) OnWrite(ev AccessEvent) {
	attrs := []any{
		slog.Uint64("request", ev.Seq),
		slog.String("func", ev.Function.String()),
		slog.Uint64("address", uint64(ev.Address)),
		slog.Int("count", ev.Quantity),
	}
	if ev.Space.IsBit() {
		attrs = append(attrs, slog.Any("values", ev.Bits))
	} else {
		attrs = append(attrs, slog.Any("values", ev.Registers))
	}
	if ev.Err != nil {
		o.logger.Error("write request failed", append(attrs, slog.String("error", ev.Err.Error()))...)
		return
	}
	o.logger.Info("write request", attrs...)
}

// DecodeRegisters renders each register with a guess at what it holds:
// tenths of a degree, hundredths of a degree or watts, or a raw value.
func DecodeRegisters(start uint16, values []uint16) []string {
	out := make([]string, len(values))
	for i, v := range values {
		addr := int(start) + i
		switch {
		case v == 0:
			out[i] = fmt.Sprintf("%d: 0 (empty)", addr)
		case v >= 100 && v <= 500:
			out[i] = fmt.Sprintf("%d: %.1f°C", addr, float64(v)/10)
		case v >= 1000 && v <= 5000:
			out[i] = fmt.Sprintf("%d: %.1f°C or %dW", addr, float64(v)/100, v)
		default:
			out[i] = fmt.Sprintf("%d: %d (raw)", addr, v)
		}
	}
	return out
}
