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

package plant

import (
	"fmt"
	"math"
)

// Field maps one domain value to a register offset inside a block.
type Field struct {
	Name   string
	Offset uint16
	// Scale multiplies the engineering value before rounding.
	Scale float64
	// Signed fields are stored as int16 two's complement.
	Signed bool
}

// Encode converts an engineering value to its register representation,
// rounding to nearest and saturating at the register's limits.
func (f Field) Encode(v float64) uint16 {
	r := math.Round(v * f.Scale)
	if f.Signed {
		r = math.Max(math.MinInt16, math.Min(math.MaxInt16, r))
		return uint16(int16(r))
	}
	r = math.Max(0, math.Min(math.MaxUint16, r))
	return uint16(r)
}

// Decode converts a register back to its engineering value.
func (f Field) Decode(raw uint16) float64 {
	if f.Signed {
		return float64(int16(raw)) / f.Scale
	}
	return float64(raw) / f.Scale
}

// Layout is the fixed field table of one register block.
type Layout struct {
	Name     string
	Fields   []Field
	Setpoint int // index into Fields
}

// Len returns the number of registers the fields occupy.
func (l Layout) Len() int {
	n := 0
	for _, f := range l.Fields {
		if int(f.Offset)+1 > n {
			n = int(f.Offset) + 1
		}
	}
	return n
}

// Encode builds a block of size registers from values given in field order.
// Registers not covered by a field stay zero.
func (l Layout) Encode(values []float64, size int) []uint16 {
	regs := make([]uint16, size)
	for i, f := range l.Fields {
		if i < len(values) {
			regs[f.Offset] = f.Encode(values[i])
		}
	}
	return regs
}

// Reading is one decoded field.
type Reading struct {
	Name    string  `json:"name"`
	Address uint16  `json:"address"`
	Raw     uint16  `json:"raw"`
	Value   float64 `json:"value"`
}

// Decode interprets a block read starting at base.
func (l Layout) Decode(base uint16, regs []uint16) ([]Reading, error) {
	if len(regs) < l.Len() {
		return nil, fmt.Errorf("%s block: need %d registers, got %d", l.Name, l.Len(), len(regs))
	}
	out := make([]Reading, len(l.Fields))
	for i, f := range l.Fields {
		raw := regs[f.Offset]
		out[i] = Reading{Name: f.Name, Address: base + f.Offset, Raw: raw, Value: f.Decode(raw)}
	}
	return out, nil
}

// Addresses returns field name to absolute address for a block at base.
func (l Layout) Addresses(base uint16) map[string]uint16 {
	m := make(map[string]uint16, len(l.Fields))
	for _, f := range l.Fields {
		m[f.Name] = base + f.Offset
	}
	return m
}

// ChillerLayout is the glycol chiller block.
var ChillerLayout = Layout{
	Name: "chiller",
	Fields: []Field{
		{Name: "reservoir_temp", Offset: 0, Scale: 10, Signed: true},
		{Name: "supply_temp", Offset: 1, Scale: 10, Signed: true},
		{Name: "return_temp", Offset: 2, Scale: 10, Signed: true},
		{Name: "compressor_running", Offset: 3, Scale: 1},
		{Name: "compressor_power", Offset: 4, Scale: 1},
		{Name: "total_heat_load", Offset: 5, Scale: 1},
		{Name: "setpoint", Offset: 6, Scale: 10, Signed: true},
		{Name: "efficiency", Offset: 7, Scale: 10},
		{Name: "alarm_status", Offset: 8, Scale: 1},
		{Name: "system_status", Offset: 9, Scale: 1},
	},
	Setpoint: 6,
}

// FermenterLayout is the per-vessel block.
var FermenterLayout = Layout{
	Name: "fermenter",
	Fields: []Field{
		{Name: "current_temp", Offset: 0, Scale: 10, Signed: true},
		{Name: "setpoint", Offset: 1, Scale: 10, Signed: true},
		{Name: "supply_temp", Offset: 2, Scale: 10, Signed: true},
		{Name: "return_temp", Offset: 3, Scale: 10, Signed: true},
		{Name: "cooling_active", Offset: 4, Scale: 1},
		{Name: "duty_cycle", Offset: 5, Scale: 100},
		{Name: "heat_load", Offset: 6, Scale: 1},
		{Name: "fermentation_heat", Offset: 7, Scale: 1},
		{Name: "alarm_status", Offset: 8, Scale: 1},
		{Name: "status", Offset: 9, Scale: 1},
	},
	Setpoint: 1,
}

// fermenterDefaults is written to a freshly allocated slot: 20.0°C current
// and setpoint, 2.0°C supply, 8.0°C return, status OK.
var fermenterDefaults = []uint16{200, 200, 20, 80, 0, 0, 0, 0, 0, 1}

// Addressing places the blocks and setpoint mirrors in the register spaces.
type Addressing struct {
	ChillerBase   uint16 `mapstructure:"chiller_base"`
	FermenterBase uint16 `mapstructure:"fermenter_base"`
	BlockSize     uint16 `mapstructure:"block_size"`
	SetpointBase  uint16 `mapstructure:"setpoint_base"`
}

// DefaultAddressing is the 5-digit layout gateways are configured for.
func DefaultAddressing() Addressing {
	return Addressing{
		ChillerBase:   30001,
		FermenterBase: 30021,
		BlockSize:     10,
		SetpointBase:  40001,
	}
}

// FermenterAddress returns the first input register of a slot.
func (a Addressing) FermenterAddress(slot int) uint16 {
	return a.FermenterBase + uint16(slot)*a.BlockSize
}

// ChillerMirror returns the holding register mirroring the chiller setpoint.
func (a Addressing) ChillerMirror() uint16 {
	return a.SetpointBase
}

// FermenterMirror returns the holding register mirroring a slot's setpoint.
// Slot mirrors start one past the chiller's.
func (a Addressing) FermenterMirror(slot int) uint16 {
	return a.SetpointBase + 1 + uint16(slot)
}

// ChillerData is one chiller sample. Zero values stand for omitted fields.
type ChillerData struct {
	ReservoirTemp     float64 `json:"reservoir_temp"`
	SupplyTemp        float64 `json:"supply_temp"`
	ReturnTemp        float64 `json:"return_temp"`
	CompressorRunning bool    `json:"compressor_running"`
	CompressorPower   float64 `json:"compressor_power"`
	TotalHeatLoad     float64 `json:"total_heat_load"`
	Setpoint          float64 `json:"setpoint"`
	Efficiency        float64 `json:"efficiency"`
	AlarmStatus       uint16  `json:"alarm_status"`
	SystemStatus      uint16  `json:"system_status"`
}

func (d ChillerData) values() []float64 {
	return []float64{
		d.ReservoirTemp,
		d.SupplyTemp,
		d.ReturnTemp,
		boolValue(d.CompressorRunning),
		d.CompressorPower,
		d.TotalHeatLoad,
		d.Setpoint,
		d.Efficiency,
		float64(d.AlarmStatus),
		float64(d.SystemStatus),
	}
}

// FermenterData is one fermenter sample. DutyCycle is a fraction in [0, 1].
type FermenterData struct {
	CurrentTemp       float64 `json:"current_temp"`
	Setpoint          float64 `json:"setpoint"`
	SupplyTemp        float64 `json:"supply_temp"`
	ReturnTemp        float64 `json:"return_temp"`
	CoolingActive     bool    `json:"cooling_active"`
	DutyCycle         float64 `json:"duty_cycle"`
	HeatLoadToChiller float64 `json:"heat_load_to_chiller"`
	FermentationHeat  float64 `json:"fermentation_heat"`
	AlarmStatus       uint16  `json:"alarm_status"`
	Status            uint16  `json:"status"`
}

func (d FermenterData) values() []float64 {
	return []float64{
		d.CurrentTemp,
		d.Setpoint,
		d.SupplyTemp,
		d.ReturnTemp,
		boolValue(d.CoolingActive),
		d.DutyCycle,
		d.HeatLoadToChiller,
		d.FermentationHeat,
		float64(d.AlarmStatus),
		float64(d.Status),
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
