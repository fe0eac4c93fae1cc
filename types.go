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

// Package modbus implements a Modbus TCP slave engine backed by a
// four-space register store, together with a small client used to
// exercise it over the wire.
package modbus

import (
	"fmt"
	"time"
)

// UnitID represents the Modbus unit identifier (slave address).
type UnitID uint8

// FunctionCode represents a Modbus function code.
type FunctionCode uint8

// Function codes served by the slave. Anything else is answered with
// an illegal function exception.
const (
	FuncReadCoils              FunctionCode = 0x01
	FuncReadDiscreteInputs     FunctionCode = 0x02
	FuncReadHoldingRegisters   FunctionCode = 0x03
	FuncReadInputRegisters     FunctionCode = 0x04
	FuncWriteSingleCoil        FunctionCode = 0x05
	FuncWriteSingleRegister    FunctionCode = 0x06
	FuncWriteMultipleCoils     FunctionCode = 0x0F
	FuncWriteMultipleRegisters FunctionCode = 0x10
)

// Protocol constants.
const (
	// MaxQuantityCoils is the maximum number of coils that can be read.
	MaxQuantityCoils = 2000

	// MaxQuantityDiscreteInputs is the maximum number of discrete inputs that can be read.
	MaxQuantityDiscreteInputs = 2000

	// MaxQuantityRegisters is the maximum number of registers that can be read.
	// The reply byte count is a single byte, which caps a read at 125 words.
	MaxQuantityRegisters = 125

	// MaxQuantityWriteCoils is the maximum number of coils that can be written.
	MaxQuantityWriteCoils = 1968

	// MaxQuantityWriteRegisters is the maximum number of registers that can be written.
	MaxQuantityWriteRegisters = 123

	// MBAPHeaderSize is the size of the MBAP header in bytes.
	MBAPHeaderSize = 7

	// MaxPDUSize is the largest PDU a Modbus TCP frame may carry.
	MaxPDUSize = 253

	// ProtocolID is the Modbus protocol identifier (always 0 for Modbus TCP).
	ProtocolID = 0

	// DefaultTimeout is the default timeout for Modbus operations.
	DefaultTimeout = 5 * time.Second

	// DefaultPort is the default Modbus TCP port.
	DefaultPort = 502

	// DefaultSpaceSize covers the five-digit addressing convention (1..65535).
	DefaultSpaceSize = 65535
)

// Coil values for write operations.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// Space identifies one of the four register spaces of a device.
type Space uint8

const (
	Coils Space = iota
	DiscreteInputs
	HoldingRegisters
	InputRegisters
)

var spaceNames = [...]string{"coils", "discrete_inputs", "holding_registers", "input_registers"}

// String returns the space name used in logs and metric labels.
func (s Space) String() string {
	if int(s) < len(spaceNames) {
		return spaceNames[s]
	}
	return "unknown"
}

// IsBit reports whether the space holds single-bit cells.
func (s Space) IsBit() bool {
	return s == Coils || s == DiscreteInputs
}

// functionInfo describes a served function code.
type functionInfo struct {
	name  string
	space Space
	// limit is the largest quantity one request may carry.
	limit uint16
	write bool
}

var functions = map[FunctionCode]functionInfo{
	FuncReadCoils:              {"ReadCoils", Coils, MaxQuantityCoils, false},
	FuncReadDiscreteInputs:     {"ReadDiscreteInputs", DiscreteInputs, MaxQuantityDiscreteInputs, false},
	FuncReadHoldingRegisters:   {"ReadHoldingRegisters", HoldingRegisters, MaxQuantityRegisters, false},
	FuncReadInputRegisters:     {"ReadInputRegisters", InputRegisters, MaxQuantityRegisters, false},
	FuncWriteSingleCoil:        {"WriteSingleCoil", Coils, 1, true},
	FuncWriteSingleRegister:    {"WriteSingleRegister", HoldingRegisters, 1, true},
	FuncWriteMultipleCoils:     {"WriteMultipleCoils", Coils, MaxQuantityWriteCoils, true},
	FuncWriteMultipleRegisters: {"WriteMultipleRegisters", HoldingRegisters, MaxQuantityWriteRegisters, true},
}

// String returns the function name, or Unknown(0xNN) for codes the slave
// does not serve.
func (fc FunctionCode) String() string {
	if f, ok := functions[fc]; ok {
		return f.name
	}
	return fmt.Sprintf("Unknown(0x%02X)", uint8(fc))
}

// IsWrite reports whether fc modifies the store.
func (fc FunctionCode) IsWrite() bool {
	return functions[fc].write
}

// SpaceForFunction returns the register space a function code operates on.
func SpaceForFunction(fc FunctionCode) (Space, bool) {
	f, ok := functions[fc]
	return f.space, ok
}

// RegistersToUint32 combines two registers into a 32-bit value, high word first.
func RegistersToUint32(hi, lo uint16) uint32 {
	return uint32(hi)<<16 | uint32(lo)
}

// Uint32ToRegisters splits a 32-bit value into two registers, high word first.
func Uint32ToRegisters(v uint32) [2]uint16 {
	return [2]uint16{uint16(v >> 16), uint16(v)}
}
