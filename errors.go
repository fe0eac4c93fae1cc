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
	"errors"
	"fmt"
)

// ExceptionCode represents a Modbus exception code.
type ExceptionCode uint8

// Modbus exception codes.
const (
	ExceptionIllegalFunction                    ExceptionCode = 0x01
	ExceptionIllegalDataAddress                 ExceptionCode = 0x02
	ExceptionIllegalDataValue                   ExceptionCode = 0x03
	ExceptionServerDeviceFailure                ExceptionCode = 0x04
	ExceptionAcknowledge                        ExceptionCode = 0x05
	ExceptionServerDeviceBusy                   ExceptionCode = 0x06
	ExceptionMemoryParityError                  ExceptionCode = 0x08
	ExceptionGatewayPathUnavailable             ExceptionCode = 0x0A
	ExceptionGatewayTargetDeviceFailedToRespond ExceptionCode = 0x0B
)

var exceptionNames = map[ExceptionCode]string{
	ExceptionIllegalFunction:                    "illegal function",
	ExceptionIllegalDataAddress:                 "illegal data address",
	ExceptionIllegalDataValue:                   "illegal data value",
	ExceptionServerDeviceFailure:                "server device failure",
	ExceptionAcknowledge:                        "acknowledge",
	ExceptionServerDeviceBusy:                   "server device busy",
	ExceptionMemoryParityError:                  "memory parity error",
	ExceptionGatewayPathUnavailable:             "gateway path unavailable",
	ExceptionGatewayTargetDeviceFailedToRespond: "gateway target device failed to respond",
}

func (e ExceptionCode) String() string {
	if name, ok := exceptionNames[e]; ok {
		return name
	}
	return fmt.Sprintf("unknown exception (0x%02X)", uint8(e))
}

// ModbusError is an exception, either received from a slave or about to
// be sent by one.
type ModbusError struct {
	FunctionCode  FunctionCode
	ExceptionCode ExceptionCode
}

// NewModbusError returns the exception ec for function fc.
func NewModbusError(fc FunctionCode, ec ExceptionCode) *ModbusError {
	return &ModbusError{FunctionCode: fc, ExceptionCode: ec}
}

func (e *ModbusError) Error() string {
	return fmt.Sprintf("modbus: %s exception: %s", e.FunctionCode, e.ExceptionCode)
}

// Is reports whether target is a *ModbusError with the same exception
// code, regardless of function.
func (e *ModbusError) Is(target error) bool {
	t, ok := target.(*ModbusError)
	return ok && e.ExceptionCode == t.ExceptionCode
}

var (
	ErrInvalidResponse     = errors.New("modbus: invalid response")
	ErrInvalidFrame        = errors.New("modbus: invalid frame")
	ErrConnectionClosed    = errors.New("modbus: connection closed")
	ErrNotConnected        = errors.New("modbus: not connected")
	ErrMaxRetriesExceeded  = errors.New("modbus: max retries exceeded")
	ErrInvalidQuantity     = errors.New("modbus: invalid quantity")
	ErrAddressRange        = errors.New("modbus: address out of range")
	ErrSpaceMismatch       = errors.New("modbus: operation does not match space")
	ErrUnsupportedFunction = errors.New("modbus: unsupported function")
)

// IsException reports whether err carries the exception code.
func IsException(err error, code ExceptionCode) bool {
	var modbusErr *ModbusError
	return errors.As(err, &modbusErr) && modbusErr.ExceptionCode == code
}

// IsIllegalDataAddress reports whether err is an illegal data address exception.
func IsIllegalDataAddress(err error) bool {
	return IsException(err, ExceptionIllegalDataAddress)
}

// exceptionFor maps a decode, store or device error to the exception code
// reported on the wire. Unknown faults become a server device failure.
func exceptionFor(err error) ExceptionCode {
	var modbusErr *ModbusError
	switch {
	case errors.As(err, &modbusErr):
		return modbusErr.ExceptionCode
	case errors.Is(err, ErrAddressRange):
		return ExceptionIllegalDataAddress
	case errors.Is(err, ErrInvalidQuantity):
		return ExceptionIllegalDataValue
	case errors.Is(err, ErrUnsupportedFunction), errors.Is(err, ErrSpaceMismatch):
		return ExceptionIllegalFunction
	default:
		return ExceptionServerDeviceFailure
	}
}
