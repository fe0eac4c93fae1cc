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
	"testing"
)

func TestExceptionCodeString(t *testing.T) {
	if got := ExceptionIllegalDataAddress.String(); got != "illegal data address" {
		t.Errorf("expected %q, got %q", "illegal data address", got)
	}
	if got := ExceptionCode(0x42).String(); got != "unknown exception (0x42)" {
		t.Errorf("unknown code: got %q", got)
	}
}

func TestModbusErrorIs(t *testing.T) {
	err := fmt.Errorf("read chiller: %w", NewModbusError(FuncReadInputRegisters, ExceptionIllegalDataAddress))

	if !errors.Is(err, &ModbusError{ExceptionCode: ExceptionIllegalDataAddress}) {
		t.Error("errors.Is should match on exception code alone")
	}
	if errors.Is(err, &ModbusError{ExceptionCode: ExceptionIllegalDataValue}) {
		t.Error("errors.Is matched a different exception code")
	}
	if !IsIllegalDataAddress(err) || IsException(err, ExceptionServerDeviceFailure) {
		t.Errorf("IsException helpers disagree for %v", err)
	}
}

func TestExceptionFor(t *testing.T) {
	tests := []struct {
		err  error
		want ExceptionCode
	}{
		{NewModbusError(FuncWriteSingleCoil, ExceptionIllegalFunction), ExceptionIllegalFunction},
		{fmt.Errorf("%w: 65535..65536", ErrAddressRange), ExceptionIllegalDataAddress},
		{fmt.Errorf("%w: quantity 0", ErrInvalidQuantity), ExceptionIllegalDataValue},
		{ErrSpaceMismatch, ExceptionIllegalFunction},
		{ErrUnsupportedFunction, ExceptionIllegalFunction},
		{errors.New("disk on fire"), ExceptionServerDeviceFailure},
	}

	for _, tt := range tests {
		if got := exceptionFor(tt.err); got != tt.want {
			t.Errorf("exceptionFor(%v): expected %s, got %s", tt.err, tt.want, got)
		}
	}
}
