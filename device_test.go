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
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

type recordingObserver struct {
	mu     sync.Mutex
	reads  []AccessEvent
	writes []AccessEvent
}

func (r *recordingObserver) OnRead(ev AccessEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads = append(r.reads, ev)
}

func (r *recordingObserver) OnWrite(ev AccessEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, ev)
}

// scribbler modifies every event it receives.
type scribbler struct{}

func (scribbler) OnRead(ev AccessEvent) {
	for i := range ev.Registers {
		ev.Registers[i] = 0xDEAD
	}
	for i := range ev.Bits {
		ev.Bits[i] = !ev.Bits[i]
	}
}

func (scribbler) OnWrite(AccessEvent) {}

func TestSpaceForFunction(t *testing.T) {
	tests := []struct {
		fc   FunctionCode
		want Space
	}{
		{FuncReadCoils, Coils},
		{FuncWriteSingleCoil, Coils},
		{FuncWriteMultipleCoils, Coils},
		{FuncReadDiscreteInputs, DiscreteInputs},
		{FuncReadHoldingRegisters, HoldingRegisters},
		{FuncWriteSingleRegister, HoldingRegisters},
		{FuncWriteMultipleRegisters, HoldingRegisters},
		{FuncReadInputRegisters, InputRegisters},
	}
	for _, tt := range tests {
		got, ok := SpaceForFunction(tt.fc)
		if !ok || got != tt.want {
			t.Errorf("%s: expected %s, got %s (ok=%v)", tt.fc, tt.want, got, ok)
		}
	}

	if _, ok := SpaceForFunction(0x07); ok {
		t.Error("FC07 should not map to a space")
	}
}

func TestDeviceContext_Routing(t *testing.T) {
	store := NewStore(DefaultSpaceSize)
	dev := NewDeviceContext(store)

	if err := dev.WriteRegisters(FuncWriteSingleRegister, 40001, []uint16{25}); err != nil {
		t.Fatalf("WriteRegisters failed: %v", err)
	}
	got, _ := store.ReadRegisters(HoldingRegisters, 40001, 1)
	if got[0] != 25 {
		t.Errorf("Holding 40001: expected 25, got %d", got[0])
	}

	if err := store.WriteRegisters(InputRegisters, 30001, []uint16{21}); err != nil {
		t.Fatalf("WriteRegisters failed: %v", err)
	}
	regs, err := dev.ReadRegisters(FuncReadInputRegisters, 30001, 1)
	if err != nil || regs[0] != 21 {
		t.Errorf("FC04 30001: expected 21, got %v (err=%v)", regs, err)
	}

	if err := store.WriteBits(DiscreteInputs, 5, []bool{true}); err != nil {
		t.Fatalf("WriteBits failed: %v", err)
	}
	bits, err := dev.ReadBits(FuncReadDiscreteInputs, 5, 1)
	if err != nil || !bits[0] {
		t.Errorf("FC02 5: expected true, got %v (err=%v)", bits, err)
	}

	if _, err := dev.ReadRegisters(FuncReadCoils, 1, 1); !errors.Is(err, ErrSpaceMismatch) {
		t.Errorf("register read with FC01: expected ErrSpaceMismatch, got %v", err)
	}
	if _, err := dev.ReadRegisters(FunctionCode(0x2B), 1, 1); !errors.Is(err, ErrUnsupportedFunction) {
		t.Errorf("FC43: expected ErrUnsupportedFunction, got %v", err)
	}
}

func TestDeviceContext_FailsClosed(t *testing.T) {
	dev := NewDeviceContext(NewStore(DefaultSpaceSize))

	regs, err := dev.ReadRegisters(FuncReadInputRegisters, 65535, 2)
	if !errors.Is(err, ErrAddressRange) {
		t.Fatalf("expected ErrAddressRange, got %v", err)
	}
	if len(regs) != 2 || regs[0] != 0 || regs[1] != 0 {
		t.Errorf("expected two zero registers, got %v", regs)
	}

	bits, err := dev.ReadBits(FuncReadCoils, 0, 3)
	if !errors.Is(err, ErrAddressRange) {
		t.Fatalf("expected ErrAddressRange, got %v", err)
	}
	if len(bits) != 3 {
		t.Errorf("expected three zero bits, got %v", bits)
	}
}

func TestDeviceContext_Observer(t *testing.T) {
	rec := &recordingObserver{}
	dev := NewDeviceContext(NewStore(DefaultSpaceSize), WithObserver(rec), WithDeviceUnitID(7))

	dev.WriteRegisters(FuncWriteMultipleRegisters, 40001, []uint16{1, 2})
	dev.ReadRegisters(FuncReadHoldingRegisters, 40001, 2)
	dev.ReadRegisters(FuncReadInputRegisters, 65535, 2)

	if len(rec.writes) != 1 || len(rec.reads) != 2 {
		t.Fatalf("expected 1 write and 2 reads, got %d and %d", len(rec.writes), len(rec.reads))
	}

	w := rec.writes[0]
	if w.Seq != 1 || w.UnitID != 7 || w.Space != HoldingRegisters || w.Address != 40001 || w.Quantity != 2 {
		t.Errorf("unexpected write event %+v", w)
	}

	r := rec.reads[0]
	if r.Seq != 2 || r.Err != nil || r.Registers[1] != 2 {
		t.Errorf("unexpected read event %+v", r)
	}
	if rec.reads[1].Err == nil {
		t.Error("failed read should carry its error")
	}
	if dev.Requests() != 3 {
		t.Errorf("Requests: expected 3, got %d", dev.Requests())
	}
}

func TestDeviceContext_ObserverCannotAlterValues(t *testing.T) {
	store := NewStore(100)
	store.WriteRegisters(InputRegisters, 1, []uint16{11, 12})
	store.WriteBits(Coils, 1, []bool{true})

	dev := NewDeviceContext(store, WithObserver(scribbler{}))

	regs, err := dev.ReadRegisters(FuncReadInputRegisters, 1, 2)
	if err != nil {
		t.Fatalf("ReadRegisters failed: %v", err)
	}
	if regs[0] != 11 || regs[1] != 12 {
		t.Errorf("observer altered registers: %v", regs)
	}

	bits, _ := dev.ReadBits(FuncReadCoils, 1, 1)
	if !bits[0] {
		t.Error("observer altered bits")
	}
}

func TestMultiObserver(t *testing.T) {
	a, b := &recordingObserver{}, &recordingObserver{}
	dev := NewDeviceContext(NewStore(10), WithObserver(MultiObserver{a, b}))

	dev.WriteBits(FuncWriteSingleCoil, 1, []bool{true})
	if len(a.writes) != 1 || len(b.writes) != 1 {
		t.Errorf("expected both observers notified, got %d and %d", len(a.writes), len(b.writes))
	}
}

func TestLogObserver(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	store := NewStore(DefaultSpaceSize)
	store.WriteRegisters(InputRegisters, 30002, []uint16{0, 1850})

	dev := NewDeviceContext(store, WithObserver(NewLogObserver(logger)))
	dev.ReadRegisters(FuncReadInputRegisters, 30002, 2)
	dev.WriteRegisters(FuncWriteSingleRegister, 40001, []uint16{25})

	out := buf.String()
	for _, want := range []string{"read request", "func=ReadInputRegisters", "uint32=1850", "18.50°C", "write request"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestDecodeRegisters(t *testing.T) {
	got := DecodeRegisters(30001, []uint16{0, 200, 4500, 7})
	want := []string{
		"30001: 0 (empty)",
		"30002: 20.0°C",
		"30003: 45.0°C or 4500W",
		"30004: 7 (raw)",
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("[%d]: expected %q, got %q", i, want[i], got[i])
		}
	}
}
