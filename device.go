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
	"sync/atomic"
)

// AccessEvent describes one store access made on behalf of a request.
// Values are copies; changing them has no effect on the reply.
type AccessEvent struct {
	Seq       uint64
	UnitID    UnitID
	Function  FunctionCode
	Space     Space
	Address   uint16
	Quantity  int
	Bits      []bool
	Registers []uint16
	Err       error
}

// Observer is notified after every store access made by a DeviceContext.
// Implementations must be safe for concurrent use.
type Observer interface {
	OnRead(ev AccessEvent)
	OnWrite(ev AccessEvent)
}

// MultiObserver fans events out to several observers in order.
type MultiObserver []Observer

// OnRead implements Observer.
func (m MultiObserver) OnRead(ev AccessEvent) {
	for _, o := range m {
		o.OnRead(ev)
	}
}

// OnWrite implements Observer.
func (m MultiObserver) OnWrite(ev AccessEvent) {
	for _, o := range m {
		o.OnWrite(ev)
	}
}

// DeviceContext is the single object request handlers operate against.
// It routes each function code to its register space and reports every
// access to an optional Observer.
type DeviceContext struct {
	store    *Store
	unitID   UnitID
	observer Observer
	seq      atomic.Uint64
}

// NewDeviceContext wraps a store.
func NewDeviceContext(store *Store, opts ...DeviceOption) *DeviceContext {
	options := defaultDeviceOptions()
	for _, opt := range opts {
		opt(options)
	}
	return &DeviceContext{
		store:    store,
		unitID:   options.unitID,
		observer: options.observer,
	}
}

// Store returns the underlying register store.
func (d *DeviceContext) Store() *Store {
	return d.store
}

// UnitID returns the unit identifier the device answers as.
func (d *DeviceContext) UnitID() UnitID {
	return d.unitID
}

// Requests returns the number of store accesses made so far.
func (d *DeviceContext) Requests() uint64 {
	return d.seq.Load()
}

func (d *DeviceContext) route(fc FunctionCode, wantBits bool) (Space, error) {
	sp, ok := SpaceForFunction(fc)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedFunction, fc)
	}
	if sp.IsBit() != wantBits {
		return 0, fmt.Errorf("%w: %s on %s", ErrSpaceMismatch, fc, sp)
	}
	return sp, nil
}

// ReadBits serves FC01/FC02. On failure it returns qty zero bits along
// with the error so the caller can still build a well-formed reply.
func (d *DeviceContext) ReadBits(fc FunctionCode, addr, qty uint16) ([]bool, error) {
	ev := AccessEvent{Seq: d.seq.Add(1), UnitID: d.unitID, Function: fc, Address: addr, Quantity: int(qty)}

	sp, err := d.route(fc, true)
	var values []bool
	if err == nil {
		ev.Space = sp
		values, err = d.store.ReadBits(sp, addr, int(qty))
	}
	if err != nil {
		values = make([]bool, qty)
	}

	if d.observer != nil {
		ev.Bits = append([]bool(nil), values...)
		ev.Err = err
		d.observer.OnRead(ev)
	}
	return values, err
}

// ReadRegisters serves FC03/FC04. On failure it returns qty zero words
// along with the error.
func (d *DeviceContext) ReadRegisters(fc FunctionCode, addr, qty uint16) ([]uint16, error) {
	ev := AccessEvent{Seq: d.seq.Add(1), UnitID: d.unitID, Function: fc, Address: addr, Quantity: int(qty)}

	sp, err := d.route(fc, false)
	var values []uint16
	if err == nil {
		ev.Space = sp
		values, err = d.store.ReadRegisters(sp, addr, int(qty))
	}
	if err != nil {
		values = make([]uint16, qty)
	}

	if d.observer != nil {
		ev.Registers = append([]uint16(nil), values...)
		ev.Err = err
		d.observer.OnRead(ev)
	}
	return values, err
}

// WriteBits serves FC05/FC15.
func (d *DeviceContext) WriteBits(fc FunctionCode, addr uint16, values []bool) error {
	ev := AccessEvent{Seq: d.seq.Add(1), UnitID: d.unitID, Function: fc, Address: addr, Quantity: len(values)}

	sp, err := d.route(fc, true)
	if err == nil {
		ev.Space = sp
		err = d.store.WriteBits(sp, addr, values)
	}

	if d.observer != nil {
		ev.Bits = append([]bool(nil), values...)
		ev.Err = err
		d.observer.OnWrite(ev)
	}
	return err
}

// WriteRegisters serves FC06/FC16.
func (d *DeviceContext) WriteRegisters(fc FunctionCode, addr uint16, values []uint16) error {
	ev := AccessEvent{Seq: d.seq.Add(1), UnitID: d.unitID, Function: fc, Address: addr, Quantity: len(values)}

	sp, err := d.route(fc, false)
	if err == nil {
		ev.Space = sp
		err = d.store.WriteRegisters(sp, addr, values)
	}

	if d.observer != nil {
		ev.Registers = append([]uint16(nil), values...)
		ev.Err = err
		d.observer.OnWrite(ev)
	}
	return err
}
