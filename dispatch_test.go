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
	"testing"
)

func TestDispatch_ReadsAndWrites(t *testing.T) {
	store := NewStore(DefaultSpaceSize)
	dev := NewDeviceContext(store)

	store.WriteRegisters(InputRegisters, 30021, []uint16{184, 180})

	tests := []struct {
		name string
		req  Request
		want []byte
	}{
		{"fc04", must(ReadRequest(FuncReadInputRegisters, 30021, 2)), []byte{0x04, 0x04, 0x00, 0xB8, 0x00, 0xB4}},
		{"fc06", must(WriteRegistersRequest(40002, []uint16{180}, true)), []byte{0x06, 0x9C, 0x42, 0x00, 0xB4}},
		{"fc03", must(ReadRequest(FuncReadHoldingRegisters, 40002, 1)), []byte{0x03, 0x02, 0x00, 0xB4}},
		{"fc05", must(WriteCoilsRequest(3, []bool{true}, true)), []byte{0x05, 0x00, 0x03, 0xFF, 0x00}},
		{"fc01", must(ReadRequest(FuncReadCoils, 1, 3)), []byte{0x01, 0x01, 0x04}},
		{"fc02", must(ReadRequest(FuncReadDiscreteInputs, 1, 9)), []byte{0x02, 0x02, 0x00, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := Dispatch(dev, tt.req.Encode())
			if err != nil {
				t.Fatalf("Dispatch failed: %v", err)
			}
			if !bytes.Equal(reply, tt.want) {
				t.Errorf("Expected %x, got %x", tt.want, reply)
			}
		})
	}
}

func TestDispatch_CheckOrder(t *testing.T) {
	dev := NewDeviceContext(NewStore(100))

	tests := []struct {
		name string
		pdu  []byte
		want []byte
	}{
		// quantity 0 at an address past the end is a bad value, not a bad address
		{"quantity before range", []byte{0x03, 0xFF, 0x00, 0x00, 0x00}, []byte{0x83, 0x03}},
		{"byte count before range", []byte{0x10, 0xFF, 0x00, 0x00, 0x01, 0x01, 0x00}, []byte{0x90, 0x03}},
		{"past store end", []byte{0x04, 0x00, 0x64, 0x00, 0x02}, []byte{0x84, 0x02}},
		{"last cell", []byte{0x04, 0x00, 0x64, 0x00, 0x01}, []byte{0x04, 0x02, 0x00, 0x00}},
		{"coil at zero", []byte{0x05, 0x00, 0x00, 0xFF, 0x00}, []byte{0x85, 0x02}},
		{"unknown", []byte{0x07}, []byte{0x87, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, _ := Dispatch(dev, tt.pdu)
			if !bytes.Equal(reply, tt.want) {
				t.Errorf("Expected %x, got %x", tt.want, reply)
			}
		})
	}
}

func TestDispatch_RejectedRequestSkipsDevice(t *testing.T) {
	obs := &recordingObserver{}
	dev := NewDeviceContext(NewStore(DefaultSpaceSize), WithObserver(obs))

	_, err := Dispatch(dev, []byte{0x10, 0x00, 0x01, 0x00, 0x02, 0x02, 0x00, 0x01})
	if !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("Expected ErrInvalidQuantity, got %v", err)
	}
	if len(obs.writes) != 0 || dev.Requests() != 0 {
		t.Errorf("malformed write reached the device: %d writes, %d requests", len(obs.writes), dev.Requests())
	}

	if _, err := Dispatch(dev, must(WriteRegistersRequest(40001, []uint16{7, 8}, false)).Encode()); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(obs.writes) != 1 || obs.writes[0].Address != 40001 || obs.writes[0].Quantity != 2 {
		t.Errorf("unexpected write events %+v", obs.writes)
	}
}
