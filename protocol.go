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
	"encoding/binary"
	"fmt"
	"io"
)

// MBAPHeader represents the Modbus Application Protocol header for TCP.
type MBAPHeader struct {
	TransactionID uint16
	ProtocolID    uint16 // always 0
	Length        uint16 // unit ID + PDU
	UnitID        UnitID
}

// Encode encodes the MBAP header to bytes.
func (h *MBAPHeader) Encode() []byte {
	buf := make([]byte, MBAPHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], h.ProtocolID)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	buf[6] = byte(h.UnitID)
	return buf
}

// Decode decodes the MBAP header from bytes.
func (h *MBAPHeader) Decode(data []byte) error {
	if len(data) < MBAPHeaderSize {
		return fmt.Errorf("%w: MBAP header too short", ErrInvalidFrame)
	}
	h.TransactionID = binary.BigEndian.Uint16(data[0:2])
	h.ProtocolID = binary.BigEndian.Uint16(data[2:4])
	h.Length = binary.BigEndian.Uint16(data[4:6])
	h.UnitID = UnitID(data[6])
	return nil
}

// Frame is one MBAP header and the PDU it carries.
type Frame struct {
	Header MBAPHeader
	PDU    []byte
}

// Encode serializes the frame. The header length is recomputed from the PDU.
func (f *Frame) Encode() []byte {
	f.Header.Length = uint16(len(f.PDU) + 1)
	buf := make([]byte, 0, MBAPHeaderSize+len(f.PDU))
	buf = append(buf, f.Header.Encode()...)
	return append(buf, f.PDU...)
}

// ReadHeader reads and validates a 7-byte MBAP header. A header with a
// non-zero protocol identifier or a length that cannot describe a unit
// identifier plus a PDU is rejected with ErrInvalidFrame.
func ReadHeader(r io.Reader) (MBAPHeader, error) {
	var h MBAPHeader
	buf := make([]byte, MBAPHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return h, err
	}
	if err := h.Decode(buf); err != nil {
		return h, err
	}

	if h.ProtocolID != ProtocolID {
		return h, fmt.Errorf("%w: invalid protocol ID %d", ErrInvalidFrame, h.ProtocolID)
	}

	// Length counts the unit ID, which is already in the header.
	pduLen := int(h.Length) - 1
	if pduLen < 1 || pduLen > MaxPDUSize {
		return h, fmt.Errorf("%w: invalid PDU length %d", ErrInvalidFrame, pduLen)
	}
	return h, nil
}

// ReadPDU reads the PDU announced by a header. A stream that ends early
// yields io.ErrUnexpectedEOF.
func ReadPDU(r io.Reader, h MBAPHeader) ([]byte, error) {
	pdu := make([]byte, int(h.Length)-1)
	if _, err := io.ReadFull(r, pdu); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("%w: short PDU: %w", ErrInvalidFrame, err)
	}
	return pdu, nil
}

// ReadFrame reads a complete Modbus TCP frame from a reader.
func ReadFrame(r io.Reader) (*Frame, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	pdu, err := ReadPDU(r, h)
	if err != nil {
		return nil, err
	}
	return &Frame{Header: h, PDU: pdu}, nil
}

// Request is a decoded request PDU. Bits carries the values of FC05 and
// FC15, Registers those of FC06 and FC16.
type Request struct {
	Function  FunctionCode
	Address   uint16
	Quantity  uint16
	Bits      []bool
	Registers []uint16
}

// ReadRequest builds an FC01-FC04 request.
func ReadRequest(fc FunctionCode, addr, qty uint16) (Request, error) {
	r := Request{Function: fc, Address: addr, Quantity: qty}
	if fc.IsWrite() {
		return r, fmt.Errorf("%w: %s is not a read", ErrUnsupportedFunction, fc)
	}
	return r, r.validate()
}

// WriteCoilsRequest builds an FC15 request, or FC05 for a single value
// when single is set.
func WriteCoilsRequest(addr uint16, values []bool, single bool) (Request, error) {
	fc := FuncWriteMultipleCoils
	if single {
		fc = FuncWriteSingleCoil
	}
	r := Request{Function: fc, Address: addr, Quantity: uint16(len(values)), Bits: values}
	return r, r.validate()
}

// WriteRegistersRequest builds an FC16 request, or FC06 for a single value
// when single is set.
func WriteRegistersRequest(addr uint16, values []uint16, single bool) (Request, error) {
	fc := FuncWriteMultipleRegisters
	if single {
		fc = FuncWriteSingleRegister
	}
	r := Request{Function: fc, Address: addr, Quantity: uint16(len(values)), Registers: values}
	return r, r.validate()
}

// validate checks the quantity against the function's limit. Address
// bounds belong to the slave.
func (r Request) validate() error {
	f, ok := functions[r.Function]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedFunction, r.Function)
	}
	if r.Quantity < 1 || r.Quantity > f.limit {
		return fmt.Errorf("%w: %s quantity %d not in 1-%d", ErrInvalidQuantity, r.Function, r.Quantity, f.limit)
	}
	return nil
}

// Encode serializes the request PDU.
func (r Request) Encode() []byte {
	pdu := make([]byte, 5, 6+2*len(r.Registers)+len(r.Bits)/8+1)
	pdu[0] = byte(r.Function)
	binary.BigEndian.PutUint16(pdu[1:3], r.Address)

	switch r.Function {
	case FuncWriteSingleCoil:
		binary.BigEndian.PutUint16(pdu[3:5], coilValue(r.Bits[0]))
	case FuncWriteSingleRegister:
		binary.BigEndian.PutUint16(pdu[3:5], r.Registers[0])
	case FuncWriteMultipleCoils:
		binary.BigEndian.PutUint16(pdu[3:5], r.Quantity)
		packed := make([]byte, (len(r.Bits)+7)/8)
		packBits(packed, r.Bits)
		pdu = append(pdu, byte(len(packed)))
		pdu = append(pdu, packed...)
	case FuncWriteMultipleRegisters:
		binary.BigEndian.PutUint16(pdu[3:5], r.Quantity)
		pdu = append(pdu, byte(2*len(r.Registers)))
		for _, v := range r.Registers {
			pdu = binary.BigEndian.AppendUint16(pdu, v)
		}
	default:
		binary.BigEndian.PutUint16(pdu[3:5], r.Quantity)
	}
	return pdu
}

// DecodeRequest parses a request PDU. Checks run in wire order: payload
// length, quantity, then byte count. Address bounds depend on the store
// and are left to the caller. Unknown function codes yield an illegal
// function exception. Every other failure wraps ErrInvalidQuantity and
// so maps to an illegal data value exception.
func DecodeRequest(pdu []byte) (Request, error) {
	if len(pdu) == 0 {
		return Request{}, fmt.Errorf("%w: empty PDU", ErrInvalidQuantity)
	}
	fc := FunctionCode(pdu[0])
	if _, ok := functions[fc]; !ok {
		return Request{Function: fc}, NewModbusError(fc, ExceptionIllegalFunction)
	}

	minLen := 5
	if fc == FuncWriteMultipleCoils || fc == FuncWriteMultipleRegisters {
		minLen = 6
	}
	if len(pdu) < minLen {
		return Request{Function: fc}, fmt.Errorf("%w: %s payload of %d bytes", ErrInvalidQuantity, fc, len(pdu))
	}

	r := Request{
		Function: fc,
		Address:  binary.BigEndian.Uint16(pdu[1:3]),
		Quantity: binary.BigEndian.Uint16(pdu[3:5]),
	}
	switch fc {
	case FuncWriteSingleCoil:
		v := r.Quantity
		if v != CoilOn && v != CoilOff {
			return r, fmt.Errorf("%w: coil value 0x%04X", ErrInvalidQuantity, v)
		}
		r.Quantity = 1
		r.Bits = []bool{v == CoilOn}
		return r, nil
	case FuncWriteSingleRegister:
		r.Registers = []uint16{r.Quantity}
		r.Quantity = 1
		return r, nil
	}

	if err := r.validate(); err != nil {
		return r, err
	}

	switch fc {
	case FuncWriteMultipleCoils:
		n := int(pdu[5])
		if n != (int(r.Quantity)+7)/8 || len(pdu) < 6+n {
			return r, fmt.Errorf("%w: byte count %d for %d coils", ErrInvalidQuantity, n, r.Quantity)
		}
		r.Bits = unpackBits(pdu[6:], int(r.Quantity))
	case FuncWriteMultipleRegisters:
		n := int(pdu[5])
		if n != 2*int(r.Quantity) || len(pdu) < 6+n {
			return r, fmt.Errorf("%w: byte count %d for %d registers", ErrInvalidQuantity, n, r.Quantity)
		}
		r.Registers = make([]uint16, r.Quantity)
		for i := range r.Registers {
			r.Registers[i] = binary.BigEndian.Uint16(pdu[6+2*i:])
		}
	}
	return r, nil
}

// BitsReply encodes an FC01/FC02 reply.
func BitsReply(fc FunctionCode, values []bool) []byte {
	n := (len(values) + 7) / 8
	pdu := make([]byte, 2+n)
	pdu[0] = byte(fc)
	pdu[1] = byte(n)
	packBits(pdu[2:], values)
	return pdu
}

// RegistersReply encodes an FC03/FC04 reply.
func RegistersReply(fc FunctionCode, values []uint16) []byte {
	pdu := make([]byte, 2, 2+2*len(values))
	pdu[0] = byte(fc)
	pdu[1] = byte(2 * len(values))
	for _, v := range values {
		pdu = binary.BigEndian.AppendUint16(pdu, v)
	}
	return pdu
}

// WriteReply encodes the reply to a write request: the request echoed
// for FC05/FC06, address and quantity for FC15/FC16.
func (r Request) WriteReply() []byte {
	if r.Function == FuncWriteSingleCoil || r.Function == FuncWriteSingleRegister {
		return r.Encode()
	}
	pdu := make([]byte, 5)
	pdu[0] = byte(r.Function)
	binary.BigEndian.PutUint16(pdu[1:3], r.Address)
	binary.BigEndian.PutUint16(pdu[3:5], r.Quantity)
	return pdu
}

// ExceptionReply encodes an exception reply.
func ExceptionReply(fc FunctionCode, ec ExceptionCode) []byte {
	return []byte{byte(fc) | 0x80, byte(ec)}
}

// ParseBits decodes an FC01/FC02 reply to r.
func (r Request) ParseBits(pdu []byte) ([]bool, error) {
	if err := r.checkByteCount(pdu, (int(r.Quantity)+7)/8); err != nil {
		return nil, err
	}
	return unpackBits(pdu[2:], int(r.Quantity)), nil
}

// ParseRegisters decodes an FC03/FC04 reply to r.
func (r Request) ParseRegisters(pdu []byte) ([]uint16, error) {
	if err := r.checkByteCount(pdu, 2*int(r.Quantity)); err != nil {
		return nil, err
	}
	values := make([]uint16, r.Quantity)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(pdu[2+2*i:])
	}
	return values, nil
}

// CheckWriteReply verifies that pdu is the expected reply to write request r.
func (r Request) CheckWriteReply(pdu []byte) error {
	want := r.WriteReply()
	if len(pdu) < len(want) {
		return fmt.Errorf("%w: %s reply of %d bytes", ErrInvalidResponse, r.Function, len(pdu))
	}
	for i := range want {
		if pdu[i] != want[i] {
			return fmt.Errorf("%w: %s reply % X, want % X", ErrInvalidResponse, r.Function, pdu[:len(want)], want)
		}
	}
	return nil
}

func (r Request) checkByteCount(pdu []byte, n int) error {
	if len(pdu) < 2 || int(pdu[1]) != n || len(pdu) < 2+n {
		return fmt.Errorf("%w: %s reply byte count, want %d", ErrInvalidResponse, r.Function, n)
	}
	return nil
}

// IsExceptionResponse checks if the PDU is an exception response.
func IsExceptionResponse(pdu []byte) bool {
	return len(pdu) > 0 && (pdu[0]&0x80) != 0
}

// ParseExceptionResponse parses an exception response.
func ParseExceptionResponse(pdu []byte) *ModbusError {
	if len(pdu) < 2 {
		return nil
	}
	return NewModbusError(FunctionCode(pdu[0]&0x7F), ExceptionCode(pdu[1]))
}

func coilValue(on bool) uint16 {
	if on {
		return CoilOn
	}
	return CoilOff
}

// packBits packs values LSB-first into dst, which must hold (len(values)+7)/8 bytes.
func packBits(dst []byte, values []bool) {
	for i, v := range values {
		if v {
			dst[i/8] |= 1 << (i % 8)
		}
	}
}

// unpackBits is the inverse of packBits.
func unpackBits(src []byte, n int) []bool {
	values := make([]bool, n)
	for i := range values {
		values[i] = src[i/8]&(1<<(i%8)) != 0
	}
	return values
}
