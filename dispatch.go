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

// Dispatch executes one request PDU against dev and returns the reply
// PDU. A request that cannot be served gets an exception reply; the
// error that caused it is returned alongside for logging. Dispatch never
// returns a nil reply.
//
// The address range is checked against the store only after the PDU
// has been fully validated, so a request that is both malformed and out
// of range is reported as an illegal data value.
func Dispatch(dev *DeviceContext, pdu []byte) ([]byte, error) {
	req, err := DecodeRequest(pdu)
	if err == nil {
		err = checkRequestRange(dev.Store(), req)
	}
	if err != nil {
		return ExceptionReply(req.Function, exceptionFor(err)), err
	}

	var reply []byte
	switch req.Function {
	case FuncReadCoils, FuncReadDiscreteInputs:
		var bits []bool
		if bits, err = dev.ReadBits(req.Function, req.Address, req.Quantity); err == nil {
			reply = BitsReply(req.Function, bits)
		}
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		var regs []uint16
		if regs, err = dev.ReadRegisters(req.Function, req.Address, req.Quantity); err == nil {
			reply = RegistersReply(req.Function, regs)
		}
	case FuncWriteSingleCoil, FuncWriteMultipleCoils:
		if err = dev.WriteBits(req.Function, req.Address, req.Bits); err == nil {
			reply = req.WriteReply()
		}
	case FuncWriteSingleRegister, FuncWriteMultipleRegisters:
		if err = dev.WriteRegisters(req.Function, req.Address, req.Registers); err == nil {
			reply = req.WriteReply()
		}
	}
	if err != nil {
		return ExceptionReply(req.Function, exceptionFor(err)), err
	}
	return reply, nil
}

func checkRequestRange(store *Store, req Request) error {
	sp, ok := SpaceForFunction(req.Function)
	if !ok {
		return NewModbusError(req.Function, ExceptionIllegalFunction)
	}
	return checkRange(sp, store.Size(sp), req.Address, int(req.Quantity))
}
