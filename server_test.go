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
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func startServer(t *testing.T, opts ...ServerOption) (*Server, *Store) {
	t.Helper()

	store := NewStore(DefaultSpaceSize)
	opts = append([]ServerOption{WithServerLogger(quietLogger)}, opts...)
	server := NewServer(NewDeviceContext(store), opts...)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go server.Serve(listener)
	t.Cleanup(func() { server.Close() })

	return server, store
}

func dial(t *testing.T, server *Server) net.Conn {
	t.Helper()

	var addr net.Addr
	for i := 0; i < 100 && addr == nil; i++ {
		if addr = server.Addr(); addr == nil {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if addr == nil {
		t.Fatal("server did not start")
	}

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, txID uint16, pdu []byte) *Frame {
	t.Helper()

	req := Frame{Header: MBAPHeader{TransactionID: txID, UnitID: 1}, PDU: pdu}
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write(req.Encode()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	resp, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	return resp
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if n != 0 {
		t.Fatalf("expected no reply, got %x", buf[:n])
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatal("connection still open")
	}
}

func TestServer_WriteThenReadRegisters(t *testing.T) {
	server, store := startServer(t)
	conn := dial(t, server)

	pdu := must(WriteRegistersRequest(40001, []uint16{200, 25}, false)).Encode()
	resp := roundTrip(t, conn, 1, pdu)
	if want := []byte{0x10, 0x9C, 0x41, 0x00, 0x02}; !bytes.Equal(resp.PDU, want) {
		t.Fatalf("FC16 reply: expected %x, got %x", want, resp.PDU)
	}

	pdu = must(ReadRequest(FuncReadHoldingRegisters, 40001, 2)).Encode()
	resp = roundTrip(t, conn, 2, pdu)
	if want := []byte{0x03, 0x04, 0x00, 0xC8, 0x00, 0x19}; !bytes.Equal(resp.PDU, want) {
		t.Fatalf("FC03 reply: expected %x, got %x", want, resp.PDU)
	}

	got, _ := store.ReadRegisters(HoldingRegisters, 40002, 1)
	if got[0] != 25 {
		t.Errorf("store 40002: expected 25, got %d", got[0])
	}
}

func TestServer_ReadInputRegisters(t *testing.T) {
	server, store := startServer(t)
	conn := dial(t, server)

	store.WriteRegisters(InputRegisters, 30001, []uint16{21, 0xFFEC})

	pdu := must(ReadRequest(FuncReadInputRegisters, 30001, 2)).Encode()
	resp := roundTrip(t, conn, 1, pdu)
	if want := []byte{0x04, 0x04, 0x00, 0x15, 0xFF, 0xEC}; !bytes.Equal(resp.PDU, want) {
		t.Errorf("FC04 reply: expected %x, got %x", want, resp.PDU)
	}
}

func TestServer_CoilBitPacking(t *testing.T) {
	server, store := startServer(t)
	conn := dial(t, server)

	values := []bool{true, false, true, true, false, false, true, true, true, false}
	pdu := must(WriteCoilsRequest(20, values, false)).Encode()
	resp := roundTrip(t, conn, 1, pdu)
	if want := []byte{0x0F, 0x00, 0x14, 0x00, 0x0A}; !bytes.Equal(resp.PDU, want) {
		t.Fatalf("FC15 reply: expected %x, got %x", want, resp.PDU)
	}

	bits, _ := store.ReadBits(Coils, 20, len(values))
	for i, v := range values {
		if bits[i] != v {
			t.Errorf("coil %d: expected %v, got %v", 20+i, v, bits[i])
		}
	}

	pdu = must(ReadRequest(FuncReadCoils, 20, 10)).Encode()
	resp = roundTrip(t, conn, 2, pdu)
	if want := []byte{0x01, 0x02, 0xCD, 0x01}; !bytes.Equal(resp.PDU, want) {
		t.Errorf("FC01 reply: expected %x, got %x", want, resp.PDU)
	}
}

func TestServer_WriteSingle(t *testing.T) {
	server, store := startServer(t)
	conn := dial(t, server)

	pdu := must(WriteCoilsRequest(7, []bool{true}, true)).Encode()
	if resp := roundTrip(t, conn, 1, pdu); !bytes.Equal(resp.PDU, pdu) {
		t.Errorf("FC05 reply: expected echo %x, got %x", pdu, resp.PDU)
	}
	if bits, _ := store.ReadBits(Coils, 7, 1); !bits[0] {
		t.Error("coil 7 should be on")
	}

	pdu = must(WriteRegistersRequest(40001, []uint16{25}, true)).Encode()
	if resp := roundTrip(t, conn, 2, pdu); !bytes.Equal(resp.PDU, pdu) {
		t.Errorf("FC06 reply: expected echo %x, got %x", pdu, resp.PDU)
	}
	if regs, _ := store.ReadRegisters(HoldingRegisters, 40001, 1); regs[0] != 25 {
		t.Errorf("register 40001: expected 25, got %d", regs[0])
	}
}

func TestServer_Exceptions(t *testing.T) {
	server, store := startServer(t)
	conn := dial(t, server)

	tests := []struct {
		name string
		pdu  []byte
		want []byte
	}{
		{"range past end", []byte{0x04, 0xFF, 0xFF, 0x00, 0x02}, []byte{0x84, 0x02}},
		{"address zero", []byte{0x03, 0x00, 0x00, 0x00, 0x01}, []byte{0x83, 0x02}},
		{"single register address zero", []byte{0x06, 0x00, 0x00, 0x00, 0x01}, []byte{0x86, 0x02}},
		{"zero quantity", []byte{0x03, 0x00, 0x01, 0x00, 0x00}, []byte{0x83, 0x03}},
		{"too many registers", []byte{0x04, 0x00, 0x01, 0x00, 0x7E}, []byte{0x84, 0x03}},
		{"too many coils", []byte{0x01, 0x00, 0x01, 0x07, 0xD1}, []byte{0x81, 0x03}},
		{"short payload", []byte{0x03, 0x00}, []byte{0x83, 0x03}},
		{"bad coil value", []byte{0x05, 0x00, 0x01, 0x12, 0x34}, []byte{0x85, 0x03}},
		{"byte count mismatch", []byte{0x10, 0x00, 0x01, 0x00, 0x02, 0x02, 0x00, 0x01}, []byte{0x90, 0x03}},
		{"unsupported function", []byte{0x2B, 0x0E, 0x01, 0x00}, []byte{0xAB, 0x01}},
		{"diagnostics", []byte{0x08, 0x00, 0x00, 0x12, 0x34}, []byte{0x88, 0x01}},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := roundTrip(t, conn, uint16(i+1), tt.pdu)
			if !bytes.Equal(resp.PDU, tt.want) {
				t.Errorf("expected %x, got %x", tt.want, resp.PDU)
			}
		})
	}

	// Rejected writes leave the store untouched.
	if regs, _ := store.ReadRegisters(HoldingRegisters, 1, 2); regs[0] != 0 || regs[1] != 0 {
		t.Errorf("rejected FC16 changed the store: %v", regs)
	}
	if bits, _ := store.ReadBits(Coils, 1, 1); bits[0] {
		t.Error("rejected FC05 changed the store")
	}

	if got := server.Metrics().Exceptions.Value(); got != int64(len(tests)) {
		t.Errorf("Exceptions: expected %d, got %d", len(tests), got)
	}
}

func TestServer_EchoesTransactionAndUnit(t *testing.T) {
	server, _ := startServer(t)
	conn := dial(t, server)

	req := Frame{
		Header: MBAPHeader{TransactionID: 0xBEEF, UnitID: 0x11},
		PDU:    []byte{0x03, 0x9C, 0x41, 0x00, 0x01},
	}
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write(req.Encode()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	resp, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if resp.Header.TransactionID != 0xBEEF || resp.Header.UnitID != 0x11 {
		t.Errorf("header not echoed: %+v", resp.Header)
	}
	if resp.Header.ProtocolID != 0 || int(resp.Header.Length) != len(resp.PDU)+1 {
		t.Errorf("bad reply header: %+v", resp.Header)
	}
}

func TestServer_IncompleteFrameClosesConnection(t *testing.T) {
	server, _ := startServer(t, WithFrameTimeout(100*time.Millisecond))
	conn := dial(t, server)

	// Length promises five PDU bytes; only the function code follows.
	if _, err := conn.Write([]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	expectClosed(t, conn)
}

func TestServer_BadProtocolIDClosesConnection(t *testing.T) {
	server, _ := startServer(t)
	conn := dial(t, server)

	if _, err := conn.Write([]byte{0x00, 0x01, 0x00, 0x07, 0x00, 0x06, 0x01, 0x03, 0x00, 0x01, 0x00, 0x01}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	expectClosed(t, conn)

	if got := server.Metrics().FramingErrors.Value(); got != 1 {
		t.Errorf("FramingErrors: expected 1, got %d", got)
	}
}

func TestServer_PipelinedRequests(t *testing.T) {
	server, store := startServer(t)
	conn := dial(t, server)

	store.WriteRegisters(InputRegisters, 30001, []uint16{1, 2, 3})

	var batch []byte
	for i := uint16(0); i < 3; i++ {
		pdu := must(ReadRequest(FuncReadInputRegisters, 30001+i, 1)).Encode()
		f := Frame{Header: MBAPHeader{TransactionID: 10 + i, UnitID: 1}, PDU: pdu}
		batch = append(batch, f.Encode()...)
	}
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write(batch); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	for i := uint16(0); i < 3; i++ {
		resp, err := ReadFrame(conn)
		if err != nil {
			t.Fatalf("ReadFrame %d failed: %v", i, err)
		}
		if resp.Header.TransactionID != 10+i {
			t.Errorf("reply %d: transaction %d", i, resp.Header.TransactionID)
		}
		if want := []byte{0x04, 0x02, 0x00, byte(i + 1)}; !bytes.Equal(resp.PDU, want) {
			t.Errorf("reply %d: expected %x, got %x", i, want, resp.PDU)
		}
	}
}

func TestServer_ConcurrentClientsSeeWholeBlocks(t *testing.T) {
	server, store := startServer(t)
	const block = 10

	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		values := make([]uint16, block)
		for gen := uint16(1); ; gen++ {
			select {
			case <-stop:
				return
			default:
			}
			for i := range values {
				values[i] = gen
			}
			store.WriteRegisters(InputRegisters, 30021, values)
		}
	}()

	var readers sync.WaitGroup
	for c := 0; c < 4; c++ {
		conn := dial(t, server)
		readers.Add(1)
		go func(conn net.Conn) {
			defer readers.Done()
			read := must(ReadRequest(FuncReadInputRegisters, 30021, block))
			for i := 0; i < 200; i++ {
				req := Frame{Header: MBAPHeader{TransactionID: uint16(i), UnitID: 1}, PDU: read.Encode()}
				conn.SetDeadline(time.Now().Add(2 * time.Second))
				if _, err := conn.Write(req.Encode()); err != nil {
					t.Errorf("Write failed: %v", err)
					return
				}
				resp, err := ReadFrame(conn)
				if err != nil {
					t.Errorf("ReadFrame failed: %v", err)
					return
				}
				values, err := read.ParseRegisters(resp.PDU)
				if err != nil {
					t.Errorf("ParseRegisters failed: %v", err)
					return
				}
				for j := 1; j < block; j++ {
					if values[j] != values[0] {
						t.Errorf("torn block: %v", values)
						return
					}
				}
			}
		}(conn)
	}

	readers.Wait()
	close(stop)
	wg.Wait()

	if got := server.Metrics().RequestsTotal.Value(); got != 800 {
		t.Errorf("RequestsTotal: expected 800, got %d", got)
	}
}

func TestServerAddr(t *testing.T) {
	server := NewServer(NewDeviceContext(NewStore(0)), WithServerLogger(quietLogger))

	if server.Addr() != nil {
		t.Error("Addr should be nil before listening")
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	expectedAddr := listener.Addr()

	go server.Serve(listener)
	defer server.Close()

	time.Sleep(10 * time.Millisecond)

	addr := server.Addr()
	if addr == nil {
		t.Error("Addr should not be nil after listening")
	} else if addr.String() != expectedAddr.String() {
		t.Errorf("Addr mismatch: expected %s, got %s", expectedAddr, addr)
	}
}

func TestServer_CloseDropsConnections(t *testing.T) {
	server, _ := startServer(t)
	conn := dial(t, server)

	pdu := must(ReadRequest(FuncReadHoldingRegisters, 1, 1)).Encode()
	roundTrip(t, conn, 1, pdu)

	if got := server.ActiveConnections(); got != 1 {
		t.Errorf("ActiveConnections: expected 1, got %d", got)
	}

	if err := server.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	expectClosed(t, conn)

	if got := server.ActiveConnections(); got != 0 {
		t.Errorf("ActiveConnections after close: expected 0, got %d", got)
	}
	if err := server.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
