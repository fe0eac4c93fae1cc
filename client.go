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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionState is the client's connection state.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Client is a Modbus TCP master for the function codes the slave serves.
// Requests are serialized over one connection. With auto-reconnect
// enabled, a request that fails on the transport is retried on a fresh
// connection with exponential backoff.
type Client struct {
	addr    string
	opts    *clientOptions
	logger  *slog.Logger
	metrics *Metrics

	unitID atomic.Uint32
	txID   atomic.Uint32
	state  atomic.Int32
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex // held for a whole exchange
	conn net.Conn
}

// NewClient creates a client for addr. It does not connect.
func NewClient(addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("modbus: address cannot be empty")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	c := &Client{
		addr:    addr,
		opts:    o,
		logger:  o.logger,
		metrics: NewMetrics(),
		done:    make(chan struct{}),
	}
	c.unitID.Store(uint32(o.unitID))
	return c, nil
}

// Connect dials the slave. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	if c.conn != nil {
		return nil
	}

	c.state.Store(int32(StateConnecting))
	c.logger.Debug("connecting", slog.String("addr", c.addr))

	d := net.Dialer{Timeout: c.opts.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	c.conn = conn
	c.state.Store(int32(StateConnected))
	c.metrics.ActiveConns.Add(1)
	c.logger.Info("connected", slog.String("addr", c.addr))
	return nil
}

// dropLocked closes the current connection after a transport failure.
func (c *Client) dropLocked(cause error) {
	if c.conn == nil {
		return
	}
	c.conn.Close()
	c.conn = nil
	c.state.Store(int32(StateDisconnected))
	c.metrics.ActiveConns.Add(-1)
	if cause != nil {
		c.logger.Warn("disconnected", slog.String("addr", c.addr), slog.String("error", cause.Error()))
	}
}

// Close closes the connection. A closed client cannot reconnect.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Debug("closing connection", slog.String("addr", c.addr))
	c.dropLocked(nil)
	return nil
}

func (c *Client) State() ConnectionState { return ConnectionState(c.state.Load()) }
func (c *Client) IsConnected() bool      { return c.State() == StateConnected }
func (c *Client) Metrics() *Metrics      { return c.metrics }
func (c *Client) Address() string        { return c.addr }

// SetUnitID sets the unit ID sent with subsequent requests.
func (c *Client) SetUnitID(id UnitID) { c.unitID.Store(uint32(id)) }

func (c *Client) UnitID() UnitID { return UnitID(c.unitID.Load()) }

// do performs req, retrying transport failures when auto-reconnect is on.
func (c *Client) do(ctx context.Context, req Request) ([]byte, error) {
	attempts := 1
	if c.opts.autoReconnect {
		attempts = max(c.opts.maxRetries, 1)
	}
	backoff := c.opts.reconnectBackoff

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			c.logger.Debug("retrying request",
				slog.String("func", req.Function.String()),
				slog.Int("attempt", i+1),
				slog.Duration("backoff", backoff))
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff = min(2*backoff, c.opts.maxReconnectTime)
			c.metrics.Reconnections.Add(1)
			if err := c.Connect(ctx); err != nil {
				lastErr = err
				continue
			}
		}

		pdu, err := c.exchange(ctx, req)
		if err == nil || !c.opts.autoReconnect || !retryable(err) {
			return pdu, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnectionClosed
	case <-t.C:
		return nil
	}
}

// exchange sends one request and waits for its reply. Any transport or
// framing failure drops the connection, so a late reply can never be
// matched to a later request.
func (c *Client) exchange(ctx context.Context, req Request) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn := c.conn
	if conn == nil {
		return nil, ErrNotConnected
	}

	start := time.Now()
	deadline := start.Add(c.opts.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })

	txID := uint16(c.txID.Add(1))
	unit := c.UnitID()
	out := Frame{Header: MBAPHeader{TransactionID: txID, UnitID: unit}, PDU: req.Encode()}

	c.logger.Debug("sending request",
		slog.Uint64("tx_id", uint64(txID)),
		slog.Uint64("unit_id", uint64(unit)),
		slog.String("func", req.Function.String()))

	c.metrics.RequestsTotal.Add(1)
	var in *Frame
	_, err := conn.Write(out.Encode())
	if err == nil {
		in, err = ReadFrame(conn)
	}
	stop()

	var pdu []byte
	if err == nil {
		pdu, err = checkReply(in, txID, unit, req.Function)
	}
	elapsed := time.Since(start)
	c.metrics.observe(req.Function, c.metrics.Latency, elapsed, err != nil)

	if err != nil {
		c.metrics.RequestsErrors.Add(1)
		var mbErr *ModbusError
		if !errors.As(err, &mbErr) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			c.dropLocked(err)
		}
		return nil, err
	}

	c.metrics.RequestsSuccess.Add(1)
	c.logger.Debug("received response",
		slog.Uint64("tx_id", uint64(txID)),
		slog.Duration("duration", elapsed))
	return pdu, nil
}

func checkReply(f *Frame, txID uint16, unit UnitID, fc FunctionCode) ([]byte, error) {
	switch {
	case f.Header.TransactionID != txID:
		return nil, fmt.Errorf("%w: transaction ID %d, want %d", ErrInvalidResponse, f.Header.TransactionID, txID)
	case f.Header.UnitID != unit:
		return nil, fmt.Errorf("%w: unit ID %d, want %d", ErrInvalidResponse, f.Header.UnitID, unit)
	case IsExceptionResponse(f.PDU):
		if e := ParseExceptionResponse(f.PDU); e != nil {
			return nil, e
		}
		return nil, fmt.Errorf("%w: truncated exception", ErrInvalidResponse)
	case FunctionCode(f.PDU[0]) != fc:
		return nil, fmt.Errorf("%w: function 0x%02X, want 0x%02X", ErrInvalidResponse, f.PDU[0], byte(fc))
	}
	return f.PDU, nil
}

// retryable reports whether err is worth a reconnect. Exceptions and
// cancellations are final.
func retryable(err error) bool {
	var mbErr *ModbusError
	switch {
	case errors.As(err, &mbErr),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrConnectionClosed):
		return false
	}
	return true
}

func (c *Client) readBits(ctx context.Context, fc FunctionCode, addr, qty uint16) ([]bool, error) {
	req, err := ReadRequest(fc, addr, qty)
	if err != nil {
		return nil, err
	}
	pdu, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	return req.ParseBits(pdu)
}

func (c *Client) readRegisters(ctx context.Context, fc FunctionCode, addr, qty uint16) ([]uint16, error) {
	req, err := ReadRequest(fc, addr, qty)
	if err != nil {
		return nil, err
	}
	pdu, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	return req.ParseRegisters(pdu)
}

func (c *Client) write(ctx context.Context, req Request) error {
	pdu, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	return req.CheckWriteReply(pdu)
}

// ReadCoils reads coils (FC01).
func (c *Client) ReadCoils(ctx context.Context, addr, qty uint16) ([]bool, error) {
	return c.readBits(ctx, FuncReadCoils, addr, qty)
}

// ReadDiscreteInputs reads discrete inputs (FC02).
func (c *Client) ReadDiscreteInputs(ctx context.Context, addr, qty uint16) ([]bool, error) {
	return c.readBits(ctx, FuncReadDiscreteInputs, addr, qty)
}

// ReadHoldingRegisters reads holding registers (FC03).
func (c *Client) ReadHoldingRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	return c.readRegisters(ctx, FuncReadHoldingRegisters, addr, qty)
}

// ReadInputRegisters reads input registers (FC04).
func (c *Client) ReadInputRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	return c.readRegisters(ctx, FuncReadInputRegisters, addr, qty)
}

// ReadInputUint32 reads two input registers and combines them high word first.
func (c *Client) ReadInputUint32(ctx context.Context, addr uint16) (uint32, error) {
	regs, err := c.ReadInputRegisters(ctx, addr, 2)
	if err != nil {
		return 0, err
	}
	return RegistersToUint32(regs[0], regs[1]), nil
}

// WriteSingleCoil writes one coil (FC05).
func (c *Client) WriteSingleCoil(ctx context.Context, addr uint16, value bool) error {
	req, err := WriteCoilsRequest(addr, []bool{value}, true)
	if err != nil {
		return err
	}
	return c.write(ctx, req)
}

// WriteSingleRegister writes one holding register (FC06).
func (c *Client) WriteSingleRegister(ctx context.Context, addr, value uint16) error {
	req, err := WriteRegistersRequest(addr, []uint16{value}, true)
	if err != nil {
		return err
	}
	return c.write(ctx, req)
}

// WriteMultipleCoils writes consecutive coils (FC15).
func (c *Client) WriteMultipleCoils(ctx context.Context, addr uint16, values []bool) error {
	req, err := WriteCoilsRequest(addr, values, false)
	if err != nil {
		return err
	}
	return c.write(ctx, req)
}

// WriteMultipleRegisters writes consecutive holding registers (FC16).
func (c *Client) WriteMultipleRegisters(ctx context.Context, addr uint16, values []uint16) error {
	req, err := WriteRegistersRequest(addr, values, false)
	if err != nil {
		return err
	}
	return c.write(ctx, req)
}
