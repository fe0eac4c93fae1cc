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
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Server is a Modbus TCP slave answering for a single DeviceContext.
// Each connection is served by its own goroutine, one request at a time,
// in arrival order.
type Server struct {
	device  *DeviceContext
	opts    *serverOptions
	metrics *ServerMetrics

	closed atomic.Bool
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
}

// NewServer creates a slave for device.
func NewServer(device *DeviceContext, opts ...ServerOption) *Server {
	o := defaultServerOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Server{
		device:  device,
		opts:    o,
		metrics: NewServerMetrics(),
		conns:   make(map[net.Conn]struct{}),
	}
}

func (s *Server) Metrics() *ServerMetrics { return s.metrics }

// Device returns the device context the server answers for.
func (s *Server) Device() *DeviceContext { return s.device }

// ListenAndServe listens on addr and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	return s.ListenAndServeContext(context.Background(), addr)
}

// ListenAndServeContext listens on addr and serves until ctx is done or
// Close is called.
func (s *Server) ListenAndServeContext(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close. It returns nil after a
// clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	s.opts.logger.Info("server started",
		slog.String("addr", ln.Addr().String()),
		slog.Uint64("unit_id", uint64(s.device.UnitID())))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.opts.logger.Error("accept error", slog.String("error", err.Error()))
			continue
		}
		if !s.track(conn) {
			conn.Close()
			if s.closed.Load() {
				return nil
			}
			continue
		}
		go s.handleConn(conn)
	}
}

// track registers conn, refusing it when the server is closing or full.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return false
	}
	if len(s.conns) >= s.opts.maxConns {
		s.opts.logger.Warn("max connections reached, rejecting",
			slog.String("remote", conn.RemoteAddr().String()))
		return false
	}
	s.conns[conn] = struct{}{}
	s.metrics.ActiveConns.Add(1)
	s.metrics.TotalConns.Add(1)
	s.wg.Add(1)

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(30 * time.Second)
		tc.SetNoDelay(true)
	}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	conn.Close()
	s.mu.Lock()
	delete(s.conns, conn)
	s.metrics.ActiveConns.Add(-1)
	s.mu.Unlock()
	s.wg.Done()
}

// Close stops accepting, closes every open connection and waits for the
// connection goroutines to return. A request already being executed
// finishes its store operation before its goroutine exits.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	s.mu.Lock()
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.opts.logger.Info("server stopped")
	return err
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConnections returns the number of open connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleConn(conn net.Conn) {
	logger := s.opts.logger.With(
		slog.String("session", uuid.NewString()),
		slog.String("remote", conn.RemoteAddr().String()))

	defer s.untrack(conn)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in connection handler",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	logger.Debug("connection accepted")
	for !s.closed.Load() {
		if err := s.serveOne(conn, logger); err != nil {
			s.logConnError(logger, err)
			return
		}
	}
}

// serveOne reads one request, executes it and writes the reply.
func (s *Server) serveOne(conn net.Conn, logger *slog.Logger) error {
	var idle time.Time
	if s.opts.readTimeout > 0 {
		idle = timeNow().Add(s.opts.readTimeout)
	}
	conn.SetReadDeadline(idle)

	req, err := s.readFrame(conn)
	if err != nil {
		return err
	}

	start := timeNow()
	s.metrics.RequestsTotal.Add(1)
	resp := s.execute(req, logger)

	if s.opts.writeTimeout > 0 {
		conn.SetWriteDeadline(timeNow().Add(s.opts.writeTimeout))
	}
	if _, err := conn.Write(resp.Encode()); err != nil {
		s.metrics.RequestsErrors.Add(1)
		return fmt.Errorf("write: %w", err)
	}
	s.metrics.RequestsSuccess.Add(1)
	s.metrics.observe(FunctionCode(req.PDU[0]), s.metrics.Latency, time.Since(start), IsExceptionResponse(resp.PDU))
	return nil
}

// readFrame reads one request. The header may take as long as the idle
// timeout allows; once it has arrived the rest of the frame must follow
// within the frame timeout, so a length field that promises more bytes
// than the peer sends ends the connection instead of stalling it.
func (s *Server) readFrame(conn net.Conn) (*Frame, error) {
	h, err := ReadHeader(conn)
	if err != nil {
		return nil, err
	}
	if s.opts.frameTimeout > 0 {
		conn.SetReadDeadline(timeNow().Add(s.opts.frameTimeout))
	}
	pdu, err := ReadPDU(conn, h)
	if err != nil {
		return nil, err
	}
	return &Frame{Header: h, PDU: pdu}, nil
}

func (s *Server) logConnError(logger *slog.Logger, err error) {
	switch {
	case s.closed.Load(), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		logger.Debug("connection closed")
	case errors.Is(err, ErrInvalidFrame):
		s.metrics.FramingErrors.Add(1)
		logger.Warn("dropping connection", slog.String("error", err.Error()))
	default:
		// idle timeouts land here
		logger.Debug("connection ended", slog.String("error", err.Error()))
	}
}

// execute runs req against the device and frames the reply with the
// request's transaction and unit identifiers.
func (s *Server) execute(req *Frame, logger *slog.Logger) *Frame {
	fc := FunctionCode(req.PDU[0])
	logger.Debug("processing request",
		slog.Uint64("tx_id", uint64(req.Header.TransactionID)),
		slog.Uint64("unit_id", uint64(req.Header.UnitID)),
		slog.String("func", fc.String()))

	pdu, err := Dispatch(s.device, req.PDU)
	if err != nil {
		s.metrics.Exceptions.Add(1)
		ec := exceptionFor(err)
		if ec == ExceptionServerDeviceFailure {
			logger.Error("device error", slog.String("func", fc.String()), slog.String("error", err.Error()))
		} else {
			logger.Debug("request rejected",
				slog.String("func", fc.String()),
				slog.String("exception", ec.String()),
				slog.String("error", err.Error()))
		}
	}

	return &Frame{
		Header: MBAPHeader{
			TransactionID: req.Header.TransactionID,
			ProtocolID:    ProtocolID,
			UnitID:        req.Header.UnitID,
		},
		PDU: pdu,
	}
}

var timeNow = time.Now
