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
	"log/slog"
	"time"
)

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	unitID  UnitID
	timeout time.Duration
	logger  *slog.Logger

	// Retry on a fresh connection after a transport failure.
	autoReconnect    bool
	maxRetries       int
	reconnectBackoff time.Duration
	maxReconnectTime time.Duration
}

func defaultOptions() *clientOptions {
	return &clientOptions{
		unitID:           1,
		timeout:          DefaultTimeout,
		logger:           slog.Default(),
		maxRetries:       3,
		reconnectBackoff: time.Second,
		maxReconnectTime: 30 * time.Second,
	}
}

// WithUnitID sets the unit ID sent with every request.
func WithUnitID(id UnitID) Option {
	return func(o *clientOptions) { o.unitID = id }
}

// WithTimeout bounds dialing and each request/reply exchange.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.timeout = d }
}

// WithAutoReconnect retries requests that fail on the transport.
func WithAutoReconnect(enable bool) Option {
	return func(o *clientOptions) { o.autoReconnect = enable }
}

// WithReconnectBackoff sets the first delay before a retry. The delay
// doubles up to the WithMaxReconnectTime cap.
func WithReconnectBackoff(d time.Duration) Option {
	return func(o *clientOptions) { o.reconnectBackoff = d }
}

func WithMaxReconnectTime(d time.Duration) Option {
	return func(o *clientOptions) { o.maxReconnectTime = d }
}

// WithMaxRetries sets the total attempts per request under auto-reconnect.
func WithMaxRetries(n int) Option {
	return func(o *clientOptions) { o.maxRetries = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = logger }
}

// ServerOption is a functional option for configuring the server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger       *slog.Logger
	maxConns     int
	readTimeout  time.Duration
	writeTimeout time.Duration
	frameTimeout time.Duration
}

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logger:       slog.Default(),
		maxConns:     100,
		readTimeout:  30 * time.Second,
		writeTimeout: 5 * time.Second,
		frameTimeout: 1 * time.Second,
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithMaxConnections sets the maximum number of concurrent connections.
func WithMaxConnections(n int) ServerOption {
	return func(o *serverOptions) {
		o.maxConns = n
	}
}

// WithReadTimeout sets how long a connection may stay idle between
// requests. Zero disables the idle timeout.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.readTimeout = d
	}
}

// WithWriteTimeout bounds the time spent writing a reply.
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.writeTimeout = d
	}
}

// WithFrameTimeout bounds the time between the end of an MBAP header and
// the last byte of the PDU it announces.
func WithFrameTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.frameTimeout = d
	}
}

// DeviceOption is a functional option for configuring a DeviceContext.
type DeviceOption func(*deviceOptions)

type deviceOptions struct {
	unitID   UnitID
	observer Observer
}

func defaultDeviceOptions() *deviceOptions {
	return &deviceOptions{
		unitID: 1,
	}
}

// WithDeviceUnitID sets the unit identifier the device reports in logs.
// Requests for any unit are answered from the same store.
func WithDeviceUnitID(id UnitID) DeviceOption {
	return func(o *deviceOptions) {
		o.unitID = id
	}
}

// WithObserver attaches an observer to every store access.
func WithObserver(obs Observer) DeviceOption {
	return func(o *deviceOptions) {
		o.observer = obs
	}
}
