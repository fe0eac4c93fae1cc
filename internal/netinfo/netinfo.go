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

// Package netinfo reports what a gateway needs to reach the slave.
package netinfo

import (
	"context"
	"net"
	"os"
	"strconv"
	"time"
)

// Port states reported by Gather.
const (
	PortOpen   = "OPEN"
	PortClosed = "CLOSED"
)

// Info describes the host's network identity.
type Info struct {
	Hostname  string   `json:"hostname,omitempty"`
	LocalIP   string   `json:"local_ip,omitempty"`
	AllIPs    []string `json:"all_ips,omitempty"`
	Port      int      `json:"port"`
	PortState string   `json:"port_state"`
	Errors    []string `json:"errors,omitempty"`
}

// Gather collects the hostname, its resolved address, the addresses of
// every non-loopback interface and whether port accepts connections on
// localhost. Failures are recorded in Errors; Gather never fails.
func Gather(ctx context.Context, port int) Info {
	info := Info{Port: port, PortState: PortClosed}

	hostname, err := os.Hostname()
	if err != nil {
		info.Errors = append(info.Errors, "hostname: "+err.Error())
	} else {
		info.Hostname = hostname
		if addrs, err := net.DefaultResolver.LookupHost(ctx, hostname); err != nil {
			info.Errors = append(info.Errors, "resolve: "+err.Error())
		} else if len(addrs) > 0 {
			info.LocalIP = preferIPv4(addrs)
		}
	}

	ips, err := InterfaceIPs()
	if err != nil {
		info.Errors = append(info.Errors, "interfaces: "+err.Error())
	}
	info.AllIPs = ips

	if ProbePort(ctx, "localhost", port, time.Second) {
		info.PortState = PortOpen
	}
	return info
}

// InterfaceIPs returns the addresses of all non-loopback interfaces.
func InterfaceIPs() ([]string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		out = append(out, ipnet.IP.String())
	}
	return out, nil
}

// ProbePort reports whether a TCP connection to host:port succeeds within
// timeout.
func ProbePort(ctx context.Context, host string, port int, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func preferIPv4(addrs []string) string {
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a
		}
	}
	return addrs[0]
}
