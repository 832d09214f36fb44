// SPDX-License-Identifier: AGPL-3.0-or-later
// Replica - Entity replication over unreliable datagrams in a single binary
// Copyright (C) 2025-2026 Angel
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// The source code is available at <https://github.com/AngelOnFira/naia-sub000>

package config

import "errors"

var (
	// ErrInvalidLogLevel indicates that the provided log level is not valid.
	ErrInvalidLogLevel = errors.New("invalid log level provided")
	// ErrInvalidTransportDriver indicates that the provided transport driver is not valid.
	ErrInvalidTransportDriver = errors.New("invalid transport driver provided")
	// ErrInvalidTransportBind indicates that the provided transport bind address is not valid.
	ErrInvalidTransportBind = errors.New("invalid transport bind address provided")
	// ErrInvalidTransportPort indicates that the provided transport port is not valid.
	ErrInvalidTransportPort = errors.New("invalid transport port provided")
	// ErrInvalidTickInterval indicates that the provided tick interval is not valid.
	ErrInvalidTickInterval = errors.New("invalid tick interval provided")
	// ErrInvalidMaxInFlight indicates that the provided reorder window is not valid.
	ErrInvalidMaxInFlight = errors.New("invalid max-in-flight window provided, must be between 1 and 32767")
	// ErrInvalidTimeout indicates that the provided idle timeout is not valid.
	ErrInvalidTimeout = errors.New("invalid idle timeout provided")
	// ErrInvalidMetricsBind indicates that the provided metrics server bind address is not valid.
	ErrInvalidMetricsBind = errors.New("invalid metrics server bind address provided")
	// ErrInvalidMetricsPort indicates that the provided metrics server port is not valid.
	ErrInvalidMetricsPort = errors.New("invalid metrics server port provided")
	// ErrInvalidPProfBind indicates that the provided pprof server bind address is not valid.
	ErrInvalidPProfBind = errors.New("invalid pprof server bind address provided")
	// ErrInvalidPProfPort indicates that the provided pprof server port is not valid.
	ErrInvalidPProfPort = errors.New("invalid pprof server port provided")
)

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

// Validate checks the transport section.
func (t Transport) Validate() error {
	switch t.Driver {
	case TransportDriverUDP, TransportDriverQUIC:
	default:
		return ErrInvalidTransportDriver
	}
	if t.Bind == "" {
		return ErrInvalidTransportBind
	}
	if !validPort(t.Port) {
		return ErrInvalidTransportPort
	}
	return nil
}

// Validate checks the replication section.
func (r Replication) Validate() error {
	if r.TickMs <= 0 {
		return ErrInvalidTickInterval
	}
	if r.MaxInFlight <= 0 || r.MaxInFlight > 32767 {
		return ErrInvalidMaxInFlight
	}
	if r.TimeoutSeconds <= 0 {
		return ErrInvalidTimeout
	}
	return nil
}

// Validate checks the metrics section.
func (m Metrics) Validate() error {
	if !m.Enabled {
		return nil
	}
	if m.Bind == "" {
		return ErrInvalidMetricsBind
	}
	if !validPort(m.Port) {
		return ErrInvalidMetricsPort
	}
	return nil
}

// Validate checks the pprof section.
func (p PProf) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.Bind == "" {
		return ErrInvalidPProfBind
	}
	if !validPort(p.Port) {
		return ErrInvalidPProfPort
	}
	return nil
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	switch c.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		return ErrInvalidLogLevel
	}
	if err := c.Transport.Validate(); err != nil {
		return err
	}
	if err := c.Replication.Validate(); err != nil {
		return err
	}
	if err := c.Metrics.Validate(); err != nil {
		return err
	}
	return c.PProf.Validate()
}
