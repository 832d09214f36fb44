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

// Config stores the application configuration.
type Config struct {
	LogLevel    LogLevel    `name:"log-level" description:"Logging level, one of debug, info, warn, error" default:"info"`
	Transport   Transport   `name:"transport"`
	Replication Replication `name:"replication"`
	Metrics     Metrics     `name:"metrics"`
	PProf       PProf       `name:"pprof"`
}

// Transport configures the datagram socket.
type Transport struct {
	Driver TransportDriver `name:"driver" description:"Datagram transport, one of udp, quic" default:"udp"`
	Bind   string          `name:"bind" description:"Address to bind the replication socket to" default:"[::]"`
	Port   int             `name:"port" description:"Port to bind the replication socket to" default:"26800"`
}

// Replication configures the protocol engine.
type Replication struct {
	TickMs                  int `name:"tick-ms" description:"Simulation tick interval in milliseconds" default:"50"`
	MaxInFlight             int `name:"max-in-flight" description:"Per-entity command reorder window" default:"8192"`
	ChannelTTLSeconds       int `name:"channel-ttl-seconds" description:"Grace period before a despawned entity channel is reaped" default:"60"`
	CommandRecordTTLSeconds int `name:"command-record-ttl-seconds" description:"Parsed but not applied; sent command records always wait 60 seconds for an acknowledgment" default:"60"`
	PingMs                  int `name:"ping-ms" description:"Ping interval in milliseconds" default:"1000"`
	HeartbeatMs             int `name:"heartbeat-ms" description:"Heartbeat interval in milliseconds" default:"3000"`
	TimeoutSeconds          int `name:"timeout-seconds" description:"Idle seconds before a connection is dropped" default:"10"`
}

// Metrics configures the prometheus sidecar.
type Metrics struct {
	Enabled bool   `name:"enabled" description:"Enable the metrics server" default:"false"`
	Bind    string `name:"bind" description:"Address to bind the metrics server to" default:"[::]"`
	Port    int    `name:"port" description:"Port to bind the metrics server to" default:"9091"`
}

// PProf configures the pprof sidecar.
type PProf struct {
	Enabled bool   `name:"enabled" description:"Enable the pprof server" default:"false"`
	Bind    string `name:"bind" description:"Address to bind the pprof server to" default:"[::]"`
	Port    int    `name:"port" description:"Port to bind the pprof server to" default:"6060"`
}
