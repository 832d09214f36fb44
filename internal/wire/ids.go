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

package wire

// Identifier types shared across the protocol. The sequence numbers are
// 16-bit with wrap-safe comparison via the sequence helpers; the request and
// response ids are plain 64-bit counters.

// PacketIndex numbers outgoing packets per connection.
type PacketIndex uint16

// MessageIndex numbers messages within a channel, and entity commands
// within a connection.
type MessageIndex uint16

// CommandID is the sequence number carried by reliable entity commands.
type CommandID = MessageIndex

// SubCommandID distinguishes repeated sub-typed commands (e.g. successive
// authority requests) under one command type.
type SubCommandID uint16

// Tick numbers discrete simulation steps.
type Tick uint16

// GlobalRequestID correlates a request with its eventual response on the
// sending side.
type GlobalRequestID uint64

// LocalResponseID identifies a received request awaiting a response on the
// receiving side.
type LocalResponseID uint64
