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

package protocol

import (
	"time"

	"github.com/AngelOnFira/naia-sub000/internal/channels"
	"github.com/AngelOnFira/naia-sub000/internal/component"
	"github.com/AngelOnFira/naia-sub000/internal/connection"
	"github.com/AngelOnFira/naia-sub000/internal/messages"
	"github.com/AngelOnFira/naia-sub000/internal/worldsync"
)

// DefaultTickInterval is the simulation step both sides assume unless
// configured otherwise.
const DefaultTickInterval = 50 * time.Millisecond

// Protocol bundles everything both ends of a connection must agree on:
// channel table, message and component registries, engine bounds, and
// timers. Registration order matters — it determines wire ids — so build
// the protocol identically on server and client.
type Protocol struct {
	Channels   *channels.Kinds
	Messages   *messages.Registry
	Components *component.Registry

	Sync       worldsync.Config
	Connection connection.Config

	TickInterval time.Duration
}

// New creates a protocol with empty registries and production defaults.
func New() *Protocol {
	return &Protocol{
		Channels:     channels.NewKinds(),
		Messages:     messages.NewRegistry(),
		Components:   component.NewRegistry(),
		Sync:         worldsync.DefaultConfig(),
		Connection:   connection.DefaultConfig(),
		TickInterval: DefaultTickInterval,
	}
}

// AddChannel registers a channel.
func (p *Protocol) AddChannel(kind channels.Kind, settings channels.Settings) error {
	return p.Channels.Add(kind, settings)
}

// AddMessage registers a message type.
func (p *Protocol) AddMessage(d messages.Descriptor) error {
	return p.Messages.Register(d)
}

// AddComponent registers a component type.
func (p *Protocol) AddComponent(d component.Descriptor) error {
	return p.Components.Register(d)
}
