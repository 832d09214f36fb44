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

package messages

import (
	"errors"
	"hash/fnv"

	"github.com/AngelOnFira/naia-sub000/internal/bitio"
)

var (
	ErrMessageKindNotRegistered     = errors.New("message kind not registered")
	ErrMessageKindAlreadyRegistered = errors.New("message kind already registered")
	ErrUnknownMessageNetID          = errors.New("unknown message net id")
)

// Kind identifies a message type.
type Kind uint32

// KindOf derives a Kind from a message type name.
func KindOf(name string) Kind {
	h := fnv.New32a()
	h.Write([]byte(name))
	return Kind(h.Sum32())
}

// Message is a typed application message routed through channels.
type Message interface {
	MessageKind() Kind
	Write(w bitio.BitWrite)
}

// Descriptor is the registry's per-kind record.
type Descriptor struct {
	Kind Kind
	Name string
	Read func(r *bitio.Reader) (Message, error)

	netID uint16
}

// Registry maps message kinds to read functions and compact wire ids.
// Registration order must match on both ends of a connection.
type Registry struct {
	byKind  map[Kind]*Descriptor
	byNetID map[uint16]*Descriptor
	nextID  uint16
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byKind:  make(map[Kind]*Descriptor),
		byNetID: make(map[uint16]*Descriptor),
	}
}

// Register adds a message descriptor.
func (reg *Registry) Register(d Descriptor) error {
	if _, ok := reg.byKind[d.Kind]; ok {
		return ErrMessageKindAlreadyRegistered
	}
	d.netID = reg.nextID
	reg.nextID++
	stored := d
	reg.byKind[d.Kind] = &stored
	reg.byNetID[stored.netID] = &stored
	return nil
}

// netIDDigitBits is the varint digit width for message net ids.
const netIDDigitBits = 4

// WriteMessage writes a message's net id and body.
func (reg *Registry) WriteMessage(w bitio.BitWrite, m Message) error {
	d, ok := reg.byKind[m.MessageKind()]
	if !ok {
		return ErrMessageKindNotRegistered
	}
	bitio.WriteUnsignedVariable(w, uint64(d.netID), netIDDigitBits)
	m.Write(w)
	return nil
}

// ReadMessage reads a net id and dispatches to the kind's read function.
func (reg *Registry) ReadMessage(r *bitio.Reader) (Message, error) {
	id, err := bitio.ReadUnsignedVariable(r, netIDDigitBits)
	if err != nil {
		return nil, err
	}
	if id > 0xFFFF {
		return nil, ErrUnknownMessageNetID
	}
	d, ok := reg.byNetID[uint16(id)]
	if !ok {
		return nil, ErrUnknownMessageNetID
	}
	return d.Read(r)
}
