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

package cmd

import (
	"github.com/AngelOnFira/naia-sub000/internal/bitio"
	"github.com/AngelOnFira/naia-sub000/internal/channels"
	"github.com/AngelOnFira/naia-sub000/internal/component"
	"github.com/AngelOnFira/naia-sub000/internal/entity"
	"github.com/AngelOnFira/naia-sub000/internal/messages"
	"github.com/AngelOnFira/naia-sub000/internal/protocol"
)

// The standalone binary ships a small built-in protocol: a chat channel,
// a tick-buffered input channel, and a transform component. Embedders
// building a real application construct their own protocol instead.

const (
	// ChatChannel carries ordered reliable text both ways.
	ChatChannel channels.Kind = 1
	// InputChannel carries tick-buffered client input.
	InputChannel channels.Kind = 2
)

var (
	chatKind      = messages.KindOf("Chat")
	inputKind     = messages.KindOf("Input")
	transformKind = component.KindOf("Transform")
)

// Chat is a plain text message.
type Chat struct {
	Body string
}

func (c *Chat) MessageKind() messages.Kind { return chatKind }

func (c *Chat) Write(w bitio.BitWrite) {
	bitio.WriteUnsignedVariable(w, uint64(len(c.Body)), 9)
	bitio.WriteBytes(w, []byte(c.Body))
}

func readChat(r *bitio.Reader) (messages.Message, error) {
	length, err := bitio.ReadUnsignedVariable(r, 9)
	if err != nil {
		return nil, err
	}
	if length > uint64(r.BitsRemaining()/8) {
		return nil, bitio.ErrExhausted
	}
	body, err := bitio.ReadBytes(r, int(length))
	if err != nil {
		return nil, err
	}
	return &Chat{Body: string(body)}, nil
}

// Input is one tick's worth of button state.
type Input struct {
	Up, Down, Left, Right bool
}

func (i *Input) MessageKind() messages.Kind { return inputKind }

func (i *Input) Write(w bitio.BitWrite) {
	w.WriteBit(i.Up)
	w.WriteBit(i.Down)
	w.WriteBit(i.Left)
	w.WriteBit(i.Right)
}

func readInput(r *bitio.Reader) (messages.Message, error) {
	var in Input
	var err error
	if in.Up, err = r.ReadBit(); err != nil {
		return nil, err
	}
	if in.Down, err = r.ReadBit(); err != nil {
		return nil, err
	}
	if in.Left, err = r.ReadBit(); err != nil {
		return nil, err
	}
	if in.Right, err = r.ReadBit(); err != nil {
		return nil, err
	}
	return &in, nil
}

// Transform is a two-axis position with centimeter precision.
type Transform struct {
	x, y    float64
	mutator *component.Mutator
}

const (
	transformFieldX uint8 = iota
	transformFieldY
	transformFieldCount
)

func NewTransform(x, y float64) *Transform {
	return &Transform{x: x, y: y}
}

func (t *Transform) Kind() component.Kind { return transformKind }
func (t *Transform) FieldCount() uint8    { return transformFieldCount }

func (t *Transform) X() float64 { return t.x }
func (t *Transform) Y() float64 { return t.y }

func (t *Transform) SetX(x float64) {
	t.x = x
	t.mutator.Mutate(transformFieldX)
}

func (t *Transform) SetY(y float64) {
	t.y = y
	t.mutator.Mutate(transformFieldY)
}

func (t *Transform) Write(_ entity.Converter, w bitio.BitWrite) {
	bitio.WriteSignedVariableFloat(w, t.x, 7, 2)
	bitio.WriteSignedVariableFloat(w, t.y, 7, 2)
}

func (t *Transform) WriteUpdate(mask *component.DiffMask, _ entity.Converter, w bitio.BitWrite) {
	if mask.Bit(transformFieldX) {
		bitio.WriteSignedVariableFloat(w, t.x, 7, 2)
	}
	if mask.Bit(transformFieldY) {
		bitio.WriteSignedVariableFloat(w, t.y, 7, 2)
	}
}

func (t *Transform) ReadUpdate(mask *component.DiffMask, _ entity.Converter, r *bitio.Reader) error {
	var err error
	if mask.Bit(transformFieldX) {
		if t.x, err = bitio.ReadSignedVariableFloat(r, 7, 2); err != nil {
			return err
		}
	}
	if mask.Bit(transformFieldY) {
		if t.y, err = bitio.ReadSignedVariableFloat(r, 7, 2); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transform) SetMutator(m *component.Mutator) { t.mutator = m.Clone() }

func (t *Transform) WaitingEntities() []entity.RemoteEntity { return nil }

func (t *Transform) ResolveWaitingEntities(_ entity.Converter) {}

func readTransform(_ entity.Converter, r *bitio.Reader) (component.Replicate, error) {
	t := &Transform{}
	var err error
	if t.x, err = bitio.ReadSignedVariableFloat(r, 7, 2); err != nil {
		return nil, err
	}
	if t.y, err = bitio.ReadSignedVariableFloat(r, 7, 2); err != nil {
		return nil, err
	}
	return t, nil
}

// demoProtocol builds the built-in protocol. Registration order is wire
// format; do not reorder.
func demoProtocol() *protocol.Protocol {
	p := protocol.New()
	mustAdd := func(err error) {
		if err != nil {
			panic("demo protocol registration failed: " + err.Error())
		}
	}
	mustAdd(p.AddChannel(ChatChannel, channels.Settings{Mode: channels.OrderedReliable, Direction: channels.Bidirectional}))
	mustAdd(p.AddChannel(InputChannel, channels.Settings{Mode: channels.TickBuffered, Direction: channels.ClientToServer}))
	mustAdd(p.AddMessage(messages.Descriptor{Kind: chatKind, Name: "Chat", Read: readChat}))
	mustAdd(p.AddMessage(messages.Descriptor{Kind: inputKind, Name: "Input", Read: readInput}))
	mustAdd(p.AddComponent(component.Descriptor{
		Kind: transformKind, Name: "Transform", FieldCount: transformFieldCount, ReadCreate: readTransform,
	}))
	return p
}
