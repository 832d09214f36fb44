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

package component

import (
	"errors"
	"fmt"

	"github.com/AngelOnFira/naia-sub000/internal/bitio"
	"github.com/AngelOnFira/naia-sub000/internal/entity"
)

var ErrPropertyStillWaiting = errors.New("entity property reference is not yet resolved")

// EntityProperty is the special-cased property whose value is another
// entity. On the wire it is a presence bit followed by an OwnedLocalEntity
// (tag reversed on read). If a read reference has no global mapping yet the
// property enters a waiting sub-state and the containing component is
// parked on the waitlist until the reference resolves.
type EntityProperty struct {
	status       Status
	value        *entity.GlobalEntity
	waiting      *entity.RemoteEntity
	mutatorIndex uint8
	mutator      *Mutator
	accessor     AuthAccessor
	wasHost      bool
}

// NewHostEntityProperty creates a host-owned entity reference.
func NewHostEntityProperty(mutatorIndex uint8) *EntityProperty {
	return &EntityProperty{status: StatusHostOwned, mutatorIndex: mutatorIndex}
}

// NewReadEntityProperty creates a remote-owned entity reference by reading
// it from the wire. A reference to an unmapped remote entity leaves the
// property waiting.
func NewReadEntityProperty(conv entity.Converter, r *bitio.Reader) (*EntityProperty, error) {
	p := &EntityProperty{status: StatusRemoteOwned}
	if err := p.readInto(conv, r); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *EntityProperty) readInto(conv entity.Converter, r *bitio.Reader) error {
	present, err := r.ReadBit()
	if err != nil {
		return err
	}
	if !present {
		p.value = nil
		p.waiting = nil
		return nil
	}
	owned, err := entity.DeOwnedLocalEntity(r)
	if err != nil {
		return err
	}
	global, err := conv.GlobalFromOwned(owned)
	if err != nil {
		if errors.Is(err, entity.ErrEntityNotMapped) && !owned.Host {
			remote := entity.RemoteEntity(owned.Value)
			p.waiting = &remote
			p.value = nil
			return nil
		}
		return err
	}
	p.value = &global
	p.waiting = nil
	return nil
}

// Status returns the ownership variant.
func (p *EntityProperty) Status() Status { return p.status }

// Get returns the referenced global entity, or false when unset or waiting.
func (p *EntityProperty) Get() (entity.GlobalEntity, bool) {
	if p.value == nil {
		return 0, false
	}
	return *p.value, true
}

// IsWaiting reports whether the reference is parked on an unresolved remote
// entity.
func (p *EntityProperty) IsWaiting() bool { return p.waiting != nil }

// WaitingEntity returns the unresolved dependency, if any.
func (p *EntityProperty) WaitingEntity() (entity.RemoteEntity, bool) {
	if p.waiting == nil {
		return 0, false
	}
	return *p.waiting, true
}

// SetMutator attaches the dirty-bit handle.
func (p *EntityProperty) SetMutator(m *Mutator) {
	p.mutator = m.Clone()
}

// TrySet points the reference at global (nil-able via TryClear).
func (p *EntityProperty) TrySet(global entity.GlobalEntity) error {
	if err := p.checkMutable(); err != nil {
		return err
	}
	g := global
	p.value = &g
	p.waiting = nil
	p.mutator.Mutate(p.mutatorIndex)
	return nil
}

// TryClear unsets the reference.
func (p *EntityProperty) TryClear() error {
	if err := p.checkMutable(); err != nil {
		return err
	}
	p.value = nil
	p.waiting = nil
	p.mutator.Mutate(p.mutatorIndex)
	return nil
}

func (p *EntityProperty) checkMutable() error {
	switch p.status {
	case StatusLocal, StatusHostOwned:
		return nil
	case StatusDelegated:
		if p.accessor == nil || !p.accessor.AuthStatus().CanMutate() {
			return ErrPropertyNotMutable
		}
		return nil
	default:
		return ErrPropertyNotMutable
	}
}

// TryWrite serializes the presence bit and reference.
func (p *EntityProperty) TryWrite(conv entity.Converter, w bitio.BitWrite) error {
	switch p.status {
	case StatusHostOwned, StatusRemotePublic:
	case StatusDelegated:
		if p.accessor == nil || !p.accessor.AuthStatus().CanWrite() {
			return ErrPropertyNotWritable
		}
	default:
		return ErrPropertyNotWritable
	}
	if p.waiting != nil {
		return ErrPropertyStillWaiting
	}
	if p.value == nil {
		w.WriteBit(false)
		return nil
	}
	owned, err := conv.OwnedFromGlobal(*p.value)
	if err != nil {
		return err
	}
	w.WriteBit(true)
	owned.Ser(w)
	return nil
}

// Write is the infallible TryWrite.
func (p *EntityProperty) Write(conv entity.Converter, w bitio.BitWrite) {
	if err := p.TryWrite(conv, w); err != nil {
		panic(fmt.Sprintf("entity property write in state %s: %v", p.status, err))
	}
}

// TryRead applies a reference from the wire.
func (p *EntityProperty) TryRead(conv entity.Converter, r *bitio.Reader) error {
	switch p.status {
	case StatusRemoteOwned, StatusRemotePublic:
	case StatusDelegated:
		if p.accessor != nil && p.accessor.AuthStatus().CanWrite() {
			return ErrPropertyNotReadable
		}
	default:
		return ErrPropertyNotReadable
	}
	return p.readInto(conv, r)
}

// Resolve retries a waiting reference against conv. Returns true when the
// reference is no longer waiting.
func (p *EntityProperty) Resolve(conv entity.Converter) bool {
	if p.waiting == nil {
		return true
	}
	global, err := conv.GlobalFromOwned(entity.OwnedRemote(*p.waiting))
	if err != nil {
		return false
	}
	p.value = &global
	p.waiting = nil
	return true
}

// TryRemotePublish transitions RemoteOwned → RemotePublic.
func (p *EntityProperty) TryRemotePublish(mutatorIndex uint8, mutator *Mutator) error {
	if p.status != StatusRemoteOwned {
		return ErrInvalidTransition
	}
	p.status = StatusRemotePublic
	p.mutatorIndex = mutatorIndex
	p.mutator = mutator.Clone()
	return nil
}

// TryRemoteUnpublish transitions RemotePublic → RemoteOwned.
func (p *EntityProperty) TryRemoteUnpublish() error {
	if p.status != StatusRemotePublic {
		return ErrInvalidTransition
	}
	p.status = StatusRemoteOwned
	p.mutator = nil
	return nil
}

// TryEnableDelegation transitions HostOwned or RemotePublic → Delegated.
func (p *EntityProperty) TryEnableDelegation(accessor AuthAccessor, mutatorIndex uint8, mutator *Mutator) error {
	switch p.status {
	case StatusHostOwned:
		p.wasHost = true
	case StatusRemotePublic:
		p.wasHost = false
	case StatusRemoteOwned:
		return ErrDelegationRequiresPub
	default:
		return ErrInvalidTransition
	}
	p.status = StatusDelegated
	p.accessor = accessor
	p.mutatorIndex = mutatorIndex
	if mutator != nil {
		p.mutator = mutator.Clone()
	}
	return nil
}

// TryDisableDelegation transitions Delegated back to its former variant.
func (p *EntityProperty) TryDisableDelegation() error {
	if p.status != StatusDelegated {
		return ErrInvalidTransition
	}
	p.accessor = nil
	if p.wasHost {
		p.status = StatusHostOwned
	} else {
		p.status = StatusRemotePublic
	}
	return nil
}

// TryLocalize transitions HostOwned or Delegated → Local.
func (p *EntityProperty) TryLocalize() error {
	switch p.status {
	case StatusHostOwned, StatusDelegated:
		p.status = StatusLocal
		p.mutator = nil
		p.accessor = nil
		return nil
	default:
		return ErrInvalidTransition
	}
}
