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
	"github.com/AngelOnFira/naia-sub000/internal/wire"
)

var (
	ErrPropertyNotMutable    = errors.New("property cannot be mutated in its current state")
	ErrPropertyNotWritable   = errors.New("property cannot be written to the wire in its current state")
	ErrPropertyNotReadable   = errors.New("property cannot be read from the wire in its current state")
	ErrInvalidTransition     = errors.New("invalid property state transition")
	ErrDelegationRequiresPub = errors.New("remote-owned property must be published before delegation")
)

// Status is the ownership variant of a property.
type Status uint8

const (
	// StatusHostOwned: the local side authors this value and writes it out.
	StatusHostOwned Status = iota
	// StatusRemoteOwned: the peer authors this value; local only reads.
	StatusRemoteOwned
	// StatusRemotePublic: remote-owned but rebroadcast to other peers.
	StatusRemotePublic
	// StatusDelegated: write access follows the entity's authority status.
	StatusDelegated
	// StatusLocal: never replicated.
	StatusLocal
)

func (s Status) String() string {
	switch s {
	case StatusHostOwned:
		return "HostOwned"
	case StatusRemoteOwned:
		return "RemoteOwned"
	case StatusRemotePublic:
		return "RemotePublic"
	case StatusDelegated:
		return "Delegated"
	case StatusLocal:
		return "Local"
	default:
		return "Unknown"
	}
}

// AuthAccessor exposes the live authority status of the entity owning a
// delegated property.
type AuthAccessor interface {
	AuthStatus() wire.EntityAuthStatus
}

// ServerAuth is the accessor for the server side, which always has implicit
// write access to delegated entities.
type ServerAuth struct{}

func (ServerAuth) AuthStatus() wire.EntityAuthStatus { return wire.AuthGranted }

// Codec serializes a property's inner value.
type Codec[T any] struct {
	Write func(w bitio.BitWrite, value T)
	Read  func(r *bitio.Reader) (T, error)
	Equal func(a, b T) bool
}

// Property wraps a serializable field of a replicated component, tracking
// per-field dirty state through its Mutator and gating wire access by its
// ownership variant. Fallible try methods return typed errors; the
// infallible wrappers are for call sites the type system already proved
// safe, and terminate with a diagnostic otherwise.
type Property[T any] struct {
	codec        Codec[T]
	value        T
	status       Status
	mutatorIndex uint8
	mutator      *Mutator
	accessor     AuthAccessor
	// wasHost records which variant a delegated property returns to when
	// delegation is disabled.
	wasHost bool
}

// NewHostProperty creates a host-owned property.
func NewHostProperty[T any](codec Codec[T], value T, mutatorIndex uint8) *Property[T] {
	return &Property[T]{codec: codec, value: value, status: StatusHostOwned, mutatorIndex: mutatorIndex}
}

// NewLocalProperty creates a never-replicated property.
func NewLocalProperty[T any](codec Codec[T], value T) *Property[T] {
	return &Property[T]{codec: codec, value: value, status: StatusLocal}
}

// NewReadProperty creates a remote-owned property by reading its initial
// value from the wire.
func NewReadProperty[T any](codec Codec[T], r *bitio.Reader) (*Property[T], error) {
	value, err := codec.Read(r)
	if err != nil {
		return nil, err
	}
	return &Property[T]{codec: codec, value: value, status: StatusRemoteOwned}, nil
}

// Status returns the current ownership variant.
func (p *Property[T]) Status() Status { return p.status }

// Get returns the current value.
func (p *Property[T]) Get() T { return p.value }

// SetMutator attaches the dirty-bit handle.
func (p *Property[T]) SetMutator(m *Mutator) {
	p.mutator = m.Clone()
}

// TrySet mutates the value in place, flagging the field dirty.
func (p *Property[T]) TrySet(value T) error {
	switch p.status {
	case StatusLocal:
		p.value = value
		return nil
	case StatusHostOwned:
		p.value = value
		p.mutator.Mutate(p.mutatorIndex)
		return nil
	case StatusDelegated:
		if p.accessor == nil || !p.accessor.AuthStatus().CanMutate() {
			return ErrPropertyNotMutable
		}
		p.value = value
		p.mutator.Mutate(p.mutatorIndex)
		return nil
	default:
		return ErrPropertyNotMutable
	}
}

// Set is the infallible TrySet.
func (p *Property[T]) Set(value T) {
	if err := p.TrySet(value); err != nil {
		panic(fmt.Sprintf("property set in state %s: %v", p.status, err))
	}
}

// TryWrite serializes the value to the wire.
func (p *Property[T]) TryWrite(w bitio.BitWrite) error {
	switch p.status {
	case StatusHostOwned, StatusRemotePublic:
		p.codec.Write(w, p.value)
		return nil
	case StatusDelegated:
		if p.accessor == nil || !p.accessor.AuthStatus().CanWrite() {
			return ErrPropertyNotWritable
		}
		p.codec.Write(w, p.value)
		return nil
	default:
		return ErrPropertyNotWritable
	}
}

// Write is the infallible TryWrite.
func (p *Property[T]) Write(w bitio.BitWrite) {
	if err := p.TryWrite(w); err != nil {
		panic(fmt.Sprintf("property write in state %s: %v", p.status, err))
	}
}

// TryRead applies a value from the wire.
func (p *Property[T]) TryRead(r *bitio.Reader) error {
	switch p.status {
	case StatusRemoteOwned, StatusRemotePublic:
	case StatusDelegated:
		if p.accessor != nil && p.accessor.AuthStatus().CanWrite() {
			// The authoritative side does not accept peer values.
			return ErrPropertyNotReadable
		}
	default:
		return ErrPropertyNotReadable
	}
	value, err := p.codec.Read(r)
	if err != nil {
		return err
	}
	p.value = value
	return nil
}

// Mirror copies other's value without touching ownership, flagging dirty if
// host-authored.
func (p *Property[T]) Mirror(other *Property[T]) {
	_ = p.TrySet(other.value)
	if p.status == StatusRemoteOwned || p.status == StatusRemotePublic {
		p.value = other.value
	}
}

// Equals compares inner values.
func (p *Property[T]) Equals(other *Property[T]) bool {
	if p.codec.Equal != nil {
		return p.codec.Equal(p.value, other.value)
	}
	return false
}

// TryRemotePublish transitions RemoteOwned → RemotePublic.
func (p *Property[T]) TryRemotePublish(mutatorIndex uint8, mutator *Mutator) error {
	if p.status != StatusRemoteOwned {
		return ErrInvalidTransition
	}
	p.status = StatusRemotePublic
	p.mutatorIndex = mutatorIndex
	p.mutator = mutator.Clone()
	return nil
}

// TryRemoteUnpublish transitions RemotePublic → RemoteOwned.
func (p *Property[T]) TryRemoteUnpublish() error {
	if p.status != StatusRemotePublic {
		return ErrInvalidTransition
	}
	p.status = StatusRemoteOwned
	p.mutator = nil
	return nil
}

// TryEnableDelegation transitions HostOwned or RemotePublic → Delegated.
// A RemoteOwned property must be published first.
func (p *Property[T]) TryEnableDelegation(accessor AuthAccessor, mutatorIndex uint8, mutator *Mutator) error {
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

// TryDisableDelegation transitions Delegated back to the variant it came
// from.
func (p *Property[T]) TryDisableDelegation() error {
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
func (p *Property[T]) TryLocalize() error {
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
