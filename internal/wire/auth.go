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

// EntityAuthStatus is the per-entity authority state for a delegated
// entity, as seen by one host. The server always has implicit
// read/write/mutate and never requests or releases.
type EntityAuthStatus uint8

const (
	AuthAvailable EntityAuthStatus = iota
	AuthRequested
	AuthGranted
	AuthReleasing
	AuthDenied
)

func (s EntityAuthStatus) String() string {
	switch s {
	case AuthAvailable:
		return "Available"
	case AuthRequested:
		return "Requested"
	case AuthGranted:
		return "Granted"
	case AuthReleasing:
		return "Releasing"
	case AuthDenied:
		return "Denied"
	default:
		return "Unknown"
	}
}

// CanRequest reports whether a client may request authority in this state.
func (s EntityAuthStatus) CanRequest() bool {
	return s == AuthAvailable
}

// CanRelease reports whether a client may release authority in this state.
func (s EntityAuthStatus) CanRelease() bool {
	return s == AuthRequested || s == AuthGranted
}

// CanWrite reports whether a client may write entity state in this state.
func (s EntityAuthStatus) CanWrite() bool {
	return s == AuthGranted || s == AuthReleasing
}

// CanRead reports whether a client may read peer updates in this state.
func (s EntityAuthStatus) CanRead() bool {
	return s == AuthAvailable || s == AuthReleasing || s == AuthDenied
}

// CanMutate reports whether local mutation (without wire write access) is
// permitted in this state.
func (s EntityAuthStatus) CanMutate() bool {
	return s == AuthRequested || s.CanWrite()
}
