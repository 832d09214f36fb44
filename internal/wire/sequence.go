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

// Wrap-safe ordering over 16-bit sequence numbers. Two ids compare
// correctly as long as they are less than 2^15 apart.

const half = 1 << 15

// SequenceGreaterThan reports whether a is logically after b.
func SequenceGreaterThan[T ~uint16](a, b T) bool {
	return (a > b && a-b <= half) || (a < b && b-a > half)
}

// SequenceLessThan reports whether a is logically before b.
func SequenceLessThan[T ~uint16](a, b T) bool {
	return SequenceGreaterThan(b, a)
}

// SequenceDelta returns the forward distance from b to a.
func SequenceDelta[T ~uint16](a, b T) uint16 {
	return uint16(a) - uint16(b)
}
