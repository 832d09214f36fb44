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

import "github.com/AngelOnFira/naia-sub000/internal/bitio"

// Stock codecs for common field types.

// UintCodec encodes an unsigned integer as a variable integer with the
// given digit width.
func UintCodec(digitBits uint8) Codec[uint64] {
	return Codec[uint64]{
		Write: func(w bitio.BitWrite, v uint64) { bitio.WriteUnsignedVariable(w, v, digitBits) },
		Read:  func(r *bitio.Reader) (uint64, error) { return bitio.ReadUnsignedVariable(r, digitBits) },
		Equal: func(a, b uint64) bool { return a == b },
	}
}

// IntCodec encodes a signed integer as a sign bit plus variable magnitude.
func IntCodec(digitBits uint8) Codec[int64] {
	return Codec[int64]{
		Write: func(w bitio.BitWrite, v int64) { bitio.WriteSignedVariable(w, v, digitBits) },
		Read:  func(r *bitio.Reader) (int64, error) { return bitio.ReadSignedVariable(r, digitBits) },
		Equal: func(a, b int64) bool { return a == b },
	}
}

// FloatCodec encodes a fixed-point float with fractionDigits decimal
// digits of precision.
func FloatCodec(digitBits, fractionDigits uint8) Codec[float64] {
	return Codec[float64]{
		Write: func(w bitio.BitWrite, v float64) {
			bitio.WriteSignedVariableFloat(w, v, digitBits, fractionDigits)
		},
		Read: func(r *bitio.Reader) (float64, error) {
			return bitio.ReadSignedVariableFloat(r, digitBits, fractionDigits)
		},
		Equal: func(a, b float64) bool { return a == b },
	}
}

// BoolCodec encodes a single bit.
func BoolCodec() Codec[bool] {
	return Codec[bool]{
		Write: func(w bitio.BitWrite, v bool) { w.WriteBit(v) },
		Read:  func(r *bitio.Reader) (bool, error) { return r.ReadBit() },
		Equal: func(a, b bool) bool { return a == b },
	}
}

// StringCodec encodes a length-prefixed UTF-8 string.
func StringCodec() Codec[string] {
	return Codec[string]{
		Write: func(w bitio.BitWrite, v string) {
			bitio.WriteUnsignedVariable(w, uint64(len(v)), 7)
			bitio.WriteBytes(w, []byte(v))
		},
		Read: func(r *bitio.Reader) (string, error) {
			length, err := bitio.ReadUnsignedVariable(r, 7)
			if err != nil {
				return "", err
			}
			if length > uint64(r.BitsRemaining()/8) {
				return "", bitio.ErrExhausted
			}
			raw, err := bitio.ReadBytes(r, int(length))
			if err != nil {
				return "", err
			}
			return string(raw), nil
		},
		Equal: func(a, b string) bool { return a == b },
	}
}
