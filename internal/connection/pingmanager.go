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

package connection

import (
	"time"

	"github.com/AngelOnFira/naia-sub000/internal/bitio"
	"github.com/AngelOnFira/naia-sub000/internal/wire"
)

// rttSmoothing is the EWMA factor for new RTT samples.
const rttSmoothing = 0.1

// initialRTT seeds the estimate before any pong arrives.
const initialRTT = 100 * time.Millisecond

// PingManager estimates round-trip time and jitter from ping/pong
// exchanges.
type PingManager struct {
	nextIndex wire.MessageIndex
	inFlight  map[wire.MessageIndex]time.Time

	rtt    time.Duration
	jitter time.Duration
	lastPing time.Time
}

// NewPingManager creates a manager with the initial RTT estimate.
func NewPingManager() *PingManager {
	return &PingManager{
		inFlight: make(map[wire.MessageIndex]time.Time),
		rtt:      initialRTT,
	}
}

// RTT returns the smoothed round-trip estimate.
func (p *PingManager) RTT() time.Duration { return p.rtt }

// Jitter returns the smoothed deviation estimate.
func (p *PingManager) Jitter() time.Duration { return p.jitter }

// ShouldPing reports whether a ping is due.
func (p *PingManager) ShouldPing(now time.Time, interval time.Duration) bool {
	return now.Sub(p.lastPing) >= interval
}

// WritePing records an outgoing ping and writes its index.
func (p *PingManager) WritePing(w bitio.BitWrite, now time.Time) {
	index := p.nextIndex
	p.nextIndex++
	p.inFlight[index] = now
	p.lastPing = now
	bitio.WriteUnsigned(w, uint64(index), 16)
}

// ReadPing parses a ping and returns the index to echo.
func ReadPing(r *bitio.Reader) (wire.MessageIndex, error) {
	raw, err := bitio.ReadUnsigned(r, 16)
	if err != nil {
		return 0, err
	}
	return wire.MessageIndex(raw), nil
}

// WritePong echoes a ping index.
func WritePong(w bitio.BitWrite, index wire.MessageIndex) {
	bitio.WriteUnsigned(w, uint64(index), 16)
}

// ProcessPong folds a pong into the RTT and jitter estimates.
func (p *PingManager) ProcessPong(r *bitio.Reader, now time.Time) error {
	raw, err := bitio.ReadUnsigned(r, 16)
	if err != nil {
		return err
	}
	index := wire.MessageIndex(raw)
	sentAt, ok := p.inFlight[index]
	if !ok {
		return nil // stale or duplicated pong
	}
	delete(p.inFlight, index)

	sample := now.Sub(sentAt)
	deviation := sample - p.rtt
	if deviation < 0 {
		deviation = -deviation
	}
	p.rtt += time.Duration(float64(deviation) * rttSmoothing * sign(sample-p.rtt))
	p.jitter += time.Duration((float64(deviation) - float64(p.jitter)) * rttSmoothing)
	return nil
}

func sign(d time.Duration) float64 {
	if d < 0 {
		return -1
	}
	return 1
}
