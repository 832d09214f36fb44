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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the replication core's counters.
type Metrics struct {
	PacketsSentTotal     *prometheus.CounterVec
	PacketsReceivedTotal *prometheus.CounterVec
	MessagesDelivered    *prometheus.CounterVec
	CommandsRetired      prometheus.Counter
	EntitiesLive         prometheus.Gauge
	UsersConnected       prometheus.Gauge
	StragglersDropped    prometheus.Counter
}

// NewMetrics creates and registers the replication metrics.
func NewMetrics() *Metrics {
	metrics := &Metrics{
		PacketsSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replication_packets_sent_total",
			Help: "The total number of packets sent, by packet type",
		}, []string{"type"}),
		PacketsReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replication_packets_received_total",
			Help: "The total number of packets received, by packet type",
		}, []string{"type"}),
		MessagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replication_messages_delivered_total",
			Help: "The total number of messages delivered to the embedder, by channel mode",
		}, []string{"mode"}),
		CommandsRetired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replication_commands_retired_total",
			Help: "The total number of entity commands retired by delivery notification",
		}),
		EntitiesLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replication_entities_live",
			Help: "The current number of entities in the global registry",
		}),
		UsersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replication_users_connected",
			Help: "The current number of connected users",
		}),
		StragglersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replication_stragglers_dropped_total",
			Help: "The total number of commands dropped by the reorder guard band",
		}),
	}
	metrics.register()
	return metrics
}

func (m *Metrics) register() {
	prometheus.MustRegister(m.PacketsSentTotal)
	prometheus.MustRegister(m.PacketsReceivedTotal)
	prometheus.MustRegister(m.MessagesDelivered)
	prometheus.MustRegister(m.CommandsRetired)
	prometheus.MustRegister(m.EntitiesLive)
	prometheus.MustRegister(m.UsersConnected)
	prometheus.MustRegister(m.StragglersDropped)
}

// RecordPacketSent increments the sent counter for a packet type.
func (m *Metrics) RecordPacketSent(packetType string) {
	m.PacketsSentTotal.WithLabelValues(packetType).Inc()
}

// RecordPacketReceived increments the received counter for a packet type.
func (m *Metrics) RecordPacketReceived(packetType string) {
	m.PacketsReceivedTotal.WithLabelValues(packetType).Inc()
}
