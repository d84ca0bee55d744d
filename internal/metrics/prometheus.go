// SPDX-License-Identifier: AGPL-3.0-or-later
// openDAQ Native Streaming - TCP pub/sub middleware protocol for openDAQ
// Copyright (C) 2023-2026 Jacob McSwain
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

// Package metrics exposes Prometheus counters and gauges for the server
// handler, pump, and client reconnection controller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	SessionsActive       prometheus.Gauge
	SubscriptionsActive  prometheus.Gauge
	PacketsSentTotal     prometheus.Counter
	PacketsDroppedTotal  prometheus.Counter
	FrameDecodeErrors    prometheus.Counter
	ReconnectsTotal      prometheus.Counter
	PumpTickDuration     prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "The current number of connected sessions",
		}),
		SubscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "subscriptions_active",
			Help: "The current number of subscriptions, summed across all advertised signals",
		}),
		PacketsSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "packets_sent_total",
			Help: "The total number of packets fanned out to subscribed sessions",
		}),
		PacketsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "packets_dropped_total",
			Help: "The total number of packets dropped because a signal had no subscribers",
		}),
		FrameDecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frame_decode_errors_total",
			Help: "The total number of frames that failed to decode",
		}),
		ReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconnects_total",
			Help: "The total number of times the client entered the reconnecting state",
		}),
		PumpTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pump_tick_duration_seconds",
			Help:    "Duration of one packet pump drain tick",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.register()
	return m
}

func (m *Metrics) register() {
	prometheus.MustRegister(m.SessionsActive)
	prometheus.MustRegister(m.SubscriptionsActive)
	prometheus.MustRegister(m.PacketsSentTotal)
	prometheus.MustRegister(m.PacketsDroppedTotal)
	prometheus.MustRegister(m.FrameDecodeErrors)
	prometheus.MustRegister(m.ReconnectsTotal)
	prometheus.MustRegister(m.PumpTickDuration)
}

func (m *Metrics) SessionOpened() { m.SessionsActive.Inc() }
func (m *Metrics) SessionClosed() { m.SessionsActive.Dec() }

func (m *Metrics) SetSubscriptionsActive(count float64) {
	m.SubscriptionsActive.Set(count)
}

func (m *Metrics) RecordPacketSent() { m.PacketsSentTotal.Inc() }

func (m *Metrics) RecordPacketDropped() { m.PacketsDroppedTotal.Inc() }

func (m *Metrics) RecordFrameDecodeError() { m.FrameDecodeErrors.Inc() }

func (m *Metrics) RecordReconnect() { m.ReconnectsTotal.Inc() }

func (m *Metrics) RecordPumpTick(seconds float64) { m.PumpTickDuration.Observe(seconds) }
