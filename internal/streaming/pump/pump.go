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

// Package pump implements the packet pump (component E): a single thread
// that drains per-signal packet queues into the server handler's fan-out on
// a fixed tick, so external packet producers never block on delivery.
package pump

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opendaq/native-streaming/internal/metrics"
	"github.com/opendaq/native-streaming/internal/streaming"
)

// DefaultTick is the pump's drain interval, matching the reference
// implementation's readThreadSleepTime (§12).
const DefaultTick = 20 * time.Millisecond

// Sink is what the pump drains packets into: the server handler's
// SendPacket, kept as an interface so the pump doesn't import the server
// package directly.
type Sink interface {
	SendPacket(ctx context.Context, sig streaming.Signal, pkt streaming.Packet)
}

type source struct {
	signal streaming.Signal
	reader streaming.PacketSource
}

// Pump owns the registered per-signal packet sources and drains them onto a
// sink at a fixed tick. Add/Remove are idempotent and guarded by their own
// mutex, distinct from the server handler's catalogue mutex and from any one
// session's state (§5 "Shared state").
type Pump struct {
	logger  *slog.Logger
	sink    Sink
	tick    time.Duration
	metrics *metrics.Metrics

	mu      sync.Mutex
	order   []string // insertion order of sources' keys, for drainOnce (§4.3 "iterate the vector in insertion order")
	sources map[string]source

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Pump. tick <= 0 selects DefaultTick.
func New(logger *slog.Logger, sink Sink, tick time.Duration) *Pump {
	if logger == nil {
		logger = slog.Default()
	}
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Pump{
		logger:  logger,
		sink:    sink,
		tick:    tick,
		sources: make(map[string]source),
	}
}

// SetMetrics attaches m so each drain tick's duration is recorded. Leaving it
// unset, as in tests that don't call this, makes RecordPumpTick a no-op.
func (p *Pump) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// Add registers sig's packet source, appending it to the drain order if its
// global id is not already registered. Calling Add again for an already
// registered global id replaces its reader in place, without moving it
// within the drain order.
func (p *Pump) Add(sig streaming.Signal, reader streaming.PacketSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	gid := sig.GlobalID()
	if _, exists := p.sources[gid]; !exists {
		p.order = append(p.order, gid)
	}
	p.sources[gid] = source{signal: sig, reader: reader}
}

// Remove unregisters every source whose global id is gid or nested under it,
// preserving the drain order of everything kept. Removing an id that was
// never registered is a no-op.
func (p *Pump) Remove(prefix string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.order[:0:0]
	for _, gid := range p.order {
		if streaming.IsDescendant(prefix, gid) {
			delete(p.sources, gid)
		} else {
			kept = append(kept, gid)
		}
	}
	p.order = kept
}

// Start begins the tick loop in the background. Calling Start twice without
// an intervening Stop is a no-op.
func (p *Pump) Start(ctx context.Context) {
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx)
}

// Stop cancels the tick loop and waits for it to exit.
func (p *Pump) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
}

func (p *Pump) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drainOnce(ctx)
		}
	}
}

// drainOnce drains every registered source until empty, in insertion order,
// and forwards each packet to the sink, never blocking on a single slow or
// empty source (§4.3 "iterates the vector in insertion order; for each
// signal it drains the reader until empty, handing each packet to
// sendPacket").
func (p *Pump) drainOnce(ctx context.Context) {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.RecordPumpTick(time.Since(start).Seconds())
		}
	}()

	p.mu.Lock()
	sources := make([]source, 0, len(p.order))
	for _, gid := range p.order {
		sources = append(sources, p.sources[gid])
	}
	p.mu.Unlock()

	for _, src := range sources {
		for {
			pkt, ok := src.reader.Read()
			if !ok {
				break
			}
			p.sink.SendPacket(ctx, src.signal, pkt)
		}
	}
}

// Len reports the number of registered sources, for tests and metrics.
func (p *Pump) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sources)
}
