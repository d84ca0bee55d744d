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

package pump_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opendaq/native-streaming/internal/streaming"
	"github.com/opendaq/native-streaming/internal/streaming/pump"
	"github.com/stretchr/testify/require"
)

type fakeSignal struct{ gid string }

func (s fakeSignal) GlobalID() string                       { return s.gid }
func (s fakeSignal) IsPublic() bool                         { return true }
func (s fakeSignal) SerializedDescriptor() (string, error)  { return "{}", nil }

type queueSource struct {
	mu    sync.Mutex
	items []streaming.Packet
}

func (q *queueSource) push(p streaming.Packet) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, p)
}

func (q *queueSource) Read() (streaming.Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return streaming.Packet{}, false
	}
	p := q.items[0]
	q.items = q.items[1:]
	return p, true
}

type recordingSink struct {
	mu       sync.Mutex
	received []streaming.Packet
}

func (s *recordingSink) SendPacket(_ context.Context, _ streaming.Signal, pkt streaming.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, pkt)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func TestPumpDrainsRegisteredSource(t *testing.T) {
	sink := &recordingSink{}
	p := pump.New(nil, sink, 5*time.Millisecond)
	q := &queueSource{}
	p.Add(fakeSignal{gid: "/dev0/sig0"}, q)

	q.push(streaming.Packet{Payload: []byte{1}})
	q.push(streaming.Packet{Payload: []byte{2}})

	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool { return sink.count() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestPumpRemoveStopsDrainingPrefix(t *testing.T) {
	sink := &recordingSink{}
	p := pump.New(nil, sink, 5*time.Millisecond)
	q := &queueSource{}
	p.Add(fakeSignal{gid: "/dev0/sig0"}, q)
	require.Equal(t, 1, p.Len())

	p.Remove("/dev0")
	require.Equal(t, 0, p.Len())

	q.push(streaming.Packet{Payload: []byte{1}})
	p.Start(context.Background())
	defer p.Stop()

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 0, sink.count())
}

func TestPumpEmptySourceNeverBlocksOthers(t *testing.T) {
	sink := &recordingSink{}
	p := pump.New(nil, sink, 5*time.Millisecond)
	empty := &queueSource{}
	full := &queueSource{}
	p.Add(fakeSignal{gid: "/dev0/empty"}, empty)
	p.Add(fakeSignal{gid: "/dev0/full"}, full)
	full.push(streaming.Packet{Payload: []byte{7}})

	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool { return sink.count() >= 1 }, time.Second, 5*time.Millisecond)
}
