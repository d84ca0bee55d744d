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

// Package queue provides the per-signal outbound packet buffer that sits
// between external packet producers and the packet pump (component E):
// producers Push raw sample payloads keyed by global id, and the pump's
// tick Drains them.
package queue

import (
	"sync"

	"github.com/opendaq/native-streaming/internal/streaming"
)

// Queue is a map-of-slices buffer, safe for concurrent Push from producer
// goroutines and concurrent Drain from the pump's tick.
type Queue struct {
	mu   sync.Mutex
	data map[string][][]byte
}

func NewQueue() *Queue {
	return &Queue{
		data: make(map[string][][]byte),
	}
}

// Push appends value to key's queue and returns the new length.
func (q *Queue) Push(key string, value []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.data[key] = append(q.data[key], value)
	return len(q.data[key]), nil
}

// Drain returns and clears everything buffered under key.
func (q *Queue) Drain(key string) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	values := q.data[key]
	delete(q.data, key)
	return values
}

func (q *Queue) Delete(key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.data, key)
	return nil
}

// Source adapts one key of a Queue into a streaming.PacketSource, so the
// pump can drain it without knowing about Queue's batch-oriented API.
type Source struct {
	q      *Queue
	key    string
	kind   streaming.PacketKind
	buf    [][]byte
	cursor int
}

// NewSource returns a PacketSource that drains key from q, tagging every
// payload with kind.
func NewSource(q *Queue, key string, kind streaming.PacketKind) *Source {
	return &Source{q: q, key: key, kind: kind}
}

// Read implements streaming.PacketSource, refilling from the underlying
// Queue once its local buffer is exhausted.
func (s *Source) Read() (streaming.Packet, bool) {
	if s.cursor >= len(s.buf) {
		s.buf = s.q.Drain(s.key)
		s.cursor = 0
		if len(s.buf) == 0 {
			return streaming.Packet{}, false
		}
	}
	payload := s.buf[s.cursor]
	s.cursor++
	return streaming.Packet{Kind: s.kind, Payload: payload}, true
}
