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

package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opendaq/native-streaming/internal/protocol"
)

// outboundQueueSize bounds each session's send queue (§5 "one bounded
// outbound queue per session"). A session whose consumer can't keep up is
// dropped rather than allowed to apply backpressure to the fan-out path.
const outboundQueueSize = 1024

// ConfigCallback processes one inbound ConfigBlob frame and returns the
// reply bytes to send back, or nil to send nothing. It is obtained once per
// accepted connection from the handler's ConfigProtocolFactory (§4.2).
type ConfigCallback func(data []byte) []byte

// session is a connected peer (§3 "Session"). It holds only state that is
// either owned outright by this session (the connection, the outbound
// queue) or a lookup-only back-reference to the handler; subscription
// membership for fan-out purposes lives on the shared advertisedSignal, not
// here, so session never needs a lock shared with the pump.
type session struct {
	id         uint64
	conn       net.Conn
	remoteAddr string
	openedAt   time.Time

	out  chan protocol.Frame
	done chan struct{}

	configCb ConfigCallback

	closeOnce sync.Once
	closed    atomic.Bool

	// subscribedGIDs records which signals this session is subscribed to,
	// purely so session-close cleanup knows which advertisedSignal entries
	// to visit without scanning the whole advertised set.
	subMu         sync.Mutex
	subscribedGID map[string]struct{}
}

func newSession(id uint64, conn net.Conn, configCb ConfigCallback) *session {
	return &session{
		id:            id,
		conn:          conn,
		remoteAddr:    conn.RemoteAddr().String(),
		openedAt:      time.Now(),
		out:           make(chan protocol.Frame, outboundQueueSize),
		done:          make(chan struct{}),
		configCb:      configCb,
		subscribedGID: make(map[string]struct{}),
	}
}

// trySend enqueues a frame without blocking. If the session's outbound
// queue is full the session is treated as a slow/dead consumer and closed;
// the caller learns this via the bool return but never blocks. s.out is
// never closed (only s.done is, by close()), so this send can race close()
// from any other goroutine without ever panicking on a send to a closed
// channel: the worst case is one frame enqueued just before the session
// tears down, which writeLoop's own done-guarded select simply never reads.
func (s *session) trySend(stream protocol.StreamID, typ protocol.PayloadType, payload protocol.Payload) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.out <- protocol.Frame{Stream: stream, Type: typ, Payload: payload}:
		return true
	case <-s.done:
		return false
	default:
		s.close()
		return false
	}
}

func (s *session) markSubscribed(gid string) {
	s.subMu.Lock()
	s.subscribedGID[gid] = struct{}{}
	s.subMu.Unlock()
}

func (s *session) markUnsubscribed(gid string) {
	s.subMu.Lock()
	delete(s.subscribedGID, gid)
	s.subMu.Unlock()
}

func (s *session) subscribedSnapshot() []string {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	gids := make([]string, 0, len(s.subscribedGID))
	for gid := range s.subscribedGID {
		gids = append(gids, gid)
	}
	return gids
}

// writeLoop drains the outbound queue onto the wire until the session
// closes. It never closes s.out itself: s.out is written to by any
// goroutine calling trySend, and closing a channel another goroutine may
// still be sending on panics, so only s.done (exclusively owned by close's
// sync.Once) is ever closed as the shutdown signal.
func (s *session) writeLoop() {
	for {
		select {
		case frame := <-s.out:
			if err := protocol.WriteFrame(s.conn, frame.Stream, frame.Type, frame.Payload); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// close is idempotent: it may be called concurrently from the read loop (on
// a framing/transport error), from trySend's overflow path, and from
// StopServer's shutdown sweep. It only ever closes s.done, never s.out, so
// a concurrent trySend can never race a send against a close of the same
// channel (§5 "sendPacket... enqueues onto each target session's outbound
// queue").
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		_ = s.conn.Close()
	})
}
