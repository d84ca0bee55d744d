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

// Package client implements the native streaming client handler (component D)
// and its reconnection controller (component G): one outbound session, the
// mirror of server-announced signals, pending subscribe/unsubscribe futures,
// and the Connected/Reconnecting/Restored state machine (§4.4).
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opendaq/native-streaming/internal/config"
	"github.com/opendaq/native-streaming/internal/protocol"
	"github.com/opendaq/native-streaming/internal/streaming"
	"go.opentelemetry.io/otel"
)

// State is the client's reconnection state (§4.4).
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateRestored
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateRestored:
		return "restored"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrDisconnected = errors.New("client: disconnected")
	ErrClosed       = errors.New("client: closed")
)

// Hooks are the callbacks surfaced to collaborators (§4.4 "Callbacks
// surfaced to collaborators").
type Hooks struct {
	SignalAvailable           func(globalID, serializedDescriptor string)
	SignalUnavailable         func(globalID string)
	Packet                    func(globalID string, pkt streaming.Packet)
	ReconnectionStatusChanged func(status State)
}

type mirrorEntry struct {
	descriptor string
}

type requestKind byte

const (
	kindSubscribe requestKind = iota
	kindUnsubscribe
)

type pendingRequest struct {
	kind    requestKind
	waiters []chan error
	since   time.Time
}

// Client owns one outbound session to a native streaming server.
type Client struct {
	logger *slog.Logger
	hooks  Hooks
	cfg    config.Reconnect

	addr string

	mu               sync.Mutex
	mirror           map[string]mirrorEntry
	subscribedIntent map[string]struct{}
	pending          map[uint32]*pendingRequest
	pendingByGID     map[string]uint32
	nextRequestID    uint32

	connMu   sync.Mutex
	conn     net.Conn
	out      chan protocol.Frame
	connDone chan struct{} // closed when this connection's epoch ends, to stop its heartbeatLoop/writeLoop
	connLost chan error    // readLoop reports its terminal error here exactly once per epoch

	state         atomic.Int32
	lastHeartbeat atomic.Int64
	closeCh       chan struct{}
	closeOnce     sync.Once
}

// New constructs a client handler. cfg configures the reconnection
// controller (component G); hooks may be left zero-valued for any callback
// not needed.
func New(logger *slog.Logger, cfg config.Reconnect, hooks Hooks) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		logger:           logger,
		hooks:            hooks,
		cfg:              cfg,
		mirror:           make(map[string]mirrorEntry),
		subscribedIntent: make(map[string]struct{}),
		pending:          make(map[uint32]*pendingRequest),
		pendingByGID:     make(map[string]uint32),
		closeCh:          make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// State reports the client's current reconnection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	if c.hooks.ReconnectionStatusChanged != nil {
		c.hooks.ReconnectionStatusChanged(s)
	}
}

// Connect dials addr and performs the initial handshake. On success it
// starts the background read/write/heartbeat loops and the reconnection
// supervisor that takes over on any later transport failure. Connect itself
// does not retry: a failed first attempt is returned to the caller.
func (c *Client) Connect(ctx context.Context, addr string) error {
	ctx, span := otel.Tracer("native-streaming").Start(ctx, "ClientHandler.Connect")
	defer span.End()

	c.addr = addr
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return err
	}
	lost, err := c.attach(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	c.setState(StateConnected)
	go c.supervise(lost)
	return nil
}

func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return conn, nil
}

// attach wires up a freshly dialed connection: reads the server's initial
// StateRestore burst, diffs it against the pre-existing mirror set (a no-op
// diff against an empty mirror on first connect), and starts the per-session
// goroutines. The read loop is started before resubscribeIntent runs so that
// acks for the re-issued Subscribe requests are actually received.
func (c *Client) attach(conn net.Conn) (chan error, error) {
	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("client: read initial announcement: %w", err)
	}
	restore, ok := frame.Payload.(protocol.StateRestore)
	if !ok {
		return nil, fmt.Errorf("client: expected StateRestore, got %T", frame.Payload)
	}
	c.applyRestore(restore)

	c.connMu.Lock()
	c.conn = conn
	out := make(chan protocol.Frame, outboundQueueSize)
	c.out = out
	done := make(chan struct{})
	c.connDone = done
	lost := make(chan error, 1)
	c.connLost = lost
	c.connMu.Unlock()

	go c.writeLoop(conn, out, done)
	go c.heartbeatLoop(done)
	go c.readLoop(conn, lost)

	c.lastHeartbeat.Store(time.Now().UnixNano())
	c.resubscribeIntent()

	return lost, nil
}

const outboundQueueSize = 256

// applyRestore implements §4.4's diff: ids present in both sets keep their
// mirror entry untouched; ids new to the restore fire SignalAvailable; ids
// missing from it fire SignalUnavailable.
func (c *Client) applyRestore(restore protocol.StateRestore) {
	c.mu.Lock()
	fresh := make(map[string]mirrorEntry, len(restore.Signals))
	for _, sig := range restore.Signals {
		fresh[sig.GlobalID] = mirrorEntry{descriptor: sig.SerializedDescriptor}
	}

	var newlyAvailable []protocol.SignalAvailable
	var newlyUnavailable []string
	for _, sig := range restore.Signals {
		if _, existed := c.mirror[sig.GlobalID]; !existed {
			newlyAvailable = append(newlyAvailable, sig)
		}
	}
	for gid := range c.mirror {
		if _, stillPresent := fresh[gid]; !stillPresent {
			newlyUnavailable = append(newlyUnavailable, gid)
		}
	}
	c.mirror = fresh
	c.mu.Unlock()

	for _, gid := range newlyUnavailable {
		if c.hooks.SignalUnavailable != nil {
			c.hooks.SignalUnavailable(gid)
		}
	}
	for _, sig := range newlyAvailable {
		if c.hooks.SignalAvailable != nil {
			c.hooks.SignalAvailable(sig.GlobalID, sig.SerializedDescriptor)
		}
	}
}

// resubscribeIntent re-issues Subscribe for every signal the caller
// currently wants subscribed, preserving the user-visible reader across a
// reconnect (§4.4: "mirror retained; the client re-issues Subscribe for any
// signal that was subscribed before the drop").
func (c *Client) resubscribeIntent() {
	c.mu.Lock()
	gids := make([]string, 0, len(c.subscribedIntent))
	for gid := range c.subscribedIntent {
		gids = append(gids, gid)
	}
	c.mu.Unlock()

	for _, gid := range gids {
		<-c.SubscribeSignal(gid)
	}
}

// readLoop runs for the lifetime of one connection epoch, dispatching every
// decoded frame, and reports its terminal error on lost exactly once so
// supervise can begin reconnecting.
func (c *Client) readLoop(conn net.Conn, lost chan<- error) {
	for {
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			lost <- err
			return
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame protocol.Frame) {
	switch p := frame.Payload.(type) {
	case protocol.SignalAvailable:
		c.mu.Lock()
		c.mirror[p.GlobalID] = mirrorEntry{descriptor: p.SerializedDescriptor}
		c.mu.Unlock()
		if c.hooks.SignalAvailable != nil {
			c.hooks.SignalAvailable(p.GlobalID, p.SerializedDescriptor)
		}
	case protocol.SignalUnavailable:
		c.mu.Lock()
		delete(c.mirror, p.GlobalID)
		c.mu.Unlock()
		if c.hooks.SignalUnavailable != nil {
			c.hooks.SignalUnavailable(p.GlobalID)
		}
	case protocol.SubscribeAck:
		c.completeRequest(p.RequestID, p.OK)
	case protocol.UnsubscribeAck:
		c.completeRequest(p.RequestID, p.OK)
	case protocol.PacketPayload:
		if c.hooks.Packet != nil {
			c.hooks.Packet(p.GlobalID, streaming.Packet{
				Kind:    streaming.PacketKind(p.Kind),
				Payload: p.Data,
			})
		}
	case protocol.Heartbeat:
		c.lastHeartbeat.Store(time.Now().UnixNano())
	default:
	}
}

func (c *Client) completeRequest(requestID uint32, ok bool) {
	c.mu.Lock()
	req, found := c.pending[requestID]
	if found {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if !found {
		return
	}
	var err error
	if !ok {
		err = fmt.Errorf("client: request %d refused", requestID)
	}
	for _, w := range req.waiters {
		w <- err
		close(w)
	}
}

// ReapStalePending fails every pending subscribe/unsubscribe request older
// than threshold, as if the peer had refused it. It is driven by a
// scheduled job rather than a timer per request, since requests normally
// complete within one round trip and the stale case only matters when a
// connection has wedged without tripping the reconnection controller.
func (c *Client) ReapStalePending(threshold time.Duration) int {
	cutoff := time.Now().Add(-threshold)

	c.mu.Lock()
	stale := make(map[uint32][]chan error)
	for requestID, req := range c.pending {
		if req.since.Before(cutoff) {
			stale[requestID] = req.waiters
			delete(c.pending, requestID)
		}
	}
	c.mu.Unlock()

	for requestID, waiters := range stale {
		// Left in pending long enough to be considered timed out, not refused.
		err := fmt.Errorf("client: request %d timed out", requestID)
		for _, w := range waiters {
			w <- err
			close(w)
		}
	}
	return len(stale)
}

// SubscribeSignal sends Subscribe for gid, or coalesces onto an already
// in-flight request for the same id (§4.4: "Multiple subscribe calls for
// the same id are coalesced to one wire request"). It returns immediately;
// completion is observed on the returned channel (§5 "subscribeSignal...
// return[s] immediately").
func (c *Client) SubscribeSignal(gid string) <-chan error {
	return c.request(gid, kindSubscribe)
}

// UnsubscribeSignal sends Unsubscribe for gid, coalescing the same way.
func (c *Client) UnsubscribeSignal(gid string) <-chan error {
	return c.request(gid, kindUnsubscribe)
}

func (c *Client) request(gid string, kind requestKind) <-chan error {
	waiter := make(chan error, 1)

	c.mu.Lock()
	if kind == kindSubscribe {
		c.subscribedIntent[gid] = struct{}{}
	} else {
		delete(c.subscribedIntent, gid)
	}

	if existingID, inFlight := c.pendingByGID[gid]; inFlight {
		if req := c.pending[existingID]; req != nil && req.kind == kind {
			req.waiters = append(req.waiters, waiter)
			c.mu.Unlock()
			return waiter
		}
	}

	c.nextRequestID++
	requestID := c.nextRequestID
	c.pending[requestID] = &pendingRequest{kind: kind, waiters: []chan error{waiter}, since: time.Now()}
	c.pendingByGID[gid] = requestID
	c.mu.Unlock()

	var payload protocol.Payload
	var typ protocol.PayloadType
	if kind == kindSubscribe {
		payload = protocol.Subscribe{GlobalID: gid, RequestID: requestID}
		typ = protocol.TypeSubscribe
	} else {
		payload = protocol.Unsubscribe{GlobalID: gid, RequestID: requestID}
		typ = protocol.TypeUnsubscribe
	}

	if !c.send(protocol.StreamControl, typ, payload) {
		c.completeRequest(requestID, false)
	}
	return waiter
}

// send enqueues one frame on the current epoch's outbound queue. out and
// done are captured together under connMu (attach/supervise/Close always
// set or clear them as a pair), and done — never out itself — is what
// signals this epoch ending, so a concurrent supervise()/Close() tearing
// down the epoch can never race a send against a close of out (§5
// "subscribeSignal/unsubscribeSignal return immediately").
func (c *Client) send(stream protocol.StreamID, typ protocol.PayloadType, payload protocol.Payload) bool {
	c.connMu.Lock()
	out := c.out
	done := c.connDone
	c.connMu.Unlock()
	if out == nil {
		return false
	}
	select {
	case out <- protocol.Frame{Stream: stream, Type: typ, Payload: payload}:
		return true
	case <-done:
		return false
	case <-c.closeCh:
		return false
	}
}

// writeLoop drains one connection epoch's outbound queue onto the wire
// until that epoch ends. It never closes out itself: out is written to by
// any goroutine calling send, and closing a channel another goroutine may
// still be sending on panics, so only done (closed exactly once, by
// supervise() or Close()) is ever closed as the epoch's shutdown signal.
func (c *Client) writeLoop(conn net.Conn, out chan protocol.Frame, done chan struct{}) {
	for {
		select {
		case frame := <-out:
			if err := protocol.WriteFrame(conn, frame.Stream, frame.Type, frame.Payload); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// heartbeatLoop sends periodic Heartbeat frames and fails the session if the
// peer has been silent for longer than HeartbeatTimeout (§4.4 "a
// missed-heartbeat threshold triggers the socket-error transition"). done is
// this connection epoch's own stop signal, closed by supervise once the
// epoch ends, so a reconnect can't leave a stale heartbeatLoop running
// forever against the next epoch's channels.
func (c *Client) heartbeatLoop(done chan struct{}) {
	period := c.cfg.HeartbeatPeriod
	if period <= 0 {
		period = 10 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !c.send(protocol.StreamControl, protocol.TypeHeartbeat, protocol.Heartbeat{}) {
				return
			}
			timeout := c.cfg.HeartbeatTimeout
			if timeout <= 0 {
				timeout = 30 * time.Second
			}
			last := time.Unix(0, c.lastHeartbeat.Load())
			if time.Since(last) > timeout {
				c.failConnection()
				return
			}
		case <-done:
			return
		case <-c.closeCh:
			return
		}
	}
}

// failConnection closes the current transport, which unblocks readLoop in
// supervise with an error and starts reconnection.
func (c *Client) failConnection() {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// supervise owns the session for as long as the client is open: it waits for
// the current epoch's read loop to report a terminal error, then drives the
// reconnection controller (§4.4, component G) until a new session is
// attached or the client is closed.
func (c *Client) supervise(lost chan error) {
	for {
		select {
		case err := <-lost:
			if c.State() == StateClosed {
				return
			}
			c.logger.Warn("native streaming session lost", "error", err)
		case <-c.closeCh:
			return
		}

		c.connMu.Lock()
		c.out = nil
		if c.connDone != nil {
			close(c.connDone)
			c.connDone = nil
		}
		c.connMu.Unlock()
		c.failAllPending()

		c.setState(StateReconnecting)
		newLost, ok := c.reconnect()
		if !ok {
			return
		}
		lost = newLost
	}
}

// failAllPending cancels every pending subscribe/unsubscribe future with a
// disconnected error (§4.4 "Shutdown of either side cancels all pending
// subscribe/unsubscribe futures with a 'disconnected' failure").
func (c *Client) failAllPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint32]*pendingRequest)
	c.pendingByGID = make(map[string]uint32)
	c.mu.Unlock()

	for _, req := range pending {
		for _, w := range req.waiters {
			w <- ErrDisconnected
			close(w)
		}
	}
}

// reconnect retries dialing with exponential backoff until success, the
// attempt budget is exhausted, or the client is closed. On success it
// transitions through Restored back to Connected per §4.4, and returns the
// new epoch's lost-connection channel for supervise to wait on next.
func (c *Client) reconnect() (chan error, bool) {
	_, span := otel.Tracer("native-streaming").Start(context.Background(), "ReconnectionController.Retry")
	defer span.End()

	backoff := c.cfg.MinBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	maxBackoff := c.cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	for attempt := 1; c.cfg.MaxAttempts == 0 || attempt <= c.cfg.MaxAttempts; attempt++ {
		select {
		case <-c.closeCh:
			return nil, false
		case <-time.After(jitter(backoff)):
		}

		conn, err := c.dial(context.Background(), c.addr)
		if err != nil {
			c.logger.Debug("reconnect attempt failed", "attempt", attempt, "error", err)
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}
		lost, err := c.attach(conn)
		if err != nil {
			_ = conn.Close()
			c.logger.Debug("reconnect handshake failed", "attempt", attempt, "error", err)
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}

		c.setState(StateRestored)
		c.setState(StateConnected)
		return lost, true
	}
	c.logger.Error("reconnect attempts exhausted", "attempts", c.cfg.MaxAttempts)
	return nil, false
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	return next
}

// jitter adds up to 20% random jitter to avoid a thundering herd of clients
// reconnecting to the same server in lockstep.
func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/5+1))
}

// Close shuts the client down, cancelling all pending futures and stopping
// the reconnection supervisor.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.closeCh)
		c.connMu.Lock()
		conn := c.conn
		done := c.connDone
		c.conn = nil
		c.out = nil
		c.connDone = nil
		c.connMu.Unlock()
		// out is never closed here (or anywhere): send() and writeLoop both
		// gate on done/closeCh instead, so a send racing this teardown can
		// never hit a send-on-closed-channel panic.
		if done != nil {
			close(done)
		}
		if conn != nil {
			_ = conn.Close()
		}
		c.failAllPending()
	})
	return nil
}

// MirrorDescriptor returns the last-known serialized descriptor for gid, if
// it's currently in the mirror set.
func (c *Client) MirrorDescriptor(gid string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.mirror[gid]
	return e.descriptor, ok
}

// MirrorSize reports the number of signals currently mirrored.
func (c *Client) MirrorSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.mirror)
}
