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

// Package server implements the native streaming server handler (§4.2,
// component C): the session registry, the advertised signal catalogue and
// its per-signal subscription counters, and the accept/subscribe/unsubscribe
// wire protocol that drives them.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/opendaq/native-streaming/internal/metrics"
	"github.com/opendaq/native-streaming/internal/protocol"
	"github.com/opendaq/native-streaming/internal/pubsub"
	"github.com/opendaq/native-streaming/internal/streaming"
	"github.com/puzpuzpuz/xsync/v4"
	"go.opentelemetry.io/otel"
)

// packetsTopic is the pubsub topic SendPacket relays onto for sibling
// instances to mirror into their own local sessions (§11.3).
const packetsTopic = "native-streaming:packets"

// ConfigProtocolFactory is invoked once per accepted connection to obtain
// that session's configuration-packet callback (§4.2). A nil factory means
// ConfigBlob frames are accepted and silently dropped.
type ConfigProtocolFactory func() ConfigCallback

// advertisedSignal is one entry in the server's advertised signal catalogue.
// mu guards subscribers, counter and the cached initial event together so a
// Subscribe and a concurrent SendPacket for the same signal can never
// interleave the SubscribeAck/initial-event pair ahead of, or behind, a data
// packet (§4.2 "the cached initial event is sent before any subsequent data
// packet").
type advertisedSignal struct {
	signal     streaming.Signal
	descriptor string

	mu           sync.Mutex
	subscribers  map[uint64]*session
	initialEvent *protocol.PacketPayload
}

// Handler is the server-side protocol endpoint. One Handler serves one TCP
// listener and the signal catalogue advertised over it.
type Handler struct {
	logger *slog.Logger

	onSubscribed   func(streaming.Signal)
	onUnsubscribed func(streaming.Signal)
	configFactory  ConfigProtocolFactory

	// catalogMu guards advertised and byID: the advertised SET itself, as
	// opposed to any one signal's subscribers (advertisedSignal.mu) or the
	// packet pump's own per-source mutex.
	catalogMu  sync.Mutex
	advertised []*advertisedSignal
	byID       map[string]*advertisedSignal

	sessions      *xsync.Map[uint64, *session]
	nextSessionID atomic.Uint64

	listenerMu sync.Mutex
	listener   net.Listener
	wg         sync.WaitGroup
	stopped    atomic.Bool

	metrics            *metrics.Metrics
	subscriptionsTotal atomic.Int64

	pubsub     pubsub.PubSub
	instanceID string
}

// Hooks bundles the subscription lifecycle callbacks fired when a signal's
// subscriber count transitions to/from zero (§4.2).
type Hooks struct {
	OnSignalSubscribed   func(streaming.Signal)
	OnSignalUnsubscribed func(streaming.Signal)
}

// NewHandler constructs a server handler advertising initial at startup.
// Non-public signals in initial are silently excluded from the catalogue,
// matching AddSignal's behavior.
func NewHandler(logger *slog.Logger, initial []streaming.Signal, hooks Hooks, configFactory ConfigProtocolFactory) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		logger:         logger,
		onSubscribed:   hooks.OnSignalSubscribed,
		onUnsubscribed: hooks.OnSignalUnsubscribed,
		configFactory:  configFactory,
		byID:           make(map[string]*advertisedSignal),
		sessions:       xsync.NewMap[uint64, *session](),
	}
	for _, sig := range initial {
		if err := h.AddSignal(sig); err != nil {
			h.logger.Warn("skipping initial signal", "globalId", sig.GlobalID(), "error", err)
		}
	}
	return h
}

// SetMetrics attaches m so session lifecycle, subscription, packet fan-out
// and frame decode events are recorded (§11.4). Leaving it unset, as in
// tests that don't call this, makes every recorder call below a no-op.
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// EnablePubSub wires h to publish every locally delivered packet onto ps for
// sibling instances to mirror, and to relay packets published by siblings
// into this instance's own sessions (§11.3). The background relay loop runs
// until ctx is done.
func (h *Handler) EnablePubSub(ctx context.Context, ps pubsub.PubSub, instanceID string) {
	h.pubsub = ps
	h.instanceID = instanceID
	sub := ps.Subscribe(packetsTopic)
	go h.relayLoop(ctx, sub)
}

// relayLoop delivers packets relayed from sibling instances into this
// process's local sessions, ignoring the instance's own publishes so a
// relayed packet is never re-published back onto the bus.
func (h *Handler) relayLoop(ctx context.Context, sub pubsub.Subscription) {
	defer func() {
		if err := sub.Close(); err != nil {
			h.logger.Error("closing pubsub subscription", "error", err)
		}
	}()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok || msg == nil {
				return
			}
			var relayed pubsub.RelayedPacket
			if _, err := relayed.UnmarshalMsg(msg); err != nil {
				h.logger.Error("failed to unmarshal relayed packet", "error", err)
				continue
			}
			if relayed.SourceInstance == h.instanceID {
				continue
			}
			h.deliverLocal(relayed.GlobalID, protocol.PacketKind(relayed.PacketKind), relayed.Payload)
		}
	}
}

// StartServer binds port and begins accepting connections in the background.
func (h *Handler) StartServer(port int) error {
	_, span := otel.Tracer("native-streaming").Start(context.Background(), "ServerHandler.StartServer")
	defer span.End()

	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	if h.listener != nil {
		return errors.New("server: already started")
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	h.listener = ln
	h.stopped.Store(false)
	h.wg.Add(1)
	go h.acceptLoop(ln)
	h.logger.Info("native streaming server started", "addr", ln.Addr().String())
	return nil
}

// StopServer closes the listener, every active session, and waits for their
// goroutines to exit. Idempotent.
func (h *Handler) StopServer() error {
	_, span := otel.Tracer("native-streaming").Start(context.Background(), "ServerHandler.StopServer")
	defer span.End()

	h.listenerMu.Lock()
	ln := h.listener
	h.listener = nil
	h.listenerMu.Unlock()
	if ln == nil {
		return nil
	}
	h.stopped.Store(true)
	err := ln.Close()

	h.sessions.Range(func(_ uint64, value *session) bool {
		value.close()
		return true
	})
	h.wg.Wait()
	h.logger.Info("native streaming server stopped")
	return err
}

func (h *Handler) acceptLoop(ln net.Listener) {
	defer h.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if h.stopped.Load() {
				return
			}
			h.logger.Error("accept failed", "error", err)
			return
		}
		h.wg.Add(1)
		go h.serve(conn)
	}
}

// serve owns one accepted connection end to end: announcement burst, read
// loop dispatch, and cleanup on close.
func (h *Handler) serve(conn net.Conn) {
	defer h.wg.Done()

	id := h.nextSessionID.Add(1)
	var cb ConfigCallback
	if h.configFactory != nil {
		cb = h.configFactory()
	}
	s := newSession(id, conn, cb)
	h.sessions.Store(id, s)
	h.logger.Info("session accepted", "sessionId", id, "remote", s.remoteAddr)
	if h.metrics != nil {
		h.metrics.SessionOpened()
	}

	go s.writeLoop()
	h.announce(s)

	for {
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			if h.metrics != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				h.metrics.RecordFrameDecodeError()
			}
			break
		}
		h.dispatch(s, frame)
	}

	h.onSessionClosed(s)
}

// announce sends the current advertised set as a single StateRestore frame,
// followed by the cached initial event for every signal it's known for, in
// catalogue order (§4.2 "On accept"; design note §9 prefers one StateRestore
// message carrying the full set over replaying individual SignalAvailable
// events, since the same announcement doubles as the reconnection handshake
// the client's restore diff runs against). This runs identically whether the
// connection is a first connect or a post-disconnect reconnect; the client
// side is what distinguishes the two.
func (h *Handler) announce(s *session) {
	h.catalogMu.Lock()
	advs := append([]*advertisedSignal{}, h.advertised...)
	h.catalogMu.Unlock()

	restore := protocol.StateRestore{Signals: make([]protocol.SignalAvailable, 0, len(advs))}
	for _, adv := range advs {
		restore.Signals = append(restore.Signals, protocol.SignalAvailable{
			GlobalID:             adv.signal.GlobalID(),
			SerializedDescriptor: adv.descriptor,
		})
	}
	s.trySend(protocol.StreamControl, protocol.TypeStateRestore, restore)

	for _, adv := range advs {
		adv.mu.Lock()
		evt := adv.initialEvent
		adv.mu.Unlock()
		if evt != nil {
			s.trySend(protocol.StreamData, protocol.TypePacket, *evt)
		}
	}
}

func (h *Handler) dispatch(s *session, frame protocol.Frame) {
	switch p := frame.Payload.(type) {
	case protocol.Subscribe:
		h.handleSubscribe(s, p)
	case protocol.Unsubscribe:
		h.handleUnsubscribe(s, protocol.Subscribe(p))
	case protocol.ConfigBlob:
		if s.configCb != nil {
			if reply := s.configCb(p.Data); reply != nil {
				s.trySend(protocol.StreamConfig, protocol.TypeConfigBlob, protocol.ConfigBlob{Data: reply})
			}
		}
	case protocol.Heartbeat:
		// Liveness only; the server does not itself time peers out (§4.4
		// ties heartbeat timeout to the client's reconnection controller).
	default:
		// Unknown/optional payloads and anything the server doesn't act on.
	}
}

func (h *Handler) lookup(gid string) (*advertisedSignal, bool) {
	h.catalogMu.Lock()
	defer h.catalogMu.Unlock()
	adv, ok := h.byID[gid]
	return adv, ok
}

func (h *Handler) handleSubscribe(s *session, req protocol.Subscribe) {
	adv, ok := h.lookup(req.GlobalID)
	if !ok {
		s.trySend(protocol.StreamControl, protocol.TypeSubscribeAck, protocol.SubscribeAck{
			GlobalID: req.GlobalID, RequestID: req.RequestID, OK: false,
		})
		return
	}

	adv.mu.Lock()
	_, already := adv.subscribers[s.id]
	if !already {
		adv.subscribers[s.id] = s
	}
	transitioned := !already && len(adv.subscribers) == 1
	s.trySend(protocol.StreamControl, protocol.TypeSubscribeAck, protocol.SubscribeAck{
		GlobalID: req.GlobalID, RequestID: req.RequestID, OK: true,
	})
	if adv.initialEvent != nil {
		s.trySend(protocol.StreamData, protocol.TypePacket, *adv.initialEvent)
	}
	adv.mu.Unlock()

	if !already {
		s.markSubscribed(req.GlobalID)
		h.recordSubscriptionDelta(1)
	}
	if transitioned && h.onSubscribed != nil {
		h.onSubscribed(adv.signal)
	}
}

func (h *Handler) handleUnsubscribe(s *session, req protocol.Subscribe) {
	adv, ok := h.lookup(req.GlobalID)
	if !ok {
		s.trySend(protocol.StreamControl, protocol.TypeUnsubscribeAck, protocol.UnsubscribeAck{
			GlobalID: req.GlobalID, RequestID: req.RequestID, OK: true,
		})
		return
	}

	adv.mu.Lock()
	_, was := adv.subscribers[s.id]
	delete(adv.subscribers, s.id)
	transitioned := was && len(adv.subscribers) == 0
	adv.mu.Unlock()

	s.trySend(protocol.StreamControl, protocol.TypeUnsubscribeAck, protocol.UnsubscribeAck{
		GlobalID: req.GlobalID, RequestID: req.RequestID, OK: true,
	})

	if was {
		s.markUnsubscribed(req.GlobalID)
		h.recordSubscriptionDelta(-1)
	}
	if transitioned && h.onUnsubscribed != nil {
		h.onUnsubscribed(adv.signal)
	}
}

// onSessionClosed unwinds every subscription the session held so per-signal
// counters and hooks stay accurate, then drops it from the registry.
func (h *Handler) onSessionClosed(s *session) {
	for _, gid := range s.subscribedSnapshot() {
		adv, ok := h.lookup(gid)
		if !ok {
			continue
		}
		adv.mu.Lock()
		_, was := adv.subscribers[s.id]
		delete(adv.subscribers, s.id)
		transitioned := was && len(adv.subscribers) == 0
		adv.mu.Unlock()
		if was {
			h.recordSubscriptionDelta(-1)
		}
		if transitioned && h.onUnsubscribed != nil {
			h.onUnsubscribed(adv.signal)
		}
	}
	h.sessions.Delete(s.id)
	s.close()
	if h.metrics != nil {
		h.metrics.SessionClosed()
	}
	h.logger.Info("session closed", "sessionId", s.id, "remote", s.remoteAddr)
}

// recordSubscriptionDelta adjusts the cross-signal subscription total and
// reports it, a no-op when no metrics are attached.
func (h *Handler) recordSubscriptionDelta(delta int64) {
	if h.metrics == nil {
		return
	}
	total := h.subscriptionsTotal.Add(delta)
	h.metrics.SetSubscriptionsActive(float64(total))
}

// AddSignal adds sig to the advertised catalogue and broadcasts
// SignalAvailable to every connected session (§4.2). Non-public signals and
// signals already present are no-ops. Idempotent on repeated global ids.
func (h *Handler) AddSignal(sig streaming.Signal) error {
	if !sig.IsPublic() {
		return nil
	}

	h.catalogMu.Lock()
	if _, exists := h.byID[sig.GlobalID()]; exists {
		h.catalogMu.Unlock()
		return nil
	}
	descriptor, err := sig.SerializedDescriptor()
	if err != nil {
		h.catalogMu.Unlock()
		return fmt.Errorf("server: serialize descriptor for %s: %w", sig.GlobalID(), err)
	}
	adv := &advertisedSignal{
		signal:      sig,
		descriptor:  descriptor,
		subscribers: make(map[uint64]*session),
	}
	h.advertised = append(h.advertised, adv)
	h.byID[sig.GlobalID()] = adv
	h.catalogMu.Unlock()

	h.broadcast(protocol.StreamControl, protocol.TypeSignalAvailable, protocol.SignalAvailable{
		GlobalID: sig.GlobalID(), SerializedDescriptor: descriptor,
	})
	return nil
}

// RemoveComponentSignals removes every advertised signal whose global id is
// prefix or nested under it, broadcasting SignalUnavailable and firing
// OnSignalUnsubscribed for any that had subscribers (§4.2, §4.5).
func (h *Handler) RemoveComponentSignals(prefix string) {
	h.catalogMu.Lock()
	var removed []*advertisedSignal
	kept := h.advertised[:0:0]
	for _, adv := range h.advertised {
		if streaming.IsDescendant(prefix, adv.signal.GlobalID()) {
			removed = append(removed, adv)
			delete(h.byID, adv.signal.GlobalID())
		} else {
			kept = append(kept, adv)
		}
	}
	h.advertised = kept
	h.catalogMu.Unlock()

	for _, adv := range removed {
		h.broadcast(protocol.StreamControl, protocol.TypeSignalUnavailable, protocol.SignalUnavailable{
			GlobalID: adv.signal.GlobalID(),
		})

		adv.mu.Lock()
		removedSubscribers := len(adv.subscribers)
		for _, sess := range adv.subscribers {
			sess.markUnsubscribed(adv.signal.GlobalID())
		}
		adv.subscribers = make(map[uint64]*session)
		adv.mu.Unlock()

		if removedSubscribers > 0 {
			h.recordSubscriptionDelta(-int64(removedSubscribers))
			if h.onUnsubscribed != nil {
				h.onUnsubscribed(adv.signal)
			}
		}
	}
}

// SendPacket fans pkt out to every session currently subscribed to sig,
// then relays it to sibling instances via EnablePubSub's configured bus, if
// any (§11.3). A signal with no subscribers, or no longer advertised,
// silently drops the packet (§4.3). Event packets are cached as the
// signal's new initial event so sessions that subscribe afterward (or
// connect afterward) receive it.
func (h *Handler) SendPacket(_ context.Context, sig streaming.Signal, pkt streaming.Packet) {
	h.deliverLocal(sig.GlobalID(), protocol.PacketKind(pkt.Kind), pkt.Payload)
	h.publishRelay(sig.GlobalID(), pkt)
}

// deliverLocal fans a packet out to gid's current local subscribers,
// regardless of whether it originated from this process's own SendPacket
// call or was relayed in from a sibling instance's publish.
func (h *Handler) deliverLocal(gid string, kind protocol.PacketKind, payload []byte) {
	adv, ok := h.lookup(gid)
	if !ok {
		return
	}

	wire := protocol.PacketPayload{GlobalID: gid, Kind: kind, Data: payload}

	adv.mu.Lock()
	if kind == protocol.PacketKindEvent {
		cached := wire
		adv.initialEvent = &cached
	}
	subscriberCount := len(adv.subscribers)
	for _, sess := range adv.subscribers {
		sess.trySend(protocol.StreamData, protocol.TypePacket, wire)
		if h.metrics != nil {
			h.metrics.RecordPacketSent()
		}
	}
	adv.mu.Unlock()

	if subscriberCount == 0 && h.metrics != nil {
		h.metrics.RecordPacketDropped()
	}
}

// publishRelay marshals pkt as a RelayedPacket and publishes it so sibling
// instances mirror it into their own sessions. A handler with no pubsub
// attached (EnablePubSub never called) is a no-op.
func (h *Handler) publishRelay(gid string, pkt streaming.Packet) {
	if h.pubsub == nil {
		return
	}
	relayed := pubsub.RelayedPacket{
		GlobalID:       gid,
		PacketKind:     uint8(pkt.Kind),
		Payload:        pkt.Payload,
		SourceInstance: h.instanceID,
	}
	packed, err := relayed.MarshalMsg(nil)
	if err != nil {
		h.logger.Error("failed to marshal relayed packet", "globalId", gid, "error", err)
		return
	}
	if err := h.pubsub.Publish(packetsTopic, packed); err != nil {
		h.logger.Error("failed to publish relayed packet", "globalId", gid, "error", err)
	}
}

// broadcast sends a control-plane frame to every connected session
// regardless of subscription state (used for SignalAvailable/Unavailable).
func (h *Handler) broadcast(stream protocol.StreamID, typ protocol.PayloadType, payload protocol.Payload) {
	h.sessions.Range(func(_ uint64, value *session) bool {
		value.trySend(stream, typ, payload)
		return true
	})
}

// SubscriberCount reports the current subscriber count for gid, for tests
// and metrics. Returns 0, false if gid is not advertised.
func (h *Handler) SubscriberCount(gid string) (int, bool) {
	adv, ok := h.lookup(gid)
	if !ok {
		return 0, false
	}
	adv.mu.Lock()
	defer adv.mu.Unlock()
	return len(adv.subscribers), true
}

// SessionCount reports the number of currently connected sessions.
func (h *Handler) SessionCount() int {
	n := 0
	h.sessions.Range(func(_ uint64, _ *session) bool {
		n++
		return true
	})
	return n
}

// Addr returns the listener's bound address, or nil if not started. Mainly
// useful in tests that start the server on port 0.
func (h *Handler) Addr() net.Addr {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}
