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

package server_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/USA-RedDragon/configulator"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/opendaq/native-streaming/internal/config"
	"github.com/opendaq/native-streaming/internal/metrics"
	"github.com/opendaq/native-streaming/internal/protocol"
	"github.com/opendaq/native-streaming/internal/pubsub"
	"github.com/opendaq/native-streaming/internal/streaming"
	"github.com/opendaq/native-streaming/internal/streaming/server"
	"github.com/stretchr/testify/require"
)

type fakeSignal struct {
	gid    string
	public bool
}

func (s fakeSignal) GlobalID() string { return s.gid }
func (s fakeSignal) IsPublic() bool   { return s.public }
func (s fakeSignal) SerializedDescriptor() (string, error) {
	return `{"name":"` + s.gid + `"}`, nil
}

func dialAndReadHello(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestAcceptSendsStateRestoreBurst(t *testing.T) {
	sig := fakeSignal{gid: "/dev0/sig0", public: true}
	h := server.NewHandler(nil, []streaming.Signal{sig}, server.Hooks{}, nil)
	require.NoError(t, h.StartServer(0))
	defer h.StopServer()

	conn := dialAndReadHello(t, h.Addr())
	frame, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeStateRestore, frame.Type)
	restore := frame.Payload.(protocol.StateRestore)
	require.Len(t, restore.Signals, 1)
	require.Equal(t, "/dev0/sig0", restore.Signals[0].GlobalID)
}

func TestSubscribeFiresHookOnceAndAcks(t *testing.T) {
	sig := fakeSignal{gid: "/dev0/sig0", public: true}
	subscribed := make(chan streaming.Signal, 1)
	h := server.NewHandler(nil, []streaming.Signal{sig}, server.Hooks{
		OnSignalSubscribed: func(s streaming.Signal) { subscribed <- s },
	}, nil)
	require.NoError(t, h.StartServer(0))
	defer h.StopServer()

	conn := dialAndReadHello(t, h.Addr())
	_, err := protocol.ReadFrame(conn) // initial StateRestore burst
	require.NoError(t, err)

	require.NoError(t, protocol.WriteFrame(conn, protocol.StreamControl, protocol.TypeSubscribe,
		protocol.Subscribe{GlobalID: "/dev0/sig0", RequestID: 7}))

	frame, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	ack := frame.Payload.(protocol.SubscribeAck)
	require.True(t, ack.OK)
	require.EqualValues(t, 7, ack.RequestID)

	select {
	case s := <-subscribed:
		require.Equal(t, "/dev0/sig0", s.GlobalID())
	case <-time.After(time.Second):
		t.Fatal("onSignalSubscribed was not called")
	}

	count, ok := h.SubscriberCount("/dev0/sig0")
	require.True(t, ok)
	require.Equal(t, 1, count)
}

func TestSubscribeUnknownSignalAcksFalse(t *testing.T) {
	h := server.NewHandler(nil, nil, server.Hooks{}, nil)
	require.NoError(t, h.StartServer(0))
	defer h.StopServer()

	conn := dialAndReadHello(t, h.Addr())
	_, err := protocol.ReadFrame(conn) // initial StateRestore burst
	require.NoError(t, err)

	require.NoError(t, protocol.WriteFrame(conn, protocol.StreamControl, protocol.TypeSubscribe,
		protocol.Subscribe{GlobalID: "/missing", RequestID: 1}))

	frame, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	ack := frame.Payload.(protocol.SubscribeAck)
	require.False(t, ack.OK)
}

func TestInitialEventSentBeforeLaterDataPacket(t *testing.T) {
	sig := fakeSignal{gid: "/dev0/sig0", public: true}
	h := server.NewHandler(nil, []streaming.Signal{sig}, server.Hooks{}, nil)
	require.NoError(t, h.StartServer(0))
	defer h.StopServer()

	h.SendPacket(context.Background(), sig, streaming.Packet{Kind: streaming.PacketKindEvent, Payload: []byte("evt")})

	conn := dialAndReadHello(t, h.Addr())
	restore, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeStateRestore, restore.Type)

	event, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.TypePacket, event.Type)
	require.Equal(t, []byte("evt"), event.Payload.(protocol.PacketPayload).Data)

	require.NoError(t, protocol.WriteFrame(conn, protocol.StreamControl, protocol.TypeSubscribe,
		protocol.Subscribe{GlobalID: "/dev0/sig0", RequestID: 1}))
	ack, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	require.True(t, ack.Payload.(protocol.SubscribeAck).OK)

	replayedEvent, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, []byte("evt"), replayedEvent.Payload.(protocol.PacketPayload).Data)

	h.SendPacket(context.Background(), sig, streaming.Packet{Kind: streaming.PacketKindData, Payload: []byte{1, 2, 3}})
	data, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, data.Payload.(protocol.PacketPayload).Data)
}

func TestUnsubscribeFiresHookOnZero(t *testing.T) {
	sig := fakeSignal{gid: "/dev0/sig0", public: true}
	unsubscribed := make(chan streaming.Signal, 1)
	h := server.NewHandler(nil, []streaming.Signal{sig}, server.Hooks{
		OnSignalUnsubscribed: func(s streaming.Signal) { unsubscribed <- s },
	}, nil)
	require.NoError(t, h.StartServer(0))
	defer h.StopServer()

	conn := dialAndReadHello(t, h.Addr())
	_, err := protocol.ReadFrame(conn)
	require.NoError(t, err)

	require.NoError(t, protocol.WriteFrame(conn, protocol.StreamControl, protocol.TypeSubscribe,
		protocol.Subscribe{GlobalID: "/dev0/sig0", RequestID: 1}))
	_, err = protocol.ReadFrame(conn)
	require.NoError(t, err)

	require.NoError(t, protocol.WriteFrame(conn, protocol.StreamControl, protocol.TypeUnsubscribe,
		protocol.Unsubscribe{GlobalID: "/dev0/sig0", RequestID: 2}))
	frame, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeUnsubscribeAck, frame.Type)

	select {
	case s := <-unsubscribed:
		require.Equal(t, "/dev0/sig0", s.GlobalID())
	case <-time.After(time.Second):
		t.Fatal("onSignalUnsubscribed was not called")
	}
}

func TestRemoveComponentSignalsBroadcastsUnavailable(t *testing.T) {
	sig := fakeSignal{gid: "/dev0/sig0", public: true}
	h := server.NewHandler(nil, []streaming.Signal{sig}, server.Hooks{}, nil)
	require.NoError(t, h.StartServer(0))
	defer h.StopServer()

	conn := dialAndReadHello(t, h.Addr())
	_, err := protocol.ReadFrame(conn)
	require.NoError(t, err)

	h.RemoveComponentSignals("/dev0")

	frame, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeSignalUnavailable, frame.Type)
	require.Equal(t, "/dev0/sig0", frame.Payload.(protocol.SignalUnavailable).GlobalID)

	_, ok := h.SubscriberCount("/dev0/sig0")
	require.False(t, ok)
}

func TestAddSignalSkipsPrivate(t *testing.T) {
	h := server.NewHandler(nil, nil, server.Hooks{}, nil)
	require.NoError(t, h.AddSignal(fakeSignal{gid: "/dev0/internal", public: false}))
	_, ok := h.SubscriberCount("/dev0/internal")
	require.False(t, ok)
}

func TestConfigBlobRoundTrip(t *testing.T) {
	h := server.NewHandler(nil, nil, server.Hooks{}, func() server.ConfigCallback {
		return func(data []byte) []byte {
			return append([]byte("reply:"), data...)
		}
	})
	require.NoError(t, h.StartServer(0))
	defer h.StopServer()

	conn := dialAndReadHello(t, h.Addr())
	_, err := protocol.ReadFrame(conn) // initial StateRestore burst
	require.NoError(t, err)

	require.NoError(t, protocol.WriteFrame(conn, protocol.StreamConfig, protocol.TypeConfigBlob, protocol.ConfigBlob{Data: []byte("ping")}))

	frame, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, []byte("reply:ping"), frame.Payload.(protocol.ConfigBlob).Data)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestMetricsWiringCoversSessionSubscriptionAndPacketFanout(t *testing.T) {
	sig := fakeSignal{gid: "/dev0/sig0", public: true}
	m := metrics.NewMetrics()
	h := server.NewHandler(nil, []streaming.Signal{sig}, server.Hooks{}, nil)
	h.SetMetrics(m)
	require.NoError(t, h.StartServer(0))
	defer h.StopServer()

	// Dropping a packet to a signal with no subscribers yet is recorded, and
	// never fans out to anyone.
	h.SendPacket(context.Background(), sig, streaming.Packet{Kind: streaming.PacketKindData, Payload: []byte{9}})
	require.Equal(t, float64(1), counterValue(t, m.PacketsDroppedTotal))
	require.Equal(t, float64(0), counterValue(t, m.PacketsSentTotal))

	conn := dialAndReadHello(t, h.Addr())
	require.Eventually(t, func() bool { return gaugeValue(t, m.SessionsActive) == 1 }, time.Second, 5*time.Millisecond)

	_, err := protocol.ReadFrame(conn) // initial StateRestore burst
	require.NoError(t, err)

	require.NoError(t, protocol.WriteFrame(conn, protocol.StreamControl, protocol.TypeSubscribe,
		protocol.Subscribe{GlobalID: "/dev0/sig0", RequestID: 1}))
	_, err = protocol.ReadFrame(conn) // SubscribeAck
	require.NoError(t, err)
	require.Equal(t, float64(1), gaugeValue(t, m.SubscriptionsActive))

	h.SendPacket(context.Background(), sig, streaming.Packet{Kind: streaming.PacketKindData, Payload: []byte{1, 2, 3}})
	_, err = protocol.ReadFrame(conn) // the delivered data packet
	require.NoError(t, err)
	require.Equal(t, float64(1), counterValue(t, m.PacketsSentTotal))
	require.Equal(t, float64(1), counterValue(t, m.PacketsDroppedTotal))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return gaugeValue(t, m.SessionsActive) == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return gaugeValue(t, m.SubscriptionsActive) == 0 }, time.Second, 5*time.Millisecond)
}

func makeTestPubSub(t *testing.T) pubsub.PubSub {
	t.Helper()
	defConfig, err := configulator.New[config.Config]().Default()
	require.NoError(t, err)
	ps, err := pubsub.MakePubSub(context.Background(), &defConfig)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ps.Close() })
	return ps
}

func TestEnablePubSubRelaysAcrossInstancesAndIgnoresOwnPublishes(t *testing.T) {
	sig := fakeSignal{gid: "/dev0/sig0", public: true}
	ps := makeTestPubSub(t)

	h1 := server.NewHandler(nil, []streaming.Signal{sig}, server.Hooks{}, nil)
	require.NoError(t, h1.StartServer(0))
	defer h1.StopServer()
	h2 := server.NewHandler(nil, []streaming.Signal{sig}, server.Hooks{}, nil)
	require.NoError(t, h2.StartServer(0))
	defer h2.StopServer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h1.EnablePubSub(ctx, ps, "instance-1")
	h2.EnablePubSub(ctx, ps, "instance-2")

	conn1 := dialAndReadHello(t, h1.Addr())
	_, err := protocol.ReadFrame(conn1)
	require.NoError(t, err)
	conn2 := dialAndReadHello(t, h2.Addr())
	_, err = protocol.ReadFrame(conn2)
	require.NoError(t, err)

	require.NoError(t, protocol.WriteFrame(conn1, protocol.StreamControl, protocol.TypeSubscribe,
		protocol.Subscribe{GlobalID: "/dev0/sig0", RequestID: 1}))
	_, err = protocol.ReadFrame(conn1)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn2, protocol.StreamControl, protocol.TypeSubscribe,
		protocol.Subscribe{GlobalID: "/dev0/sig0", RequestID: 1}))
	_, err = protocol.ReadFrame(conn2)
	require.NoError(t, err)

	// h1's own local SendPacket call should still deliver locally exactly once,
	// never twice, even though it also gets published and re-received on the
	// shared bus (the SourceInstance guard must drop h1's own publish).
	h1.SendPacket(context.Background(), sig, streaming.Packet{Kind: streaming.PacketKindData, Payload: []byte{4, 2}})

	frame, err := protocol.ReadFrame(conn1)
	require.NoError(t, err)
	require.Equal(t, []byte{4, 2}, frame.Payload.(protocol.PacketPayload).Data)

	// h2 receives the same packet relayed in over the bus.
	relayed, err := protocol.ReadFrame(conn2)
	require.NoError(t, err)
	require.Equal(t, []byte{4, 2}, relayed.Payload.(protocol.PacketPayload).Data)

	require.NoError(t, conn1.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err = protocol.ReadFrame(conn1)
	require.Error(t, err, "h1 must not receive its own relayed packet a second time")
}
