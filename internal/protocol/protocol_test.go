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

package protocol_test

import (
	"bytes"
	"testing"

	"github.com/opendaq/native-streaming/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		stream  protocol.StreamID
		typ     protocol.PayloadType
		payload protocol.Payload
	}{
		{"signal-available", protocol.StreamControl, protocol.TypeSignalAvailable, protocol.SignalAvailable{GlobalID: "/dev0/sig0", SerializedDescriptor: `{"name":"sig0"}`}},
		{"signal-unavailable", protocol.StreamControl, protocol.TypeSignalUnavailable, protocol.SignalUnavailable{GlobalID: "/dev0/sig0"}},
		{"subscribe", protocol.StreamControl, protocol.TypeSubscribe, protocol.Subscribe{GlobalID: "/dev0/sig0", RequestID: 42}},
		{"subscribe-ack-ok", protocol.StreamControl, protocol.TypeSubscribeAck, protocol.SubscribeAck{GlobalID: "/dev0/sig0", RequestID: 42, OK: true}},
		{"subscribe-ack-fail", protocol.StreamControl, protocol.TypeSubscribeAck, protocol.SubscribeAck{GlobalID: "/dev0/sig0", RequestID: 42, OK: false}},
		{"packet-data", protocol.StreamData, protocol.TypePacket, protocol.PacketPayload{GlobalID: "/dev0/sig0", Kind: protocol.PacketKindData, Data: []byte{1, 2, 3, 4}}},
		{"packet-event-empty", protocol.StreamData, protocol.TypePacket, protocol.PacketPayload{GlobalID: "/dev0/sig0", Kind: protocol.PacketKindEvent, Data: nil}},
		{"config-blob", protocol.StreamConfig, protocol.TypeConfigBlob, protocol.ConfigBlob{Data: []byte("opaque")}},
		{"heartbeat", protocol.StreamControl, protocol.TypeHeartbeat, protocol.Heartbeat{}},
		{"state-restore", protocol.StreamControl, protocol.TypeStateRestore, protocol.StateRestore{Signals: []protocol.SignalAvailable{
			{GlobalID: "/dev0/sig0", SerializedDescriptor: "a"},
			{GlobalID: "/dev0/sig1", SerializedDescriptor: "b"},
		}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, protocol.WriteFrame(&buf, tc.stream, tc.typ, tc.payload))

			frame, err := protocol.ReadFrame(&buf)
			require.NoError(t, err)
			require.Equal(t, tc.stream, frame.Stream)
			require.Equal(t, tc.typ, frame.Type)
			require.Equal(t, tc.payload, frame.Payload)
		})
	}
}

func TestReadFrameUnknownOptionalTagIgnored(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, protocol.WriteFrame(&buf, protocol.StreamControl, protocol.PayloadType(200), protocol.RawPayload{Data: []byte("future")}))

	frame, err := protocol.ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, protocol.PayloadType(200), frame.Type)
	raw, ok := frame.Payload.(protocol.RawPayload)
	require.True(t, ok)
	require.Equal(t, []byte("future"), raw.Data)
}

func TestReadFrameTruncatedIsMalformed(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, protocol.WriteFrame(&buf, protocol.StreamControl, protocol.TypeSubscribe, protocol.Subscribe{GlobalID: "/dev0/sig0", RequestID: 1}))

	// Truncate the frame body so the declared length prefix lies about what follows.
	full := buf.Bytes()
	truncated := append([]byte{}, full[:len(full)-2]...)

	_, err := protocol.ReadFrame(bytes.NewReader(truncated))
	require.Error(t, err)
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, protocol.WriteFrame(&buf, protocol.StreamData, protocol.TypePacket, protocol.PacketPayload{GlobalID: "/s", Kind: protocol.PacketKindData, Data: []byte{1}}))
	require.NoError(t, protocol.WriteFrame(&buf, protocol.StreamData, protocol.TypePacket, protocol.PacketPayload{GlobalID: "/s", Kind: protocol.PacketKindData, Data: []byte{2}}))

	first, err := protocol.ReadFrame(&buf)
	require.NoError(t, err)
	second, err := protocol.ReadFrame(&buf)
	require.NoError(t, err)

	require.Equal(t, []byte{1}, first.Payload.(protocol.PacketPayload).Data)
	require.Equal(t, []byte{2}, second.Payload.(protocol.PacketPayload).Data)
}
