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

package protocol

import "encoding/binary"

// PayloadType tags the kind of payload carried by one frame (§4.1).
type PayloadType byte

const (
	TypeSignalAvailable PayloadType = iota
	TypeSignalUnavailable
	TypeSubscribe
	TypeUnsubscribe
	TypeSubscribeAck
	TypeUnsubscribeAck
	TypePacket
	TypeConfigBlob
	TypeHeartbeat
	// TypeStateRestore carries the server's full current advertised set so the
	// client can diff it against its pre-disconnect mirror set in one round
	// trip (design note §9: "prefer a single StateRestore message").
	TypeStateRestore

	// maxKnownPayloadType marks the boundary between required tags this codec
	// understands and unknown/optional ones (§4.1: "unknown optional tags are
	// ignored to preserve forward compatibility").
	maxKnownPayloadType
)

// PacketKind distinguishes data packets from event packets within a Packet payload.
type PacketKind byte

const (
	PacketKindData PacketKind = iota
	PacketKindEvent
)

// Payload is anything that can be framed on the wire. Encode never returns
// an error: payloads are constructed from already-validated in-memory state.
type Payload interface {
	Encode() []byte
}

// --- string helpers -------------------------------------------------------
//
// Strings are encoded as a 4-byte little-endian length prefix followed by
// the raw UTF-8 bytes, matching the frame header's own length-prefix style.

func appendString(buf []byte, s string) []byte {
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(s)))
	buf = append(buf, lenBuf...)
	buf = append(buf, s...)
	return buf
}

func readString(data []byte, offset int) (string, int, error) {
	if offset+4 > len(data) {
		return "", 0, ErrTruncatedPayload
	}
	n := int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4
	if n < 0 || offset+n > len(data) {
		return "", 0, ErrTruncatedPayload
	}
	return string(data[offset : offset+n]), offset + n, nil
}

func appendBytes(buf []byte, b []byte) []byte {
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(b)))
	buf = append(buf, lenBuf...)
	buf = append(buf, b...)
	return buf
}

func readBytes(data []byte, offset int) ([]byte, int, error) {
	if offset+4 > len(data) {
		return nil, 0, ErrTruncatedPayload
	}
	n := int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4
	if n < 0 || offset+n > len(data) {
		return nil, 0, ErrTruncatedPayload
	}
	var out []byte
	if n > 0 {
		out = make([]byte, n)
		copy(out, data[offset:offset+n])
	}
	return out, offset + n, nil
}

// --- SignalAvailable --------------------------------------------------------

// SignalAvailable announces a signal's existence and its serialized descriptor (§3, §4.1).
type SignalAvailable struct {
	GlobalID             string
	SerializedDescriptor string
}

func (p SignalAvailable) Encode() []byte {
	buf := appendString(nil, p.GlobalID)
	buf = appendString(buf, p.SerializedDescriptor)
	return buf
}

func decodeSignalAvailable(data []byte) (SignalAvailable, error) {
	gid, off, err := readString(data, 0)
	if err != nil {
		return SignalAvailable{}, err
	}
	desc, _, err := readString(data, off)
	if err != nil {
		return SignalAvailable{}, err
	}
	return SignalAvailable{GlobalID: gid, SerializedDescriptor: desc}, nil
}

// --- SignalUnavailable -------------------------------------------------------

// SignalUnavailable announces that a signal is no longer advertised (§4.2).
type SignalUnavailable struct {
	GlobalID string
}

func (p SignalUnavailable) Encode() []byte {
	return appendString(nil, p.GlobalID)
}

func decodeSignalUnavailable(data []byte) (SignalUnavailable, error) {
	gid, _, err := readString(data, 0)
	if err != nil {
		return SignalUnavailable{}, err
	}
	return SignalUnavailable{GlobalID: gid}, nil
}

// --- Subscribe / Unsubscribe -------------------------------------------------

// Subscribe requests a subscription to a signal; RequestID correlates the ack (§4.2).
type Subscribe struct {
	GlobalID  string
	RequestID uint32
}

func (p Subscribe) Encode() []byte {
	buf := appendString(nil, p.GlobalID)
	reqBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(reqBuf, p.RequestID)
	return append(buf, reqBuf...)
}

func decodeSubscribe(data []byte) (Subscribe, error) {
	gid, off, err := readString(data, 0)
	if err != nil {
		return Subscribe{}, err
	}
	if off+4 > len(data) {
		return Subscribe{}, ErrTruncatedPayload
	}
	rid := binary.LittleEndian.Uint32(data[off:])
	return Subscribe{GlobalID: gid, RequestID: rid}, nil
}

// Unsubscribe requests removal of a subscription (§4.2). Same wire shape as Subscribe.
type Unsubscribe Subscribe

func (p Unsubscribe) Encode() []byte { return Subscribe(p).Encode() }

func decodeUnsubscribe(data []byte) (Unsubscribe, error) {
	s, err := decodeSubscribe(data)
	return Unsubscribe(s), err
}

// --- SubscribeAck / UnsubscribeAck -------------------------------------------

// SubscribeAck answers a Subscribe request (§4.2).
type SubscribeAck struct {
	GlobalID  string
	RequestID uint32
	OK        bool
}

func (p SubscribeAck) Encode() []byte {
	buf := appendString(nil, p.GlobalID)
	reqBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(reqBuf, p.RequestID)
	buf = append(buf, reqBuf...)
	if p.OK {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func decodeSubscribeAck(data []byte) (SubscribeAck, error) {
	gid, off, err := readString(data, 0)
	if err != nil {
		return SubscribeAck{}, err
	}
	if off+5 > len(data) {
		return SubscribeAck{}, ErrTruncatedPayload
	}
	rid := binary.LittleEndian.Uint32(data[off:])
	ok := data[off+4] != 0
	return SubscribeAck{GlobalID: gid, RequestID: rid, OK: ok}, nil
}

// UnsubscribeAck answers an Unsubscribe request (§4.2). Same wire shape as SubscribeAck.
type UnsubscribeAck SubscribeAck

func (p UnsubscribeAck) Encode() []byte { return SubscribeAck(p).Encode() }

func decodeUnsubscribeAck(data []byte) (UnsubscribeAck, error) {
	a, err := decodeSubscribeAck(data)
	return UnsubscribeAck(a), err
}

// --- Packet -------------------------------------------------------------------

// PacketPayload carries sample data or an event for one signal (§4.1).
type PacketPayload struct {
	GlobalID string
	Kind     PacketKind
	Data     []byte
}

func (p PacketPayload) Encode() []byte {
	buf := appendString(nil, p.GlobalID)
	buf = append(buf, byte(p.Kind))
	return appendBytes(buf, p.Data)
}

func decodePacket(data []byte) (PacketPayload, error) {
	gid, off, err := readString(data, 0)
	if err != nil {
		return PacketPayload{}, err
	}
	if off+1 > len(data) {
		return PacketPayload{}, ErrTruncatedPayload
	}
	kind := PacketKind(data[off])
	off++
	payload, _, err := readBytes(data, off)
	if err != nil {
		return PacketPayload{}, err
	}
	return PacketPayload{GlobalID: gid, Kind: kind, Data: payload}, nil
}

// --- ConfigBlob -----------------------------------------------------------

// ConfigBlob is an opaque configuration-protocol frame, forwarded verbatim (§4.1).
type ConfigBlob struct {
	Data []byte
}

func (p ConfigBlob) Encode() []byte {
	return appendBytes(nil, p.Data)
}

func decodeConfigBlob(data []byte) (ConfigBlob, error) {
	b, _, err := readBytes(data, 0)
	if err != nil {
		return ConfigBlob{}, err
	}
	return ConfigBlob{Data: b}, nil
}

// --- Heartbeat --------------------------------------------------------------

// Heartbeat is a periodic liveness probe with no payload (§4.1).
type Heartbeat struct{}

func (Heartbeat) Encode() []byte { return nil }

func decodeHeartbeat([]byte) (Heartbeat, error) { return Heartbeat{}, nil }

// --- StateRestore -----------------------------------------------------------

// StateRestore carries the server's full current advertised set so the client
// can diff against its pre-disconnect mirror set in a single round trip
// (§4.4, design note §9).
type StateRestore struct {
	Signals []SignalAvailable
}

func (p StateRestore) Encode() []byte {
	countBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(countBuf, uint32(len(p.Signals)))
	buf := append([]byte{}, countBuf...)
	for _, sig := range p.Signals {
		buf = append(buf, sig.Encode()...)
	}
	return buf
}

func decodeStateRestore(data []byte) (StateRestore, error) {
	if len(data) < 4 {
		return StateRestore{}, ErrTruncatedPayload
	}
	count := int(binary.LittleEndian.Uint32(data))
	offset := 4
	signals := make([]SignalAvailable, 0, count)
	for i := 0; i < count; i++ {
		gid, next, err := readString(data, offset)
		if err != nil {
			return StateRestore{}, err
		}
		offset = next
		desc, next, err := readString(data, offset)
		if err != nil {
			return StateRestore{}, err
		}
		offset = next
		signals = append(signals, SignalAvailable{GlobalID: gid, SerializedDescriptor: desc})
	}
	return StateRestore{Signals: signals}, nil
}

// --- RawPayload ---------------------------------------------------------------

// RawPayload holds the bytes of a payload whose type tag is not recognised by
// this codec version. Per §4.1 unknown optional tags are ignored rather than
// rejected, so decoding one never errors.
type RawPayload struct {
	Type PayloadType
	Data []byte
}

func (p RawPayload) Encode() []byte { return p.Data }

// decodePayload dispatches on typ, decoding into the matching Payload type.
// Recognised tags that fail to parse their fixed fields return
// ErrTruncatedPayload (session must be dropped, §4.1).
// Tags beyond the codec's known range decode to RawPayload without error.
func decodePayload(typ PayloadType, data []byte) (Payload, error) {
	switch typ {
	case TypeSignalAvailable:
		return decodeSignalAvailable(data)
	case TypeSignalUnavailable:
		return decodeSignalUnavailable(data)
	case TypeSubscribe:
		return decodeSubscribe(data)
	case TypeUnsubscribe:
		return decodeUnsubscribe(data)
	case TypeSubscribeAck:
		return decodeSubscribeAck(data)
	case TypeUnsubscribeAck:
		return decodeUnsubscribeAck(data)
	case TypePacket:
		return decodePacket(data)
	case TypeConfigBlob:
		return decodeConfigBlob(data)
	case TypeHeartbeat:
		return decodeHeartbeat(data)
	case TypeStateRestore:
		return decodeStateRestore(data)
	default:
		if typ >= maxKnownPayloadType {
			return RawPayload{Type: typ, Data: append([]byte{}, data...)}, nil
		}
		return nil, ErrUnknownRequiredTag
	}
}
