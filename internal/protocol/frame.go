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

import (
	"encoding/binary"
	"fmt"
	"io"
)

// StreamID identifies which logical stream a frame belongs to (§4.1).
type StreamID byte

const (
	StreamControl StreamID = iota
	StreamData
	StreamConfig
)

func (s StreamID) String() string {
	switch s {
	case StreamControl:
		return "control"
	case StreamData:
		return "data"
	case StreamConfig:
		return "config"
	default:
		return fmt.Sprintf("stream(%d)", byte(s))
	}
}

// frameHeaderSize is the 4-byte little-endian length prefix plus the
// stream-id and payload-type bytes that follow it (§6: "Wire protocol").
const frameHeaderSize = 4 + 1 + 1

// MaxFrameSize bounds the length prefix to guard against a corrupt or
// malicious peer claiming an unbounded allocation.
const MaxFrameSize = 64 * 1024 * 1024

// Frame is one decoded wire frame: a stream id, a payload-type tag and the
// already-decoded Payload.
type Frame struct {
	Stream  StreamID
	Type    PayloadType
	Payload Payload
}

// WriteFrame encodes stream, typ and payload and writes one frame to w.
// The length prefix covers the stream-id byte, payload-type byte and the
// encoded payload, matching §6's "4-byte little-endian length, then
// stream-id byte, then payload-type byte, then payload".
func WriteFrame(w io.Writer, stream StreamID, typ PayloadType, payload Payload) error {
	var body []byte
	if payload != nil {
		body = payload.Encode()
	}

	frame := make([]byte, frameHeaderSize-4+len(body))
	frame[0] = byte(stream)
	frame[1] = byte(typ)
	copy(frame[2:], body)

	lenPrefix := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenPrefix, uint32(len(frame)))

	if _, err := w.Write(lenPrefix); err != nil {
		return fmt.Errorf("protocol: write length prefix: %w", err)
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("protocol: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads and decodes exactly one frame from r.
//
// A declared length above MaxFrameSize returns ErrFrameTooLarge, a body
// shorter than the stream and type bytes returns ErrMalformedFrame, and a
// recognised payload whose fields are cut short returns ErrTruncatedPayload;
// a short read returns the reader's own error. Per §4.1 the caller must drop
// the session on any of these. Unknown optional tags decode to a RawPayload
// and are not an error, preserving forward compatibility.
func ReadFrame(r io.Reader) (Frame, error) {
	lenPrefix := make([]byte, 4)
	if _, err := io.ReadFull(r, lenPrefix); err != nil {
		return Frame{}, err
	}
	n := binary.LittleEndian.Uint32(lenPrefix)
	if n > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	if n < 2 {
		return Frame{}, ErrMalformedFrame
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}

	stream := StreamID(body[0])
	typ := PayloadType(body[1])
	payload, err := decodePayload(typ, body[2:])
	if err != nil {
		return Frame{}, err
	}

	return Frame{Stream: stream, Type: typ, Payload: payload}, nil
}
