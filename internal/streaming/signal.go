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

// Package streaming holds the data model shared by the server handler,
// client handler, packet pump and component-event adapter: global ids,
// serialized signal descriptors and the Signal/PacketSource boundary
// interfaces the protocol core talks to (spec §3).
package streaming

import (
	"encoding/json"
	"fmt"
	"strings"
)

// IsDescendant reports whether id is prefix itself or nested under it
// (prefix + "/"), the prefix-comparability rule signal global ids must
// satisfy (§3).
func IsDescendant(prefix, id string) bool {
	if id == prefix {
		return true
	}
	return strings.HasPrefix(id, prefix+"/")
}

// Descriptor is the deserialized form of the opaque serialized signal
// descriptor (§3). The wire format is JSON in the reference implementation;
// fields beyond what the protocol core needs (DomainSignalID, for link
// resolution) are preserved verbatim via json.RawMessage so re-serializing
// a descriptor this process never interprets still round-trips byte for
// byte (§8 testable property 5).
type Descriptor struct {
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Public         bool            `json:"public"`
	DomainSignalID string          `json:"domainSignalId,omitempty"`
	Extra          json.RawMessage `json:"extra,omitempty"`
}

// ParseDescriptor deserializes a serialized signal descriptor.
func ParseDescriptor(serialized string) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal([]byte(serialized), &d); err != nil {
		return Descriptor{}, fmt.Errorf("streaming: parse descriptor: %w", err)
	}
	return d, nil
}

// Serialize re-encodes a Descriptor to its wire form.
func (d Descriptor) Serialize() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("streaming: serialize descriptor: %w", err)
	}
	return string(b), nil
}

// Signal is the boundary interface the protocol core uses to talk to the
// higher-level signal/device/component object model, which is explicitly
// out of scope here (§1 non-goals). Anything satisfying this interface can
// be advertised by the server handler.
type Signal interface {
	GlobalID() string
	IsPublic() bool
	// SerializedDescriptor returns the current serialized descriptor for
	// this signal, suitable for a SignalAvailable frame.
	SerializedDescriptor() (string, error)
}

// PacketSource is the per-signal packet producer the packet pump drains
// (§4.3). Read returns the next packet and true, or a zero Packet and false
// when no packet is currently available; it must never block the pump.
type PacketSource interface {
	Read() (Packet, bool)
}

// PacketKind mirrors protocol.PacketKind without importing the wire codec
// into the domain model.
type PacketKind int

const (
	PacketKindData PacketKind = iota
	PacketKindEvent
)

// Packet is one unit handed from a PacketSource to the pump, and from the
// pump to the server handler's fan-out.
type Packet struct {
	Kind    PacketKind
	Payload []byte
}
