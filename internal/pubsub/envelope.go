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

package pubsub

// RelayedPacket is the payload published between sibling instances for one
// signal's packet, distinct from the byte-level wire codec that governs the
// actual client-server TCP protocol. SourceInstance tags the publishing
// instance so a relayed packet is never re-published back onto the bus by
// the instance that relays it into its own local sessions (§11.3, §11.6).
//
//go:generate msgp
type RelayedPacket struct {
	GlobalID       string `msg:"global_id"`
	PacketKind     uint8  `msg:"packet_kind"`
	Payload        []byte `msg:"payload"`
	SourceInstance string `msg:"source_instance"`
}
