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

// Package protocol implements the native streaming wire protocol: a
// length-prefixed TCP frame format (§4.1 of the specification) carrying
// signal announcements, subscription control, packets and opaque
// configuration-protocol blobs.
package protocol

import "errors"

var (
	// ErrFrameTooLarge is returned when a frame's declared length exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")
	// ErrMalformedFrame is returned when a frame cannot be parsed as a well-formed payload.
	// Per §4.1, the codec drops the session on this error.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	// ErrUnknownRequiredTag is returned when a frame's payload-type byte does not match any
	// known required tag. Unknown *optional* tags are never represented by this error; they
	// are consumed by the generic unknown-payload path and ignored.
	ErrUnknownRequiredTag = errors.New("protocol: unknown required payload type")
	// ErrTruncatedPayload is returned when a payload is shorter than its fixed fields require.
	ErrTruncatedPayload = errors.New("protocol: truncated payload")
)
