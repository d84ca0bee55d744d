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

// Package pubsub provides the cross-instance fan-out bus used to mirror
// SendPacket calls across every process in an instance.Registry (§11.3):
// in-memory when a single process holds every session, Redis-backed when
// sessions are spread across a fleet behind a shared load balancer.
package pubsub

import (
	"context"
	"fmt"

	"github.com/opendaq/native-streaming/internal/config"
)

// PubSub is a topic-addressed broadcast bus. Every Subscribe call on a topic
// receives its own copy of every message subsequently Published to it.
type PubSub interface {
	Publish(topic string, message []byte) error
	Subscribe(topic string) Subscription
	Close() error
}

// Subscription is one Subscribe call's handle.
type Subscription interface {
	Close() error
	Channel() <-chan []byte
}

// MakePubSub constructs the configured PubSub implementation.
func MakePubSub(ctx context.Context, cfg *config.Config) (PubSub, error) {
	if cfg.Redis.Enabled {
		ps, err := makePubSubFromRedis(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("pubsub: %w", err)
		}
		return ps, nil
	}
	return makeInMemoryPubSub(), nil
}
