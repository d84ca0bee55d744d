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

// Package instance tracks running native streaming server processes in the
// shared KV store, so a stopping instance can tell whether siblings are
// still alive and can pick up its sessions (§11.3).
package instance

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/opendaq/native-streaming/internal/kv"
)

const (
	instanceKeyPrefix = "native-streaming:instance:"
	// instanceTTL is the TTL for instance registration keys. Must be longer
	// than the heartbeat interval so keys stay alive while running.
	instanceTTL = 30 * time.Second
	// instanceHeartbeat is how often each instance refreshes its TTL.
	instanceHeartbeat = 10 * time.Second
)

// Registry tracks running server instances in the shared KV store so a
// stopping instance can ask whether a sibling is still alive
// (OtherInstancesExist). The runtime's shutdown only logs that answer; it
// closes sessions the same way in either case.
type Registry struct {
	kv         kv.KV
	logger     *slog.Logger
	instanceID string
	cancel     context.CancelFunc
}

// New creates a registry entry for this instance and starts a background
// heartbeat to keep its key alive.
func New(ctx context.Context, logger *slog.Logger, store kv.KV, instanceID string) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{kv: store, logger: logger, instanceID: instanceID}

	key := instanceKeyPrefix + instanceID
	if err := store.Set(ctx, key, []byte(instanceID)); err != nil {
		logger.Error("failed to register instance in KV", "instanceId", instanceID, "error", err)
	}
	if err := store.Expire(ctx, key, instanceTTL); err != nil {
		logger.Error("failed to set instance TTL", "instanceId", instanceID, "error", err)
	}

	hbCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.heartbeat(hbCtx)

	logger.Info("registered instance in KV", "instanceId", instanceID)
	return r
}

func (r *Registry) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(instanceHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			key := instanceKeyPrefix + r.instanceID
			if err := r.kv.Set(ctx, key, []byte(r.instanceID)); err != nil {
				r.logger.Warn("instance heartbeat: failed to refresh key", "error", err)
			}
			if err := r.kv.Expire(ctx, key, instanceTTL); err != nil {
				r.logger.Warn("instance heartbeat: failed to refresh TTL", "error", err)
			}
		}
	}
}

// OtherInstancesExist reports whether any instance other than this one has a
// live registration in KV.
func (r *Registry) OtherInstancesExist(ctx context.Context) bool {
	keys, _, err := r.kv.Scan(ctx, 0, instanceKeyPrefix+"*", 0)
	if err != nil {
		r.logger.Warn("failed to scan for other instances", "error", err)
		return false
	}
	myKey := instanceKeyPrefix + r.instanceID
	for _, key := range keys {
		if key != myKey {
			return true
		}
	}
	return false
}

// Deregister removes this instance from the registry and stops the heartbeat.
func (r *Registry) Deregister(ctx context.Context) {
	if r.cancel != nil {
		r.cancel()
	}
	key := instanceKeyPrefix + r.instanceID
	if err := r.kv.Delete(ctx, key); err != nil {
		r.logger.Warn("failed to deregister instance from KV", "instanceId", r.instanceID, "error", err)
	}
	r.logger.Info("deregistered instance from KV", "instanceId", r.instanceID)
}

// GenerateInstanceID creates a unique instance identifier from random bytes.
func GenerateInstanceID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random instance ID: %w", err)
	}
	return hex.EncodeToString(b), nil
}
