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

package cmd

import (
	"testing"
	"time"

	"github.com/opendaq/native-streaming/internal/config"
)

func TestSetupTracingEmptyEndpointReturnsNoopCleanup(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Tracing.OTLPEndpoint = ""

	cleanup, err := setupTracing(cfg)
	if err != nil {
		t.Fatalf("expected no error for empty OTLP endpoint, got: %v", err)
	}
	if cleanup == nil {
		t.Fatal("expected non-nil no-op cleanup function for empty OTLP endpoint")
	}
	if err := cleanup(t.Context()); err != nil {
		t.Fatalf("expected no-op cleanup to return nil error, got: %v", err)
	}
}

func TestInitTracerValidEndpointReturnsCleanup(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Tracing.OTLPEndpoint = "localhost:4317"
	cfg.Tracing.ServiceName = "native-streaming-test"

	// gRPC connections are lazy, so a well-formed endpoint won't fail at
	// creation time. Verify that initTracer returns a non-nil cleanup
	// and no error.
	cleanup, err := initTracer(cfg)
	if err != nil {
		t.Fatalf("expected no error for well-formed endpoint, got: %v", err)
	}
	if cleanup == nil {
		t.Fatal("expected non-nil cleanup function for well-formed endpoint")
	}
}

func TestSetupTracingWithEndpointReturnsCleanupAndNoError(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Tracing.OTLPEndpoint = "localhost:4317"
	cfg.Tracing.ServiceName = "native-streaming-test"

	cleanup, err := setupTracing(cfg)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cleanup == nil {
		t.Fatal("expected non-nil cleanup function when OTLP endpoint is set")
	}
}

func TestClientAddrStripsScheme(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"daq.nsd://127.0.0.1:7420":  "127.0.0.1:7420",
		"daq.nsd://127.0.0.1:7420/": "127.0.0.1:7420",
		"127.0.0.1:7420":            "127.0.0.1:7420",
	}
	for in, want := range cases {
		if got := clientAddr(in); got != want {
			t.Errorf("clientAddr(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSetupReapJobNoopWithoutClient(t *testing.T) {
	t.Parallel()
	scheduler, err := setupScheduler()
	if err != nil {
		t.Fatalf("setupScheduler: %v", err)
	}
	defer func() { _ = scheduler.Shutdown() }()

	cfg := &config.Config{}
	cfg.Reconnect.StalePendingThreshold = time.Minute
	rt := &runtime{}

	// Must not panic or register a job against a nil client.
	setupReapJob(scheduler, cfg, rt)
}
