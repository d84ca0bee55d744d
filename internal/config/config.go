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

// Package config defines the application configuration for the native
// streaming server and client, loaded via configulator from environment
// variables, flags, or a config file.
package config

import "time"

// Config stores the application configuration.
type Config struct {
	LogLevel LogLevel `name:"log-level" description:"Logging level (debug, info, warn, error)" default:"info"`

	Server    Server    `name:"server" description:"Native streaming server settings"`
	Client    Client    `name:"client" description:"Native streaming client (device) settings"`
	Reconnect Reconnect `name:"reconnect" description:"Client reconnection controller settings"`
	Redis     Redis     `name:"redis" description:"Optional Redis-backed cross-instance store"`
	Metrics   Metrics   `name:"metrics" description:"Prometheus metrics server settings"`
	Tracing   Tracing   `name:"tracing" description:"OpenTelemetry tracing settings"`
	PProf     PProf     `name:"pprof" description:"pprof debug server settings"`
}

// Server configures the native streaming server handler (component C).
type Server struct {
	Bind string `name:"bind" description:"Bind address setting for the native streaming listener; not applied, the listener accepts on all interfaces" default:"0.0.0.0"`
	Port int    `name:"port" description:"Native streaming listener port" default:"7420"`
}

// Client configures the native streaming client handler's default device URL.
type Client struct {
	ConnectionString string `name:"connection-string" description:"daq.nsd:// connection string of the remote server" default:""`
}

// Reconnect configures the client-side reconnection controller (component G).
type Reconnect struct {
	MinBackoff       time.Duration `name:"min-backoff" description:"Initial backoff before the first reconnect attempt" default:"500ms"`
	MaxBackoff       time.Duration `name:"max-backoff" description:"Upper bound on reconnect backoff" default:"30s"`
	MaxAttempts      int           `name:"max-attempts" description:"Maximum reconnect attempts, 0 for unbounded" default:"0"`
	HeartbeatPeriod  time.Duration `name:"heartbeat-period" description:"Interval between heartbeat frames" default:"10s"`
	HeartbeatTimeout time.Duration `name:"heartbeat-timeout" description:"Time without a heartbeat before the peer is considered dead" default:"30s"`
	// StalePendingThreshold is how long a subscribe/unsubscribe request may
	// sit unanswered before the scheduled reaper fails it as timed out.
	StalePendingThreshold time.Duration `name:"stale-pending-threshold" description:"Time a subscribe/unsubscribe request may stay pending before it is reaped" default:"1m"`
}

// Redis configures the optional cross-instance backing store (kv/pubsub/queue).
type Redis struct {
	Enabled  bool   `name:"enabled" description:"Back kv/pubsub/queue with Redis instead of the in-memory implementation" default:"false"`
	Host     string `name:"host" description:"Redis host" default:"localhost"`
	Port     int    `name:"port" description:"Redis port" default:"6379"`
	Password string `name:"password" description:"Redis password"`
}

// Metrics configures the Prometheus metrics HTTP server.
type Metrics struct {
	Enabled bool   `name:"enabled" description:"Enable the Prometheus metrics server" default:"false"`
	Bind    string `name:"bind" description:"Address to bind the metrics server to" default:"0.0.0.0"`
	Port    int    `name:"port" description:"Metrics server port" default:"9100"`
}

// Tracing configures the OpenTelemetry OTLP exporter.
type Tracing struct {
	OTLPEndpoint string `name:"otlp-endpoint" description:"OTLP gRPC collector endpoint; tracing disabled when empty"`
	ServiceName  string `name:"service-name" description:"service.name resource attribute reported to the collector" default:"native-streaming"`
}

// PProf configures the optional pprof debug HTTP server.
type PProf struct {
	Enabled bool   `name:"enabled" description:"Enable the pprof debug server" default:"false"`
	Bind    string `name:"bind" description:"Address to bind the pprof server to" default:"127.0.0.1"`
	Port    int    `name:"port" description:"pprof server port" default:"6060"`
}
