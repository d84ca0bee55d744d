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

// Package pprof exposes the debug/pprof endpoints over their own HTTP
// listener, separate from the metrics server, so profiling a running
// instance never shares a port with the Prometheus scrape target.
package pprof

import (
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/opendaq/native-streaming/internal/config"
)

const readTimeout = 3 * time.Second

// CreatePProfServer blocks serving debug/pprof until the listener fails.
// It returns nil immediately if pprof is disabled in cfg.
func CreatePProfServer(cfg *config.Config) error {
	if !cfg.PProf.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.PProf.Bind, cfg.PProf.Port),
		Handler:           mux,
		ReadHeaderTimeout: readTimeout,
	}
	if err := server.ListenAndServe(); err != nil {
		return fmt.Errorf("pprof server on %s: %w", server.Addr, err)
	}
	return nil
}
