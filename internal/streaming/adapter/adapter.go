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

// Package adapter implements the component-event adapter (§4.5, component
// F): it observes the server device's ComponentAdded/ComponentRemoved
// notifications and translates them into the server handler's addSignal and
// removeComponentSignals operations, filtered to one device's subtree.
package adapter

import (
	"log/slog"

	"github.com/opendaq/native-streaming/internal/streaming"
)

// Component is a node in the observed device tree: either a Folder or
// something that also implements streaming.Signal.
type Component interface {
	GlobalID() string
}

// Folder is a Component with children, enumerated in the order they should
// be visited (§4.5 "recursively enumerate its signals and add each in
// depth-first order").
type Folder interface {
	Component
	Items() []Component
}

// SignalAdder is the subset of the server handler's API the adapter drives.
type SignalAdder interface {
	AddSignal(sig streaming.Signal) error
}

// SignalRemover is the other half of the server handler's API the adapter drives.
type SignalRemover interface {
	RemoveComponentSignals(prefix string)
}

// Adapter bridges component tree events into a SignalAdder/SignalRemover.
// rootPrefix scopes it to one device so multiple adapters can share a
// process without cross-device leakage (§4.5 "filters by prefix").
type Adapter struct {
	logger     *slog.Logger
	rootPrefix string
	adder      SignalAdder
	remover    SignalRemover
}

// New constructs an Adapter scoped to rootPrefix.
func New(logger *slog.Logger, rootPrefix string, adder SignalAdder, remover SignalRemover) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{logger: logger, rootPrefix: rootPrefix, adder: adder, remover: remover}
}

// ComponentAdded handles a newly added component: a signal is added
// directly; a folder has its signals added depth-first, matching how the
// reference device enumerates items recursively (§12).
func (a *Adapter) ComponentAdded(component Component) {
	if !streaming.IsDescendant(a.rootPrefix, component.GlobalID()) {
		return
	}
	a.addRecursive(component)
}

func (a *Adapter) addRecursive(component Component) {
	if sig, ok := component.(streaming.Signal); ok {
		if err := a.adder.AddSignal(sig); err != nil {
			a.logger.Warn("adapter: failed to add signal", "globalId", sig.GlobalID(), "error", err)
		}
		return
	}
	if folder, ok := component.(Folder); ok {
		for _, child := range folder.Items() {
			a.addRecursive(child)
		}
	}
}

// ComponentRemoved handles a component removed from parent under localID
// (§4.5: "compute global_id = parent.global_id + '/' + local_id").
func (a *Adapter) ComponentRemoved(parent Component, localID string) {
	globalID := parent.GlobalID() + "/" + localID
	if !streaming.IsDescendant(a.rootPrefix, globalID) {
		return
	}
	a.remover.RemoveComponentSignals(globalID)
}
