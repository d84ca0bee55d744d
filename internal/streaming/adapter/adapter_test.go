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

package adapter_test

import (
	"testing"

	"github.com/opendaq/native-streaming/internal/streaming"
	"github.com/opendaq/native-streaming/internal/streaming/adapter"
	"github.com/stretchr/testify/require"
)

type fakeSignal struct{ gid string }

func (s fakeSignal) GlobalID() string                      { return s.gid }
func (s fakeSignal) IsPublic() bool                        { return true }
func (s fakeSignal) SerializedDescriptor() (string, error) { return "{}", nil }

type fakeFolder struct {
	gid   string
	items []adapter.Component
}

func (f fakeFolder) GlobalID() string              { return f.gid }
func (f fakeFolder) Items() []adapter.Component     { return f.items }

type fakeSink struct {
	added   []string
	removed []string
}

func (s *fakeSink) AddSignal(sig streaming.Signal) error {
	s.added = append(s.added, sig.GlobalID())
	return nil
}

func (s *fakeSink) RemoveComponentSignals(prefix string) {
	s.removed = append(s.removed, prefix)
}

func TestComponentAddedAddsSignalDirectly(t *testing.T) {
	sink := &fakeSink{}
	a := adapter.New(nil, "/dev0", sink, sink)

	a.ComponentAdded(fakeSignal{gid: "/dev0/sig0"})

	require.Equal(t, []string{"/dev0/sig0"}, sink.added)
}

func TestComponentAddedRecursesFolderDepthFirst(t *testing.T) {
	sink := &fakeSink{}
	a := adapter.New(nil, "/dev0", sink, sink)

	inner := fakeFolder{gid: "/dev0/ch/inner", items: []adapter.Component{
		fakeSignal{gid: "/dev0/ch/inner/sig1"},
	}}
	outer := fakeFolder{gid: "/dev0/ch", items: []adapter.Component{
		fakeSignal{gid: "/dev0/ch/sig0"},
		inner,
		fakeSignal{gid: "/dev0/ch/sig2"},
	}}

	a.ComponentAdded(outer)

	require.Equal(t, []string{
		"/dev0/ch/sig0",
		"/dev0/ch/inner/sig1",
		"/dev0/ch/sig2",
	}, sink.added)
}

func TestComponentAddedFiltersOutsidePrefix(t *testing.T) {
	sink := &fakeSink{}
	a := adapter.New(nil, "/dev0", sink, sink)

	a.ComponentAdded(fakeSignal{gid: "/dev1/sig0"})

	require.Empty(t, sink.added)
}

func TestComponentRemovedComputesGlobalIDFromParentAndLocalID(t *testing.T) {
	sink := &fakeSink{}
	a := adapter.New(nil, "/dev0", sink, sink)

	a.ComponentRemoved(fakeSignal{gid: "/dev0/ch"}, "sig0")

	require.Equal(t, []string{"/dev0/ch/sig0"}, sink.removed)
}

func TestComponentRemovedFiltersOutsidePrefix(t *testing.T) {
	sink := &fakeSink{}
	a := adapter.New(nil, "/dev0", sink, sink)

	a.ComponentRemoved(fakeSignal{gid: "/dev1"}, "sig0")

	require.Empty(t, sink.removed)
}
