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

import "sync"

// subscriberQueueSize bounds how far a slow in-process subscriber can fall
// behind before Publish starts dropping its messages rather than blocking
// the publisher, matching the pump's non-blocking delivery stance (§4.3).
const subscriberQueueSize = 64

func makeInMemoryPubSub() PubSub {
	return &inMemoryPubSub{
		subs: make(map[string]map[*inMemorySubscription]struct{}),
	}
}

type inMemoryPubSub struct {
	mu   sync.Mutex
	subs map[string]map[*inMemorySubscription]struct{}
}

func (ps *inMemoryPubSub) Publish(topic string, message []byte) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for sub := range ps.subs[topic] {
		select {
		case sub.ch <- message:
		default:
		}
	}
	return nil
}

func (ps *inMemoryPubSub) Subscribe(topic string) Subscription {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	sub := &inMemorySubscription{
		ps:    ps,
		topic: topic,
		ch:    make(chan []byte, subscriberQueueSize),
	}
	if ps.subs[topic] == nil {
		ps.subs[topic] = make(map[*inMemorySubscription]struct{})
	}
	ps.subs[topic][sub] = struct{}{}
	return sub
}

func (ps *inMemoryPubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, topicSubs := range ps.subs {
		for sub := range topicSubs {
			close(sub.ch)
		}
	}
	ps.subs = make(map[string]map[*inMemorySubscription]struct{})
	return nil
}

type inMemorySubscription struct {
	ps    *inMemoryPubSub
	topic string
	ch    chan []byte
}

func (s *inMemorySubscription) Close() error {
	s.ps.mu.Lock()
	defer s.ps.mu.Unlock()
	if _, ok := s.ps.subs[s.topic][s]; !ok {
		return nil
	}
	delete(s.ps.subs[s.topic], s)
	close(s.ch)
	return nil
}

func (s *inMemorySubscription) Channel() <-chan []byte {
	return s.ch
}
