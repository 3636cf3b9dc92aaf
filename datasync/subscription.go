// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package datasync

import "sync"

const subscriptionBuffer = 16

// Subscription is an observable stream of change events for one key.
// It emits the key's current value immediately, then subsequent updates.
type Subscription struct {
	key    string
	ch     chan Event
	once   sync.Once
	cancel func()
}

// Events returns the event stream. The channel is closed when the
// subscription is closed or the engine shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Key returns the subscribed key.
func (s *Subscription) Key() string {
	return s.key
}

// Close unsubscribes and closes the event channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}

// deliver pushes an event without ever blocking the engine; slow
// subscribers lose intermediate events.
func (s *Subscription) deliver(ev Event) {
	select {
	case s.ch <- ev:
	default:
	}
}
