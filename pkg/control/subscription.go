// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package control

import (
	"context"
	"sync"

	"github.com/eapache/channels"
	"github.com/rs/zerolog/log"
)

// DefaultEventBuffer is the event queue depth of a subscription
const DefaultEventBuffer = 32

// Subscription delivers snapshots and events to one consumer.
//
// Snapshots pass through a single-slot ring: a slow consumer sees the
// latest snapshot and skips the ones in between. Events are queued and
// dropped with a log line if the consumer falls too far behind. Neither
// ever blocks the control loop.
type Subscription struct {
	c *Controller

	ring      *channels.RingChannel
	snapshots chan Snapshot
	events    chan Event

	once sync.Once
}

// Subscribe registers a new consumer
func (c *Controller) Subscribe(eventBuffer int) *Subscription {
	if eventBuffer <= 0 {
		eventBuffer = DefaultEventBuffer
	}

	sub := &Subscription{
		c:         c,
		ring:      channels.NewRingChannel(1),
		snapshots: make(chan Snapshot),
		events:    make(chan Event, eventBuffer),
	}
	channels.Unwrap(sub.ring, sub.snapshots)

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if c.stopped.Load() {
		sub.close()
		return sub
	}
	c.subs[sub] = struct{}{}
	return sub
}

// Snapshots returns the snapshot channel. It is closed when the
// subscription or the controller stops.
func (s *Subscription) Snapshots() <-chan Snapshot {
	return s.snapshots
}

// Events returns the event channel. It is closed when the subscription or
// the controller stops.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close unregisters the subscription
func (s *Subscription) Close() {
	s.c.subsMu.Lock()
	defer s.c.subsMu.Unlock()
	delete(s.c.subs, s)
	s.close()
}

// close releases the channels. Snapshots still in flight are drained so
// the unwrap goroutine can exit even when the consumer has stopped
// reading. Caller holds c.subsMu.
func (s *Subscription) close() {
	s.once.Do(func() {
		s.ring.Close()
		close(s.events)
		go func() {
			for range s.snapshots {
			}
		}()
	})
}

// offer replaces any undelivered snapshot. Caller holds c.subsMu.
func (s *Subscription) offer(snap Snapshot) {
	s.ring.In() <- snap
}

// notify queues an event without blocking. Caller holds c.subsMu.
func (s *Subscription) notify(ev Event) {
	select {
	case s.events <- ev:
	default:
		log.Warn().Str("event", ev.Kind.String()).Msg("Subscriber lagging, event dropped")
	}
}

// Observer receives control loop notifications
type Observer interface {
	OnStateUpdate(Snapshot)
	OnPhaseChange(Phase)
	OnSafetyWarning()
	OnIncubationComplete()
	OnFatalFault(FaultKind)
}

// Dispatch feeds a subscription to an observer on the caller's goroutine
// until ctx is done or the subscription closes. Events are delivered ahead
// of pending snapshots.
func Dispatch(ctx context.Context, sub *Subscription, obs Observer) {
	snapshots, events := sub.Snapshots(), sub.Events()

	for snapshots != nil || events != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			deliver(obs, ev)
		case snap, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			// Drain events first so they are seen before the state that follows them
			for drained := false; !drained && events != nil; {
				select {
				case ev, ok := <-events:
					if !ok {
						events = nil
					} else {
						deliver(obs, ev)
					}
				default:
					drained = true
				}
			}
			obs.OnStateUpdate(snap)
		}
	}
}

func deliver(obs Observer, ev Event) {
	switch ev.Kind {
	case EventPhaseChange:
		obs.OnPhaseChange(ev.Phase)
	case EventSafetyWarning:
		obs.OnSafetyWarning()
	case EventIncubationComplete:
		obs.OnIncubationComplete()
	case EventFatalFault:
		obs.OnFatalFault(ev.Fault)
	}
}
