package pipeline

import (
	"sync"
)

// EventBus fans worker output out to the presentation side: trend
// updates for plotting and annotated frames for the live view. Delivery
// is best-effort, latest-value-wins — a slow subscriber drops updates,
// it never blocks the worker.
type EventBus struct {
	trendSubs map[*trendSubscription]bool
	frameSubs map[*frameSubscription]bool
	mu        sync.RWMutex
}

type trendSubscription struct {
	channel chan TrendUpdate
}

type frameSubscription struct {
	channel chan *Frame
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		trendSubs: make(map[*trendSubscription]bool),
		frameSubs: make(map[*frameSubscription]bool),
	}
}

// SubscribeTrend returns a channel receiving trend updates and an
// unsubscribe function.
func (b *EventBus) SubscribeTrend(bufferSize int) (<-chan TrendUpdate, func()) {
	if bufferSize <= 0 {
		bufferSize = 16
	}

	sub := &trendSubscription{channel: make(chan TrendUpdate, bufferSize)}

	b.mu.Lock()
	b.trendSubs[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.trendSubs[sub]; ok {
			delete(b.trendSubs, sub)
			close(sub.channel)
		}
		b.mu.Unlock()
	}
	return sub.channel, unsubscribe
}

// SubscribeFrames returns a channel receiving annotated frames and an
// unsubscribe function. The buffer is intentionally a single slot: the
// consumer always renders the latest available frame.
func (b *EventBus) SubscribeFrames() (<-chan *Frame, func()) {
	sub := &frameSubscription{channel: make(chan *Frame, 1)}

	b.mu.Lock()
	b.frameSubs[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.frameSubs[sub]; ok {
			delete(b.frameSubs, sub)
			close(sub.channel)
		}
		b.mu.Unlock()
	}
	return sub.channel, unsubscribe
}

// PublishTrend delivers a trend update to all subscribers, dropping for
// subscribers whose buffer is full.
func (b *EventBus) PublishTrend(update TrendUpdate) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.trendSubs {
		select {
		case sub.channel <- update:
		default:
		}
	}
}

// PublishFrame delivers a frame to all subscribers. A full single-slot
// buffer is drained first so the subscriber sees the newest frame, not
// the oldest.
func (b *EventBus) PublishFrame(frame *Frame) {
	if frame == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.frameSubs {
		select {
		case sub.channel <- frame:
		default:
			select {
			case <-sub.channel:
			default:
			}
			select {
			case sub.channel <- frame:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.trendSubs) + len(b.frameSubs)
}

// Close unsubscribes everything and closes all channels.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.trendSubs {
		close(sub.channel)
		delete(b.trendSubs, sub)
	}
	for sub := range b.frameSubs {
		close(sub.channel)
		delete(b.frameSubs, sub)
	}
}
