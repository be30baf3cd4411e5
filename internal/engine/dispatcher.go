package engine

import (
	"context"
	"sync"
)

const defaultSubscriberBuffer = 16

// StatusDispatcher fans engine status snapshots out to subscribers. Slow subscribers drop updates.
type StatusDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*statusSubscriber
	nextID      int64
	bufferSize  int
}

type statusSubscriber struct {
	id     int64
	stream chan Status
	done   chan struct{}
	once   sync.Once
}

func NewStatusDispatcher() *StatusDispatcher {
	return &StatusDispatcher{
		subscribers: make(map[int64]*statusSubscriber),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers a stream that closes when ctx ends or cleanup runs.
func (d *StatusDispatcher) Subscribe(ctx context.Context) (<-chan Status, func()) {
	subscriber := &statusSubscriber{
		stream: make(chan Status, d.bufferSize),
		done:   make(chan struct{}),
	}
	d.mu.Lock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
	d.mu.Unlock()

	cleanup := func() {
		d.unregisterSubscriber(subscriber)
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-subscriber.done:
		}
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the snapshot to every subscriber without blocking.
func (d *StatusDispatcher) Publish(status Status) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, subscriber := range d.subscribers {
		select {
		case subscriber.stream <- status:
		default:
		}
	}
}

// Count reports active subscribers.
func (d *StatusDispatcher) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *StatusDispatcher) unregisterSubscriber(subscriber *statusSubscriber) {
	subscriber.once.Do(func() {
		d.mu.Lock()
		delete(d.subscribers, subscriber.id)
		close(subscriber.stream)
		d.mu.Unlock()
		close(subscriber.done)
	})
}
