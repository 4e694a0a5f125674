// Package broadcast fans a content-free change signal out to every connected
// viewer. Viewers refetch the document themselves; the hub never carries a
// payload.
package broadcast

import (
	"sync"
	"time"
)

type Signal string

const (
	// SignalHello is the periodic heartbeat; it tells a viewer the channel
	// is alive even when nothing changed.
	SignalHello Signal = "hello"
	// SignalUpdate means the document changed and should be refetched.
	SignalUpdate Signal = "update"
)

const subscriberBuffer = 8

type Hub struct {
	mu          sync.Mutex
	subscribers map[chan Signal]struct{}
	heartbeat   time.Duration
	done        chan struct{}
	closeOnce   sync.Once
}

// NewHub starts a hub whose heartbeat ticks at the given interval. A zero or
// negative interval defaults to 10 seconds.
func NewHub(heartbeat time.Duration) *Hub {
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	h := &Hub{
		subscribers: map[chan Signal]struct{}{},
		heartbeat:   heartbeat,
		done:        make(chan struct{}),
	}
	go h.heartbeatLoop()
	return h
}

func (h *Hub) heartbeatLoop() {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.send(SignalHello)
		}
	}
}

// Subscribe registers a viewer and returns its signal channel plus a cancel
// function. The channel closes on cancel or hub shutdown.
func (h *Hub) Subscribe() (<-chan Signal, func()) {
	ch := make(chan Signal, subscriberBuffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subscribers[ch]; ok {
				delete(h.subscribers, ch)
				close(ch)
			}
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Broadcast pushes an update signal to every subscriber. Delivery is
// non-blocking per subscriber: a viewer that cannot keep up loses the signal
// and recovers through its own watchdog or poller, never delaying others.
func (h *Hub) Broadcast() {
	h.send(SignalUpdate)
}

func (h *Hub) send(sig Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- sig:
		default:
		}
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close stops the heartbeat and closes every subscriber channel.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		for ch := range h.subscribers {
			delete(h.subscribers, ch)
			close(ch)
		}
		h.mu.Unlock()
	})
}
