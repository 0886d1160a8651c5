package realtime

// Package realtime provides the process-local channel registry used by the
// streaming fallback transport: a multimap from channel id to the set of open
// subscriber connections, with best-effort fan-out.
//
// Design goals:
//   - Never block publishers: slow subscribers drop events (no backpressure
//     against the domain action that triggered the emit).
//   - Per-channel FIFO: each subscriber has its own buffered channel, so
//     events published to one channel arrive at every subscriber in publish
//     order.
//   - Sized for thousands of mostly idle connections: the registry is sharded
//     by channel hash so connects/disconnects on unrelated channels never
//     contend on one lock.
//   - No persistence or replay. A subscriber that was not connected when an
//     event was published never sees it.

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/nexushq/relay/pkg/channel"
	"github.com/nexushq/relay/pkg/event"
)

const defaultBufSize = 32

// shardCount must be a power of two.
const shardCount = 16

// subscriber is one registered connection on a channel.
type subscriber struct {
	id int64
	ch chan event.Envelope
}

type shard struct {
	mu   sync.RWMutex
	subs map[channel.ID][]*subscriber // slice preserves registration order
}

// Hub is the concurrency-safe channel -> connections registry.
type Hub struct {
	shards  [shardCount]shard
	nextID  atomic.Int64
	bufSize int
}

// NewHub constructs a hub with the given per-subscriber buffer size.
// If bufSize <= 0 a default of 32 is used.
func NewHub(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	h := &Hub{bufSize: bufSize}
	for i := range h.shards {
		h.shards[i].subs = make(map[channel.ID][]*subscriber)
	}
	return h
}

func (h *Hub) shardFor(id channel.ID) *shard {
	f := fnv.New32a()
	_, _ = f.Write([]byte(id))
	return &h.shards[f.Sum32()&(shardCount-1)]
}

// Subscribe registers a new connection on a channel and returns its
// subscription id plus the receive channel. Callers must Unsubscribe with the
// same (channel, id) pair on every exit path.
func (h *Hub) Subscribe(id channel.ID) (int64, <-chan event.Envelope) {
	sub := &subscriber{
		id: h.nextID.Add(1),
		ch: make(chan event.Envelope, h.bufSize),
	}
	s := h.shardFor(id)
	s.mu.Lock()
	s.subs[id] = append(s.subs[id], sub)
	s.mu.Unlock()
	return sub.id, sub.ch
}

// Unsubscribe removes a connection from a channel and closes its receive
// channel. Safe to call multiple times; unknown ids are ignored.
func (h *Hub) Unsubscribe(id channel.ID, subID int64) {
	s := h.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subs[id]
	for i, sub := range subs {
		if sub.id == subID {
			s.subs[id] = append(subs[:i:i], subs[i+1:]...)
			if len(s.subs[id]) == 0 {
				delete(s.subs, id)
			}
			close(sub.ch)
			return
		}
	}
}

// Publish delivers an envelope to every subscriber of the channel, in
// registration order, and returns the number of deliveries. Subscribers whose
// buffers are full have the event dropped rather than delaying the rest.
// Publishing to a channel with no subscribers is a no-op.
func (h *Hub) Publish(id channel.ID, env event.Envelope) int {
	s := h.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	delivered := 0
	for _, sub := range s.subs[id] {
		select {
		case sub.ch <- env:
			delivered++
		default:
			// Drop for this slow subscriber only.
		}
	}
	return delivered
}

// Subscribers returns the number of open connections on a channel.
func (h *Hub) Subscribers(id channel.ID) int {
	s := h.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[id])
}

// Size returns the total number of registered connections across all
// channels (approximate under concurrent churn).
func (h *Hub) Size() int {
	total := 0
	for i := range h.shards {
		s := &h.shards[i]
		s.mu.RLock()
		for _, subs := range s.subs {
			total += len(subs)
		}
		s.mu.RUnlock()
	}
	return total
}
