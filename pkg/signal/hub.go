package signal

import (
	"sync"
)

// Hub fans change events out to in-process subscribers, keyed by target.
// Backends that own their data locally (memory, sqlite, a watched directory)
// publish through it.
type Hub struct {
	mu     sync.Mutex
	subs   map[Target]map[*Feed]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[Target]map[*Feed]struct{}),
	}
}

// Subscribe registers a feed for target seeded with initial. Callers hold
// whatever lock protects their data while computing initial and calling
// Subscribe, so that no change can fall between the two.
func (h *Hub) Subscribe(target Target, initial ChangeEvent) (*Feed, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrStoreClosed
	}

	var feed *Feed
	feed = NewFeed(func() { h.remove(target, feed) })
	feed.Push(initial)

	set, ok := h.subs[target]
	if !ok {
		set = make(map[*Feed]struct{})
		h.subs[target] = set
	}
	set[feed] = struct{}{}

	return feed, nil
}

// Publish delivers ev to every live subscriber of target.
func (h *Hub) Publish(target Target, ev ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for feed := range h.subs[target] {
		feed.Push(ev)
	}
}

// Subscribers reports how many feeds observe target.
func (h *Hub) Subscribers(target Target) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs[target])
}

// Close cancels every subscription; later Subscribe calls fail.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	feeds := make([]*Feed, 0)
	for _, set := range h.subs {
		for feed := range set {
			feeds = append(feeds, feed)
		}
	}
	h.mu.Unlock()

	for _, feed := range feeds {
		feed.Cancel()
	}
}

func (h *Hub) remove(target Target, feed *Feed) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[target]
	delete(set, feed)

	if len(set) == 0 {
		delete(h.subs, target)
	}
}
