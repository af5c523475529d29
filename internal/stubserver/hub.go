package stubserver

import "sync"

type subscriber struct {
	id int
	ch chan []byte
}

// hub fans every event frame out to all connected feed subscribers. Slow
// subscribers drop frames rather than block the broadcaster.
type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

func newHub() *hub {
	return &hub{subs: make(map[int]*subscriber)}
}

func (h *hub) Add() (<-chan []byte, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	ch := make(chan []byte, 256)
	h.subs[id] = &subscriber{id: id, ch: ch}
	cancel := func() {
		h.mu.Lock()
		sub, ok := h.subs[id]
		if ok {
			delete(h.subs, id)
		}
		h.mu.Unlock()
		if ok {
			close(sub.ch)
		}
	}
	return ch, cancel
}

func (h *hub) Broadcast(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- frame:
		default:
		}
	}
}
