// Package server exposes the HTTP API handlers.
package server

import (
	"database/sql"
	"sync"

	"github.com/onnwee/raid-tender/raid"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db    *sql.DB
	eng   *raid.Engine
	coord *raid.Coordinator
	store *raid.Store

	mu       sync.Mutex
	watchers map[chan *raid.View]struct{}
}

// NewHandlers creates a Handlers instance and registers a single engine
// subscription that fans view changes out to any number of SSE clients.
func NewHandlers(db *sql.DB, eng *raid.Engine, coord *raid.Coordinator, store *raid.Store) *Handlers {
	h := &Handlers{
		db:       db,
		eng:      eng,
		coord:    coord,
		store:    store,
		watchers: make(map[chan *raid.View]struct{}),
	}
	eng.Subscribe(h.broadcast)
	return h
}

// broadcast runs inside the engine's poll cycle; it must never block, so a
// client that can't keep up drops the event and resyncs from the next one.
func (h *Handlers) broadcast(v *raid.View) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.watchers {
		select {
		case ch <- v:
		default:
		}
	}
}

// watch registers a view-change channel; the returned func removes it.
func (h *Handlers) watch() (<-chan *raid.View, func()) {
	ch := make(chan *raid.View, 8)
	h.mu.Lock()
	h.watchers[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.watchers, ch)
		h.mu.Unlock()
	}
}
