package httpapi

import (
	"context"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/recordsync/internal/recordsync"
)

const subscriberBuffer = 64

// ChangeHub fans record change events out to websocket subscribers. Publish
// never blocks: a subscriber that falls subscriberBuffer events behind is
// disconnected rather than backpressuring the sync path.
type ChangeHub struct {
	logger recordsync.Logger

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	closed      bool
}

type subscriber struct {
	events chan recordsync.ChangeEvent
	cancel context.CancelFunc
}

func NewChangeHub(logger recordsync.Logger) *ChangeHub {
	return &ChangeHub{
		logger:      logger,
		subscribers: map[*subscriber]struct{}{},
	}
}

// Publish implements the change publisher contract for the store, buffer,
// and coordinator.
func (h *ChangeHub) Publish(event recordsync.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		select {
		case sub.events <- event:
		default:
			delete(h.subscribers, sub)
			sub.cancel()
			h.logf("dropped slow change subscriber")
		}
	}
}

func (h *ChangeHub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *ChangeHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subscribers {
		delete(h.subscribers, sub)
		sub.cancel()
	}
}

func (h *ChangeHub) add(sub *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subscribers[sub] = struct{}{}
	return true
}

func (h *ChangeHub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, sub)
}

func (h *ChangeHub) logf(format string, args ...any) {
	if h.logger == nil {
		return
	}
	h.logger.Printf(format, args...)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusNotFound, "not_found", "change feed disabled", getCorrelationID(r))
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := &subscriber{
		events: make(chan recordsync.ChangeEvent, subscriberBuffer),
		cancel: cancel,
	}
	if !s.hub.add(sub) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer s.hub.remove(sub)

	// Reads are drained only to surface client disconnects; the feed is
	// one-way.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "done")
			return
		case event := <-sub.events:
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
		}
	}
}
