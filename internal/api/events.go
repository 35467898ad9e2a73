package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Tommyk15/trading-journal/internal/models"
)

// keepaliveInterval paces SSE comment frames so idle connections survive
// proxies that reap quiet streams.
const keepaliveInterval = 25 * time.Second

// eventHub fans the journal's single event channel out to every connected
// stream. Subscribers that fall behind lose events instead of stalling the
// relay; the journal core applies the same policy upstream.
type eventHub struct {
	mu   sync.Mutex
	subs map[chan models.Event]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan models.Event]struct{})}
}

// run relays events from src until stop closes.
func (h *eventHub) run(src <-chan models.Event, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev := <-src:
			h.broadcast(ev)
		}
	}
}

func (h *eventHub) broadcast(ev models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

func (h *eventHub) subscribe() chan models.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan models.Event, 16)
	h.subs[ch] = struct{}{}
	return ch
}

func (h *eventHub) unsubscribe(ch chan models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, ch)
}

// handleEvents streams journal events as Server-Sent Events. The connection
// stays open until the client disconnects or the server shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before the headers go out so no event published after the
	// client sees 200 can be missed.
	sub := s.hub.subscribe()
	defer s.hub.unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.stop:
			return
		case ev := <-sub:
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.WithError(err).Warn("dropping unencodable event")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
