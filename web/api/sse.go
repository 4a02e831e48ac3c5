package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/hochfrequenz/agent-bench-runner/internal/observer"
)

const (
	broadcastBuffer = 256
	clientBuffer    = 64
)

// Hub fans events out to stream clients. A client that cannot keep up
// is dropped.
type Hub struct {
	clients    map[chan observer.Event]bool
	broadcast  chan observer.Event
	register   chan chan observer.Event
	unregister chan chan observer.Event
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a new hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[chan observer.Event]bool),
		broadcast:  make(chan observer.Event, broadcastBuffer),
		register:   make(chan chan observer.Event),
		unregister: make(chan chan observer.Event),
		done:       make(chan struct{}),
	}
}

// Run dispatches events until ctx is done. All client channels are
// closed on return.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		for client := range h.clients {
			close(client)
			delete(h.clients, client)
		}
		h.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client <- event:
				default:
					close(client)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a client. It returns nil once the hub has stopped.
func (h *Hub) Register() chan observer.Event {
	client := make(chan observer.Event, clientBuffer)
	select {
	case h.register <- client:
		return client
	case <-h.done:
		return nil
	}
}

// Unregister removes a client and closes its channel.
func (h *Hub) Unregister(client chan observer.Event) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues an event for all clients. Events are dropped while
// the queue is full.
func (h *Hub) Broadcast(event observer.Event) {
	select {
	case h.broadcast <- event:
	default:
	}
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}

		client := s.hub.Register()
		if client == nil {
			writeError(w, http.StatusServiceUnavailable, "event stream stopped")
			return
		}
		defer s.hub.Unregister(client)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case event, ok := <-client:
				if !ok {
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					s.logger.Warn("could not encode event", "event", event.Name, "error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\n", event.Name)
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}
