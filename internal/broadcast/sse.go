package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// SSEHandler streams new-reading events as Server-Sent Events for clients
// that cannot open a WebSocket.
type SSEHandler struct {
	hub       *Hub
	heartbeat time.Duration
	logger    *slog.Logger
}

func NewSSEHandler(hub *Hub, heartbeat time.Duration, logger *slog.Logger) *SSEHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEHandler{hub: hub, heartbeat: heartbeat, logger: logger.With("component", "sse")}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := h.hub.Subscribe("sse:" + r.RemoteAddr)
	defer sub.Close()

	// A comment line makes proxies and EventSource consider the stream open.
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case rd, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(rd)
			if err != nil {
				h.logger.Error("sse marshal", "error", err, "id", rd.ID)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", rd.ID, EventNewReading, data); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
