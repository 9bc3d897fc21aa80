package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"
)

// handleStream streams appended events via Server-Sent Events.
// Event types: connected, new_event
// GET /api/stream
func (s *APIServer) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Disable write timeout for this long-lived connection.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		writeError(w, http.StatusInternalServerError, "failed to initialize SSE stream")
		return
	}

	// Subscribe before reporting the tip so nothing appended in between is
	// missed.
	blockCh := s.daemon.SubscribeBlocks()
	defer s.daemon.UnsubscribeBlocks(blockCh)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	l := s.daemon.Ledger()
	tip := l.Tip()
	if err := sendSSE(w, flusher, "connected", map[string]any{
		"height":     tip.Index,
		"tip_hash":   tip.Digest,
		"difficulty": l.Difficulty(),
	}); err != nil {
		log.Printf("[api] SSE connected event write failed: %v", err)
		return
	}

	// Keepalive ticker (SSE comment line to prevent proxies from killing idle connections)
	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-s.daemon.Done():
			return

		case b, ok := <-blockCh:
			if !ok {
				return
			}
			receipt, err := encodeReceipt(b.Index, b.Digest)
			if err != nil {
				log.Printf("[api] receipt for block %d: %v", b.Index, err)
			}
			if err := sendSSE(w, flusher, "new_event", map[string]any{
				"event":   b.Event(),
				"receipt": receipt,
			}); err != nil {
				return
			}

		case <-keepalive.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// sendSSE writes a single SSE event.
func sendSSE(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
