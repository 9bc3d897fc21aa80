package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"supplyledger/ledger"
)

// ============================================================================
// Public handlers
// ============================================================================

// handleStatus returns daemon stats.
func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.Stats())
}

// handleChain dumps every block, genesis first.
// GET /api/chain
func (s *APIServer) handleChain(w http.ResponseWriter, r *http.Request) {
	l := s.daemon.Ledger()
	blocks := l.Blocks()
	writeJSON(w, http.StatusOK, map[string]any{
		"length": len(blocks),
		"valid":  l.IsValid(),
		"chain":  blocks,
	})
}

// handleEvents returns the event projection, optionally only past an index.
// GET /api/events[?since=N]
func (s *APIServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	l := s.daemon.Ledger()
	var events []ledger.Event
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be a block index")
			return
		}
		events = l.EventsSince(since)
	} else {
		events = l.Events()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(events),
		"events": events,
	})
}

// handleBlock returns a block by hash (hex) or index (integer).
// GET /api/block/{id}
func (s *APIServer) handleBlock(w http.ResponseWriter, r *http.Request) {
	b, status, msg := lookupBlock(s.daemon.Ledger(), r.PathValue("id"))
	if status != http.StatusOK {
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, blockToJSON(b, s.daemon.Ledger()))
}

// lookupBlock resolves an index or 64-hex digest.
func lookupBlock(l *ledger.Ledger, id string) (ledger.Block, int, string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return ledger.Block{}, http.StatusBadRequest, "missing block id"
	}
	var (
		b  ledger.Block
		ok bool
	)
	if index, err := strconv.ParseUint(id, 10, 64); err == nil {
		b, ok = l.Block(index)
	} else if len(id) == 64 {
		if _, err := ledger.DecodeDigest(id); err != nil {
			return ledger.Block{}, http.StatusBadRequest, "invalid block hash"
		}
		b, ok = l.BlockByDigest(id)
	} else {
		return ledger.Block{}, http.StatusBadRequest, "id must be an index or 64-char hex hash"
	}
	if !ok {
		return ledger.Block{}, http.StatusNotFound, "block not found"
	}
	return b, http.StatusOK, ""
}

// handleValid reports chain validity. strict=1 also re-checks proof of work
// and names the first failing block.
// GET /api/valid[?strict=1]
func (s *APIServer) handleValid(w http.ResponseWriter, r *http.Request) {
	l := s.daemon.Ledger()
	strict, _ := strconv.ParseBool(r.URL.Query().Get("strict"))
	if !strict {
		writeJSON(w, http.StatusOK, map[string]any{"valid": l.IsValid()})
		return
	}
	resp := map[string]any{"valid": true, "strict": true}
	if err := l.Verify(ledger.VerifyOptions{CheckWork: true}); err != nil {
		resp["valid"] = false
		var ce *ledger.ChainError
		if errors.As(err, &ce) {
			resp["block_index"] = ce.Index
			resp["reason"] = ce.Reason
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReceipt resolves a receipt code.
// GET /api/receipt/{code}
func (s *APIServer) handleReceipt(w http.ResponseWriter, r *http.Request) {
	st, err := resolveReceipt(s.daemon.Ledger(), r.PathValue("code"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := http.StatusOK
	if !st.Confirmed {
		status = http.StatusNotFound
	}
	writeJSON(w, status, st)
}

// ============================================================================
// Private handlers
// ============================================================================

// handleAppendEvent records a stage-transition event. The body is the
// payload object itself.
// POST /api/events
func (s *APIServer) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var payload ledger.Payload
	if err := decodeBody(r, &payload); err != nil {
		writeAppendError(w, err)
		return
	}
	if len(payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload must not be empty")
		return
	}
	s.appendAndRespond(w, r, payload)
}

// handleCreateProduct records a product creation event with the fields the
// scoring collaborator expects.
// POST /api/products
func (s *APIServer) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID string `json:"product_id"`
		Name      string `json:"name"`
		Location  string `json:"location"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.appendAndRespond(w, r, productPayload(req.ProductID, req.Name, req.Location))
}

// productPayload builds a product creation payload. A missing id is
// generated and a missing name becomes "Product <id>".
func productPayload(id, name, location string) ledger.Payload {
	id = strings.TrimSpace(id)
	name = strings.TrimSpace(name)
	location = strings.TrimSpace(location)
	if id == "" {
		id = "P-" + uuid.NewString()
	}
	if name == "" {
		name = "Product " + id
	}
	if location == "" {
		location = DefaultProductPlace
	}
	return ledger.Payload{
		"product_id":         ledger.String(id),
		"name":               ledger.String(name),
		"location":           ledger.String(location),
		"stage":              ledger.String(DefaultProductStage),
		"transit_time_hours": ledger.Int(0),
		"skipped_stage":      ledger.Int(0),
		"is_duplicate":       ledger.Int(0),
	}
}

// appendAndRespond seals and persists payload. The seal timeout, not the
// server write timeout, bounds the request.
func (s *APIServer) appendAndRespond(w http.ResponseWriter, r *http.Request, payload ledger.Payload) {
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		log.Printf("[api] clearing write deadline: %v", err)
	}
	b, err := s.daemon.Append(r.Context(), payload)
	if err != nil {
		writeAppendError(w, err)
		return
	}
	receipt, err := encodeReceipt(b.Index, b.Digest)
	if err != nil {
		log.Printf("[api] receipt for block %d: %v", b.Index, err)
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"block":   blockToJSON(b, s.daemon.Ledger()),
		"receipt": receipt,
	})
}

// handleSetDifficulty changes the difficulty of future appends.
// POST /api/difficulty
func (s *APIServer) handleSetDifficulty(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Difficulty *int `json:"difficulty"`
	}
	if err := decodeBody(r, &req); err != nil || req.Difficulty == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"difficulty\": N}")
		return
	}
	if err := s.daemon.Ledger().SetDifficulty(*req.Difficulty); err != nil {
		writeAppendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"difficulty": s.daemon.Ledger().Difficulty()})
}

// ============================================================================
// Helpers
// ============================================================================

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppendError maps ledger errors onto HTTP statuses. Storage failures
// are logged in full but reported without detail.
func writeAppendError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
	case errors.Is(err, ledger.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrSealTimeout):
		writeError(w, http.StatusServiceUnavailable, "seal timed out; retry later or lower the difficulty")
	case errors.Is(err, ledger.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "ledger is shutting down")
	default:
		log.Printf("[api] internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody decodes one JSON value from the request body. Syntax errors are
// reported as validation errors.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || errors.Is(err, ledger.ErrValidation) {
			return err
		}
		return fmt.Errorf("%w: invalid JSON body", ledger.ErrValidation)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after JSON body", ledger.ErrValidation)
	}
	return nil
}

// blockToJSON builds a JSON-friendly block representation.
func blockToJSON(b ledger.Block, l *ledger.Ledger) map[string]any {
	return map[string]any{
		"index":         b.Index,
		"timestamp":     b.Timestamp,
		"data":          b.Payload,
		"previous_hash": b.PreviousDigest,
		"nonce":         b.Nonce,
		"difficulty":    b.Difficulty,
		"hash":          b.Digest,
		"is_genesis":    b.IsGenesis(),
		"is_tip":        int(b.Index) == l.Len()-1,
	}
}
