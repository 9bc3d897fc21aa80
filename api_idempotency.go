package main

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const maxIdempotencyKeyLen = 128

type idempotencyState int

const (
	// idemStart: caller should process the request and then complete()
	idemStart idempotencyState = iota
	// idemReplay: a stored response is returned
	idemReplay
	// idemInFlight: same key currently running
	idemInFlight
	// idemMismatch: key exists but the request differs
	idemMismatch
)

type idempotencyResult struct {
	status int
	body   []byte
}

// idempotencyCache remembers append responses by Idempotency-Key so a
// client retrying after a timeout does not record the same event twice.
type idempotencyCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[string]*idempotencyEntry
}

type idempotencyEntry struct {
	createdAt time.Time
	reqHash   [32]byte
	inFlight  bool
	result    idempotencyResult
}

func newIdempotencyCache(ttl time.Duration, maxEntries int) *idempotencyCache {
	return &idempotencyCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]*idempotencyEntry),
	}
}

func (c *idempotencyCache) getOrStart(now time.Time, key string, reqHash [32]byte) (idempotencyState, idempotencyResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(now)

	if e, ok := c.entries[key]; ok {
		if e.reqHash != reqHash {
			return idemMismatch, idempotencyResult{}
		}
		if e.inFlight {
			return idemInFlight, idempotencyResult{}
		}
		return idemReplay, e.result
	}

	c.entries[key] = &idempotencyEntry{
		createdAt: now,
		reqHash:   reqHash,
		inFlight:  true,
	}
	c.enforceCapLocked()
	return idemStart, idempotencyResult{}
}

func (c *idempotencyCache) complete(now time.Time, key string, reqHash [32]byte, status int, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.reqHash != reqHash {
		return
	}
	e.createdAt = now
	e.inFlight = false
	e.result = idempotencyResult{status: status, body: append([]byte(nil), body...)}
}

func (c *idempotencyCache) abandon(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *idempotencyCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *idempotencyCache) pruneLocked(now time.Time) {
	if c.ttl <= 0 {
		return
	}
	for k, e := range c.entries {
		if !e.inFlight && now.Sub(e.createdAt) > c.ttl {
			delete(c.entries, k)
		}
	}
}

// enforceCapLocked evicts the oldest completed entries. In-flight entries
// are never evicted so their owner can still complete them.
func (c *idempotencyCache) enforceCapLocked() {
	for c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		var oldestKey string
		var oldestTime time.Time
		for k, e := range c.entries {
			if e.inFlight {
				continue
			}
			if oldestKey == "" || e.createdAt.Before(oldestTime) {
				oldestKey = k
				oldestTime = e.createdAt
			}
		}
		if oldestKey == "" {
			return
		}
		delete(c.entries, oldestKey)
	}
}

func hashRequest(path string, body []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// captureWriter records the status and body written through it.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}

func (c *captureWriter) Unwrap() http.ResponseWriter { return c.ResponseWriter }

// idempotent wraps a write handler with Idempotency-Key handling. Requests
// without the header pass straight through. Server errors are not cached so
// the client may retry with the same key.
func (s *APIServer) idempotent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if key == "" {
			next(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			writeError(w, http.StatusBadRequest, "Idempotency-Key too long")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		cacheKey := r.URL.Path + "|" + key
		reqHash := hashRequest(r.URL.Path, body)

		state, res := s.idem.getOrStart(s.now(), cacheKey, reqHash)
		switch state {
		case idemReplay:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(res.status)
			w.Write(res.body)
			return
		case idemInFlight:
			writeError(w, http.StatusConflict, "request with this Idempotency-Key is still in progress")
			return
		case idemMismatch:
			writeError(w, http.StatusConflict, "Idempotency-Key was already used for a different request")
			return
		}

		cw := &captureWriter{ResponseWriter: w}
		completed := false
		defer func() {
			if !completed {
				s.idem.abandon(cacheKey)
			}
		}()
		next(cw, r)

		if cw.status == 0 || cw.status >= http.StatusInternalServerError {
			return
		}
		s.idem.complete(s.now(), cacheKey, reqHash, cw.status, cw.body.Bytes())
		completed = true
	}
}
