package main

import (
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyCapNeverEvictsInFlight(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := newIdempotencyCache(10*time.Minute, 1)

	var h1, h2 [32]byte
	h1[0] = 1
	h2[0] = 2

	state, _ := c.getOrStart(now, "k1", h1)
	if state != idemStart {
		t.Fatalf("expected start for k1, got %v", state)
	}
	state, _ = c.getOrStart(now.Add(1*time.Second), "k2", h2)
	if state != idemStart {
		t.Fatalf("expected start for k2, got %v", state)
	}

	c.mu.Lock()
	if len(c.entries) != 2 {
		c.mu.Unlock()
		t.Fatalf("expected 2 entries (over cap due to in-flight protection), got %d", len(c.entries))
	}
	c.mu.Unlock()

	c.complete(now.Add(2*time.Second), "k1", h1, http.StatusCreated, []byte(`{"ok":true}`))
	// The cap is enforced on the next insert.
	var h3 [32]byte
	h3[0] = 3
	state, _ = c.getOrStart(now.Add(3*time.Second), "k3", h3)
	if state != idemStart {
		t.Fatalf("expected start for k3, got %v", state)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries["k1"]; ok {
		t.Fatalf("expected completed k1 to be evicted")
	}
	if e, ok := c.entries["k2"]; !ok || !e.inFlight {
		t.Fatalf("expected k2 to remain in-flight")
	}
}

func TestIdempotencyPruneSkipsInFlight(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := newIdempotencyCache(1*time.Second, 100)

	var h [32]byte
	h[0] = 9

	_, _ = c.getOrStart(now, "k", h)

	c.mu.Lock()
	c.pruneLocked(now.Add(10 * time.Second))
	_, ok := c.entries["k"]
	c.mu.Unlock()

	if !ok {
		t.Fatal("expected in-flight entry to survive prune")
	}
}

func TestIdempotencyExpiredEntryStartsOver(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := newIdempotencyCache(time.Minute, 100)
	var h [32]byte

	c.getOrStart(now, "k", h)
	c.complete(now, "k", h, http.StatusCreated, []byte(`{}`))

	state, res := c.getOrStart(now.Add(30*time.Second), "k", h)
	assert.Equal(t, idemReplay, state)
	assert.Equal(t, http.StatusCreated, res.status)

	state, _ = c.getOrStart(now.Add(2*time.Minute), "k", h)
	assert.Equal(t, idemStart, state)
}

func TestIdempotentAppendReplaysResponse(t *testing.T) {
	d, _ := mustTestDaemon(t, testDaemonOpts{difficulty: 1})
	_, h := mustTestAPI(t, d)
	body := `{"product_id":"P1","stage":"Shipped"}`

	first := authed(t, h, http.MethodPost, "/api/events", body, "Idempotency-Key", "evt-1")
	require.Equal(t, http.StatusCreated, first.Code)
	assert.Empty(t, first.Header().Get("Idempotent-Replayed"))

	second := authed(t, h, http.MethodPost, "/api/events", body, "Idempotency-Key", "evt-1")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, first.Body.String(), second.Body.String())

	assert.Equal(t, 2, d.Ledger().Len(), "replay must not append again")

	// Same key on another route is a different request.
	rec := authed(t, h, http.MethodPost, "/api/products", `{"name":"Widget"}`, "Idempotency-Key", "evt-1")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 3, d.Ledger().Len())
}

func TestIdempotentAppendRejectsKeyReuse(t *testing.T) {
	d, _ := mustTestDaemon(t, testDaemonOpts{difficulty: 0})
	_, h := mustTestAPI(t, d)

	rec := authed(t, h, http.MethodPost, "/api/events", `{"stage":"Created"}`, "Idempotency-Key", "k")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = authed(t, h, http.MethodPost, "/api/events", `{"stage":"Shipped"}`, "Idempotency-Key", "k")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 2, d.Ledger().Len())

	rec = authed(t, h, http.MethodPost, "/api/events", `{"stage":"Shipped"}`, "Idempotency-Key", strings.Repeat("k", maxIdempotencyKeyLen+1))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIdempotentAppendInFlightConflicts(t *testing.T) {
	d, _ := mustTestDaemon(t, testDaemonOpts{difficulty: 0})
	s, _ := mustTestAPI(t, d)

	entered := make(chan struct{})
	release := make(chan struct{})
	slow := s.idempotent(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		writeJSON(w, http.StatusCreated, map[string]string{"ok": "yes"})
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rec := mustMakeHTTPJSONRequest(t, slow, http.MethodPost, "/api/events", []byte(`{"a":"b"}`), map[string]string{"Idempotency-Key": "slow"})
		assert.Equal(t, http.StatusCreated, rec.Code)
	}()

	<-entered
	rec := mustMakeHTTPJSONRequest(t, slow, http.MethodPost, "/api/events", []byte(`{"a":"b"}`), map[string]string{"Idempotency-Key": "slow"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	close(release)
	wg.Wait()

	rec = mustMakeHTTPJSONRequest(t, slow, http.MethodPost, "/api/events", []byte(`{"a":"b"}`), map[string]string{"Idempotency-Key": "slow"})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Idempotent-Replayed"))
}

func TestIdempotentAppendDoesNotCacheServerErrors(t *testing.T) {
	d, store := mustTestDaemon(t, testDaemonOpts{difficulty: 0})
	s, h := mustTestAPI(t, d)
	store.failSave.Store(true)

	rec := authed(t, h, http.MethodPost, "/api/events", `{"stage":"Created"}`, "Idempotency-Key", "retry-me")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 0, s.idem.len())

	store.failSave.Store(false)
	rec = authed(t, h, http.MethodPost, "/api/events", `{"stage":"Created"}`, "Idempotency-Key", "retry-me")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, rec.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, 2, d.Ledger().Len())
	assert.Equal(t, 1, s.idem.len())
}

func TestIdempotentAppendCachesClientErrors(t *testing.T) {
	d, _ := mustTestDaemon(t, testDaemonOpts{difficulty: 0})
	_, h := mustTestAPI(t, d)

	rec := authed(t, h, http.MethodPost, "/api/events", `{}`, "Idempotency-Key", "bad")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = authed(t, h, http.MethodPost, "/api/events", `{}`, "Idempotency-Key", "bad")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Idempotent-Replayed"))
}
