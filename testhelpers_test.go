package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"supplyledger/ledger"
)

const testToken = "test-token"

// fakePublisher records published events.
type fakePublisher struct {
	mu     sync.Mutex
	events []ledger.Event
	err    error
	closed bool
}

func (p *fakePublisher) Publish(ev ledger.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePublisher) published() []ledger.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ledger.Event(nil), p.events...)
}

// toggleStore wraps a FileStore and fails Save while failSave is set.
// saveDelay (nanoseconds) slows every Save down.
type toggleStore struct {
	*ledger.FileStore
	failSave  atomic.Bool
	saveDelay atomic.Int64
}

var errDiskFull = errors.New("write /var/lib/supplyledger/ledger.json: no space left on device")

func (s *toggleStore) Save(blocks []ledger.Block) error {
	if d := s.saveDelay.Load(); d > 0 {
		time.Sleep(time.Duration(d))
	}
	if s.failSave.Load() {
		return errDiskFull
	}
	return s.FileStore.Save(blocks)
}

// testClock returns strictly increasing timestamps.
func testClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

type testDaemonOpts struct {
	difficulty  int
	sealTimeout time.Duration
	publisher   EventPublisher
}

func mustTestDaemon(t *testing.T, opts testDaemonOpts) (*Daemon, *toggleStore) {
	t.Helper()

	fs, err := ledger.NewFileStore(filepath.Join(t.TempDir(), ledger.DefaultChainFile))
	require.NoError(t, err)
	store := &toggleStore{FileStore: fs}

	l, err := ledger.Open(context.Background(), store, ledger.Options{
		Difficulty:  opts.difficulty,
		SealWorkers: 2,
		SealTimeout: opts.sealTimeout,
		Now:         testClock(),
	})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}

	d := newDaemon(l, opts.publisher)
	t.Cleanup(func() {
		if err := d.Stop(); err != nil {
			t.Errorf("stop daemon: %v", err)
		}
	})
	return d, store
}

func mustTestAPI(t *testing.T, d *Daemon) (*APIServer, http.Handler) {
	t.Helper()
	s := NewAPIServer(d, t.TempDir())
	return s, s.handler(testToken)
}

func mustMakeHTTPJSONRequest(t *testing.T, h http.Handler, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// authed issues a request carrying the test bearer token.
func authed(t *testing.T, h http.Handler, method, path, body string, extra ...string) *httptest.ResponseRecorder {
	t.Helper()
	headers := map[string]string{"Authorization": "Bearer " + testToken}
	for i := 0; i+1 < len(extra); i += 2 {
		headers[extra[i]] = extra[i+1]
	}
	var b []byte
	if body != "" {
		b = []byte(body)
	}
	return mustMakeHTTPJSONRequest(t, h, method, path, b, headers)
}

func mustDecodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func mustDaemonAppend(t *testing.T, d *Daemon, kv ...string) ledger.Block {
	t.Helper()
	p := ledger.Payload{}
	for i := 0; i+1 < len(kv); i += 2 {
		p[kv[i]] = ledger.String(kv[i+1])
	}
	b, err := d.Append(context.Background(), p)
	require.NoError(t, err)
	return b
}

func writeTestFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
