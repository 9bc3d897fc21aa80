package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supplyledger/ledger"
)

type sseEvent struct {
	name string
	data map[string]any
}

// readSSE parses events from r until ctx is done or the stream ends.
func readSSE(ctx context.Context, t *testing.T, sc *bufio.Scanner, out chan<- sseEvent) {
	var ev sseEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.data); err != nil {
				t.Errorf("bad SSE data %q: %v", line, err)
			}
		case line == "" && ev.name != "":
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			ev = sseEvent{}
		}
	}
	close(out)
}

func waitSSE(t *testing.T, ch <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "stream closed early")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for SSE event")
		return sseEvent{}
	}
}

func TestSSEStreamsAppendedEvents(t *testing.T) {
	d, _ := mustTestDaemon(t, testDaemonOpts{difficulty: 1})
	s, h := mustTestAPI(t, d)
	s.keepalive = 10 * time.Millisecond

	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan sseEvent, 4)
	go readSSE(ctx, t, bufio.NewScanner(resp.Body), events)

	connected := waitSSE(t, events)
	require.Equal(t, "connected", connected.name)
	assert.Equal(t, float64(0), connected.data["height"])
	assert.Equal(t, d.Ledger().Tip().Digest, connected.data["tip_hash"])

	b := mustDaemonAppend(t, d, "product_id", "P1", "stage", "Shipped")

	got := waitSSE(t, events)
	require.Equal(t, "new_event", got.name)
	ev := got.data["event"].(map[string]any)
	assert.Equal(t, float64(1), ev["block_index"])
	assert.Equal(t, b.Digest, ev["hash"])
	assert.Equal(t, "Shipped", ev["data"].(map[string]any)["stage"])

	index, digest, err := decodeReceipt(got.data["receipt"].(string))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), index)
	assert.Equal(t, b.Digest, digest)
}

func TestSSELogsReceiptFailure(t *testing.T) {
	d, _ := mustTestDaemon(t, testDaemonOpts{difficulty: 0})
	_, h := mustTestAPI(t, d)

	var logs bytes.Buffer
	prevOut := log.Writer()
	log.SetOutput(&logs)
	defer log.SetOutput(prevOut)

	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	events := make(chan sseEvent, 4)
	go readSSE(ctx, t, bufio.NewScanner(resp.Body), events)
	require.Equal(t, "connected", waitSSE(t, events).name)

	d.notifyBlock(ledger.Block{Index: 9, Digest: "not-a-digest", Payload: ledger.Payload{"n": ledger.Int(1)}})

	got := waitSSE(t, events)
	require.Equal(t, "new_event", got.name)
	assert.Equal(t, "", got.data["receipt"])
	assert.Contains(t, logs.String(), "[api] receipt for block 9:")
}

func TestSSEStreamEndsOnDaemonStop(t *testing.T) {
	d, _ := mustTestDaemon(t, testDaemonOpts{difficulty: 0})
	_, h := mustTestAPI(t, d)

	srv := httptest.NewServer(h)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	events := make(chan sseEvent, 4)
	go readSSE(context.Background(), t, bufio.NewScanner(resp.Body), events)
	require.Equal(t, "connected", waitSSE(t, events).name)

	require.NoError(t, d.Stop())

	select {
	case _, ok := <-events:
		assert.False(t, ok, "expected stream to close after stop")
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after daemon stop")
	}
}
