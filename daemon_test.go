package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supplyledger/ledger"
)

func TestDaemonAppendNotifiesSubscribersAndPublisher(t *testing.T) {
	pub := &fakePublisher{}
	d, _ := mustTestDaemon(t, testDaemonOpts{difficulty: 1, publisher: pub})

	ch := d.SubscribeBlocks()
	b := mustDaemonAppend(t, d, "product_id", "P1", "stage", "Created")

	select {
	case got := <-ch:
		assert.Equal(t, b.Digest, got.Digest)
	case <-time.After(time.Second):
		t.Fatal("subscriber was not notified")
	}

	events := pub.published()
	require.Len(t, events, 1)
	assert.Equal(t, b.Index, events[0].Index)
	assert.True(t, b.Payload.Equal(events[0].Payload))

	d.UnsubscribeBlocks(ch)
	_, ok := <-ch
	assert.False(t, ok, "unsubscribe closes the channel")
}

func TestDaemonPublishFailureDoesNotFailAppend(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	d, _ := mustTestDaemon(t, testDaemonOpts{difficulty: 0, publisher: pub})

	b, err := d.Append(context.Background(), ledger.Payload{"product_id": ledger.String("P1")})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b.Index)
	assert.Equal(t, 2, d.Ledger().Len())
}

func TestDaemonConcurrentAppendsDeliveredInOrder(t *testing.T) {
	pub := &fakePublisher{}
	d, _ := mustTestDaemon(t, testDaemonOpts{difficulty: 0, publisher: pub})
	ch := d.SubscribeBlocks()

	const n = 12
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.Append(context.Background(), ledger.Payload{"n": ledger.Int(int64(i))})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Len(t, ch, n)
	for want := uint64(1); want <= n; want++ {
		got := <-ch
		if got.Index != want {
			t.Fatalf("subscriber got block %d, want %d", got.Index, want)
		}
	}
	events := pub.published()
	require.Len(t, events, n)
	for i, ev := range events {
		if ev.Index != uint64(i+1) {
			t.Fatalf("publisher got block %d at position %d", ev.Index, i)
		}
	}
}

func TestDaemonSlowSubscriberDoesNotBlockAppends(t *testing.T) {
	d, _ := mustTestDaemon(t, testDaemonOpts{difficulty: 0})
	ch := d.SubscribeBlocks()

	for i := 0; i < cap(ch)+5; i++ {
		mustDaemonAppend(t, d, "n", "x")
	}
	assert.Len(t, ch, cap(ch))
	assert.Equal(t, cap(ch)+6, d.Ledger().Len())
}

func TestDaemonStopClosesEverything(t *testing.T) {
	pub := &fakePublisher{}
	d, _ := mustTestDaemon(t, testDaemonOpts{difficulty: 0, publisher: pub})
	ch := d.SubscribeBlocks()

	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop(), "second stop is a no-op")

	_, ok := <-ch
	assert.False(t, ok)
	select {
	case <-d.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	assert.True(t, pub.closed)

	_, err := d.Append(context.Background(), ledger.Payload{"a": ledger.Bool(true)})
	assert.ErrorIs(t, err, ledger.ErrClosed)
}

func TestDaemonStats(t *testing.T) {
	d, _ := mustTestDaemon(t, testDaemonOpts{difficulty: 1})
	mustDaemonAppend(t, d, "product_id", "P1")

	st := d.Stats()
	assert.Equal(t, "supplyledger", st.LedgerID)
	assert.Equal(t, Version, st.Version)
	assert.Equal(t, uint64(1), st.Height)
	assert.Equal(t, 2, st.Blocks)
	assert.Equal(t, 1, st.Events)
	assert.Equal(t, d.Ledger().Tip().Digest, st.TipHash)
	assert.Equal(t, 1, st.Difficulty)
	assert.Equal(t, "sha256", st.HashFunc)
	assert.Equal(t, ledger.BackendFile, st.Backend)
	assert.True(t, st.Valid)
	assert.GreaterOrEqual(t, st.Seals, uint64(2))
	assert.Nil(t, st.Publisher)
}

func TestNewDaemonSkipsUnreachableNATS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Difficulty = 0
	cfg.NATSURL = "nats://127.0.0.1:1"

	d, err := NewDaemon(context.Background(), cfg)
	require.NoError(t, err)
	defer d.Stop()

	assert.Nil(t, d.publisher)
	mustDaemonAppend(t, d, "product_id", "P1")
}

func TestNewDaemonReportsUnreadableChain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Difficulty = 0

	d, err := NewDaemon(context.Background(), cfg)
	require.NoError(t, err)
	mustDaemonAppend(t, d, "product_id", "P1")
	require.NoError(t, d.Stop())

	store, err := ledger.OpenStore(cfg.Backend, cfg.DataDir, cfg.ChainFile)
	require.NoError(t, err)
	fs := store.(*ledger.FileStore)
	require.NoError(t, writeTestFile(fs.Path(), "{not json"))

	_, err = NewDaemon(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrPersistence)

	cfg.Reinitialize = true
	d, err = NewDaemon(context.Background(), cfg)
	require.NoError(t, err)
	defer d.Stop()
	assert.Equal(t, 1, d.Ledger().Len())
}
