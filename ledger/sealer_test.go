package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// linearSeal is the reference search: try 0, 1, 2... in order.
func linearSeal(t *testing.T, b Block, difficulty int, h HashFunc) uint64 {
	t.Helper()
	for nonce := uint64(0); nonce < 1<<24; nonce++ {
		b.Nonce = nonce
		if MeetsDifficulty(b.ComputeDigest(h), difficulty) {
			return nonce
		}
	}
	t.Fatalf("no nonce found for difficulty %d", difficulty)
	return 0
}

func TestSealFindsSmallestNonceForAnyWorkerCount(t *testing.T) {
	for _, h := range []HashFunc{SHA256, SHA3_256} {
		base := testBlock()
		base.Nonce = 0
		base.Difficulty = 3
		want := linearSeal(t, *base, 3, h)

		for _, workers := range []int{1, 2, 3, 7, 16} {
			b := *base
			s := NewSealer(workers)
			require.NoError(t, s.Seal(context.Background(), &b, 3, h))
			if b.Nonce != want {
				t.Fatalf("%s workers=%d: nonce %d, want %d", h, workers, b.Nonce, want)
			}
			assert.Equal(t, b.ComputeDigest(h), b.Digest)
			assert.True(t, b.MeetsDifficulty(3))
		}
	}
}

func TestSealDifficultyZeroKeepsNonceZero(t *testing.T) {
	b := testBlock()
	b.Nonce = 0
	require.NoError(t, NewSealer(4).Seal(context.Background(), b, 0, SHA256))
	assert.Equal(t, uint64(0), b.Nonce)
	assert.Equal(t, b.ComputeDigest(SHA256), b.Digest)
}

func TestSealOnlyTouchesNonceAndDigest(t *testing.T) {
	b := testBlock()
	before := b.Clone()
	require.NoError(t, NewSealer(2).Seal(context.Background(), b, 2, SHA256))

	assert.Equal(t, before.Index, b.Index)
	assert.True(t, before.Timestamp.Equal(b.Timestamp))
	assert.True(t, before.Payload.Equal(b.Payload))
	assert.Equal(t, before.PreviousDigest, b.PreviousDigest)
	assert.Equal(t, before.Difficulty, b.Difficulty)
}

func TestSealTimeout(t *testing.T) {
	b := testBlock()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := NewSealer(2).Seal(ctx, b, 64, SHA256)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSealTimeout), "got %v", err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Empty(t, b.Digest)
}

func TestSealCancelled(t *testing.T) {
	b := testBlock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewSealer(2).Seal(ctx, b, 8, SHA256)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrSealTimeout))
}

func TestSealRejectsImpossibleDifficulty(t *testing.T) {
	err := NewSealer(1).Seal(context.Background(), testBlock(), 65, SHA256)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSealerStats(t *testing.T) {
	s := NewSealer(2)
	b := testBlock()
	require.NoError(t, s.Seal(context.Background(), b, 2, SHA256))

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Seals)
	assert.GreaterOrEqual(t, st.HashCount, b.Nonce/2+1)
	assert.False(t, st.LastSealTime.IsZero())
}
