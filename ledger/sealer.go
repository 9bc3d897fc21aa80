package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"supplyledger/protocol/params"
)

// ctxCheckInterval is how many attempts a worker makes between context checks.
const ctxCheckInterval = 1024

// SealerStats holds sealing statistics.
type SealerStats struct {
	HashCount    uint64
	Seals        uint64
	LastDuration time.Duration
	LastSealTime time.Time
}

// Sealer searches for the smallest nonce that gives a block's digest the
// required number of leading zero hex symbols.
//
// Work is split across goroutines by striding: worker w of n tries
// w, w+n, w+2n... A worker stops as soon as its next candidate is not below
// the best nonce found so far, so the result is the global minimum and
// never depends on the worker count or scheduling.
type Sealer struct {
	workers int

	hashCount atomic.Uint64
	seals     atomic.Uint64
	lastDur   atomic.Int64
	lastSeal  atomic.Int64
}

// NewSealer returns a Sealer with the given worker count (<= 0 means one
// worker per CPU).
func NewSealer(workers int) *Sealer {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Sealer{workers: workers}
}

// Workers returns the configured worker count.
func (s *Sealer) Workers() int { return s.workers }

// Stats returns current sealing statistics.
func (s *Sealer) Stats() SealerStats {
	st := SealerStats{
		HashCount:    s.hashCount.Load(),
		Seals:        s.seals.Load(),
		LastDuration: time.Duration(s.lastDur.Load()),
	}
	if ns := s.lastSeal.Load(); ns != 0 {
		st.LastSealTime = time.Unix(0, ns)
	}
	return st
}

// Seal sets b.Nonce and b.Digest. Nothing else in b is modified. On error b
// is left untouched.
func (s *Sealer) Seal(ctx context.Context, b *Block, difficulty int, h HashFunc) error {
	if difficulty > params.MaxDifficulty {
		return validationErrorf("difficulty %d exceeds maximum %d", difficulty, params.MaxDifficulty)
	}
	start := time.Now()
	var nonce uint64
	if difficulty > 0 {
		n, err := s.search(ctx, b, difficulty, h)
		if err != nil {
			return err
		}
		nonce = n
	}

	b.Nonce = nonce
	b.Digest = b.ComputeDigest(h)

	dur := time.Since(start)
	s.seals.Add(1)
	s.lastDur.Store(int64(dur))
	s.lastSeal.Store(time.Now().UnixNano())
	return nil
}

func (s *Sealer) search(ctx context.Context, b *Block, difficulty int, h HashFunc) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, sealContextError(err)
	}

	head, tail := b.powTemplate()
	workers := s.workers
	step := uint64(workers)

	var best atomic.Uint64
	best.Store(math.MaxUint64)
	var aborted atomic.Bool
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(first uint64) {
			defer wg.Done()
			buf := make([]byte, 0, len(head)+len(tail)+20)
			hasher := h.New()
			var sum [DigestSize]byte
			var tries uint64

			for nonce := first; nonce < best.Load(); nonce += step {
				tries++
				if tries%ctxCheckInterval == 0 && ctx.Err() != nil {
					aborted.Store(true)
					break
				}

				buf = append(buf[:0], head...)
				buf = strconv.AppendUint(buf, nonce, 10)
				buf = append(buf, tail...)
				hasher.Reset()
				hasher.Write(buf)

				if leadingZeroNibbles(hasher.Sum(sum[:0])) >= difficulty {
					lowerBest(&best, nonce)
					break
				}
				if nonce > math.MaxUint64-step {
					break
				}
			}
			s.hashCount.Add(tries)
		}(uint64(w))
	}
	wg.Wait()

	// An aborted worker may have skipped a smaller candidate, so a nonce
	// found by another worker is not proven minimal.
	if aborted.Load() {
		return 0, sealContextError(ctx.Err())
	}
	found := best.Load()
	if found == math.MaxUint64 {
		return 0, fmt.Errorf("no nonce satisfies difficulty %d", difficulty)
	}
	return found, nil
}

// lowerBest stores nonce into best if it is smaller than the current value.
func lowerBest(best *atomic.Uint64, nonce uint64) {
	for {
		cur := best.Load()
		if nonce >= cur || best.CompareAndSwap(cur, nonce) {
			return
		}
	}
}

func sealContextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrSealTimeout, err)
	}
	return fmt.Errorf("seal aborted: %w", err)
}
