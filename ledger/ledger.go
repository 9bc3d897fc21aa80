package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"supplyledger/debug"
	"supplyledger/protocol/params"
)

// Options configures a Ledger.
type Options struct {
	// Difficulty is the number of leading zero hex symbols new blocks are
	// sealed to. Zero disables the search.
	Difficulty int
	Hash       HashFunc
	// SealWorkers is the number of sealing goroutines (<= 0: one per CPU).
	SealWorkers int
	// SealTimeout bounds each seal search. Zero means no bound beyond the
	// caller's context.
	SealTimeout time.Duration
	// Reinitialize lets Open quarantine an unreadable or structurally
	// broken chain and start over from a new genesis block.
	Reinitialize bool
	// Now overrides the clock used for block timestamps.
	Now func() time.Time
}

// DefaultOptions returns the options the daemon starts from.
func DefaultOptions() Options {
	return Options{
		Difficulty: params.DefaultDifficulty,
		Hash:       DefaultHash,
	}
}

func (o *Options) normalize() error {
	if o.Hash == "" {
		o.Hash = DefaultHash
	}
	if !o.Hash.valid() {
		return validationErrorf("unknown hash function %q", o.Hash)
	}
	if err := checkDifficulty(o.Difficulty); err != nil {
		return err
	}
	if o.SealTimeout < 0 {
		return validationErrorf("seal timeout must not be negative")
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return nil
}

func checkDifficulty(d int) error {
	if d < 0 || d > params.MaxDifficulty {
		return validationErrorf("difficulty %d out of range [0, %d]", d, params.MaxDifficulty)
	}
	return nil
}

// Ledger is an append-only hash chain of sealed blocks backed by a Store.
//
// writeMu serializes appends for the whole build, seal and persist cycle.
// mu guards the published block slice, which is replaced (never modified
// in place) once a new block has been persisted.
type Ledger struct {
	writeMu debug.Mutex
	mu      debug.RWMutex

	store  Store
	sealer *Sealer
	opts   Options

	blocks   []Block
	byDigest map[string]uint64

	difficulty atomic.Int64
	closed     bool
}

// Open loads the chain held by store, or mints and persists a genesis block
// if the store is empty. ctx bounds the genesis seal. The caller keeps
// ownership of store until Open succeeds; after that Close closes it.
func Open(ctx context.Context, store Store, opts Options) (*Ledger, error) {
	if store == nil {
		return nil, validationErrorf("nil store")
	}
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	l := &Ledger{
		store:  store,
		sealer: NewSealer(opts.SealWorkers),
		opts:   opts,
	}
	l.writeMu.SetName("ledger.write")
	l.mu.SetName("ledger.read")
	l.difficulty.Store(int64(opts.Difficulty))

	blocks, err := store.Load()
	if err == nil && len(blocks) == 0 {
		err = ErrNotFound
	}
	if err == nil {
		err = checkStructure(blocks)
	}
	switch {
	case err == nil:
		l.publish(blocks)
		log.Printf("[ledger] loaded %d blocks from %s store (tip %s)", len(blocks), store.Backend(), shortDigest(blocks[len(blocks)-1].Digest))
		return l, nil
	case errors.Is(err, ErrNotFound):
	case !opts.Reinitialize:
		if !errors.Is(err, ErrPersistence) && !errors.Is(err, ErrIntegrity) {
			err = fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		return nil, err
	default:
		log.Printf("[ledger] WARNING: persisted chain unusable: %v", err)
		to, qerr := store.Quarantine()
		if qerr != nil {
			return nil, fmt.Errorf("reinitialize: %w", qerr)
		}
		if to != "" {
			log.Printf("[ledger] WARNING: quarantined old chain to %s; starting a new chain", to)
		}
	}

	genesis := newGenesis(opts.Now(), opts.Difficulty)
	if err := l.seal(ctx, genesis); err != nil {
		return nil, fmt.Errorf("seal genesis: %w", err)
	}
	chain := []Block{*genesis}
	if err := store.Save(chain); err != nil {
		return nil, err
	}
	l.publish(chain)
	log.Printf("[ledger] created genesis %s (difficulty %d, %s)", shortDigest(genesis.Digest), genesis.Difficulty, opts.Hash)
	return l, nil
}

func (l *Ledger) seal(ctx context.Context, b *Block) error {
	if l.opts.SealTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.SealTimeout)
		defer cancel()
	}
	return l.sealer.Seal(ctx, b, b.Difficulty, l.opts.Hash)
}

// publish swaps in a new block slice. Callers hold writeMu or are still
// constructing the ledger.
func (l *Ledger) publish(blocks []Block) {
	index := make(map[string]uint64, len(blocks))
	for i := range blocks {
		index[blocks[i].Digest] = blocks[i].Index
	}
	l.mu.Lock()
	l.blocks = blocks
	l.byDigest = index
	l.mu.Unlock()
}

// Append seals payload into a new block linked to the current tip, persists
// the extended chain and only then makes the block visible. On any error the
// ledger is unchanged.
func (l *Ledger) Append(ctx context.Context, payload Payload) (Block, error) {
	if err := payload.Validate(); err != nil {
		return Block{}, err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.closed {
		return Block{}, ErrClosed
	}

	// Only writers replace l.blocks, so holding writeMu is enough to read it.
	current := l.blocks
	tip := &current[len(current)-1]
	b := nextBlock(tip, payload.Clone(), l.opts.Now(), l.Difficulty())
	if err := l.seal(ctx, b); err != nil {
		return Block{}, err
	}

	n := len(current)
	next := append(current[:n:n], *b)
	if err := l.store.Save(next); err != nil {
		log.Printf("[ledger] append of block %d not persisted: %v", b.Index, err)
		if !errors.Is(err, ErrPersistence) {
			err = fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		return Block{}, err
	}

	l.mu.Lock()
	l.blocks = next
	l.byDigest[b.Digest] = b.Index
	l.mu.Unlock()

	log.Printf("[ledger] appended block %d %s nonce=%d difficulty=%d", b.Index, shortDigest(b.Digest), b.Nonce, b.Difficulty)
	return b.Clone(), nil
}

func (l *Ledger) snapshot() []Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blocks
}

// Blocks returns a copy of the whole chain, genesis first.
func (l *Ledger) Blocks() []Block {
	blocks := l.snapshot()
	out := make([]Block, len(blocks))
	for i := range blocks {
		out[i] = blocks[i].Clone()
	}
	return out
}

// Block returns the block at index.
func (l *Ledger) Block(index uint64) (Block, bool) {
	blocks := l.snapshot()
	if index >= uint64(len(blocks)) {
		return Block{}, false
	}
	return blocks[index].Clone(), true
}

// BlockByDigest looks a block up by its hex digest.
func (l *Ledger) BlockByDigest(digest string) (Block, bool) {
	digest = strings.ToLower(strings.TrimSpace(digest))
	l.mu.RLock()
	index, ok := l.byDigest[digest]
	blocks := l.blocks
	l.mu.RUnlock()
	if !ok {
		return Block{}, false
	}
	return blocks[index].Clone(), true
}

// Tip returns the most recently appended block.
func (l *Ledger) Tip() Block {
	blocks := l.snapshot()
	return blocks[len(blocks)-1].Clone()
}

// Len returns the number of blocks including genesis.
func (l *Ledger) Len() int {
	return len(l.snapshot())
}

// Difficulty returns the difficulty the next block will be sealed at.
func (l *Ledger) Difficulty() int {
	return int(l.difficulty.Load())
}

// SetDifficulty changes the difficulty for future appends. Blocks already
// on the chain keep the difficulty they recorded.
func (l *Ledger) SetDifficulty(d int) error {
	if err := checkDifficulty(d); err != nil {
		return err
	}
	if prev := l.difficulty.Swap(int64(d)); prev != int64(d) {
		log.Printf("[ledger] difficulty %d -> %d", prev, d)
	}
	return nil
}

// Hash returns the digest algorithm in use.
func (l *Ledger) Hash() HashFunc { return l.opts.Hash }

// Backend names the store the ledger persists to.
func (l *Ledger) Backend() string { return l.store.Backend() }

// SealerStats returns sealing statistics since Open.
func (l *Ledger) SealerStats() SealerStats { return l.sealer.Stats() }

// Events projects every non-genesis block, ascending by index.
func (l *Ledger) Events() []Event {
	return l.EventsSince(0)
}

// EventsSince returns events for blocks with an index greater than index.
func (l *Ledger) EventsSince(index uint64) []Event {
	blocks := l.snapshot()
	if index >= uint64(len(blocks))-1 {
		return []Event{}
	}
	start := index + 1
	out := make([]Event, 0, uint64(len(blocks))-start)
	for i := start; i < uint64(len(blocks)); i++ {
		out = append(out, blocks[i].Event())
	}
	return out
}

// IsValid reports whether every block after genesis links to its
// predecessor and carries the digest of its own contents. Proof of work is
// not re-checked; use Verify for that.
func (l *Ledger) IsValid() bool {
	return linkedAndConsistent(l.snapshot(), l.opts.Hash)
}

// Verify runs the strict checks and returns the first violation as a
// *ChainError, or nil.
func (l *Ledger) Verify(opts VerifyOptions) error {
	if errs := verifyChain(l.snapshot(), l.opts.Hash, opts, l.Difficulty(), false); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Violations is Verify without stopping at the first failure.
func (l *Ledger) Violations(opts VerifyOptions) []*ChainError {
	return verifyChain(l.snapshot(), l.opts.Hash, opts, l.Difficulty(), true)
}

// Close waits for an in-flight append and closes the store.
func (l *Ledger) Close() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.store.Close()
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
