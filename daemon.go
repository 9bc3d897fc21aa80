package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"supplyledger/ledger"
	"supplyledger/protocol/params"
)

type Daemon struct {
	ledger    *ledger.Ledger
	publisher EventPublisher

	// Held across append and fan-out so consumers see index order.
	appendMu sync.Mutex

	// Appended block notifications (SSE stream, tests)
	blockSubs   []chan ledger.Block
	blockSubsMu sync.Mutex

	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewDaemon opens the configured store and ledger and, when a NATS URL is
// set, connects the event publisher. A publisher that cannot connect is
// logged and skipped: appends must not depend on the broker being up.
func NewDaemon(ctx context.Context, cfg Config) (*Daemon, error) {
	store, err := ledger.OpenStore(cfg.Backend, cfg.DataDir, cfg.ChainFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Backend, err)
	}

	l, err := ledger.Open(ctx, store, cfg.LedgerOptions())
	if err != nil {
		if closeErr := store.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to open ledger: %w (additionally failed to close store: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	var pub EventPublisher
	if cfg.NATSURL != "" {
		p, err := newNATSPublisher(NATSConfig{URL: cfg.NATSURL, Subject: cfg.NATSSubject()})
		if err != nil {
			log.Printf("[nats] WARNING: %v; events will not be published", err)
		} else {
			pub = p
		}
	}

	return newDaemon(l, pub), nil
}

func newDaemon(l *ledger.Ledger, pub EventPublisher) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		ledger:    l,
		publisher: pub,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SubscribeBlocks returns a channel that receives appended blocks
func (d *Daemon) SubscribeBlocks() chan ledger.Block {
	d.blockSubsMu.Lock()
	defer d.blockSubsMu.Unlock()
	ch := make(chan ledger.Block, 16)
	d.blockSubs = append(d.blockSubs, ch)
	return ch
}

// UnsubscribeBlocks removes and closes a channel returned by SubscribeBlocks.
func (d *Daemon) UnsubscribeBlocks(ch chan ledger.Block) {
	d.blockSubsMu.Lock()
	defer d.blockSubsMu.Unlock()
	for i, sub := range d.blockSubs {
		if sub == ch {
			d.blockSubs = append(d.blockSubs[:i], d.blockSubs[i+1:]...)
			close(ch)
			return
		}
	}
}

// notifyBlock sends block to all subscribers
func (d *Daemon) notifyBlock(b ledger.Block) {
	d.blockSubsMu.Lock()
	defer d.blockSubsMu.Unlock()
	for _, ch := range d.blockSubs {
		select {
		case ch <- b.Clone():
		default: // Don't block if subscriber is slow
		}
	}
}

// Append records payload on the ledger, then fans the sealed block out to
// subscribers and the publisher. Concurrent appends are delivered in block
// index order.
func (d *Daemon) Append(ctx context.Context, payload ledger.Payload) (ledger.Block, error) {
	if d.ctx.Err() != nil {
		return ledger.Block{}, ledger.ErrClosed
	}
	d.appendMu.Lock()
	defer d.appendMu.Unlock()
	b, err := d.ledger.Append(ctx, payload)
	if err != nil {
		return ledger.Block{}, err
	}
	d.notifyBlock(b)
	if d.publisher != nil {
		if err := d.publisher.Publish(b.Event()); err != nil {
			log.Printf("[nats] publish of block %d failed: %v", b.Index, err)
		}
	}
	return b, nil
}

// Stop closes the publisher and the ledger. It is safe to call twice.
func (d *Daemon) Stop() error {
	var err error
	d.once.Do(func() {
		log.Println("Shutting down daemon...")
		d.cancel()

		d.blockSubsMu.Lock()
		for _, ch := range d.blockSubs {
			close(ch)
		}
		d.blockSubs = nil
		d.blockSubsMu.Unlock()

		var errs []error
		if d.publisher != nil {
			if perr := d.publisher.Close(); perr != nil {
				errs = append(errs, fmt.Errorf("close publisher: %w", perr))
			}
		}
		if lerr := d.ledger.Close(); lerr != nil {
			errs = append(errs, fmt.Errorf("close ledger: %w", lerr))
		}
		err = errors.Join(errs...)
	})
	return err
}

// Done is closed once Stop has been called.
func (d *Daemon) Done() <-chan struct{} { return d.ctx.Done() }

// DaemonStats is the status endpoint payload.
type DaemonStats struct {
	LedgerID     string          `json:"ledger_id"`
	Version      string          `json:"version"`
	Height       uint64          `json:"height"`
	Blocks       int             `json:"blocks"`
	Events       int             `json:"events"`
	TipHash      string          `json:"tip_hash"`
	TipTime      time.Time       `json:"tip_timestamp"`
	Difficulty   int             `json:"difficulty"`
	HashFunc     string          `json:"hash_function"`
	Backend      string          `json:"backend"`
	Valid        bool            `json:"valid"`
	SealHashes   uint64          `json:"seal_hashes"`
	Seals        uint64          `json:"seals"`
	LastSealTime string          `json:"last_seal_duration"`
	Uptime       string          `json:"uptime"`
	Publisher    *PublisherStats `json:"publisher,omitempty"`
}

func (d *Daemon) Stats() DaemonStats {
	tip := d.ledger.Tip()
	seal := d.ledger.SealerStats()
	st := DaemonStats{
		LedgerID:     params.LedgerID,
		Version:      Version,
		Height:       tip.Index,
		Blocks:       int(tip.Index) + 1,
		Events:       int(tip.Index),
		TipHash:      tip.Digest,
		TipTime:      tip.Timestamp,
		Difficulty:   d.ledger.Difficulty(),
		HashFunc:     d.ledger.Hash().String(),
		Backend:      d.ledger.Backend(),
		Valid:        d.ledger.IsValid(),
		SealHashes:   seal.HashCount,
		Seals:        seal.Seals,
		LastSealTime: seal.LastDuration.Round(time.Microsecond).String(),
		Uptime:       time.Since(d.startedAt).Round(time.Second).String(),
	}
	if p, ok := d.publisher.(*natsPublisher); ok {
		ps := p.Stats()
		st.Publisher = &ps
	}
	return st
}

func (d *Daemon) Ledger() *ledger.Ledger { return d.ledger }
