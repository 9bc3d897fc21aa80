package main

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"supplyledger/ledger"
)

// EventPublisher pushes appended events to out-of-process consumers such as
// the anomaly scorer. The ledger stays the source of truth, so a failed
// publish is logged and never rolls back an append.
type EventPublisher interface {
	Publish(ev ledger.Event) error
	Close() error
}

// natsPublisher publishes events as JSON on a single subject.
type natsPublisher struct {
	conn    *nats.Conn
	subject string

	mu         sync.Mutex
	published  uint64
	failures   uint64
	reconnects int
}

// NATSConfig holds the connection settings for the event publisher.
type NATSConfig struct {
	URL            string
	Subject        string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

func newNATSPublisher(cfg NATSConfig) (*natsPublisher, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultNATSPrefix + "/" + Version
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}

	p := &natsPublisher{subject: cfg.Subject}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			p.mu.Lock()
			p.reconnects++
			p.mu.Unlock()
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	p.conn = conn
	log.Printf("[nats] publishing events on %s via %s", cfg.Subject, conn.ConnectedUrl())
	return p, nil
}

func (p *natsPublisher) Publish(ev ledger.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	err = p.conn.Publish(p.subject, data)

	p.mu.Lock()
	if err != nil {
		p.failures++
	} else {
		p.published++
	}
	p.mu.Unlock()
	return err
}

// Close flushes pending messages and closes the connection.
func (p *natsPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}

// PublisherStats summarizes publication activity for the status endpoint.
type PublisherStats struct {
	Subject    string `json:"subject"`
	Published  uint64 `json:"published"`
	Failures   uint64 `json:"failures"`
	Reconnects int    `json:"reconnects"`
	Connected  bool   `json:"connected"`
}

func (p *natsPublisher) Stats() PublisherStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PublisherStats{
		Subject:    p.subject,
		Published:  p.published,
		Failures:   p.failures,
		Reconnects: p.reconnects,
		Connected:  p.conn.IsConnected(),
	}
}
