package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"
)

const (
	maxRequestBodyBytes = 1 << 20 // 1MB

	idempotencyTTL        = 24 * time.Hour
	idempotencyMaxEntries = 4096

	sseKeepalive = 30 * time.Second
)

// APIServer serves the authenticated JSON API used by ingestion clients.
type APIServer struct {
	daemon  *Daemon
	dataDir string
	token   string
	server  *http.Server

	idem      *idempotencyCache
	keepalive time.Duration
	now       func() time.Time
}

// NewAPIServer creates a new API server. The token is generated on Start.
func NewAPIServer(daemon *Daemon, dataDir string) *APIServer {
	return &APIServer{
		daemon:    daemon,
		dataDir:   dataDir,
		idem:      newIdempotencyCache(idempotencyTTL, idempotencyMaxEntries),
		keepalive: sseKeepalive,
		now:       time.Now,
	}
}

// handler builds the authenticated handler chain for token.
func (s *APIServer) handler(token string) http.Handler {
	mux := http.NewServeMux()
	s.registerPublicRoutes(mux)
	s.registerPrivateRoutes(mux)

	var handler http.Handler = mux
	handler = authMiddleware(token, handler)
	handler = maxBodySize(handler, maxRequestBodyBytes)
	return handler
}

// publicHandler serves only the read-only routes, without auth. The
// explorer mounts it under /api/.
func (s *APIServer) publicHandler() http.Handler {
	mux := http.NewServeMux()
	s.registerPublicRoutes(mux)
	return maxBodySize(mux, maxRequestBodyBytes)
}

// Start launches the full authenticated API server.
func (s *APIServer) Start(addr string) error {
	token, err := generateToken()
	if err != nil {
		return fmt.Errorf("failed to generate auth token: %w", err)
	}
	s.token = token

	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := writeCookie(s.dataDir, token); err != nil {
		deleteCookie(s.dataDir)
		return fmt.Errorf("failed to write cookie: %w", err)
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.handler(token),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		deleteCookie(s.dataDir)
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	log.Printf("[api] listening on %s (token in %s)", ln.Addr(), cookiePath(s.dataDir))

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server and removes the cookie file.
func (s *APIServer) Stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			log.Printf("[api] shutdown: %v", err)
		}
	}
	deleteCookie(s.dataDir)
}

// maxBodySize limits request body size to prevent OOM from large payloads.
func maxBodySize(next http.Handler, bytes int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, bytes)
		next.ServeHTTP(w, r)
	})
}
