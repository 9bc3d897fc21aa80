package main

import "net/http"

// registerPublicRoutes adds read-only endpoints.
// These are shared between --api (authenticated) and --explorer (public).
func (s *APIServer) registerPublicRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/chain", s.handleChain)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/block/{id}", s.handleBlock)
	mux.HandleFunc("GET /api/valid", s.handleValid)
	mux.HandleFunc("GET /api/receipt/{code}", s.handleReceipt)
	mux.HandleFunc("GET /api/stream", s.handleStream)
}

// registerPrivateRoutes adds the write endpoints.
// Only registered for --api (always behind auth).
func (s *APIServer) registerPrivateRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/events", s.idempotent(s.handleAppendEvent))
	mux.HandleFunc("POST /api/products", s.idempotent(s.handleCreateProduct))
	mux.HandleFunc("POST /api/difficulty", s.handleSetDifficulty)
}
