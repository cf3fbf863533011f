// Package server sets up the HTTP router, middleware, and request handlers
// for the proxy's five endpoints (spec.md §6.1): /v1/messages, /v1/messages
// /count_tokens, /v1/chat/completions, /v1/models(/{id}), and /health.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/howard-nolan/llmrouter/internal/config"
	"github.com/howard-nolan/llmrouter/internal/contextmgr"
	"github.com/howard-nolan/llmrouter/internal/logsink"
	"github.com/howard-nolan/llmrouter/internal/metrics"
	"github.com/howard-nolan/llmrouter/internal/router"
	"github.com/howard-nolan/llmrouter/internal/tokenizer"
	"github.com/howard-nolan/llmrouter/internal/upstream"
)

// Dependencies bundles everything a handler needs beyond the incoming
// request: the Router's alias/auto-routing config, the Context Manager
// pipeline, the Tokenizer (for count_tokens), the Upstream Client, the
// Async Log Sink, and the metrics Registry.
type Dependencies struct {
	Routing                   router.Config
	ContextMgr                *contextmgr.Manager
	Tokenizer                 *tokenizer.Tokenizer
	Upstream                  *upstream.Client
	Logs                      *logsink.Sink
	Metrics                   *metrics.Registry
	ScaleCountTokensForVision bool
	VisionCountScale          float64
}

// Server holds the HTTP router and every dependency the handlers need.
type Server struct {
	router chi.Router
	cfg    *config.Config
	deps   Dependencies
}

// New builds a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
func New(cfg *config.Config, deps Dependencies) *Server {
	s := &Server{cfg: cfg, deps: deps}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.requestTimeout()))

	r.Get("/health", s.handleHealth)
	r.Post("/v1/messages", s.handleMessages)
	r.Post("/v1/messages/count_tokens", s.handleCountTokens)
	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Get("/v1/models", s.handleListModels)
	r.Get("/v1/models/{id}", s.handleGetModel)

	s.router = r
}

// requestTimeout bounds how long middleware.Timeout lets a handler run.
// It must exceed the Upstream Client's own stream timeout, or a slow but
// healthy upstream stream would get cut off by the router instead of the
// client, masking the real failure mode.
func (s *Server) requestTimeout() time.Duration {
	t := s.cfg.Upstream.StreamTimeout
	if t <= 0 {
		t = 300 * time.Second
	}
	return t + 30*time.Second
}

// ServeHTTP makes Server satisfy the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
