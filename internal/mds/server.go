// Package mds contains the market-data service: the Tier A HTTP API over the
// candle and chain stores, and the Tier B client that polls it.
package mds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"niftybot/internal/bus"
	"niftybot/internal/candles"
	"niftybot/internal/chains"
)

// Quote is the /v1/quote payload.
type Quote struct {
	Symbol string    `json:"symbol"`
	LTP    float64   `json:"ltp"`
	TS     time.Time `json:"ts"`
}

// Server exposes the Tier A read-only market-data API.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	candles candles.Store
	chains  chains.Store
	logger  *logrus.Logger
	addr    string

	mu    sync.Mutex
	quote map[string]Quote
}

// NewServer builds the API over the given stores. Subscribing to TICK keeps
// the quote cache current.
func NewServer(addr string, b *bus.Bus, candleStore candles.Store, chainStore chains.Store, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router:  chi.NewRouter(),
		candles: candleStore,
		chains:  chainStore,
		logger:  logger,
		addr:    addr,
		quote:   make(map[string]Quote),
	}
	b.Subscribe(bus.TopicTick, func(p any) {
		if tick, ok := p.(bus.Tick); ok {
			s.mu.Lock()
			s.quote[tick.Symbol] = Quote{Symbol: tick.Symbol, LTP: tick.LTP, TS: tick.TS}
			s.mu.Unlock()
		}
	})
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/v1/health", s.handleHealth)
	s.router.Get("/v1/quote", s.handleQuote)
	s.router.Get("/v1/candles/last", s.handleLastCandles)
	s.router.Get("/v1/option_chain", s.handleOptionChain)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.WithField("addr", s.addr).Info("market-data API listening")
	return s.server.ListenAndServe()
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	q, ok := s.quote[symbol]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "no quote for symbol", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleLastCandles(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}

	timeframe := 60
	if v := r.URL.Query().Get("timeframe_seconds"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "timeframe_seconds must be an integer", http.StatusBadRequest)
			return
		}
		timeframe = n
	}
	if timeframe <= 0 || timeframe%60 != 0 {
		http.Error(w, fmt.Sprintf("timeframe_seconds %d is not a multiple of 60", timeframe), http.StatusBadRequest)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	out, err := s.candles.Last(r.Context(), symbol, timeframe, limit)
	if err != nil {
		s.logger.WithError(err).Error("candle query failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if out == nil {
		out = []candles.Candle{}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOptionChain(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}
	expiry := r.URL.Query().Get("expiry")
	snap, err := s.chains.Latest(r.Context(), symbol, expiry)
	if err != nil {
		s.logger.WithError(err).Error("chain query failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if snap == nil {
		http.Error(w, "no chain for symbol", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("encoding response failed")
	}
}
