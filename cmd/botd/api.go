package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"niftybot/internal/bus"
	"niftybot/internal/journal"
	"niftybot/internal/positions"
)

// apiServer is the bot's HTTP surface: manual order execution plus read-only
// views of positions and the trade journal.
type apiServer struct {
	router  *chi.Mux
	server  *http.Server
	bus     *bus.Bus
	store   *positions.Store
	journal journal.Interface
	logger  *logrus.Logger
	addr    string
	now     func() time.Time
}

type executeRequest struct {
	PosID           string   `json:"pos_id,omitempty"`
	SecurityID      string   `json:"security_id"`
	TransactionType string   `json:"transaction_type"`
	Qty             int      `json:"qty"`
	IndexName       string   `json:"index_name,omitempty"`
	Price           float64  `json:"price,omitempty"`
	ConfidenceScore *float64 `json:"confidence_score,omitempty"`
	StopLoss        *float64 `json:"stop_loss,omitempty"`
}

func newAPIServer(addr string, b *bus.Bus, store *positions.Store, jrnl journal.Interface, logger *logrus.Logger) *apiServer {
	s := &apiServer{
		router:  chi.NewRouter(),
		bus:     b,
		store:   store,
		journal: jrnl,
		logger:  logger,
		addr:    addr,
		now:     time.Now,
	}
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/v1/health", s.handleHealth)
	s.router.Post("/execute", s.handleExecute)
	s.router.Get("/v1/positions", s.handlePositions)
	s.router.Get("/v1/trades", s.handleTrades)
	return s
}

func (s *apiServer) start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.WithField("addr", s.addr).Info("execute API listening")
	return s.server.ListenAndServe()
}

func (s *apiServer) shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *apiServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": s.now().Unix(),
	})
}

// handleExecute validates the request and hands it to the engine via the bus.
// Acceptance is asynchronous: 202 means the signal was published, not filled.
func (s *apiServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decoding request: %v", err), http.StatusBadRequest)
		return
	}
	if req.SecurityID == "" {
		http.Error(w, "security_id is required", http.StatusBadRequest)
		return
	}
	if req.TransactionType != string(positions.SideBuy) && req.TransactionType != string(positions.SideSell) {
		http.Error(w, "transaction_type must be BUY or SELL", http.StatusBadRequest)
		return
	}
	if req.Qty <= 0 {
		http.Error(w, "qty must be positive", http.StatusBadRequest)
		return
	}

	posID := req.PosID
	if posID == "" {
		posID = fmt.Sprintf("pos_%d", s.now().Unix())
	}
	symbol := req.IndexName
	if symbol == "" {
		symbol = req.SecurityID
	}

	s.bus.Publish(bus.TopicEntrySignal, bus.EntrySignal{
		PosID:           posID,
		Symbol:          symbol,
		Side:            req.TransactionType,
		Quantity:        req.Qty,
		Price:           req.Price,
		SecurityID:      req.SecurityID,
		ConfidenceScore: req.ConfidenceScore,
		StopLoss:        req.StopLoss,
	})
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "accepted",
		"pos_id": posID,
	})
}

func (s *apiServer) handlePositions(w http.ResponseWriter, _ *http.Request) {
	list := s.store.List()
	if list == nil {
		list = []*positions.Position{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *apiServer) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	trades, err := s.journal.RecentTrades(r.Context(), limit)
	if err != nil {
		s.logger.WithError(err).Error("trade query failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []journal.Trade{}
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *apiServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("encoding response failed")
	}
}
