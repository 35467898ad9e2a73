// Package api exposes the journal over REST plus a Server-Sent Events stream.
// All endpoints are JSON; mutating operations delegate to the journal core,
// reads go straight to storage.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/Tommyk15/trading-journal/internal/journal"
	"github.com/Tommyk15/trading-journal/internal/models"
	"github.com/Tommyk15/trading-journal/internal/storage"
)

// Config carries the listener settings.
type Config struct {
	ListenAddr string
	AuthToken  string
}

// Server wires the chi router over the journal core and storage.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	core      *journal.Core
	storage   storage.Interface
	log       *logrus.Logger
	addr      string
	authToken string

	hub      *eventHub
	stop     chan struct{}
	stopOnce sync.Once
}

// NewServer builds the router and begins relaying journal events to stream
// subscribers. Call Shutdown to stop the relay even if Start was never called.
func NewServer(cfg Config, core *journal.Core, store storage.Interface, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		router:    chi.NewRouter(),
		core:      core,
		storage:   store,
		log:       log,
		addr:      cfg.ListenAddr,
		authToken: cfg.AuthToken,
		hub:       newEventHub(),
		stop:      make(chan struct{}),
	}
	s.setupRoutes()
	go s.hub.run(core.Events(), s.stop)
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/api/health", s.handleHealth)
		r.Get("/api/trades", s.handleListTrades)
		r.Get("/api/trades/{id}", s.handleGetTrade)
		r.Get("/api/trades/{id}/chain", s.handleGetTradeChain)
		r.Post("/api/trades/{id}/tags", s.handleAddTag)
		r.Delete("/api/trades/{id}/tags/{tag}", s.handleRemoveTag)
		r.Get("/api/positions", s.handleListPositions)
		r.Get("/api/stats", s.handleStats)
		r.Get("/api/integrity", s.handleIntegrity)
		r.Get("/api/splits", s.handleListSplits)
		r.Post("/api/splits", s.handleRegisterSplit)
		r.Post("/api/sync", s.handleSync)
		r.Post("/api/reprocess", s.handleReprocess)
		r.Post("/api/rolls/detect", s.handleDetectRolls)
	})

	// The event stream outlives the request timeout; clients hold it open.
	s.router.Get("/api/events", s.handleEvents)
}

// authMiddleware enforces the bearer token on everything but the health
// probe. EventSource cannot set headers, so a token query parameter is
// accepted as a fallback.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := ""
		if header := r.Header.Get("Authorization"); header != "" {
			token = strings.TrimPrefix(header, "Bearer ")
		}
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the root handler, used by tests to mount the router on an
// httptest server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.WithField("addr", s.addr).Info("api server listening")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the event relay.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	underlyings, err := s.storage.Underlyings(r.Context())
	if err != nil {
		s.log.WithError(err).Error("health probe failed against storage")
		respondJSON(s.log, w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}

	resp := map[string]any{
		"status":         "ok",
		"underlyings":    len(underlyings),
		"dropped_events": s.core.DroppedEvents(),
		"time":           time.Now().UTC(),
	}
	if last := s.core.LastSync(); !last.IsZero() {
		resp["last_sync_at"] = last
	}
	respondJSON(s.log, w, http.StatusOK, resp)
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.TradeFilter{
		Underlying: strings.ToUpper(strings.TrimSpace(q.Get("underlying"))),
		Tag:        q.Get("tag"),
	}
	if v := q.Get("status"); v != "" {
		status := models.TradeStatus(strings.ToUpper(v))
		if !status.Valid() {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", v))
			return
		}
		filter.Status = status
	}
	if v := q.Get("strategy"); v != "" {
		filter.Strategy = models.StrategyType(strings.ToUpper(v))
	}
	var err error
	if filter.Limit, err = queryInt(q.Get("limit")); err != nil {
		respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if filter.Offset, err = queryInt(q.Get("offset")); err != nil {
		respondError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	trades, err := s.storage.ListTrades(r.Context(), filter)
	if err != nil {
		s.log.WithError(err).Error("listing trades failed")
		respondError(w, http.StatusInternalServerError, "listing trades failed")
		return
	}
	if trades == nil {
		trades = []*models.Trade{}
	}
	respondJSON(s.log, w, http.StatusOK, trades)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trade, err := s.storage.GetTrade(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "trade not found")
			return
		}
		s.log.WithError(err).WithField("trade_id", id).Error("loading trade failed")
		respondError(w, http.StatusInternalServerError, "loading trade failed")
		return
	}
	respondJSON(s.log, w, http.StatusOK, trade)
}

func (s *Server) handleGetTradeChain(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trade, err := s.storage.GetTrade(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "trade not found")
			return
		}
		s.log.WithError(err).WithField("trade_id", id).Error("loading trade failed")
		respondError(w, http.StatusInternalServerError, "loading trade failed")
		return
	}

	// An unlinked trade is its own chain of one.
	if trade.RollChainID == "" {
		respondJSON(s.log, w, http.StatusOK, []*models.Trade{trade})
		return
	}
	chain, err := s.storage.GetRollChain(r.Context(), trade.RollChainID)
	if err != nil {
		s.log.WithError(err).WithField("chain_id", trade.RollChainID).Error("loading roll chain failed")
		respondError(w, http.StatusInternalServerError, "loading roll chain failed")
		return
	}
	respondJSON(s.log, w, http.StatusOK, chain)
}

func (s *Server) handleAddTag(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.storage.GetTrade(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "trade not found")
			return
		}
		s.log.WithError(err).WithField("trade_id", id).Error("loading trade failed")
		respondError(w, http.StatusInternalServerError, "loading trade failed")
		return
	}

	var body struct {
		Tag string `json:"tag"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	body.Tag = strings.TrimSpace(body.Tag)
	if body.Tag == "" {
		respondError(w, http.StatusBadRequest, "tag must not be empty")
		return
	}

	if err := s.storage.AddTradeTag(r.Context(), id, body.Tag); err != nil {
		s.log.WithError(err).WithField("trade_id", id).Error("adding tag failed")
		respondError(w, http.StatusInternalServerError, "adding tag failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveTag(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tag := chi.URLParam(r, "tag")
	if err := s.storage.RemoveTradeTag(r.Context(), id, tag); err != nil {
		s.log.WithError(err).WithField("trade_id", id).Error("removing tag failed")
		respondError(w, http.StatusInternalServerError, "removing tag failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	underlying := strings.ToUpper(strings.TrimSpace(q.Get("underlying")))

	var status models.LedgerStatus
	if v := q.Get("status"); v != "" {
		status = models.LedgerStatus(strings.ToUpper(v))
		if status != models.LedgerOpen && status != models.LedgerClosed {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", v))
			return
		}
	}

	entries, err := s.storage.ListLedger(r.Context(), underlying)
	if err != nil {
		s.log.WithError(err).Error("listing ledger failed")
		respondError(w, http.StatusInternalServerError, "listing ledger failed")
		return
	}

	out := make([]models.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		if status != "" && e.Status != status {
			continue
		}
		out = append(out, e)
	}
	respondJSON(s.log, w, http.StatusOK, out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	summary, err := s.core.Summarize(r.Context())
	if err != nil {
		s.log.WithError(err).Error("computing summary failed")
		respondError(w, http.StatusInternalServerError, "computing summary failed")
		return
	}
	respondJSON(s.log, w, http.StatusOK, summary)
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.core.CheckIntegrity(r.Context())
	if err != nil {
		s.log.WithError(err).Error("integrity check failed")
		respondError(w, http.StatusInternalServerError, "integrity check failed")
		return
	}
	respondJSON(s.log, w, http.StatusOK, report)
}

func (s *Server) handleListSplits(w http.ResponseWriter, r *http.Request) {
	splits, err := s.storage.ListSplits(r.Context())
	if err != nil {
		s.log.WithError(err).Error("listing splits failed")
		respondError(w, http.StatusInternalServerError, "listing splits failed")
		return
	}
	if splits == nil {
		splits = []models.StockSplit{}
	}
	respondJSON(s.log, w, http.StatusOK, splits)
}

func (s *Server) handleRegisterSplit(w http.ResponseWriter, r *http.Request) {
	var split models.StockSplit
	if err := json.NewDecoder(r.Body).Decode(&split); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.core.RegisterSplit(r.Context(), &split); err != nil {
		if errors.Is(err, storage.ErrDuplicateSplit) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.WithFields(logrus.Fields{
		"symbol":     split.Symbol,
		"split_date": split.SplitDate.Format("2006-01-02"),
	}).Info("split registered, reprocess to restate history")
	respondJSON(s.log, w, http.StatusCreated, split)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	stats, err := s.core.Sync(r.Context())
	if err != nil {
		s.log.WithError(err).Error("sync failed")
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(s.log, w, http.StatusOK, stats)
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	stats, err := s.core.ReprocessAll(r.Context())
	if err != nil {
		s.log.WithError(err).Error("reprocess failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(s.log, w, http.StatusOK, stats)
}

func (s *Server) handleDetectRolls(w http.ResponseWriter, r *http.Request) {
	stats, err := s.core.DetectRolls(r.Context())
	if err != nil {
		s.log.WithError(err).Error("roll detection failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(s.log, w, http.StatusOK, stats)
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func respondJSON(log *logrus.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("encoding response failed")
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Encoding a flat map of strings cannot fail.
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
