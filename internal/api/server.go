package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"moneymate/internal/alerts"
	"moneymate/internal/conversion"
	"moneymate/internal/registry"
	"moneymate/internal/service"
)

// Backend is the slice of the refresh service the HTTP surface needs.
type Backend interface {
	Snapshot() *registry.Snapshot
	Convert(amount decimal.Decimal, from, to string) (conversion.Result, error)
	Alerts() []*alerts.Alert
	CreateAlert(ctx context.Context, in service.AlertInput) (*alerts.Alert, error)
	DeleteAlert(ctx context.Context, id uuid.UUID) error
	ClearTriggered(ctx context.Context) (int, error)
	Subscribe(buffer int) (<-chan service.CycleResult, func())
}

// Server exposes quotes, conversion and alert management over HTTP plus a websocket stream
// of refresh events.
type Server struct {
	backend     Backend
	hub         *Hub
	router      *mux.Router
	upgrader    websocket.Upgrader
	logger      zerolog.Logger
	events      <-chan service.CycleResult
	unsubscribe func()
}

// NewServer wires the routes. It subscribes to refresh events immediately; Pump forwards them.
func NewServer(backend Backend, hub *Hub, logger zerolog.Logger) *Server {
	server := &Server{
		backend: backend,
		hub:     hub,
		logger:  logger.With().Str("component", "api").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	server.events, server.unsubscribe = backend.Subscribe(8)

	// mux answers 405 before middleware runs, so preflight must match a route; every /api
	// route accepts OPTIONS and corsMiddleware answers it
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/api/health", server.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/quotes", server.handleListQuotes).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/quotes/{code}", server.handleGetQuote).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/convert", server.handleConvert).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/alerts", server.handleListAlerts).Methods(http.MethodGet)
	r.HandleFunc("/api/alerts", server.handleCreateAlert).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/alerts/triggered", server.handleClearTriggered).Methods(http.MethodDelete, http.MethodOptions)
	r.HandleFunc("/api/alerts/{id}", server.handleDeleteAlert).Methods(http.MethodDelete, http.MethodOptions)
	r.HandleFunc("/ws", server.handleWebSocket).Methods(http.MethodGet)

	server.router = r
	return server
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Pump broadcasts refresh events to websocket clients until ctx is done.
func (s *Server) Pump(ctx context.Context) {
	defer s.unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-s.events:
			if !ok {
				return
			}
			if res.Skipped || res.Snapshot == nil {
				continue
			}
			s.hub.BroadcastJSON(newEventView(res))
		}
	}
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readHeaderTimeout time.Duration) error {
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 5 * time.Second
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go s.Pump(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("http shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("api listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{"status": "ok"}
	if snap := s.backend.Snapshot(); snap != nil {
		status["last_refresh"] = snap.TakenAt
		status["quotes"] = snap.Len()
	} else {
		status["status"] = "warming_up"
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListQuotes(w http.ResponseWriter, _ *http.Request) {
	snap := s.backend.Snapshot()
	if snap == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "rates not loaded yet"})
		return
	}
	writeJSON(w, http.StatusOK, newSnapshotView(snap))
}

func (s *Server) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	snap := s.backend.Snapshot()
	q, err := snap.Quote(code)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "currency unavailable: " + registry.NormalizeCode(code)})
		return
	}
	writeJSON(w, http.StatusOK, newQuoteView(snap, q))
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if s.backend.Snapshot() == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "rates not loaded yet"})
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(query.Get("amount")))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount must be a number"})
		return
	}

	res, err := s.backend.Convert(amount, query.Get("from"), query.Get("to"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	isCrypto := false
	if snap := s.backend.Snapshot(); snap != nil {
		if q, err := snap.Quote(res.To); err == nil {
			isCrypto = q.IsCrypto
		}
	}
	writeJSON(w, http.StatusOK, newConversionView(res, isCrypto))
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	list := s.backend.Alerts()
	out := make([]alerts.Definition, 0, len(list))
	state := r.URL.Query().Get("state")
	for _, a := range list {
		if state != "" && string(a.State()) != state {
			continue
		}
		out = append(out, a.Definition())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrencyCode string          `json:"currency_code"`
		Kind         string          `json:"kind"`
		Threshold    decimal.Decimal `json:"threshold"`
		Title        string          `json:"title"`
		Message      string          `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	kind, err := alerts.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	created, err := s.backend.CreateAlert(r.Context(), service.AlertInput{
		CurrencyCode: req.CurrencyCode,
		Kind:         kind,
		Threshold:    req.Threshold,
		Title:        req.Title,
		Message:      req.Message,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, created.Definition())
}

func (s *Server) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	if err := s.backend.DeleteAlert(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearTriggered(w http.ResponseWriter, r *http.Request) {
	n, err := s.backend.ClearTriggered(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := s.hub.AddClient(conn)

	if snap := s.backend.Snapshot(); snap != nil {
		_ = c.writeJSON(eventView{Type: "snapshot", Snapshot: newSnapshotView(snap)})
	} else {
		_ = c.writeJSON(eventView{Type: "hello"})
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.hub.RemoveClient(conn)
			return
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, conversion.ErrInvalidAmount),
		errors.Is(err, alerts.ErrInvalidAlert),
		errors.Is(err, alerts.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, conversion.ErrUnknownCurrency),
		errors.Is(err, service.ErrAlertNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversion.ErrInconsistentRate):
		return http.StatusServiceUnavailable
	case errors.Is(err, alerts.ErrDuplicateAlert):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

var _ Backend = (*service.Service)(nil)
