package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"PerpCore/internal/observability"
	"PerpCore/internal/query"
)

// HTTPServer serves the read-side JSON API plus health and metrics
// endpoints. Writes never come through here; commands enter over NATS or
// the admin inject service.
type HTTPServer struct {
	httpServer    *http.Server
	addr          string
	service       *query.Service
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

func NewHTTPServer(
	addr string,
	service *query.Service,
	healthChecker *observability.HealthChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *HTTPServer {
	return &HTTPServer{
		addr:          addr,
		service:       service,
		healthChecker: healthChecker,
		metrics:       metrics,
		logger:        logger.With().Str("component", "http_server").Logger(),
	}
}

// Start runs the HTTP server until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/positions/{owner}", s.instrumented("list_positions", s.handleListPositions))
	mux.HandleFunc("GET /v1/positions/{owner}/{instrument}", s.instrumented("get_position", s.handleGetPosition))
	mux.HandleFunc("GET /v1/instruments", s.instrumented("list_instruments", s.handleListInstruments))
	mux.HandleFunc("GET /v1/instruments/{instrument}", s.instrumented("get_instrument", s.handleGetInstrument))
	mux.HandleFunc("GET /v1/stakes/{owner}", s.instrumented("list_stakes", s.handleListStakes))
	mux.HandleFunc("GET /v1/stakes/{owner}/{instrument}", s.instrumented("get_stake", s.handleGetStake))
	mux.HandleFunc("GET /v1/params", s.instrumented("get_params", s.handleGetParams))
	mux.HandleFunc("GET /v1/settlements/{owner}", s.instrumented("list_settlements", s.handleListSettlements))
	mux.HandleFunc("GET /v1/pnl/{owner}", s.instrumented("get_pnl", s.handleGetPnL))
	mux.HandleFunc("GET /v1/quote", s.instrumented("quote_fee", s.handleQuoteFee))
	mux.HandleFunc("GET /v1/integrity", s.instrumented("verify_integrity", s.handleVerifyIntegrity))

	mux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
	mux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// instrumented wraps a handler with request metrics.
func (s *HTTPServer) instrumented(endpoint string, h func(w http.ResponseWriter, r *http.Request) (int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		code, err := h(w, r)
		if err != nil {
			s.writeError(w, code, err)
		}
		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
			s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

func (s *HTTPServer) handleGetPosition(w http.ResponseWriter, r *http.Request) (int, error) {
	owner, err := uuid.Parse(r.PathValue("owner"))
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("invalid owner: %w", err)
	}
	instrument, err := strconv.Atoi(r.PathValue("instrument"))
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("invalid instrument: %w", err)
	}

	resp, err := s.service.GetPosition(r.Context(), owner, instrument)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	return s.writeJSON(w, resp)
}

func (s *HTTPServer) handleListPositions(w http.ResponseWriter, r *http.Request) (int, error) {
	owner, err := uuid.Parse(r.PathValue("owner"))
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("invalid owner: %w", err)
	}

	resp, err := s.service.ListPositions(r.Context(), owner)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	return s.writeJSON(w, resp)
}

func (s *HTTPServer) handleGetInstrument(w http.ResponseWriter, r *http.Request) (int, error) {
	instrument, err := strconv.Atoi(r.PathValue("instrument"))
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("invalid instrument: %w", err)
	}

	resp, err := s.service.GetInstrument(r.Context(), instrument)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	return s.writeJSON(w, resp)
}

func (s *HTTPServer) handleListInstruments(w http.ResponseWriter, r *http.Request) (int, error) {
	resp, err := s.service.ListInstruments(r.Context())
	if err != nil {
		return http.StatusInternalServerError, err
	}
	return s.writeJSON(w, resp)
}

func (s *HTTPServer) handleGetStake(w http.ResponseWriter, r *http.Request) (int, error) {
	owner, err := uuid.Parse(r.PathValue("owner"))
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("invalid owner: %w", err)
	}
	instrument, err := strconv.Atoi(r.PathValue("instrument"))
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("invalid instrument: %w", err)
	}

	resp, err := s.service.GetStake(r.Context(), owner, instrument)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	return s.writeJSON(w, resp)
}

func (s *HTTPServer) handleListStakes(w http.ResponseWriter, r *http.Request) (int, error) {
	owner, err := uuid.Parse(r.PathValue("owner"))
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("invalid owner: %w", err)
	}

	resp, err := s.service.ListStakes(r.Context(), owner)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	return s.writeJSON(w, resp)
}

func (s *HTTPServer) handleGetParams(w http.ResponseWriter, r *http.Request) (int, error) {
	resp, err := s.service.GetParams(r.Context())
	if err != nil {
		return http.StatusInternalServerError, err
	}
	return s.writeJSON(w, resp)
}

func (s *HTTPServer) handleListSettlements(w http.ResponseWriter, r *http.Request) (int, error) {
	owner, err := uuid.Parse(r.PathValue("owner"))
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("invalid owner: %w", err)
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 || limit > 500 {
			return http.StatusBadRequest, fmt.Errorf("invalid limit: %q", v)
		}
	}

	var after *int64
	if v := r.URL.Query().Get("after"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return http.StatusBadRequest, fmt.Errorf("invalid after: %q", v)
		}
		after = &seq
	}

	resp, err := s.service.ListSettlements(r.Context(), owner, limit, after)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	return s.writeJSON(w, resp)
}

func (s *HTTPServer) handleGetPnL(w http.ResponseWriter, r *http.Request) (int, error) {
	owner, err := uuid.Parse(r.PathValue("owner"))
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("invalid owner: %w", err)
	}

	maskStr := r.URL.Query().Get("mask")
	if maskStr == "" {
		return http.StatusBadRequest, fmt.Errorf("mask is required")
	}
	mask, err := strconv.ParseUint(maskStr, 10, 64)
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("invalid mask: %q", maskStr)
	}

	resp, err := s.service.GetPnL(r.Context(), owner, mask)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	return s.writeJSON(w, resp)
}

func (s *HTTPServer) handleQuoteFee(w http.ResponseWriter, r *http.Request) (int, error) {
	q := r.URL.Query()

	instrument, err := strconv.Atoi(q.Get("instrument"))
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("invalid instrument: %q", q.Get("instrument"))
	}
	price, ok := new(big.Int).SetString(q.Get("price"), 10)
	if !ok {
		return http.StatusBadRequest, fmt.Errorf("invalid price: %q", q.Get("price"))
	}
	amount, ok := new(big.Int).SetString(q.Get("amount"), 10)
	if !ok {
		return http.StatusBadRequest, fmt.Errorf("invalid amount: %q", q.Get("amount"))
	}

	resp, err := s.service.QuoteFee(r.Context(), instrument, price, amount)
	if err != nil {
		return http.StatusUnprocessableEntity, err
	}
	return s.writeJSON(w, resp)
}

func (s *HTTPServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) (int, error) {
	resp, err := s.service.VerifyIntegrity(r.Context())
	if err != nil {
		return http.StatusInternalServerError, err
	}
	return s.writeJSON(w, resp)
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, v interface{}) (int, error) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("response encode failed")
	}
	return http.StatusOK, nil
}

func (s *HTTPServer) writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
