// Package httpapi exposes the ledger over HTTP. Reads are public; executes
// require a bearer token naming the sender.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/keyleu/secure-messaging/internal/coin"
	"github.com/keyleu/secure-messaging/internal/engine"
	"github.com/keyleu/secure-messaging/internal/engine/events"
	"github.com/keyleu/secure-messaging/internal/engine/metrics"
	"github.com/keyleu/secure-messaging/internal/middleware"
	"github.com/keyleu/secure-messaging/pkg/logger"
)

const (
	maxBodyBytes      = 1 << 20
	defaultEventLimit = 50
	maxEventLimit     = 1000

	queryAcquireTimeout = 5 * time.Second
)

// Ledger is the part of the engine the gateway needs.
type Ledger interface {
	Execute(ctx context.Context, sender, contract string, msg []byte, funds coin.Coins) (*engine.Result, error)
	Query(ctx context.Context, contract string, msg []byte) ([]byte, error)
	Balance(addr string) (coin.Coins, error)
	ContractInfo(addr string) (engine.ContractInfo, error)
	Height() uint64
	ChainID() string
}

// Options configures a Server.
type Options struct {
	Ledger     Ledger
	Events     events.Log
	Auth       *middleware.Authenticator
	Metrics    *metrics.Collector
	Logger     *logger.Logger
	Controller string
	RateLimit  float64
	RateBurst  int
	// CORSOrigins lists browser origins allowed to call the gateway.
	CORSOrigins []string
	// MaxConcurrentQueries bounds in-flight contract queries. 0 is unlimited.
	MaxConcurrentQueries int
	// MaxStreams bounds open event streams. 0 is unlimited.
	MaxStreams int
}

// Server routes gateway requests.
type Server struct {
	ledger     Ledger
	events     events.Log
	log        *logger.Logger
	controller string
	router     *mux.Router
	handler    http.Handler
	streams    *middleware.Limiter
}

// New builds the router.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logger.NewDefault("httpapi")
	}
	if opts.Events == nil {
		opts.Events = events.Discard{}
	}

	s := &Server{
		ledger:     opts.Ledger,
		events:     opts.Events,
		log:        opts.Logger,
		controller: opts.Controller,
		router:     mux.NewRouter(),
		streams:    middleware.NewLimiter(middleware.LimiterConfig{MaxConcurrent: opts.MaxStreams}),
	}
	queries := middleware.NewLimiter(middleware.LimiterConfig{
		MaxConcurrent:  opts.MaxConcurrentQueries,
		AcquireTimeout: queryAcquireTimeout,
	})

	r := s.router
	r.Use(middleware.LoggingMiddleware(s.log))
	if opts.Metrics != nil {
		r.Use(middleware.MetricsMiddleware(opts.Metrics))
	}

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/contracts/{address}", s.handleContractInfo).Methods(http.MethodGet)
	v1.Handle("/contracts/{address}/query", queries.Handler(http.HandlerFunc(s.handleQuery))).Methods(http.MethodPost)
	v1.HandleFunc("/bank/{address}", s.handleBalance).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	v1.HandleFunc("/events/stream", s.handleStream).Methods(http.MethodGet)

	writes := v1.NewRoute().Subrouter()
	if opts.Auth != nil {
		writes.Use(opts.Auth.Handler)
	}
	if opts.RateLimit > 0 {
		writes.Use(middleware.NewRateLimiter(opts.RateLimit, opts.RateBurst, s.log).Handler)
	}
	writes.HandleFunc("/contracts/{address}/execute", s.handleExecute).Methods(http.MethodPost)

	s.handler = r
	if len(opts.CORSOrigins) > 0 {
		s.handler = middleware.NewCORSMiddleware(opts.CORSOrigins).Handler(r)
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

type executeRequest struct {
	Msg   json.RawMessage `json:"msg"`
	Funds coin.Coins      `json:"funds,omitempty"`
}

type statusResponse struct {
	ChainID    string `json:"chain_id"`
	Height     uint64 `json:"height"`
	Controller string `json:"controller,omitempty"`
}

type balanceResponse struct {
	Address  string     `json:"address"`
	Balances coin.Coins `json:"balances"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		ChainID:    s.ledger.ChainID(),
		Height:     s.ledger.Height(),
		Controller: s.controller,
	})
}

func (s *Server) handleContractInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.ledger.ContractInfo(mux.Vars(r)["address"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]
	if err := engine.ValidateAddress(addr); err != nil {
		s.writeError(w, r, err)
		return
	}
	bal, err := s.ledger.Balance(addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if bal == nil {
		bal = coin.Coins{}
	}
	writeJSON(w, http.StatusOK, balanceResponse{Address: addr, Balances: bal})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || !json.Valid(body) {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "body must be a JSON query message")
		return
	}
	out, err := s.ledger.Query(r.Context(), mux.Vars(r)["address"], body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	sender := middleware.Sender(r.Context())
	if sender == "" {
		writeProblem(w, http.StatusUnauthorized, "unauthenticated", middleware.ErrMissingToken.Error())
		return
	}

	var req executeRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(req.Msg) == 0 {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "msg is required")
		return
	}

	res, err := s.ledger.Execute(r.Context(), sender, mux.Vars(r)["address"], req.Msg, req.Funds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultEventLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeProblem(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	var records []events.Record
	switch contract, typ := q.Get("contract"), q.Get("type"); {
	case contract != "" && typ != "":
		for _, rec := range s.events.RecentByContract(contract, maxEventLimit) {
			if rec.Type == typ {
				records = append(records, rec)
			}
		}
		if len(records) > limit {
			records = records[:limit]
		}
	case contract != "":
		records = s.events.RecentByContract(contract, limit)
	case typ != "":
		records = s.events.RecentByType(typ, limit)
	default:
		records = s.events.Recent(limit)
	}
	if records == nil {
		records = []events.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind engine.Kind) int {
	switch kind {
	case engine.KindValidation:
		return http.StatusBadRequest
	case engine.KindNotFound:
		return http.StatusNotFound
	case engine.KindUnauthorized:
		return http.StatusForbidden
	case engine.KindProtocol:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := engine.KindOf(err)
	status := statusFor(kind)

	entry := s.log.WithContext(r.Context()).WithError(err).WithField("code", engine.CodeOf(err))
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
		writeProblem(w, status, "internal", "internal error")
		return
	}
	entry.Debug("request rejected")

	var typed *engine.Error
	if errors.As(err, &typed) {
		middleware.WriteJSON(w, status, middleware.ErrorBody{Error: middleware.ErrorDetail{
			Kind:    string(typed.Kind),
			Code:    typed.Code,
			Message: typed.Message,
			Details: typed.Details,
		}})
		return
	}
	writeProblem(w, status, engine.CodeOf(err), err.Error())
}

func writeProblem(w http.ResponseWriter, status int, code, message string) {
	middleware.WriteError(w, status, code, message)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	middleware.WriteJSON(w, status, v)
}
