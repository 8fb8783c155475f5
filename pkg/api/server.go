// Package api exposes the broker over HTTP/JSON: rental creation answered
// with a 402 payment challenge, payment completion, quotes, rental reads and
// cancellation, and the scheduler-facing sweep trigger. Authentication is
// delegated to an upstream gateway that injects the caller id as a header.
package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flowra/ramarket/pkg/config"
	"github.com/flowra/ramarket/pkg/metering"
	"github.com/flowra/ramarket/pkg/rental"
)

// principalHeader carries the authenticated caller id, set by the upstream
// gateway after it has verified the session.
const principalHeader = "X-User-Id"

// Server wires the rental service and the sweep trigger into an HTTP router.
type Server struct {
	rentals *rental.Service
	sweeper *metering.Sweeper
	cfg     *config.Config
}

// NewServer builds the HTTP surface over the given service and sweeper.
func NewServer(rentals *rental.Service, sweeper *metering.Sweeper, cfg *config.Config) *Server {
	return &Server{rentals: rentals, sweeper: sweeper, cfg: cfg}
}

// Router returns the fully wired mux router.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/rentals", s.instrument("create_rental", s.handleCreateRental)).Methods(http.MethodPost)
	v1.HandleFunc("/rentals", s.instrument("list_rentals", s.handleListRentals)).Methods(http.MethodGet)
	v1.HandleFunc("/rentals/{id}", s.instrument("get_rental", s.handleGetRental)).Methods(http.MethodGet)
	v1.HandleFunc("/rentals/{id}", s.instrument("cancel_rental", s.handleCancelRental)).Methods(http.MethodDelete)
	v1.HandleFunc("/payments/complete", s.instrument("complete_payment", s.handleCompletePayment)).Methods(http.MethodPost)
	v1.HandleFunc("/payments/quote", s.instrument("quote", s.handleQuote)).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/sweep", s.instrument("sweep", s.handleSweep)).Methods(http.MethodPost)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument wraps a handler with request metrics and access logging.
func (s *Server) instrument(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, req)
		elapsed := time.Since(start)

		requestsTotal.WithLabelValues(name, req.Method, strconv.Itoa(rec.status)).Inc()
		requestDuration.WithLabelValues(name).Observe(elapsed.Seconds())
		zap.L().Debug("request",
			zap.String("handler", name),
			zap.String("method", req.Method),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", elapsed))
	}
}

// principal extracts the authenticated caller id, or writes a 401 and returns
// false.
func principal(w http.ResponseWriter, req *http.Request) (string, bool) {
	id := req.Header.Get(principalHeader)
	if id == "" {
		respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return "", false
	}
	return id, true
}

// authorizeCron checks the scheduler bearer secret on the job-trigger route.
func (s *Server) authorizeCron(req *http.Request) bool {
	header := req.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.CronSecret)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
