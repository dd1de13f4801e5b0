// Package httpapi exposes the engine over HTTP: job submission with
// API-key auth, health, and Prometheus metrics. The surface is small
// on purpose; Telegram is the primary transport.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentdesk/internal/broadcast"
	"agentdesk/internal/job"
	"agentdesk/internal/router"
	"agentdesk/pkg/logx"
)

// Engine executes one operation end to end.
type Engine interface {
	Execute(ctx context.Context, identityID string, principal, replyTo int64, op string, args map[string]string) (job.Result, broadcast.Report, error)
}

type Config struct {
	Listen          string
	ShutdownTimeout time.Duration
	ExecuteTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = 5 * time.Minute
	}
	return c
}

type Server struct {
	cfg Config
	eng Engine
	rt  *router.Router
	log logx.Logger
	srv *http.Server
}

func New(cfg Config, eng Engine, rt *router.Router, reg *prometheus.Registry, log logx.Logger) *Server {
	cfg = cfg.withDefaults()
	s := &Server{cfg: cfg, eng: eng, rt: rt, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /api/v1/jobs", s.handleSubmit)

	s.srv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()
	s.log.Info("http api listening", logx.String("addr", s.cfg.Listen))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(sctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitRequest struct {
	Op   string            `json:"op"`
	Args map[string]string `json:"args"`
}

type submitResponse struct {
	Result     job.Result           `json:"result"`
	Deliveries []broadcast.Delivery `json:"deliveries,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// handleSubmit runs one job synchronously and returns its terminal
// result. Rejections map to 4xx before any job exists.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id := s.rt.ByAPIKey(r.Header.Get("X-API-Key"))
	if id == nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid api key"})
		return
	}

	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad request body"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ExecuteTimeout)
	defer cancel()

	res, rep, err := s.eng.Execute(ctx, id.ID, 0, 0, req.Op, req.Args)
	if err != nil {
		status, reason := rejectStatus(err)
		writeJSON(w, status, errorResponse{Error: err.Error(), Reason: reason})
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{Result: res, Deliveries: rep.Deliveries})
}

func rejectStatus(err error) (int, string) {
	var re *router.Error
	if !errors.As(err, &re) {
		return http.StatusInternalServerError, ""
	}
	switch re.Reason {
	case router.UnknownIdentity:
		return http.StatusUnauthorized, string(re.Reason)
	case router.Unauthorized, router.OperationNotAllowed:
		return http.StatusForbidden, string(re.Reason)
	case router.RateLimited:
		return http.StatusTooManyRequests, string(re.Reason)
	case router.InvalidArguments:
		return http.StatusBadRequest, string(re.Reason)
	default:
		return http.StatusInternalServerError, string(re.Reason)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
