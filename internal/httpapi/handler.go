// Package httpapi serves the ad-hoc job run endpoint together with health,
// status, metrics and optional pprof routes.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"golang.org/x/time/rate"

	"batchbridge/internal/params"
	logx "batchbridge/pkg/logx"
)

// maxBodyBytes caps a run request body.
const maxBodyBytes = 1 << 20

// Runner runs a job on demand.
type Runner interface {
	Run(ctx context.Context, jobName string, source any) error
}

// Deps are the collaborators behind the routes. Nil members disable the
// matching route (Status, Metrics) or report ready (Ready).
type Deps struct {
	Runner  Runner
	Status  func() any
	Ready   func() bool
	Metrics http.Handler
}

// RunRequest is the decoded body of a run request. Fields keep body order.
type RunRequest struct {
	params *params.Map
}

func (r *RunRequest) UnmarshalJSON(b []byte) error {
	var m params.Map
	if err := m.UnmarshalJSON(b); err != nil {
		return err
	}
	r.params = &m
	return nil
}

func (r *RunRequest) Fields() ([]params.Field, error) {
	out := make([]params.Field, 0, r.params.Len())
	for k, v := range r.params.All() {
		out = append(out, params.Field{Name: k, Value: v})
	}
	return out, nil
}

var _ params.FieldSource = (*RunRequest)(nil)

type errorBody struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// NewHandler builds the API mux.
func NewHandler(cfg Config, deps Deps, log logx.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Ready != nil && !deps.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	if deps.Status != nil {
		mux.HandleFunc("GET /api/v1/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, deps.Status())
		})
	}
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}
	mux.HandleFunc("POST /api/v1/jobs/{name}/run", runHandler(deps.Runner, log))

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}

	var h http.Handler = mux
	h = withAuth(cfg.Token, h)
	h = withRateLimit(cfg.RatePerSec, cfg.Burst, h)
	return h
}

func runHandler(runner Runner, log logx.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSpace(r.PathValue("name"))
		if runner == nil || name == "" {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
			return
		}

		req := &RunRequest{}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "request body too large"})
			return
		}
		if len(strings.TrimSpace(string(body))) > 0 {
			if err := json.Unmarshal(body, req); err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: "request body must be a JSON object"})
				return
			}
		}

		if err := runner.Run(r.Context(), name, req); err != nil {
			log.Warn("ad-hoc run request failed", logx.String("job", name), logx.Err(err))
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "job run failed"})
			return
		}
		writeJSON(w, http.StatusOK, true)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withRateLimit(perSec float64, burst int, next http.Handler) http.Handler {
	if perSec <= 0 {
		return next
	}
	if burst <= 0 {
		burst = int(perSec)
		if burst < 1 {
			burst = 1
		}
	}
	lim := rate.NewLimiter(rate.Limit(perSec), burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !lim.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withAuth requires the bearer token on every route except /healthz.
func withAuth(token string, next http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		const p = "Bearer "
		ah := r.Header.Get("Authorization")
		if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
	})
}
