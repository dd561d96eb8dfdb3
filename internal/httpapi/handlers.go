package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"adminplane.org/internal/audit"
	"adminplane.org/internal/dispatch"
	"adminplane.org/internal/obs"
)

// ReadyProbe is a readiness check, typically a database ping.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options bound the HTTP surface.
type Options struct {
	MaxBodyBytes    int64
	RateLimitPerSec int
	RateLimitBurst  int
}

// API is the HTTP layer in front of the dispatcher.
type API struct {
	mux        *http.ServeMux
	dispatcher *dispatch.Dispatcher
	readyProbe ReadyProbe
	version    string
	opts       Options
}

func New(d *dispatch.Dispatcher, rp ReadyProbe, version string, opts Options) *API {
	a := &API{
		mux:        http.NewServeMux(),
		dispatcher: d,
		readyProbe: rp,
		version:    version,
		opts:       opts,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.HandleFunc("/v1/dispatch", a.Dispatch)
	a.mux.HandleFunc("/v1/auth/login", a.Login)

	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	if a.opts.MaxBodyBytes > 0 {
		h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	}
	if a.opts.RateLimitPerSec > 0 {
		h = RateLimit(h, a.opts.RateLimitBurst, a.opts.RateLimitPerSec)
	}
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "adminplane-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "adminplane-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// Dispatch accepts one operation envelope and returns its response. The
// bearer token and idempotency key may ride in headers instead of the
// envelope body.
func (a *API) Dispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var env dispatch.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		ctx := audit.WithRequestID(r.Context(), RequestIDFromContext(r.Context()))
		res := a.dispatcher.Reject(ctx, bearerToken(r), clientIP(r), "malformed envelope: "+err.Error())
		writeJSON(w, statusFor(res), res)
		return
	}
	if env.Token == "" {
		env.Token = bearerToken(r)
	}
	if env.IdempotencyKey == "" {
		env.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	if env.Origin == "" {
		env.Origin = clientIP(r)
	}

	ctx := audit.WithRequestID(r.Context(), RequestIDFromContext(r.Context()))
	res := a.dispatcher.Dispatch(ctx, &env)
	writeJSON(w, statusFor(res), res)
}

// Login is a convenience route that builds an auth.login envelope, so
// logins over HTTP flow through the same audited pipeline.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	params, err := json.Marshal(body)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	env := dispatch.Envelope{
		Operation: "auth.login",
		Origin:    clientIP(r),
		Params:    params,
	}
	ctx := audit.WithRequestID(r.Context(), RequestIDFromContext(r.Context()))
	res := a.dispatcher.Dispatch(ctx, &env)
	writeJSON(w, statusFor(res), res)
}

// statusFor maps a dispatch outcome to an HTTP status.
func statusFor(res *dispatch.Response) int {
	switch res.Outcome {
	case dispatch.OutcomeAllowed:
		return http.StatusOK
	case dispatch.OutcomeDenied:
		switch res.Reason {
		case dispatch.ReasonInvalidCredential,
			dispatch.ReasonAccountLocked,
			dispatch.ReasonTokenExpired,
			dispatch.ReasonTokenRevoked,
			dispatch.ReasonTokenInvalid:
			return http.StatusUnauthorized
		case dispatch.ReasonQuotaExceeded:
			return http.StatusTooManyRequests
		default:
			return http.StatusForbidden
		}
	default:
		switch res.Reason {
		case dispatch.ReasonBadRequest:
			return http.StatusBadRequest
		case dispatch.ReasonTimeout:
			return http.StatusGatewayTimeout
		default:
			return http.StatusServiceUnavailable
		}
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"error":      msg,
		"request_id": RequestIDFromContext(r.Context()),
	})
}
