package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"adminplane.org/internal/audit"
	"adminplane.org/internal/directory"
	"adminplane.org/internal/dispatch"
	"adminplane.org/internal/quota"
	"adminplane.org/internal/session"
)

func newTestAPI(t *testing.T, opts Options) (*API, *audit.Recorder) {
	t.Helper()
	ctx := context.Background()
	store := directory.NewMemoryStore()

	sessions, err := session.NewManager(store, []byte("httpapi-test-secret"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	svc := directory.NewService(store, directory.WithSessionRevoker(sessions))
	if _, err := svc.Bootstrap(ctx, "root@example.com", "rootpass"); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	rec, err := audit.NewRecorder(ctx, store)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	d := dispatch.New(store, sessions, quota.NewEnforcer(store), rec)
	routes := &dispatch.Routes{Directory: svc, Sessions: sessions, Recorder: rec}
	routes.Register(d)

	return New(d, ReadyProbe{}, "test", opts), rec
}

func postJSON(t *testing.T, api *API, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, req)
	return rr
}

func loginToken(t *testing.T, api *API) string {
	t.Helper()
	rr := postJSON(t, api, "/v1/auth/login", map[string]string{
		"email":    "root@example.com",
		"password": "rootpass",
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("login status %d: %s", rr.Code, rr.Body.String())
	}
	var res struct {
		Outcome string `json:"outcome"`
		Result  struct {
			Token string `json:"token"`
		} `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if res.Outcome != "allowed" || res.Result.Token == "" {
		t.Fatalf("login response: %s", rr.Body.String())
	}
	return res.Result.Token
}

func TestHealthz(t *testing.T) {
	api, _ := newTestAPI(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("body: %v", body)
	}
}

func TestReadyWithoutDB(t *testing.T) {
	api, _ := newTestAPI(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestLoginAndDispatchFlow(t *testing.T) {
	api, _ := newTestAPI(t, Options{})
	token := loginToken(t, api)

	rr := postJSON(t, api, "/v1/dispatch", map[string]any{
		"operation": "auth.whoami",
	}, map[string]string{"Authorization": "Bearer " + token})
	if rr.Code != http.StatusOK {
		t.Fatalf("whoami status %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "root@example.com") {
		t.Fatalf("whoami body: %s", rr.Body.String())
	}
}

func TestDispatchStatusMapping(t *testing.T) {
	api, _ := newTestAPI(t, Options{})

	// Wrong password comes back as 401.
	rr := postJSON(t, api, "/v1/auth/login", map[string]string{
		"email":    "root@example.com",
		"password": "wrong",
	}, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad login status %d", rr.Code)
	}

	// A garbage token is 401.
	rr = postJSON(t, api, "/v1/dispatch", map[string]any{
		"operation": "admin.list",
	}, map[string]string{"Authorization": "Bearer garbage"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", rr.Code)
	}

	// Unknown operations are 400.
	token := loginToken(t, api)
	rr = postJSON(t, api, "/v1/dispatch", map[string]any{
		"operation": "nosuch.op",
	}, map[string]string{"Authorization": "Bearer " + token})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown op status %d", rr.Code)
	}
}

func TestDispatchRequiresPost(t *testing.T) {
	api, _ := newTestAPI(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/v1/dispatch", nil)
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestDispatchMalformedEnvelope(t *testing.T) {
	api, rec := newTestAPI(t, Options{})
	req := httptest.NewRequest(http.MethodPost, "/v1/dispatch", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rr.Code)
	}
	var res dispatch.Response
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if res.Outcome != dispatch.OutcomeFailed || res.Reason != dispatch.ReasonBadRequest {
		t.Fatalf("got %+v", res)
	}

	// Requests that never decode still land in the audit trail.
	recs, err := rec.List(context.Background(), directory.AuditFilter{Operation: "envelope.reject"})
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one rejection record, got %d", len(recs))
	}
	if recs[0].Outcome != dispatch.OutcomeFailed || recs[0].Reason != dispatch.ReasonBadRequest {
		t.Fatalf("rejection record: %+v", recs[0])
	}
}

func TestDispatchBodyLimit(t *testing.T) {
	api, _ := newTestAPI(t, Options{MaxBodyBytes: 64})
	huge := strings.Repeat("x", 1024)
	rr := postJSON(t, api, "/v1/dispatch", map[string]string{"operation": huge}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestIdempotencyKeyHeader(t *testing.T) {
	api, _ := newTestAPI(t, Options{})
	token := loginToken(t, api)
	header := map[string]string{
		"Authorization":   "Bearer " + token,
		"Idempotency-Key": "http-key-1",
	}
	body := map[string]any{
		"operation": "organization.create",
		"params":    map[string]string{"name": "Acme"},
	}

	first := postJSON(t, api, "/v1/dispatch", body, header)
	if first.Code != http.StatusOK {
		t.Fatalf("first status %d: %s", first.Code, first.Body.String())
	}
	second := postJSON(t, api, "/v1/dispatch", body, header)
	if second.Code != http.StatusOK {
		t.Fatalf("second status %d", second.Code)
	}
	if !strings.Contains(second.Body.String(), `"replayed":true`) {
		t.Fatalf("second response not replayed: %s", second.Body.String())
	}
}

func TestUnknownRoute(t *testing.T) {
	api, _ := newTestAPI(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status %d", rr.Code)
	}
}
