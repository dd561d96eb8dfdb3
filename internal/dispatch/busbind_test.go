package dispatch

import (
	"context"
	"encoding/json"
	"testing"

	"adminplane.org/internal/bus"
	"adminplane.org/internal/directory"
)

func TestBindBusRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	fabric := bus.New()
	e.d.BindBus(fabric)

	req, err := json.Marshal(Envelope{
		Operation: "auth.login",
		Params:    json.RawMessage(`{"email":"root@example.com","password":"rootpass"}`),
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	raw, err := fabric.Request(context.Background(), Subject, req)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	var res Response
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Outcome != OutcomeAllowed {
		t.Fatalf("response: %+v", res)
	}
}

func TestBindBusMalformedEnvelope(t *testing.T) {
	e := newTestEnv(t)
	fabric := bus.New()
	e.d.BindBus(fabric)
	before := e.auditCount(t)

	raw, err := fabric.Request(context.Background(), Subject, []byte("{not json"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var res Response
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Outcome != OutcomeFailed || res.Reason != ReasonBadRequest {
		t.Fatalf("response: %+v", res)
	}

	// An undecodable payload is still a failed request on the trail.
	if e.auditCount(t) != before+1 {
		t.Fatal("malformed envelope left no audit record")
	}
	recs, err := e.rec.List(context.Background(), directory.AuditFilter{Operation: "envelope.reject"})
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one rejection record, got %d", len(recs))
	}
}
