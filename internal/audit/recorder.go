// Package audit records the outcome of every dispatched operation. The
// trail is append-only: records carry a process-wide sequence and are
// never updated or deleted.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"adminplane.org/internal/directory"
	"adminplane.org/internal/obs"
)

// Outcomes of a dispatched operation.
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
	OutcomeFailed  = "failed"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit
// logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Entry is what callers hand to Record; the recorder assigns sequence
// and timestamp.
type Entry struct {
	ActorID   string
	Operation string
	Target    string
	Outcome   string
	Reason    string
	Origin    string
	Metadata  map[string]string
}

// Recorder appends audit records to the store and mirrors each one as a
// structured log line.
type Recorder struct {
	store   directory.Store
	now     func() time.Time
	publish func(rec *directory.AuditRecord)

	mu  sync.Mutex
	seq uint64
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithPublisher mirrors every stored record to an event publisher, a
// best-effort feed for observers. The trail of record is the store.
func WithPublisher(fn func(rec *directory.AuditRecord)) Option {
	return func(r *Recorder) { r.publish = fn }
}

// NewRecorder creates a Recorder. The sequence resumes after the highest
// record already in the store.
func NewRecorder(ctx context.Context, store directory.Store, opts ...Option) (*Recorder, error) {
	r := &Recorder{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	count, err := store.Audit(ctx).Count(ctx)
	if err != nil {
		return nil, err
	}
	r.seq = uint64(count)
	return r, nil
}

// Record appends one record. A store failure here is surfaced to the
// caller; the dispatcher treats it as fatal for the request rather than
// proceeding unaudited.
func (r *Recorder) Record(ctx context.Context, e Entry) (*directory.AuditRecord, error) {
	if strings.TrimSpace(e.Operation) == "" {
		return nil, errors.New("audit: operation is required")
	}
	switch e.Outcome {
	case OutcomeAllowed, OutcomeDenied, OutcomeFailed:
	default:
		return nil, errors.New("audit: unknown outcome " + e.Outcome)
	}

	r.mu.Lock()
	r.seq++
	rec := &directory.AuditRecord{
		Sequence:   r.seq,
		OccurredAt: r.now(),
		ActorID:    e.ActorID,
		Operation:  e.Operation,
		Target:     e.Target,
		Outcome:    e.Outcome,
		Reason:     e.Reason,
		Origin:     e.Origin,
		Metadata:   e.Metadata,
	}
	err := r.store.Audit(ctx).Append(ctx, rec)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	r.log(ctx, rec)
	if r.publish != nil {
		r.publish(rec)
	}
	return rec, nil
}

// List returns records matching the filter.
func (r *Recorder) List(ctx context.Context, f directory.AuditFilter) ([]*directory.AuditRecord, error) {
	return r.store.Audit(ctx).List(ctx, f)
}

func (r *Recorder) log(ctx context.Context, rec *directory.AuditRecord) {
	entry := map[string]any{
		"ts":        rec.OccurredAt.Format(time.RFC3339Nano),
		"type":      "audit",
		"sequence":  rec.Sequence,
		"operation": rec.Operation,
		"outcome":   rec.Outcome,
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if rec.ActorID != "" {
		entry["actor_id"] = rec.ActorID
	}
	if rec.Target != "" {
		entry["target"] = rec.Target
	}
	if rec.Reason != "" {
		entry["reason"] = rec.Reason
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	obs.Logger().Println(string(data))
}
