package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"adminplane.org/internal/directory"
	"adminplane.org/internal/obs"
)

func newRecorder(t *testing.T, store directory.Store, opts ...Option) *Recorder {
	t.Helper()
	r, err := NewRecorder(context.Background(), store, opts...)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	return r
}

func TestRecordAssignsSequence(t *testing.T) {
	store := directory.NewMemoryStore()
	r := newRecorder(t, store)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		rec, err := r.Record(ctx, Entry{
			ActorID:   "actor-1",
			Operation: "user.create",
			Target:    "user-9",
			Outcome:   OutcomeAllowed,
		})
		if err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
		if rec.Sequence != uint64(i) {
			t.Fatalf("sequence = %d, want %d", rec.Sequence, i)
		}
	}

	records, err := r.List(ctx, directory.AuditFilter{ActorID: "actor-1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].Sequence <= records[i-1].Sequence {
			t.Fatalf("records out of order: %d then %d", records[i-1].Sequence, records[i].Sequence)
		}
	}
}

func TestRecordRejectsUnknownOutcome(t *testing.T) {
	r := newRecorder(t, directory.NewMemoryStore())
	if _, err := r.Record(context.Background(), Entry{Operation: "user.create", Outcome: "maybe"}); err == nil {
		t.Fatal("expected an error for unknown outcome")
	}
	if _, err := r.Record(context.Background(), Entry{Outcome: OutcomeAllowed}); err == nil {
		t.Fatal("expected an error for empty operation")
	}
}

func TestSequenceResumesAfterRestart(t *testing.T) {
	store := directory.NewMemoryStore()
	first := newRecorder(t, store)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := first.Record(ctx, Entry{Operation: "auth.login", Outcome: OutcomeAllowed}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	second := newRecorder(t, store)
	rec, err := second.Record(ctx, Entry{Operation: "auth.login", Outcome: OutcomeAllowed})
	if err != nil {
		t.Fatalf("Record after restart: %v", err)
	}
	if rec.Sequence != 6 {
		t.Fatalf("sequence = %d, want 6", rec.Sequence)
	}
}

func TestConcurrentRecordsKeepDistinctSequences(t *testing.T) {
	store := directory.NewMemoryStore()
	r := newRecorder(t, store)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Record(ctx, Entry{Operation: "user.create", Outcome: OutcomeDenied, Reason: "QuotaExceeded"}); err != nil {
				t.Errorf("Record: %v", err)
			}
		}()
	}
	wg.Wait()

	records, err := r.List(ctx, directory.AuditFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != n {
		t.Fatalf("got %d records, want %d", len(records), n)
	}
	seen := make(map[uint64]bool, n)
	for _, rec := range records {
		if seen[rec.Sequence] {
			t.Fatalf("duplicate sequence %d", rec.Sequence)
		}
		seen[rec.Sequence] = true
	}
}

func TestRecordMirrorsLogLine(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	r := newRecorder(t, directory.NewMemoryStore(), WithClock(func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}))
	ctx := WithRequestID(context.Background(), "req-77")
	if _, err := r.Record(ctx, Entry{
		ActorID:   "actor-1",
		Operation: "organization.suspend",
		Target:    "org-2",
		Outcome:   OutcomeAllowed,
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["operation"] != "organization.suspend" {
		t.Fatalf("unexpected operation: %v", entry["operation"])
	}
	if entry["request_id"] != "req-77" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
}

func TestPublisherSeesEveryRecord(t *testing.T) {
	var published []*directory.AuditRecord
	r := newRecorder(t, directory.NewMemoryStore(), WithPublisher(func(rec *directory.AuditRecord) {
		published = append(published, rec)
	}))
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := r.Record(ctx, Entry{Operation: "user.create", Outcome: OutcomeAllowed}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if len(published) != 4 {
		t.Fatalf("published %d records, want 4", len(published))
	}
}
