package directory

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store with in-process concurrency safety. It is
// the default when no Postgres DSN is configured and the backbone of the
// test suite.
type MemoryStore struct {
	mu     sync.RWMutex
	actors map[string]*Actor
	orgs   map[string]*Organization
	plans  map[string]*BillingPlan
	sess   map[string]*Session
	audit  []*AuditRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actors: make(map[string]*Actor),
		orgs:   make(map[string]*Organization),
		plans:  make(map[string]*BillingPlan),
		sess:   make(map[string]*Session),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Actors(context.Context) ActorStore               { return (*memActors)(m) }
func (m *MemoryStore) Organizations(context.Context) OrganizationStore { return (*memOrgs)(m) }
func (m *MemoryStore) Plans(context.Context) PlanStore                 { return (*memPlans)(m) }
func (m *MemoryStore) Sessions(context.Context) SessionStore           { return (*memSessions)(m) }
func (m *MemoryStore) Audit(context.Context) AuditStore                { return (*memAudit)(m) }

// Actors -------------------------------------------------------------------

type memActors MemoryStore

func (s *memActors) Create(ctx context.Context, a *Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actors[a.ID]; ok {
		return ErrConflict
	}
	for _, existing := range s.actors {
		if existing.Status != StatusDeleted && strings.EqualFold(existing.Email, a.Email) {
			return ErrConflict
		}
	}
	cp := *a
	s.actors[a.ID] = &cp
	return nil
}

func (s *memActors) Find(ctx context.Context, id string) (*Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actors[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memActors) FindByEmail(ctx context.Context, email string) (*Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.actors {
		if a.Status != StatusDeleted && strings.EqualFold(a.Email, email) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memActors) Update(ctx context.Context, a *Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actors[a.ID]; !ok {
		return ErrNotFound
	}
	cp := *a
	cp.UpdatedAt = time.Now().UTC()
	s.actors[a.ID] = &cp
	return nil
}

func (s *memActors) List(ctx context.Context, f ActorFilter) ([]*Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*Actor
	for _, a := range s.actors {
		if f.Kind != "" && a.Kind != f.Kind {
			continue
		}
		if f.OrganizationID != "" && a.OrganizationID != f.OrganizationID {
			continue
		}
		if f.Role != "" && a.Role != f.Role {
			continue
		}
		if !f.IncludeDeleted && a.Status == StatusDeleted {
			continue
		}
		cp := *a
		res = append(res, &cp)
	}
	sortActors(res)
	if f.Offset > 0 {
		if f.Offset >= len(res) {
			return nil, nil
		}
		res = res[f.Offset:]
	}
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

func sortActors(res []*Actor) {
	// Stable order for pagination: creation time, then id.
	for i := 1; i < len(res); i++ {
		for j := i; j > 0; j-- {
			a, b := res[j-1], res[j]
			if a.CreatedAt.Before(b.CreatedAt) || (a.CreatedAt.Equal(b.CreatedAt) && a.ID <= b.ID) {
				break
			}
			res[j-1], res[j] = b, a
		}
	}
}

// Organizations -------------------------------------------------------------

type memOrgs MemoryStore

func (s *memOrgs) Create(ctx context.Context, org *Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[org.ID]; ok {
		return ErrConflict
	}
	cp := *org
	cp.Usage = copyUsage(org.Usage)
	s.orgs[org.ID] = &cp
	return nil
}

func (s *memOrgs) Find(ctx context.Context, id string) (*Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *org
	cp.Usage = copyUsage(org.Usage)
	return &cp, nil
}

func (s *memOrgs) Update(ctx context.Context, org *Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.orgs[org.ID]
	if !ok {
		return ErrNotFound
	}
	cp := *org
	// Usage is owned by the CAS path; a plain update never touches it.
	cp.Usage = copyUsage(current.Usage)
	cp.UpdatedAt = time.Now().UTC()
	s.orgs[org.ID] = &cp
	return nil
}

func (s *memOrgs) List(ctx context.Context) ([]*Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*Organization
	for _, org := range s.orgs {
		cp := *org
		cp.Usage = copyUsage(org.Usage)
		res = append(res, &cp)
	}
	return res, nil
}

func (s *memOrgs) UsageValue(ctx context.Context, orgID, dimension string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[orgID]
	if !ok {
		return 0, ErrNotFound
	}
	return org.Usage[dimension], nil
}

func (s *memOrgs) CompareAndSwapUsage(ctx context.Context, orgID, dimension string, old, new int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[orgID]
	if !ok {
		return false, ErrNotFound
	}
	if org.Usage == nil {
		org.Usage = make(map[string]int64)
	}
	if org.Usage[dimension] != old {
		return false, nil
	}
	org.Usage[dimension] = new
	return true, nil
}

func copyUsage(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Plans ---------------------------------------------------------------------

type memPlans MemoryStore

func (s *memPlans) Ensure(ctx context.Context, plans []*BillingPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range plans {
		if _, ok := s.plans[p.ID]; ok {
			continue
		}
		cp := *p
		cp.Limits = copyUsage(p.Limits)
		s.plans[p.ID] = &cp
	}
	return nil
}

func (s *memPlans) Find(ctx context.Context, id string) (*BillingPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	cp.Limits = copyUsage(p.Limits)
	return &cp, nil
}

func (s *memPlans) List(ctx context.Context) ([]*BillingPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*BillingPlan
	for _, p := range s.plans {
		cp := *p
		cp.Limits = copyUsage(p.Limits)
		res = append(res, &cp)
	}
	return res, nil
}

// Sessions ------------------------------------------------------------------

type memSessions MemoryStore

func (s *memSessions) Create(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sess[sess.ID]; ok {
		return ErrConflict
	}
	cp := *sess
	s.sess[sess.ID] = &cp
	return nil
}

func (s *memSessions) Find(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sess[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *memSessions) Revoke(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sess[id]; ok {
		sess.Revoked = true
	}
	return nil
}

func (s *memSessions) RevokeAllForActor(ctx context.Context, actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sess {
		if sess.ActorID == actorID {
			sess.Revoked = true
		}
	}
	return nil
}

// Audit ---------------------------------------------------------------------

type memAudit MemoryStore

func (s *memAudit) Append(ctx context.Context, rec *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	if len(rec.Metadata) > 0 {
		cp.Metadata = make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			cp.Metadata[k] = v
		}
	}
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *memAudit) List(ctx context.Context, f AuditFilter) ([]*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*AuditRecord
	for _, rec := range s.audit {
		if f.ActorID != "" && rec.ActorID != f.ActorID {
			continue
		}
		if f.Target != "" && rec.Target != f.Target {
			continue
		}
		if f.Operation != "" && rec.Operation != f.Operation {
			continue
		}
		cp := *rec
		res = append(res, &cp)
		if f.Limit > 0 && len(res) >= f.Limit {
			break
		}
	}
	return res, nil
}

func (s *memAudit) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.audit)), nil
}
