// Package quota gates resource-creating operations against an
// organization's billing plan. Reservations are taken before the
// operation runs and either committed or released afterwards, so two
// concurrent requests can never jointly exceed a ceiling.
package quota

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"adminplane.org/internal/directory"
	"adminplane.org/internal/obs"
)

var (
	// ErrQuotaExceeded means the plan ceiling leaves no room for the
	// requested amount.
	ErrQuotaExceeded = errors.New("quota: limit exceeded")
)

const lockStripes = 128

// Enforcer performs the read-check-increment for one store. The striped
// mutex serializes same-key reservations in-process; the store-level
// compare-and-swap keeps the counter correct across processes.
type Enforcer struct {
	store directory.Store
	locks [lockStripes]sync.Mutex
}

// NewEnforcer creates an Enforcer over the store.
func NewEnforcer(store directory.Store) *Enforcer {
	return &Enforcer{store: store}
}

func (e *Enforcer) stripe(orgID, dimension string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(orgID))
	h.Write([]byte{0})
	h.Write([]byte(dimension))
	return &e.locks[h.Sum32()%lockStripes]
}

// Reservation is a held quota increment. It must be resolved exactly
// once: Commit keeps the increment, Release returns it.
type Reservation struct {
	enforcer  *Enforcer
	OrgID     string
	Dimension string
	Amount    int64
	done      bool
	mu        sync.Mutex
}

// Reserve atomically checks current usage against the organization's
// plan ceiling and increments the counter by amount. On ErrQuotaExceeded
// the counter is untouched.
func (e *Enforcer) Reserve(ctx context.Context, orgID, dimension string, amount int64) (*Reservation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("quota: amount must be positive, got %d", amount)
	}
	org, err := e.store.Organizations(ctx).Find(ctx, orgID)
	if err != nil {
		return nil, err
	}
	plan, err := e.store.Plans(ctx).Find(ctx, org.PlanID)
	if err != nil {
		return nil, err
	}
	limit := plan.Limit(dimension)

	mu := e.stripe(orgID, dimension)
	mu.Lock()
	defer mu.Unlock()

	for {
		current, err := e.store.Organizations(ctx).UsageValue(ctx, orgID, dimension)
		if err != nil {
			return nil, err
		}
		if limit != directory.Unlimited && current+amount > limit {
			obs.CountQuotaDenial(dimension)
			return nil, ErrQuotaExceeded
		}
		swapped, err := e.store.Organizations(ctx).CompareAndSwapUsage(ctx, orgID, dimension, current, current+amount)
		if err != nil {
			return nil, err
		}
		if swapped {
			return &Reservation{enforcer: e, OrgID: orgID, Dimension: dimension, Amount: amount}, nil
		}
		// Lost the swap to another process; re-read and retry.
	}
}

// Commit keeps the reserved increment. Safe to call once per reservation.
func (r *Reservation) Commit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
}

// Release returns the reserved increment to the pool. A no-op after
// Commit or a previous Release.
func (r *Reservation) Release(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	r.done = true

	e := r.enforcer
	mu := e.stripe(r.OrgID, r.Dimension)
	mu.Lock()
	defer mu.Unlock()
	for {
		current, err := e.store.Organizations(ctx).UsageValue(ctx, r.OrgID, r.Dimension)
		if err != nil {
			return err
		}
		next := current - r.Amount
		if next < 0 {
			next = 0
		}
		swapped, err := e.store.Organizations(ctx).CompareAndSwapUsage(ctx, r.OrgID, r.Dimension, current, next)
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}
}

// Dimension maps a resource-creating operation to the counter it
// consumes. The second return is false for operations that are not
// quota-tracked.
func Dimension(operation string) (string, bool) {
	switch operation {
	case "user.create", "user.invite":
		return directory.DimensionUsers, true
	default:
		return "", false
	}
}
