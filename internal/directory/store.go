package directory

import "context"

// Store describes the persistence operations the control plane requires.
// Implementations: the in-memory store in this package and the Postgres
// store in internal/store/pg.
type Store interface {
	Actors(ctx context.Context) ActorStore
	Organizations(ctx context.Context) OrganizationStore
	Plans(ctx context.Context) PlanStore
	Sessions(ctx context.Context) SessionStore
	Audit(ctx context.Context) AuditStore
}

// ActorFilter narrows List results.
type ActorFilter struct {
	Kind           ActorKind
	OrganizationID string
	Role           string
	// IncludeDeleted keeps soft-deleted actors in the result.
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// ActorStore manages admins and organization users.
type ActorStore interface {
	Create(ctx context.Context, a *Actor) error
	Find(ctx context.Context, id string) (*Actor, error)
	FindByEmail(ctx context.Context, email string) (*Actor, error)
	Update(ctx context.Context, a *Actor) error
	List(ctx context.Context, f ActorFilter) ([]*Actor, error)
}

// OrganizationStore manages tenants and their usage counters.
type OrganizationStore interface {
	Create(ctx context.Context, org *Organization) error
	Find(ctx context.Context, id string) (*Organization, error)
	Update(ctx context.Context, org *Organization) error
	List(ctx context.Context) ([]*Organization, error)

	// UsageValue reads the current counter for one quota dimension.
	UsageValue(ctx context.Context, orgID, dimension string) (int64, error)
	// CompareAndSwapUsage atomically replaces the counter when it still
	// equals old. It reports false without error on a lost race.
	CompareAndSwapUsage(ctx context.Context, orgID, dimension string, old, new int64) (bool, error)
}

// PlanStore manages the billing plan catalog.
type PlanStore interface {
	Ensure(ctx context.Context, plans []*BillingPlan) error
	Find(ctx context.Context, id string) (*BillingPlan, error)
	List(ctx context.Context) ([]*BillingPlan, error)
}

// SessionStore manages issued sessions.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (*Session, error)
	// Revoke marks the session revoked; unknown ids are a no-op.
	Revoke(ctx context.Context, id string) error
	RevokeAllForActor(ctx context.Context, actorID string) error
}

// AuditFilter narrows audit listings.
type AuditFilter struct {
	ActorID   string
	Target    string
	Operation string
	Limit     int
}

// AuditStore appends immutable records. There is no update or delete.
type AuditStore interface {
	Append(ctx context.Context, rec *AuditRecord) error
	List(ctx context.Context, f AuditFilter) ([]*AuditRecord, error)
	Count(ctx context.Context) (int64, error)
}
