package directory

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("directory: not found")
	ErrConflict     = errors.New("directory: already exists")
	ErrInvalidInput = errors.New("directory: invalid input")
)

// ActorKind distinguishes platform admins from organization users.
type ActorKind string

const (
	KindAdmin ActorKind = "admin"
	KindUser  ActorKind = "user"
)

// Platform admin roles. Only super_admin has an unconditional scope pass.
const (
	RoleSuperAdmin    = "super_admin"
	RoleOrgAdmin      = "org_admin"
	RoleBillingAdmin  = "billing_admin"
	RoleClinicalAdmin = "clinical_admin"
	RoleSupportAdmin  = "support_admin"
)

// Organization user roles.
const (
	RoleOwner    = "owner"
	RoleAdmin    = "admin"
	RoleBiller   = "biller"
	RoleProvider = "provider"
	RoleStaff    = "staff"
)

// Actor lifecycle statuses. Admins move between active and suspended;
// users additionally start as invited. Deleted is terminal for both.
const (
	StatusInvited   = "invited"
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusDeleted   = "deleted"
)

// Actor is an authenticated identity: a platform admin or an organization
// user. OrganizationID is empty for admins with system-wide scope.
type Actor struct {
	ID             string    `json:"id"`
	Kind           ActorKind `json:"kind"`
	Email          string    `json:"email"`
	FirstName      string    `json:"first_name,omitempty"`
	LastName       string    `json:"last_name,omitempty"`
	Role           string    `json:"role"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Status         string    `json:"status"`
	PasswordHash   string    `json:"-"`

	FailedAttempts int       `json:"failed_attempts,omitempty"`
	LockedUntil    time.Time `json:"locked_until,omitempty"`
	LastLoginAt    time.Time `json:"last_login_at,omitempty"`

	InviteToken     string    `json:"-"`
	InviteExpiresAt time.Time `json:"invite_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedBy string    `json:"created_by,omitempty"`
}

// Locked reports whether the actor is in the lockout window at the given time.
func (a *Actor) Locked(now time.Time) bool {
	return !a.LockedUntil.IsZero() && a.LockedUntil.After(now)
}

// Organization statuses. suspended is reversible, deleted is terminal.
const (
	OrgActive    = "active"
	OrgSuspended = "suspended"
	OrgDeleted   = "deleted"
)

// Organization is a tenant. Usage holds the current counter per quota
// dimension; it is mutated only through the store's compare-and-swap.
type Organization struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	PlanID          string           `json:"plan_id"`
	Status          string           `json:"status"`
	Usage           map[string]int64 `json:"usage"`
	SuspendedReason string           `json:"suspended_reason,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	CreatedBy       string           `json:"created_by,omitempty"`
}

// Quota dimensions tracked per organization.
const (
	DimensionUsers          = "users"
	DimensionClaimsPerMonth = "claims_per_month"
)

// Unlimited marks a plan dimension without a ceiling.
const Unlimited int64 = -1

// BillingPlan maps quota dimensions to integer ceilings.
type BillingPlan struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Limits map[string]int64 `json:"limits"`
}

// Limit returns the ceiling for a dimension, Unlimited when the plan does
// not bound it.
func (p *BillingPlan) Limit(dimension string) int64 {
	if p == nil || p.Limits == nil {
		return Unlimited
	}
	v, ok := p.Limits[dimension]
	if !ok {
		return Unlimited
	}
	return v
}

// DefaultPlans returns the built-in plan catalog.
func DefaultPlans() []*BillingPlan {
	return []*BillingPlan{
		{ID: "free_trial", Name: "Free Trial", Limits: map[string]int64{
			DimensionUsers:          10,
			DimensionClaimsPerMonth: 500,
		}},
		{ID: "basic", Name: "Basic", Limits: map[string]int64{
			DimensionUsers:          25,
			DimensionClaimsPerMonth: 1000,
		}},
		{ID: "professional", Name: "Professional", Limits: map[string]int64{
			DimensionUsers:          100,
			DimensionClaimsPerMonth: 5000,
		}},
		{ID: "enterprise", Name: "Enterprise", Limits: map[string]int64{
			DimensionUsers:          Unlimited,
			DimensionClaimsPerMonth: Unlimited,
		}},
		{ID: "custom", Name: "Custom", Limits: map[string]int64{
			DimensionUsers:          Unlimited,
			DimensionClaimsPerMonth: Unlimited,
		}},
	}
}

// Session is issued on successful authentication and never mutated except
// for revocation.
type Session struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
	Origin    string    `json:"origin,omitempty"`
}

// AuditRecord is an immutable, append-only record of one dispatched
// operation. Sequence is assigned by the recorder and totally orders
// records within a process.
type AuditRecord struct {
	Sequence   uint64            `json:"sequence"`
	OccurredAt time.Time         `json:"occurred_at"`
	ActorID    string            `json:"actor_id,omitempty"`
	Operation  string            `json:"operation"`
	Target     string            `json:"target,omitempty"`
	Outcome    string            `json:"outcome"`
	Reason     string            `json:"reason,omitempty"`
	Origin     string            `json:"origin,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// AdminRoles lists the valid platform admin roles.
func AdminRoles() []string {
	return []string{RoleSuperAdmin, RoleOrgAdmin, RoleBillingAdmin, RoleClinicalAdmin, RoleSupportAdmin}
}

// UserRoles lists the valid organization user roles.
func UserRoles() []string {
	return []string{RoleOwner, RoleAdmin, RoleBiller, RoleProvider, RoleStaff}
}

// ValidAdminRole reports whether role is a known admin role.
func ValidAdminRole(role string) bool {
	for _, r := range AdminRoles() {
		if r == role {
			return true
		}
	}
	return false
}

// ValidUserRole reports whether role is a known organization user role.
func ValidUserRole(role string) bool {
	for _, r := range UserRoles() {
		if r == role {
			return true
		}
	}
	return false
}
