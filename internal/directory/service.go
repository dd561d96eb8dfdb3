package directory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"adminplane.org/internal/ids"
)

// InviteTTL is how long a user invitation stays redeemable.
const InviteTTL = 7 * 24 * time.Hour

// SessionRevoker invalidates live sessions when an actor's credentials or
// status change out from under them.
type SessionRevoker interface {
	RevokeAllForActor(ctx context.Context, actorID string) error
}

type noopRevoker struct{}

func (noopRevoker) RevokeAllForActor(context.Context, string) error { return nil }

// Service implements the actor and organization lifecycle operations.
type Service struct {
	store    Store
	sessions SessionRevoker
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSessionRevoker wires session invalidation for password changes,
// suspensions and deletions.
func WithSessionRevoker(r SessionRevoker) Option {
	return func(s *Service) { s.sessions = r }
}

// NewService creates a Service over the given store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		sessions: noopRevoker{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateAdminInput carries the fields for a new platform admin.
type CreateAdminInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Role      string
	// OrganizationID scopes non-system roles to one tenant.
	OrganizationID string
	CreatedBy      string
}

// CreateAdmin provisions a platform admin account.
func (s *Service) CreateAdmin(ctx context.Context, in CreateAdminInput) (*Actor, error) {
	email := normalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}
	if !ValidAdminRole(in.Role) {
		return nil, fmt.Errorf("%w: unknown admin role %q", ErrInvalidInput, in.Role)
	}
	if in.Role != RoleSuperAdmin && in.OrganizationID != "" {
		if _, err := s.store.Organizations(ctx).Find(ctx, in.OrganizationID); err != nil {
			return nil, err
		}
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	now := s.now()
	a := &Actor{
		ID:             ids.New(),
		Kind:           KindAdmin,
		Email:          email,
		FirstName:      in.FirstName,
		LastName:       in.LastName,
		Role:           in.Role,
		OrganizationID: in.OrganizationID,
		Status:         StatusActive,
		PasswordHash:   hash,
		CreatedAt:      now,
		UpdatedAt:      now,
		CreatedBy:      in.CreatedBy,
	}
	if err := s.store.Actors(ctx).Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateAdminInput carries a partial admin update. Nil pointers leave the
// field unchanged.
type UpdateAdminInput struct {
	FirstName *string
	LastName  *string
	Role      *string
	Password  *string
	Status    *string
}

// UpdateAdmin applies a partial update. A password change revokes every
// live session for the admin.
func (s *Service) UpdateAdmin(ctx context.Context, id string, in UpdateAdminInput) (*Actor, error) {
	a, err := s.store.Actors(ctx).Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Kind != KindAdmin || a.Status == StatusDeleted {
		return nil, ErrNotFound
	}
	if in.FirstName != nil {
		a.FirstName = *in.FirstName
	}
	if in.LastName != nil {
		a.LastName = *in.LastName
	}
	if in.Role != nil {
		if !ValidAdminRole(*in.Role) {
			return nil, fmt.Errorf("%w: unknown admin role %q", ErrInvalidInput, *in.Role)
		}
		a.Role = *in.Role
	}
	if in.Status != nil {
		if *in.Status != StatusActive && *in.Status != StatusSuspended {
			return nil, fmt.Errorf("%w: admin status must be active or suspended", ErrInvalidInput)
		}
		a.Status = *in.Status
	}
	revoke := false
	if in.Password != nil {
		hash, err := HashPassword(*in.Password)
		if err != nil {
			return nil, err
		}
		a.PasswordHash = hash
		a.FailedAttempts = 0
		a.LockedUntil = time.Time{}
		revoke = true
	}
	if in.Status != nil && *in.Status == StatusSuspended {
		revoke = true
	}
	a.UpdatedAt = s.now()
	if err := s.store.Actors(ctx).Update(ctx, a); err != nil {
		return nil, err
	}
	if revoke {
		if err := s.sessions.RevokeAllForActor(ctx, a.ID); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// DeleteAdmin soft-deletes an admin and revokes its sessions. An admin
// cannot delete itself.
func (s *Service) DeleteAdmin(ctx context.Context, id, requestedBy string) error {
	if id == requestedBy {
		return fmt.Errorf("%w: cannot delete own account", ErrInvalidInput)
	}
	a, err := s.store.Actors(ctx).Find(ctx, id)
	if err != nil {
		return err
	}
	if a.Kind != KindAdmin || a.Status == StatusDeleted {
		return ErrNotFound
	}
	a.Status = StatusDeleted
	a.UpdatedAt = s.now()
	if err := s.store.Actors(ctx).Update(ctx, a); err != nil {
		return err
	}
	return s.sessions.RevokeAllForActor(ctx, a.ID)
}

// GetAdmin returns one admin by id.
func (s *Service) GetAdmin(ctx context.Context, id string) (*Actor, error) {
	a, err := s.store.Actors(ctx).Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Kind != KindAdmin || a.Status == StatusDeleted {
		return nil, ErrNotFound
	}
	return a, nil
}

// GetAdminByEmail returns one admin by email.
func (s *Service) GetAdminByEmail(ctx context.Context, email string) (*Actor, error) {
	a, err := s.store.Actors(ctx).FindByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, err
	}
	if a.Kind != KindAdmin {
		return nil, ErrNotFound
	}
	return a, nil
}

// ListAdmins returns admins matching the filter.
func (s *Service) ListAdmins(ctx context.Context, f ActorFilter) ([]*Actor, error) {
	f.Kind = KindAdmin
	return s.store.Actors(ctx).List(ctx, f)
}

// Bootstrap ensures the default plan catalog exists and, when email and
// password are configured, a super admin account. It is idempotent and
// safe to run on every startup.
func (s *Service) Bootstrap(ctx context.Context, email, password string) (*Actor, error) {
	if err := s.store.Plans(ctx).Ensure(ctx, DefaultPlans()); err != nil {
		return nil, err
	}
	if email == "" || password == "" {
		return nil, nil
	}
	if existing, err := s.store.Actors(ctx).FindByEmail(ctx, normalizeEmail(email)); err == nil {
		return existing, nil
	}
	return s.CreateAdmin(ctx, CreateAdminInput{
		Email:     email,
		Password:  password,
		FirstName: "Super",
		LastName:  "Admin",
		Role:      RoleSuperAdmin,
	})
}

// CreateOrganizationInput carries the fields for a new tenant.
type CreateOrganizationInput struct {
	Name   string
	PlanID string
	// OwnerEmail, when set, bootstraps the tenant's first user as an
	// invited owner. The invitation is redeemed like any other.
	OwnerEmail     string
	OwnerFirstName string
	OwnerLastName  string
	CreatedBy      string
}

// CreateOrganization provisions a tenant on the given plan, and its
// owner account when a contact email is given.
func (s *Service) CreateOrganization(ctx context.Context, in CreateOrganizationInput) (*Organization, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("%w: organization name is required", ErrInvalidInput)
	}
	planID := in.PlanID
	if planID == "" {
		planID = "free_trial"
	}
	if _, err := s.store.Plans(ctx).Find(ctx, planID); err != nil {
		return nil, fmt.Errorf("%w: unknown plan %q", ErrInvalidInput, planID)
	}
	ownerEmail := normalizeEmail(in.OwnerEmail)
	if ownerEmail != "" {
		// Checked up front so a taken address does not leave a tenant
		// behind with no owner.
		if _, err := s.store.Actors(ctx).FindByEmail(ctx, ownerEmail); err == nil {
			return nil, fmt.Errorf("%w: email %s is already in use", ErrConflict, ownerEmail)
		}
	}
	now := s.now()
	org := &Organization{
		ID:        ids.New(),
		Name:      strings.TrimSpace(in.Name),
		PlanID:    planID,
		Status:    OrgActive,
		Usage:     map[string]int64{},
		CreatedAt: now,
		UpdatedAt: now,
		CreatedBy: in.CreatedBy,
	}
	if err := s.store.Organizations(ctx).Create(ctx, org); err != nil {
		return nil, err
	}
	if ownerEmail != "" {
		if _, err := s.CreateUser(ctx, CreateUserInput{
			OrganizationID: org.ID,
			Email:          ownerEmail,
			FirstName:      in.OwnerFirstName,
			LastName:       in.OwnerLastName,
			Role:           RoleOwner,
			Invite:         true,
			CreatedBy:      in.CreatedBy,
		}); err != nil {
			return nil, err
		}
	}
	return org, nil
}

// UpdateOrganizationInput carries a partial tenant update.
type UpdateOrganizationInput struct {
	Name   *string
	PlanID *string
}

// UpdateOrganization applies a partial update. Plan changes take effect
// immediately for subsequent quota checks; existing usage is untouched.
func (s *Service) UpdateOrganization(ctx context.Context, id string, in UpdateOrganizationInput) (*Organization, error) {
	org, err := s.store.Organizations(ctx).Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if org.Status == OrgDeleted {
		return nil, ErrNotFound
	}
	if in.Name != nil {
		if strings.TrimSpace(*in.Name) == "" {
			return nil, fmt.Errorf("%w: organization name is required", ErrInvalidInput)
		}
		org.Name = strings.TrimSpace(*in.Name)
	}
	if in.PlanID != nil {
		if _, err := s.store.Plans(ctx).Find(ctx, *in.PlanID); err != nil {
			return nil, fmt.Errorf("%w: unknown plan %q", ErrInvalidInput, *in.PlanID)
		}
		org.PlanID = *in.PlanID
	}
	org.UpdatedAt = s.now()
	if err := s.store.Organizations(ctx).Update(ctx, org); err != nil {
		return nil, err
	}
	return org, nil
}

// SuspendOrganization puts a tenant in the suspended state. While suspended
// only session and admin operations are dispatchable against it. Every
// active user of the tenant is suspended too and their sessions revoked;
// reactivating the tenant does not restore them.
func (s *Service) SuspendOrganization(ctx context.Context, id, reason string) (*Organization, error) {
	org, err := s.store.Organizations(ctx).Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if org.Status == OrgDeleted {
		return nil, ErrNotFound
	}
	now := s.now()
	org.Status = OrgSuspended
	org.SuspendedReason = reason
	org.UpdatedAt = now
	if err := s.store.Organizations(ctx).Update(ctx, org); err != nil {
		return nil, err
	}
	users, err := s.store.Actors(ctx).List(ctx, ActorFilter{Kind: KindUser, OrganizationID: id})
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.Status != StatusActive {
			continue
		}
		u.Status = StatusSuspended
		u.UpdatedAt = now
		if err := s.store.Actors(ctx).Update(ctx, u); err != nil {
			return nil, err
		}
		if err := s.sessions.RevokeAllForActor(ctx, u.ID); err != nil {
			return nil, err
		}
	}
	return org, nil
}

// ReactivateOrganization returns a suspended tenant to active.
func (s *Service) ReactivateOrganization(ctx context.Context, id string) (*Organization, error) {
	org, err := s.store.Organizations(ctx).Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if org.Status == OrgDeleted {
		return nil, ErrNotFound
	}
	org.Status = OrgActive
	org.SuspendedReason = ""
	org.UpdatedAt = s.now()
	if err := s.store.Organizations(ctx).Update(ctx, org); err != nil {
		return nil, err
	}
	return org, nil
}

// DeleteOrganization marks a tenant deleted. The transition is terminal:
// a deleted tenant can never be reactivated and its users can no longer
// authenticate.
func (s *Service) DeleteOrganization(ctx context.Context, id string) error {
	org, err := s.store.Organizations(ctx).Find(ctx, id)
	if err != nil {
		return err
	}
	if org.Status == OrgDeleted {
		return ErrNotFound
	}
	org.Status = OrgDeleted
	org.UpdatedAt = s.now()
	if err := s.store.Organizations(ctx).Update(ctx, org); err != nil {
		return err
	}
	users, err := s.store.Actors(ctx).List(ctx, ActorFilter{Kind: KindUser, OrganizationID: id})
	if err != nil {
		return err
	}
	for _, u := range users {
		if err := s.sessions.RevokeAllForActor(ctx, u.ID); err != nil {
			return err
		}
	}
	return nil
}

// ListOrganizations returns every non-deleted tenant.
func (s *Service) ListOrganizations(ctx context.Context) ([]*Organization, error) {
	orgs, err := s.store.Organizations(ctx).List(ctx)
	if err != nil {
		return nil, err
	}
	res := orgs[:0]
	for _, org := range orgs {
		if org.Status != OrgDeleted {
			res = append(res, org)
		}
	}
	return res, nil
}

// GetOrganization returns one tenant by id.
func (s *Service) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	org, err := s.store.Organizations(ctx).Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if org.Status == OrgDeleted {
		return nil, ErrNotFound
	}
	return org, nil
}

// OrganizationStats summarizes one tenant's membership and quota position.
type OrganizationStats struct {
	OrganizationID string               `json:"organization_id"`
	Name           string               `json:"name"`
	PlanID         string               `json:"plan_id"`
	Status         string               `json:"status"`
	UsersByStatus  map[string]int       `json:"users_by_status"`
	Quotas         map[string]QuotaStat `json:"quotas"`
}

// QuotaStat is one dimension's usage against its plan ceiling.
type QuotaStat struct {
	Used  int64 `json:"used"`
	Limit int64 `json:"limit"`
}

// GetOrganizationStats aggregates membership counts and quota usage for
// one tenant.
func (s *Service) GetOrganizationStats(ctx context.Context, id string) (*OrganizationStats, error) {
	org, err := s.GetOrganization(ctx, id)
	if err != nil {
		return nil, err
	}
	plan, err := s.store.Plans(ctx).Find(ctx, org.PlanID)
	if err != nil {
		return nil, err
	}
	users, err := s.store.Actors(ctx).List(ctx, ActorFilter{Kind: KindUser, OrganizationID: id})
	if err != nil {
		return nil, err
	}
	stats := &OrganizationStats{
		OrganizationID: org.ID,
		Name:           org.Name,
		PlanID:         org.PlanID,
		Status:         org.Status,
		UsersByStatus:  make(map[string]int),
		Quotas:         make(map[string]QuotaStat),
	}
	for _, u := range users {
		stats.UsersByStatus[u.Status]++
	}
	for _, dim := range []string{DimensionUsers, DimensionClaimsPerMonth} {
		stats.Quotas[dim] = QuotaStat{
			Used:  org.Usage[dim],
			Limit: plan.Limit(dim),
		}
	}
	return stats, nil
}

// ListPlans returns the billing plan catalog.
func (s *Service) ListPlans(ctx context.Context) ([]*BillingPlan, error) {
	return s.store.Plans(ctx).List(ctx)
}

// CreateUserInput carries the fields for a new organization user.
type CreateUserInput struct {
	OrganizationID string
	Email          string
	Password       string
	FirstName      string
	LastName       string
	Role           string
	// Invite creates the user in the invited state with a redeemable
	// token instead of a password.
	Invite    bool
	CreatedBy string
}

// CreateUser provisions a user inside a tenant, either active with a
// password or invited with a redemption token.
func (s *Service) CreateUser(ctx context.Context, in CreateUserInput) (*Actor, error) {
	email := normalizeEmail(in.Email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if !ValidUserRole(in.Role) {
		return nil, fmt.Errorf("%w: unknown user role %q", ErrInvalidInput, in.Role)
	}
	org, err := s.store.Organizations(ctx).Find(ctx, in.OrganizationID)
	if err != nil {
		return nil, err
	}
	if org.Status == OrgDeleted {
		return nil, ErrNotFound
	}
	now := s.now()
	a := &Actor{
		ID:             ids.New(),
		Kind:           KindUser,
		Email:          email,
		FirstName:      in.FirstName,
		LastName:       in.LastName,
		Role:           in.Role,
		OrganizationID: org.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
		CreatedBy:      in.CreatedBy,
	}
	if in.Invite {
		a.Status = StatusInvited
		a.InviteToken = uuid.NewString()
		a.InviteExpiresAt = now.Add(InviteTTL)
	} else {
		if in.Password == "" {
			return nil, fmt.Errorf("%w: password is required", ErrInvalidInput)
		}
		hash, err := HashPassword(in.Password)
		if err != nil {
			return nil, err
		}
		a.Status = StatusActive
		a.PasswordHash = hash
	}
	if err := s.store.Actors(ctx).Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// RedeemInvite activates an invited user with the given password. The
// token is single-use and expires after InviteTTL.
func (s *Service) RedeemInvite(ctx context.Context, token, password string) (*Actor, error) {
	if token == "" || password == "" {
		return nil, fmt.Errorf("%w: token and password are required", ErrInvalidInput)
	}
	users, err := s.store.Actors(ctx).List(ctx, ActorFilter{Kind: KindUser})
	if err != nil {
		return nil, err
	}
	var match *Actor
	for _, u := range users {
		if u.Status == StatusInvited && u.InviteToken == token {
			match = u
			break
		}
	}
	if match == nil {
		return nil, ErrNotFound
	}
	if s.now().After(match.InviteExpiresAt) {
		return nil, fmt.Errorf("%w: invitation expired", ErrInvalidInput)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	match.Status = StatusActive
	match.PasswordHash = hash
	match.InviteToken = ""
	match.InviteExpiresAt = time.Time{}
	match.UpdatedAt = s.now()
	if err := s.store.Actors(ctx).Update(ctx, match); err != nil {
		return nil, err
	}
	return match, nil
}

// UpdateUserInput carries a partial user update.
type UpdateUserInput struct {
	FirstName *string
	LastName  *string
	Role      *string
	Status    *string
}

// UpdateUser applies a partial update to an organization user. Moving to
// suspended revokes the user's sessions.
func (s *Service) UpdateUser(ctx context.Context, orgID, id string, in UpdateUserInput) (*Actor, error) {
	a, err := s.store.Actors(ctx).Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Kind != KindUser || a.Status == StatusDeleted || a.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	if in.FirstName != nil {
		a.FirstName = *in.FirstName
	}
	if in.LastName != nil {
		a.LastName = *in.LastName
	}
	if in.Role != nil {
		if !ValidUserRole(*in.Role) {
			return nil, fmt.Errorf("%w: unknown user role %q", ErrInvalidInput, *in.Role)
		}
		a.Role = *in.Role
	}
	revoke := false
	if in.Status != nil {
		switch *in.Status {
		case StatusActive, StatusSuspended:
		default:
			return nil, fmt.Errorf("%w: user status must be active or suspended", ErrInvalidInput)
		}
		if *in.Status == StatusSuspended {
			revoke = true
		}
		a.Status = *in.Status
	}
	a.UpdatedAt = s.now()
	if err := s.store.Actors(ctx).Update(ctx, a); err != nil {
		return nil, err
	}
	if revoke {
		if err := s.sessions.RevokeAllForActor(ctx, a.ID); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// ListUsers returns a tenant's users matching the filter.
func (s *Service) ListUsers(ctx context.Context, orgID string, f ActorFilter) ([]*Actor, error) {
	f.Kind = KindUser
	f.OrganizationID = orgID
	return s.store.Actors(ctx).List(ctx, f)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
