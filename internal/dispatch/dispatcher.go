// Package dispatch is the entry point for every administrative
// operation. It authenticates the caller, authorizes the request,
// gates quota-tracked mutations, invokes the handler and writes exactly
// one audit record per request, whatever the outcome.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"adminplane.org/internal/audit"
	"adminplane.org/internal/authz"
	"adminplane.org/internal/directory"
	"adminplane.org/internal/obs"
	"adminplane.org/internal/quota"
	"adminplane.org/internal/session"
)

const (
	defaultTimeout = 5 * time.Second
	defaultIdemTTL = 10 * time.Minute
)

// Call is the per-request state threaded through the pipeline and into
// the operation handler.
type Call struct {
	Env      *Envelope
	Identity *session.Identity

	// ActorID is the authenticated actor, or whoever a public
	// operation (login) resolves.
	ActorID string

	// OrganizationID is the tenant the request targets, resolved by the
	// operation's Bind step. Empty means the platform itself.
	OrganizationID string
	// Target names the affected entity for the audit trail.
	Target string

	reservation *quota.Reservation
}

// Bind strictly decodes the envelope params into v.
func (c *Call) Bind(v any) error {
	if len(c.Env.Params) == 0 {
		return fmt.Errorf("params are required")
	}
	dec := json.NewDecoder(bytes.NewReader(c.Env.Params))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

// Operation describes one dispatchable operation.
type Operation struct {
	Name string
	// Public operations skip token authentication (login, invite
	// redemption).
	Public bool
	// ReadOnly operations stay dispatchable against suspended tenants
	// and are never cached for idempotent replay.
	ReadOnly bool
	// Bind decodes params and resolves OrganizationID and Target. May
	// be nil for parameterless operations.
	Bind    func(c *Call) error
	Handler func(ctx context.Context, c *Call) (any, error)
}

// Dispatcher orchestrates the request pipeline.
type Dispatcher struct {
	sessions *session.Manager
	quotas   *quota.Enforcer
	recorder *audit.Recorder
	store    directory.Store

	timeout time.Duration
	idemTTL time.Duration
	now     func() time.Time

	ops map[string]*Operation

	idemMu sync.Mutex
	idem   map[string]idemEntry
}

type idemEntry struct {
	response Response
	expires  time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout bounds the handler execution time per request.
func WithTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

// WithIdempotencyTTL sets the replay retention window.
func WithIdempotencyTTL(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.idemTTL = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(dp *Dispatcher) { dp.now = now }
}

// New constructs a Dispatcher. Operations are added with Register.
func New(store directory.Store, sessions *session.Manager, quotas *quota.Enforcer, recorder *audit.Recorder, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sessions: sessions,
		quotas:   quotas,
		recorder: recorder,
		store:    store,
		timeout:  defaultTimeout,
		idemTTL:  defaultIdemTTL,
		now:      func() time.Time { return time.Now().UTC() },
		ops:      make(map[string]*Operation),
		idem:     make(map[string]idemEntry),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds an operation. Registering the same name twice panics;
// routing is wired once at startup.
func (d *Dispatcher) Register(op *Operation) {
	if _, ok := d.ops[op.Name]; ok {
		panic("dispatch: duplicate operation " + op.Name)
	}
	d.ops[op.Name] = op
}

// Dispatch runs one envelope through the pipeline and returns the
// response. Every call writes exactly one audit record.
func (d *Dispatcher) Dispatch(ctx context.Context, env *Envelope) *Response {
	started := d.now()
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	c := &Call{Env: env}
	res := d.run(ctx, c)

	// The audit write must survive a request deadline that expired in
	// the handler.
	actx := context.WithoutCancel(ctx)

	meta := map[string]string{}
	if env.IdempotencyKey != "" {
		meta["idempotency_key"] = env.IdempotencyKey
	}
	if res.Replayed {
		meta["replay"] = "true"
	}
	if len(meta) == 0 {
		meta = nil
	}
	target := c.Target
	if target == "" {
		target = c.OrganizationID
	}
	_, auditErr := d.recorder.Record(actx, audit.Entry{
		ActorID:   c.ActorID,
		Operation: env.Operation,
		Target:    target,
		Outcome:   res.Outcome,
		Reason:    res.Reason,
		Origin:    env.Origin,
		Metadata:  meta,
	})
	if auditErr != nil {
		// An unaudited effect must not stand. The reservation is the
		// only effect taken before commit; give it back and fail.
		if c.reservation != nil {
			_ = c.reservation.Release(actx)
		}
		res = &Response{Outcome: OutcomeFailed, Reason: ReasonStoreUnavailable, Error: "audit store unavailable"}
	} else if c.reservation != nil {
		if res.Allowed() {
			c.reservation.Commit()
		} else {
			_ = c.reservation.Release(actx)
		}
	}

	if auditErr == nil && env.IdempotencyKey != "" && !res.Replayed && c.ActorID != "" {
		if op, ok := d.ops[env.Operation]; ok && !op.ReadOnly && !op.Public {
			d.remember(c, res)
		}
	}

	obs.ObserveDispatch(env.Operation, res.Outcome, d.now().Sub(started))
	return res
}

// rejectOperation names audit records for requests that never decoded
// into an envelope.
const rejectOperation = "envelope.reject"

// Reject audits a request that could not be decoded into an envelope
// and returns the failed response for it. The actor is resolved from
// the bearer token when one was presented and still validates.
func (d *Dispatcher) Reject(ctx context.Context, token, origin, detail string) *Response {
	res := failed(ReasonBadRequest, detail)

	var actorID string
	if token != "" && d.sessions != nil {
		if identity, err := d.sessions.ValidateToken(ctx, token); err == nil {
			actorID = identity.Actor.ID
		}
	}
	_, err := d.recorder.Record(context.WithoutCancel(ctx), audit.Entry{
		ActorID:   actorID,
		Operation: rejectOperation,
		Outcome:   res.Outcome,
		Reason:    res.Reason,
		Origin:    origin,
	})
	if err != nil {
		return &Response{Outcome: OutcomeFailed, Reason: ReasonStoreUnavailable, Error: "audit store unavailable"}
	}
	obs.ObserveDispatch(rejectOperation, res.Outcome, 0)
	return res
}

func (d *Dispatcher) run(ctx context.Context, c *Call) *Response {
	env := c.Env
	op, ok := d.ops[env.Operation]
	if !ok {
		return failed(ReasonBadRequest, fmt.Sprintf("unknown operation %q", env.Operation))
	}

	if !op.Public {
		identity, err := d.sessions.ValidateToken(ctx, env.Token)
		if err != nil {
			if ctx.Err() != nil {
				return failed(ReasonTimeout, "operation deadline exceeded")
			}
			return denied(authReason(err), err.Error())
		}
		c.Identity = identity
		c.ActorID = identity.Actor.ID
	}

	if op.Bind != nil {
		if err := op.Bind(c); err != nil {
			return failed(ReasonBadRequest, err.Error())
		}
	}

	if !op.Public {
		err := authz.Authorize(c.Identity.Actor, authz.Request{
			Operation:      op.Name,
			OrganizationID: c.OrganizationID,
		})
		switch {
		case errors.Is(err, authz.ErrOutOfScope):
			return denied(ReasonOutOfScope, "target is outside the caller's scope")
		case errors.Is(err, authz.ErrCapabilityMissing):
			return denied(ReasonCapabilityMissing, "role does not grant "+op.Name)
		case err != nil:
			return failed(ReasonStoreUnavailable, err.Error())
		}
	}

	// Redelivered requests replay their original response instead of
	// re-running the handler. The cache is consulted only after the
	// caller has been authenticated and authorized, so a key seen from
	// one tenant never serves another tenant's response.
	if replay, ok := d.replay(c); ok {
		return replay
	}

	if c.OrganizationID != "" {
		if res := d.gateSuspended(ctx, op, c.OrganizationID); res != nil {
			return res
		}
	}

	if dim, tracked := quota.Dimension(op.Name); tracked && c.OrganizationID != "" {
		r, err := d.quotas.Reserve(ctx, c.OrganizationID, dim, 1)
		switch {
		case errors.Is(err, quota.ErrQuotaExceeded):
			return denied(ReasonQuotaExceeded, "plan limit reached for "+dim)
		case errors.Is(err, directory.ErrNotFound):
			return failed(ReasonBadRequest, "organization not found")
		case err != nil:
			if ctx.Err() != nil {
				return failed(ReasonTimeout, "operation deadline exceeded")
			}
			return failed(ReasonStoreUnavailable, err.Error())
		}
		c.reservation = r
	}

	result, err := op.Handler(ctx, c)
	if err != nil {
		if ctx.Err() != nil {
			return failed(ReasonTimeout, "operation deadline exceeded")
		}
		return handlerFailure(err)
	}
	return &Response{Outcome: OutcomeAllowed, Result: result}
}

// gateSuspended rejects operations against suspended tenants. Only
// reactivation and read-only reporting pass through.
func (d *Dispatcher) gateSuspended(ctx context.Context, op *Operation, orgID string) *Response {
	org, err := d.store.Organizations(ctx).Find(ctx, orgID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return failed(ReasonBadRequest, "organization not found")
		}
		return failed(ReasonStoreUnavailable, err.Error())
	}
	switch org.Status {
	case directory.OrgDeleted:
		return failed(ReasonBadRequest, "organization not found")
	case directory.OrgSuspended:
		if op.Name != "organization.reactivate" && !op.ReadOnly {
			return denied(ReasonOrganizationSuspended, "organization is suspended")
		}
	}
	return nil
}

// replayKey scopes an idempotency key to the caller's tenant, so the
// same key presented by two organizations names two distinct requests.
// Platform actors have no tenant and scope by actor instead.
func replayKey(c *Call) string {
	scope := c.ActorID
	if c.Identity != nil && c.Identity.Actor.OrganizationID != "" {
		scope = c.Identity.Actor.OrganizationID
	}
	return c.Env.Operation + "\x00" + scope + "\x00" + c.Env.IdempotencyKey
}

func (d *Dispatcher) replay(c *Call) (*Response, bool) {
	if c.Env.IdempotencyKey == "" {
		return nil, false
	}
	key := replayKey(c)
	d.idemMu.Lock()
	defer d.idemMu.Unlock()
	entry, ok := d.idem[key]
	if !ok {
		return nil, false
	}
	if d.now().After(entry.expires) {
		delete(d.idem, key)
		return nil, false
	}
	res := entry.response
	res.Replayed = true
	return &res, true
}

func (d *Dispatcher) remember(c *Call, res *Response) {
	key := replayKey(c)
	d.idemMu.Lock()
	defer d.idemMu.Unlock()
	now := d.now()
	for k, e := range d.idem {
		if now.After(e.expires) {
			delete(d.idem, k)
		}
	}
	d.idem[key] = idemEntry{response: *res, expires: now.Add(d.idemTTL)}
}

func authReason(err error) string {
	switch {
	case errors.Is(err, session.ErrTokenExpired):
		return ReasonTokenExpired
	case errors.Is(err, session.ErrTokenRevoked):
		return ReasonTokenRevoked
	default:
		return ReasonTokenInvalid
	}
}

func handlerFailure(err error) *Response {
	switch {
	case errors.Is(err, session.ErrInvalidCredential):
		return denied(ReasonInvalidCredential, "invalid credentials")
	case errors.Is(err, session.ErrAccountLocked):
		return denied(ReasonAccountLocked, "account locked")
	case errors.Is(err, directory.ErrInvalidInput), errors.Is(err, directory.ErrConflict):
		return failed(ReasonBadRequest, err.Error())
	case errors.Is(err, directory.ErrNotFound):
		return failed(ReasonBadRequest, "not found")
	default:
		return failed(ReasonStoreUnavailable, err.Error())
	}
}

func denied(reason, msg string) *Response {
	return &Response{Outcome: OutcomeDenied, Reason: reason, Error: msg}
}

func failed(reason, msg string) *Response {
	return &Response{Outcome: OutcomeFailed, Reason: reason, Error: msg}
}
