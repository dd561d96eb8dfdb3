package dispatch

import "encoding/json"

// Envelope is an inbound operation request.
type Envelope struct {
	Operation string `json:"operation"`
	// Token authenticates the caller. Public operations such as
	// auth.login leave it empty.
	Token string `json:"token,omitempty"`
	// IdempotencyKey deduplicates redelivered mutating requests.
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Origin         string          `json:"origin,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
}

// Outcomes of a dispatched operation, mirrored into the audit trail.
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
	OutcomeFailed  = "failed"
)

// Reason codes attached to denied and failed outcomes.
const (
	ReasonInvalidCredential     = "InvalidCredential"
	ReasonAccountLocked         = "AccountLocked"
	ReasonTokenExpired          = "TokenExpired"
	ReasonTokenRevoked          = "TokenRevoked"
	ReasonTokenInvalid          = "TokenInvalid"
	ReasonCapabilityMissing     = "CapabilityMissing"
	ReasonOutOfScope            = "OutOfScope"
	ReasonQuotaExceeded         = "QuotaExceeded"
	ReasonOrganizationSuspended = "OrganizationSuspended"
	ReasonBadRequest            = "BadRequest"
	ReasonTimeout               = "Timeout"
	ReasonStoreUnavailable      = "StoreUnavailable"
)

// Response is the reply envelope for one dispatched request.
type Response struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
	Result  any    `json:"result,omitempty"`
	// Replayed marks a response served from the idempotency cache.
	Replayed bool `json:"replayed,omitempty"`
}

// Allowed reports whether the operation took effect.
func (r *Response) Allowed() bool { return r.Outcome == OutcomeAllowed }
