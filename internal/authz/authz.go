// Package authz resolves whether an actor may perform an operation
// against a target. Resolution is two-stage: scope first, capability
// second, so a caller reaching outside its organization is told so even
// when it also lacks the capability.
package authz

import (
	"errors"
	"strings"

	"adminplane.org/internal/directory"
)

var (
	// ErrOutOfScope means the target lies outside the actor's reach.
	ErrOutOfScope = errors.New("authz: target out of scope")
	// ErrCapabilityMissing means the actor's role does not grant the
	// operation.
	ErrCapabilityMissing = errors.New("authz: capability missing")
)

// Request identifies what is being attempted and against which tenant.
// An empty OrganizationID means the target is the platform itself.
type Request struct {
	Operation      string
	OrganizationID string
}

// capabilities maps each role to the operations it may perform. A
// trailing ".*" grants the whole operation family.
var capabilities = map[string][]string{
	directory.RoleSuperAdmin: {"*"},
	// org_admin holds everything organizational except terminal deletion.
	directory.RoleOrgAdmin: {
		"organization.list",
		"organization.get",
		"organization.get_stats",
		"organization.update",
		"organization.suspend",
		"organization.reactivate",
		"user.*",
		"plan.list",
		"audit.list",
	},
	directory.RoleBillingAdmin: {
		"organization.list",
		"organization.get",
		"organization.get_stats",
		"organization.update",
		"plan.list",
		"audit.list",
	},
	directory.RoleClinicalAdmin: {
		"organization.list",
		"organization.get",
		"organization.get_stats",
		"user.list",
	},
	// support_admin is a read-and-triage role. Explicit session unlock
	// stays with super_admin.
	directory.RoleSupportAdmin: {
		"organization.list",
		"organization.get",
		"user.list",
		"user.update",
		"audit.list",
	},
	directory.RoleOwner: {
		"user.*",
		"organization.get",
		"organization.get_stats",
	},
	directory.RoleAdmin: {
		"user.create",
		"user.invite",
		"user.update",
		"user.suspend",
		"user.list",
		"organization.get",
	},
	directory.RoleBiller: {
		"organization.get",
		"organization.get_stats",
	},
	directory.RoleProvider: {},
	directory.RoleStaff:    {},
}

// systemOperations require platform scope: an actor bound to one tenant
// can never perform them, whatever its role grants.
var systemOperations = map[string]struct{}{
	"admin.create":            {},
	"admin.update":            {},
	"admin.delete":            {},
	"admin.get":               {},
	"admin.get_by_email":      {},
	"admin.list":              {},
	"organization.create":     {},
	"organization.suspend":    {},
	"organization.reactivate": {},
	"plan.list":               {},
	"audit.list":              {},
}

// sessionOperations need a valid token but no capability grant.
var sessionOperations = map[string]struct{}{
	"auth.logout": {},
	"auth.whoami": {},
}

// SystemScoped reports whether the operation targets the platform rather
// than a single tenant.
func SystemScoped(operation string) bool {
	if _, ok := systemOperations[operation]; ok {
		return true
	}
	if strings.HasPrefix(operation, "admin.") {
		return true
	}
	return operation == "organization.list"
}

// Authorize decides whether the actor may perform the request. It
// returns nil, ErrOutOfScope or ErrCapabilityMissing.
func Authorize(actor *directory.Actor, req Request) error {
	if actor == nil {
		return ErrCapabilityMissing
	}
	if _, ok := sessionOperations[req.Operation]; ok {
		return nil
	}
	if actor.Role == directory.RoleSuperAdmin {
		return nil
	}

	// Scope. Actors without an organization binding hold platform scope
	// and reach every tenant. Bound actors reach only their own tenant
	// and never platform-scoped operations.
	if actor.OrganizationID != "" {
		if SystemScoped(req.Operation) {
			return ErrOutOfScope
		}
		if req.OrganizationID == "" || req.OrganizationID != actor.OrganizationID {
			return ErrOutOfScope
		}
	}

	if !roleGrants(actor.Role, req.Operation) {
		return ErrCapabilityMissing
	}
	return nil
}

func roleGrants(role, operation string) bool {
	for _, pattern := range capabilities[role] {
		if matches(pattern, operation) {
			return true
		}
	}
	return false
}

func matches(pattern, operation string) bool {
	if pattern == "*" {
		return true
	}
	if family, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(operation, family+".")
	}
	return pattern == operation
}
