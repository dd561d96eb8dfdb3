package dispatch

import (
	"context"
	"fmt"

	"adminplane.org/internal/audit"
	"adminplane.org/internal/directory"
	"adminplane.org/internal/session"
)

// Routes binds the operation catalog onto a dispatcher.
type Routes struct {
	Directory *directory.Service
	Sessions  *session.Manager
	Recorder  *audit.Recorder
}

// Register wires every operation. Called once at startup.
func (r *Routes) Register(d *Dispatcher) {
	r.registerAuth(d)
	r.registerAdmins(d)
	r.registerOrganizations(d)
	r.registerUsers(d)
	r.registerAudit(d)
}

func (r *Routes) registerAuth(d *Dispatcher) {
	type loginParams struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	d.Register(&Operation{
		Name:   "auth.login",
		Public: true,
		Handler: func(ctx context.Context, c *Call) (any, error) {
			var p loginParams
			if err := c.Bind(&p); err != nil {
				return nil, directory.ErrInvalidInput
			}
			res, err := r.Sessions.Authenticate(ctx, p.Email, p.Password, c.Env.Origin)
			if err != nil {
				return nil, err
			}
			c.ActorID = res.Actor.ID
			c.Target = res.Actor.ID
			return res, nil
		},
	})

	d.Register(&Operation{
		Name:     "auth.logout",
		ReadOnly: true,
		Handler: func(ctx context.Context, c *Call) (any, error) {
			if err := r.Sessions.Revoke(ctx, c.Env.Token); err != nil {
				return nil, err
			}
			return map[string]bool{"revoked": true}, nil
		},
	})

	d.Register(&Operation{
		Name:     "auth.whoami",
		ReadOnly: true,
		Handler: func(ctx context.Context, c *Call) (any, error) {
			return c.Identity.Actor, nil
		},
	})

	type unlockParams struct {
		ActorID string `json:"actor_id"`
	}
	d.Register(&Operation{
		Name: "session.unlock",
		Bind: func(c *Call) error {
			var p unlockParams
			if err := c.Bind(&p); err != nil {
				return err
			}
			c.Target = p.ActorID
			return nil
		},
		Handler: func(ctx context.Context, c *Call) (any, error) {
			if err := r.Sessions.Unlock(ctx, c.Target); err != nil {
				return nil, err
			}
			return map[string]bool{"unlocked": true}, nil
		},
	})
}

func (r *Routes) registerAdmins(d *Dispatcher) {
	type createParams struct {
		Email          string `json:"email"`
		Password       string `json:"password"`
		FirstName      string `json:"first_name,omitempty"`
		LastName       string `json:"last_name,omitempty"`
		Role           string `json:"role"`
		OrganizationID string `json:"organization_id,omitempty"`
	}
	d.Register(&Operation{
		Name: "admin.create",
		Handler: func(ctx context.Context, c *Call) (any, error) {
			var p createParams
			if err := c.Bind(&p); err != nil {
				return nil, wrapBadRequest(err)
			}
			a, err := r.Directory.CreateAdmin(ctx, directory.CreateAdminInput{
				Email:          p.Email,
				Password:       p.Password,
				FirstName:      p.FirstName,
				LastName:       p.LastName,
				Role:           p.Role,
				OrganizationID: p.OrganizationID,
				CreatedBy:      c.ActorID,
			})
			if err != nil {
				return nil, err
			}
			c.Target = a.ID
			return a, nil
		},
	})

	type updateParams struct {
		ID        string  `json:"id"`
		FirstName *string `json:"first_name,omitempty"`
		LastName  *string `json:"last_name,omitempty"`
		Role      *string `json:"role,omitempty"`
		Password  *string `json:"password,omitempty"`
		Status    *string `json:"status,omitempty"`
	}
	d.Register(&Operation{
		Name: "admin.update",
		Bind: func(c *Call) error {
			var p updateParams
			if err := c.Bind(&p); err != nil {
				return err
			}
			c.Target = p.ID
			return nil
		},
		Handler: func(ctx context.Context, c *Call) (any, error) {
			var p updateParams
			if err := c.Bind(&p); err != nil {
				return nil, wrapBadRequest(err)
			}
			return r.Directory.UpdateAdmin(ctx, p.ID, directory.UpdateAdminInput{
				FirstName: p.FirstName,
				LastName:  p.LastName,
				Role:      p.Role,
				Password:  p.Password,
				Status:    p.Status,
			})
		},
	})

	type idParams struct {
		ID string `json:"id"`
	}
	d.Register(&Operation{
		Name: "admin.delete",
		Bind: func(c *Call) error {
			var p idParams
			if err := c.Bind(&p); err != nil {
				return err
			}
			c.Target = p.ID
			return nil
		},
		Handler: func(ctx context.Context, c *Call) (any, error) {
			if err := r.Directory.DeleteAdmin(ctx, c.Target, c.ActorID); err != nil {
				return nil, err
			}
			return map[string]bool{"deleted": true}, nil
		},
	})

	d.Register(&Operation{
		Name:     "admin.get",
		ReadOnly: true,
		Bind: func(c *Call) error {
			var p idParams
			if err := c.Bind(&p); err != nil {
				return err
			}
			c.Target = p.ID
			return nil
		},
		Handler: func(ctx context.Context, c *Call) (any, error) {
			return r.Directory.GetAdmin(ctx, c.Target)
		},
	})

	type emailParams struct {
		Email string `json:"email"`
	}
	d.Register(&Operation{
		Name:     "admin.get_by_email",
		ReadOnly: true,
		Handler: func(ctx context.Context, c *Call) (any, error) {
			var p emailParams
			if err := c.Bind(&p); err != nil {
				return nil, wrapBadRequest(err)
			}
			a, err := r.Directory.GetAdminByEmail(ctx, p.Email)
			if err != nil {
				return nil, err
			}
			c.Target = a.ID
			return a, nil
		},
	})

	type listParams struct {
		Role   string `json:"role,omitempty"`
		Limit  int    `json:"limit,omitempty"`
		Offset int    `json:"offset,omitempty"`
	}
	d.Register(&Operation{
		Name:     "admin.list",
		ReadOnly: true,
		Handler: func(ctx context.Context, c *Call) (any, error) {
			var p listParams
			if len(c.Env.Params) > 0 {
				if err := c.Bind(&p); err != nil {
					return nil, wrapBadRequest(err)
				}
			}
			return r.Directory.ListAdmins(ctx, directory.ActorFilter{
				Role:   p.Role,
				Limit:  p.Limit,
				Offset: p.Offset,
			})
		},
	})
}

func (r *Routes) registerOrganizations(d *Dispatcher) {
	type createParams struct {
		Name           string `json:"name"`
		PlanID         string `json:"plan_id,omitempty"`
		OwnerEmail     string `json:"owner_email,omitempty"`
		OwnerFirstName string `json:"owner_first_name,omitempty"`
		OwnerLastName  string `json:"owner_last_name,omitempty"`
	}
	d.Register(&Operation{
		Name: "organization.create",
		Handler: func(ctx context.Context, c *Call) (any, error) {
			var p createParams
			if err := c.Bind(&p); err != nil {
				return nil, wrapBadRequest(err)
			}
			org, err := r.Directory.CreateOrganization(ctx, directory.CreateOrganizationInput{
				Name:           p.Name,
				PlanID:         p.PlanID,
				OwnerEmail:     p.OwnerEmail,
				OwnerFirstName: p.OwnerFirstName,
				OwnerLastName:  p.OwnerLastName,
				CreatedBy:      c.ActorID,
			})
			if err != nil {
				return nil, err
			}
			c.Target = org.ID
			return org, nil
		},
	})

	type updateParams struct {
		OrganizationID string  `json:"organization_id"`
		Name           *string `json:"name,omitempty"`
		PlanID         *string `json:"plan_id,omitempty"`
	}
	d.Register(&Operation{
		Name: "organization.update",
		Bind: func(c *Call) error {
			var p updateParams
			if err := c.Bind(&p); err != nil {
				return err
			}
			c.OrganizationID = p.OrganizationID
			c.Target = p.OrganizationID
			return nil
		},
		Handler: func(ctx context.Context, c *Call) (any, error) {
			var p updateParams
			if err := c.Bind(&p); err != nil {
				return nil, wrapBadRequest(err)
			}
			return r.Directory.UpdateOrganization(ctx, p.OrganizationID, directory.UpdateOrganizationInput{
				Name:   p.Name,
				PlanID: p.PlanID,
			})
		},
	})

	type suspendParams struct {
		OrganizationID string `json:"organization_id"`
		Reason         string `json:"reason,omitempty"`
	}
	d.Register(&Operation{
		Name: "organization.suspend",
		Bind: bindOrg,
		Handler: func(ctx context.Context, c *Call) (any, error) {
			var p suspendParams
			if err := c.Bind(&p); err != nil {
				return nil, wrapBadRequest(err)
			}
			return r.Directory.SuspendOrganization(ctx, p.OrganizationID, p.Reason)
		},
	})

	d.Register(&Operation{
		Name: "organization.reactivate",
		Bind: bindOrg,
		Handler: func(ctx context.Context, c *Call) (any, error) {
			return r.Directory.ReactivateOrganization(ctx, c.OrganizationID)
		},
	})

	d.Register(&Operation{
		Name: "organization.delete",
		Bind: bindOrg,
		Handler: func(ctx context.Context, c *Call) (any, error) {
			if err := r.Directory.DeleteOrganization(ctx, c.OrganizationID); err != nil {
				return nil, err
			}
			return map[string]bool{"deleted": true}, nil
		},
	})

	d.Register(&Operation{
		Name:     "organization.list",
		ReadOnly: true,
		Handler: func(ctx context.Context, c *Call) (any, error) {
			return r.Directory.ListOrganizations(ctx)
		},
	})

	d.Register(&Operation{
		Name:     "organization.get",
		ReadOnly: true,
		Bind:     bindOrg,
		Handler: func(ctx context.Context, c *Call) (any, error) {
			return r.Directory.GetOrganization(ctx, c.OrganizationID)
		},
	})

	d.Register(&Operation{
		Name:     "organization.get_stats",
		ReadOnly: true,
		Bind:     bindOrg,
		Handler: func(ctx context.Context, c *Call) (any, error) {
			return r.Directory.GetOrganizationStats(ctx, c.OrganizationID)
		},
	})

	d.Register(&Operation{
		Name:     "plan.list",
		ReadOnly: true,
		Handler: func(ctx context.Context, c *Call) (any, error) {
			return r.Directory.ListPlans(ctx)
		},
	})
}

func (r *Routes) registerUsers(d *Dispatcher) {
	type createParams struct {
		OrganizationID string `json:"organization_id"`
		Email          string `json:"email"`
		Password       string `json:"password,omitempty"`
		FirstName      string `json:"first_name,omitempty"`
		LastName       string `json:"last_name,omitempty"`
		Role           string `json:"role"`
	}
	bindCreate := func(c *Call) error {
		var p createParams
		if err := c.Bind(&p); err != nil {
			return err
		}
		c.OrganizationID = p.OrganizationID
		return nil
	}
	makeUser := func(invite bool) func(ctx context.Context, c *Call) (any, error) {
		return func(ctx context.Context, c *Call) (any, error) {
			var p createParams
			if err := c.Bind(&p); err != nil {
				return nil, wrapBadRequest(err)
			}
			u, err := r.Directory.CreateUser(ctx, directory.CreateUserInput{
				OrganizationID: p.OrganizationID,
				Email:          p.Email,
				Password:       p.Password,
				FirstName:      p.FirstName,
				LastName:       p.LastName,
				Role:           p.Role,
				Invite:         invite,
				CreatedBy:      c.ActorID,
			})
			if err != nil {
				return nil, err
			}
			c.Target = u.ID
			return u, nil
		}
	}
	d.Register(&Operation{Name: "user.create", Bind: bindCreate, Handler: makeUser(false)})
	d.Register(&Operation{Name: "user.invite", Bind: bindCreate, Handler: makeUser(true)})

	type redeemParams struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	d.Register(&Operation{
		Name:   "user.redeem_invite",
		Public: true,
		Handler: func(ctx context.Context, c *Call) (any, error) {
			var p redeemParams
			if err := c.Bind(&p); err != nil {
				return nil, wrapBadRequest(err)
			}
			u, err := r.Directory.RedeemInvite(ctx, p.Token, p.Password)
			if err != nil {
				return nil, err
			}
			c.ActorID = u.ID
			c.Target = u.ID
			return u, nil
		},
	})

	type updateParams struct {
		OrganizationID string  `json:"organization_id"`
		ID             string  `json:"id"`
		FirstName      *string `json:"first_name,omitempty"`
		LastName       *string `json:"last_name,omitempty"`
		Role           *string `json:"role,omitempty"`
		Status         *string `json:"status,omitempty"`
	}
	d.Register(&Operation{
		Name: "user.update",
		Bind: func(c *Call) error {
			var p updateParams
			if err := c.Bind(&p); err != nil {
				return err
			}
			c.OrganizationID = p.OrganizationID
			c.Target = p.ID
			return nil
		},
		Handler: func(ctx context.Context, c *Call) (any, error) {
			var p updateParams
			if err := c.Bind(&p); err != nil {
				return nil, wrapBadRequest(err)
			}
			return r.Directory.UpdateUser(ctx, p.OrganizationID, p.ID, directory.UpdateUserInput{
				FirstName: p.FirstName,
				LastName:  p.LastName,
				Role:      p.Role,
				Status:    p.Status,
			})
		},
	})

	type suspendParams struct {
		OrganizationID string `json:"organization_id"`
		ID             string `json:"id"`
	}
	d.Register(&Operation{
		Name: "user.suspend",
		Bind: func(c *Call) error {
			var p suspendParams
			if err := c.Bind(&p); err != nil {
				return err
			}
			c.OrganizationID = p.OrganizationID
			c.Target = p.ID
			return nil
		},
		Handler: func(ctx context.Context, c *Call) (any, error) {
			suspended := directory.StatusSuspended
			return r.Directory.UpdateUser(ctx, c.OrganizationID, c.Target, directory.UpdateUserInput{
				Status: &suspended,
			})
		},
	})

	type listParams struct {
		OrganizationID string `json:"organization_id"`
		Role           string `json:"role,omitempty"`
		Limit          int    `json:"limit,omitempty"`
		Offset         int    `json:"offset,omitempty"`
	}
	d.Register(&Operation{
		Name:     "user.list",
		ReadOnly: true,
		Bind: func(c *Call) error {
			var p listParams
			if err := c.Bind(&p); err != nil {
				return err
			}
			c.OrganizationID = p.OrganizationID
			return nil
		},
		Handler: func(ctx context.Context, c *Call) (any, error) {
			var p listParams
			if err := c.Bind(&p); err != nil {
				return nil, wrapBadRequest(err)
			}
			return r.Directory.ListUsers(ctx, p.OrganizationID, directory.ActorFilter{
				Role:   p.Role,
				Limit:  p.Limit,
				Offset: p.Offset,
			})
		},
	})
}

func (r *Routes) registerAudit(d *Dispatcher) {
	type listParams struct {
		ActorID   string `json:"actor_id,omitempty"`
		Target    string `json:"target,omitempty"`
		Operation string `json:"operation,omitempty"`
		Limit     int    `json:"limit,omitempty"`
	}
	d.Register(&Operation{
		Name:     "audit.list",
		ReadOnly: true,
		Handler: func(ctx context.Context, c *Call) (any, error) {
			var p listParams
			if len(c.Env.Params) > 0 {
				if err := c.Bind(&p); err != nil {
					return nil, wrapBadRequest(err)
				}
			}
			return r.Recorder.List(ctx, directory.AuditFilter{
				ActorID:   p.ActorID,
				Target:    p.Target,
				Operation: p.Operation,
				Limit:     p.Limit,
			})
		},
	})
}

// bindOrg decodes the common {"organization_id": ...} param shape.
func bindOrg(c *Call) error {
	var p struct {
		OrganizationID string `json:"organization_id"`
		Reason         string `json:"reason,omitempty"`
	}
	if err := c.Bind(&p); err != nil {
		return err
	}
	c.OrganizationID = p.OrganizationID
	c.Target = p.OrganizationID
	return nil
}

func wrapBadRequest(err error) error {
	return fmt.Errorf("%w: %v", directory.ErrInvalidInput, err)
}
