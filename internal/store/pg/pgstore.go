// Package pg persists the control plane's entities in Postgres. Usage
// counters are guarded by compare-and-swap updates so quota decisions
// stay correct across processes.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"adminplane.org/internal/directory"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type Store struct {
	db *sql.DB
}

var _ directory.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection, used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Actors(context.Context) directory.ActorStore { return &actorStore{db: s.db} }
func (s *Store) Organizations(context.Context) directory.OrganizationStore {
	return &orgStore{db: s.db}
}
func (s *Store) Plans(context.Context) directory.PlanStore       { return &planStore{db: s.db} }
func (s *Store) Sessions(context.Context) directory.SessionStore { return &sessionStore{db: s.db} }
func (s *Store) Audit(context.Context) directory.AuditStore      { return &auditStore{db: s.db} }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func mapWriteError(err error) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return directory.ErrConflict
		case pgErrForeignKeyViolation:
			return directory.ErrNotFound
		}
	}
	return err
}

// Actors -------------------------------------------------------------------

type actorStore struct {
	db *sql.DB
}

const actorColumns = `id, kind, email, first_name, last_name, role, organization_id, status,
	password_hash, failed_attempts, locked_until, last_login_at,
	invite_token, invite_expires_at, created_at, updated_at, created_by`

func (s *actorStore) Create(ctx context.Context, a *directory.Actor) error {
	_, err := s.db.ExecContext(ctx, `
		insert into actors (`+actorColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, a.ID, a.Kind, a.Email, a.FirstName, a.LastName, a.Role, nullString(a.OrganizationID), a.Status,
		a.PasswordHash, a.FailedAttempts, nullTime(a.LockedUntil), nullTime(a.LastLoginAt),
		nullString(a.InviteToken), nullTime(a.InviteExpiresAt), a.CreatedAt, a.UpdatedAt, nullString(a.CreatedBy))
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *actorStore) Find(ctx context.Context, id string) (*directory.Actor, error) {
	row := s.db.QueryRowContext(ctx, `select `+actorColumns+` from actors where id = $1`, id)
	return scanActor(row)
}

func (s *actorStore) FindByEmail(ctx context.Context, email string) (*directory.Actor, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+actorColumns+` from actors
		where lower(email) = lower($1) and status <> 'deleted'
	`, email)
	return scanActor(row)
}

func (s *actorStore) Update(ctx context.Context, a *directory.Actor) error {
	res, err := s.db.ExecContext(ctx, `
		update actors set
			email=$2, first_name=$3, last_name=$4, role=$5, organization_id=$6, status=$7,
			password_hash=$8, failed_attempts=$9, locked_until=$10, last_login_at=$11,
			invite_token=$12, invite_expires_at=$13, updated_at=now()
		where id=$1
	`, a.ID, a.Email, a.FirstName, a.LastName, a.Role, nullString(a.OrganizationID), a.Status,
		a.PasswordHash, a.FailedAttempts, nullTime(a.LockedUntil), nullTime(a.LastLoginAt),
		nullString(a.InviteToken), nullTime(a.InviteExpiresAt))
	if err != nil {
		return mapWriteError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return directory.ErrNotFound
	}
	return nil
}

func (s *actorStore) List(ctx context.Context, f directory.ActorFilter) ([]*directory.Actor, error) {
	query := `select ` + actorColumns + ` from actors where 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Kind != "" {
		query += ` and kind = ` + arg(string(f.Kind))
	}
	if f.OrganizationID != "" {
		query += ` and organization_id = ` + arg(f.OrganizationID)
	}
	if f.Role != "" {
		query += ` and role = ` + arg(f.Role)
	}
	if !f.IncludeDeleted {
		query += ` and status <> 'deleted'`
	}
	query += ` order by created_at, id`
	if f.Limit > 0 {
		query += ` limit ` + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += ` offset ` + arg(f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*directory.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActor(row rowScanner) (*directory.Actor, error) {
	var (
		a           directory.Actor
		orgID       sql.NullString
		lockedUntil sql.NullTime
		lastLogin   sql.NullTime
		inviteTok   sql.NullString
		inviteExp   sql.NullTime
		createdBy   sql.NullString
	)
	err := row.Scan(&a.ID, &a.Kind, &a.Email, &a.FirstName, &a.LastName, &a.Role, &orgID, &a.Status,
		&a.PasswordHash, &a.FailedAttempts, &lockedUntil, &lastLogin,
		&inviteTok, &inviteExp, &a.CreatedAt, &a.UpdatedAt, &createdBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, directory.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.OrganizationID = orgID.String
	a.LockedUntil = lockedUntil.Time
	a.LastLoginAt = lastLogin.Time
	a.InviteToken = inviteTok.String
	a.InviteExpiresAt = inviteExp.Time
	a.CreatedBy = createdBy.String
	return &a, nil
}

// Organizations -------------------------------------------------------------

type orgStore struct {
	db *sql.DB
}

func (s *orgStore) Create(ctx context.Context, org *directory.Organization) error {
	_, err := s.db.ExecContext(ctx, `
		insert into organizations (id, name, plan_id, status, suspended_reason, created_at, updated_at, created_by)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, org.ID, org.Name, org.PlanID, org.Status, nullString(org.SuspendedReason),
		org.CreatedAt, org.UpdatedAt, nullString(org.CreatedBy))
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *orgStore) Find(ctx context.Context, id string) (*directory.Organization, error) {
	org, err := scanOrg(s.db.QueryRowContext(ctx, `
		select id, name, plan_id, status, suspended_reason, created_at, updated_at, created_by
		from organizations where id = $1
	`, id))
	if err != nil {
		return nil, err
	}
	usage, err := s.usage(ctx, id)
	if err != nil {
		return nil, err
	}
	org.Usage = usage
	return org, nil
}

func (s *orgStore) Update(ctx context.Context, org *directory.Organization) error {
	res, err := s.db.ExecContext(ctx, `
		update organizations set
			name=$2, plan_id=$3, status=$4, suspended_reason=$5, updated_at=now()
		where id=$1
	`, org.ID, org.Name, org.PlanID, org.Status, nullString(org.SuspendedReason))
	if err != nil {
		return mapWriteError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return directory.ErrNotFound
	}
	return nil
}

func (s *orgStore) List(ctx context.Context) ([]*directory.Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, plan_id, status, suspended_reason, created_at, updated_at, created_by
		from organizations order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*directory.Organization
	for rows.Next() {
		org, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, org)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, org := range result {
		usage, err := s.usage(ctx, org.ID)
		if err != nil {
			return nil, err
		}
		org.Usage = usage
	}
	return result, nil
}

func (s *orgStore) usage(ctx context.Context, orgID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		select dimension, amount from organization_usage where organization_id = $1
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	usage := map[string]int64{}
	for rows.Next() {
		var dim string
		var amount int64
		if err := rows.Scan(&dim, &amount); err != nil {
			return nil, err
		}
		usage[dim] = amount
	}
	return usage, rows.Err()
}

func (s *orgStore) UsageValue(ctx context.Context, orgID, dimension string) (int64, error) {
	var amount int64
	err := s.db.QueryRowContext(ctx, `
		select coalesce(u.amount, 0)
		from organizations o
		left join organization_usage u on u.organization_id = o.id and u.dimension = $2
		where o.id = $1
	`, orgID, dimension).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, directory.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return amount, nil
}

func (s *orgStore) CompareAndSwapUsage(ctx context.Context, orgID, dimension string, old, new int64) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if old == 0 {
		// The counter row may not exist yet; the conflict guard keeps
		// the swap conditional on the stored value.
		res, err = s.db.ExecContext(ctx, `
			insert into organization_usage (organization_id, dimension, amount)
			values ($1, $2, $3)
			on conflict (organization_id, dimension) do update
			set amount = excluded.amount
			where organization_usage.amount = $4
		`, orgID, dimension, new, old)
	} else {
		res, err = s.db.ExecContext(ctx, `
			update organization_usage set amount = $3
			where organization_id = $1 and dimension = $2 and amount = $4
		`, orgID, dimension, new, old)
	}
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return false, directory.ErrNotFound
		}
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func scanOrg(row rowScanner) (*directory.Organization, error) {
	var (
		org       directory.Organization
		reason    sql.NullString
		createdBy sql.NullString
	)
	err := row.Scan(&org.ID, &org.Name, &org.PlanID, &org.Status, &reason,
		&org.CreatedAt, &org.UpdatedAt, &createdBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, directory.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	org.SuspendedReason = reason.String
	org.CreatedBy = createdBy.String
	return &org, nil
}

// Plans ---------------------------------------------------------------------

type planStore struct {
	db *sql.DB
}

func (s *planStore) Ensure(ctx context.Context, plans []*directory.BillingPlan) error {
	for _, p := range plans {
		limits, err := json.Marshal(p.Limits)
		if err != nil {
			return fmt.Errorf("marshal limits: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `
			insert into plans (id, name, limits)
			values ($1, $2, $3)
			on conflict (id) do nothing
		`, p.ID, p.Name, limits); err != nil {
			return err
		}
	}
	return nil
}

func (s *planStore) Find(ctx context.Context, id string) (*directory.BillingPlan, error) {
	return scanPlan(s.db.QueryRowContext(ctx, `select id, name, limits from plans where id = $1`, id))
}

func (s *planStore) List(ctx context.Context) ([]*directory.BillingPlan, error) {
	rows, err := s.db.QueryContext(ctx, `select id, name, limits from plans order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*directory.BillingPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func scanPlan(row rowScanner) (*directory.BillingPlan, error) {
	var (
		p         directory.BillingPlan
		rawLimits []byte
	)
	err := row.Scan(&p.ID, &p.Name, &rawLimits)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, directory.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Limits = map[string]int64{}
	if len(rawLimits) > 0 {
		if err := json.Unmarshal(rawLimits, &p.Limits); err != nil {
			return nil, fmt.Errorf("decode limits: %w", err)
		}
	}
	return &p, nil
}

// Sessions ------------------------------------------------------------------

type sessionStore struct {
	db *sql.DB
}

func (s *sessionStore) Create(ctx context.Context, sess *directory.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, actor_id, issued_at, expires_at, revoked, origin)
		values ($1,$2,$3,$4,$5,$6)
	`, sess.ID, sess.ActorID, sess.IssuedAt, sess.ExpiresAt, sess.Revoked, nullString(sess.Origin))
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *sessionStore) Find(ctx context.Context, id string) (*directory.Session, error) {
	var (
		sess   directory.Session
		origin sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, actor_id, issued_at, expires_at, revoked, origin
		from sessions where id = $1
	`, id).Scan(&sess.ID, &sess.ActorID, &sess.IssuedAt, &sess.ExpiresAt, &sess.Revoked, &origin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, directory.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.Origin = origin.String
	return &sess, nil
}

func (s *sessionStore) Revoke(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `update sessions set revoked = true where id = $1`, id)
	return err
}

func (s *sessionStore) RevokeAllForActor(ctx context.Context, actorID string) error {
	_, err := s.db.ExecContext(ctx, `update sessions set revoked = true where actor_id = $1`, actorID)
	return err
}

// Audit ---------------------------------------------------------------------

type auditStore struct {
	db *sql.DB
}

func (s *auditStore) Append(ctx context.Context, rec *directory.AuditRecord) error {
	meta := []byte("{}")
	if len(rec.Metadata) > 0 {
		raw, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = raw
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_records (sequence, occurred_at, actor_id, operation, target, outcome, reason, origin, metadata)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.Sequence, rec.OccurredAt, nullString(rec.ActorID), rec.Operation, nullString(rec.Target),
		rec.Outcome, nullString(rec.Reason), nullString(rec.Origin), meta)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *auditStore) List(ctx context.Context, f directory.AuditFilter) ([]*directory.AuditRecord, error) {
	query := `
		select sequence, occurred_at, actor_id, operation, target, outcome, reason, origin, metadata
		from audit_records where 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.ActorID != "" {
		query += ` and actor_id = ` + arg(f.ActorID)
	}
	if f.Target != "" {
		query += ` and target = ` + arg(f.Target)
	}
	if f.Operation != "" {
		query += ` and operation = ` + arg(f.Operation)
	}
	query += ` order by sequence`
	if f.Limit > 0 {
		query += ` limit ` + arg(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*directory.AuditRecord
	for rows.Next() {
		var (
			rec     directory.AuditRecord
			actorID sql.NullString
			target  sql.NullString
			reason  sql.NullString
			origin  sql.NullString
			rawMeta []byte
		)
		if err := rows.Scan(&rec.Sequence, &rec.OccurredAt, &actorID, &rec.Operation, &target,
			&rec.Outcome, &reason, &origin, &rawMeta); err != nil {
			return nil, err
		}
		rec.ActorID = actorID.String
		rec.Target = target.String
		rec.Reason = reason.String
		rec.Origin = origin.String
		if len(rawMeta) > 0 {
			if err := json.Unmarshal(rawMeta, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		result = append(result, &rec)
	}
	return result, rows.Err()
}

func (s *auditStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `select count(*) from audit_records`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// helpers -------------------------------------------------------------------

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
