package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store on PostgreSQL via the pgx stdlib driver.
type PostgresStore struct {
	db *sql.DB
	q  dbtx
}

// NewPostgres connects to PostgreSQL and runs migrations.
func NewPostgres(ctx context.Context, connString string, poolMax int) (*PostgresStore, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(poolMax)
	db.SetMaxIdleConns(poolMax / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	s.q = db
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

const pgTerminal = "('completed','cancelled','expired')"

func (s *PostgresStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS buildings (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			license_quota INTEGER NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL,
			email_lower TEXT NOT NULL,
			phone TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL,
			building_id TEXT REFERENCES buildings(id),
			apartment TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			verified BOOLEAN NOT NULL DEFAULT FALSE,
			failed_logins INTEGER NOT NULL DEFAULT 0,
			last_failed_at TIMESTAMPTZ,
			lockout_until TIMESTAMPTZ,
			last_login_at TIMESTAMPTZ,
			last_login_ip TEXT NOT NULL DEFAULT '',
			last_login_agent TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email_lower ON users(email_lower) WHERE active`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_phone ON users(phone) WHERE active`,
		`CREATE INDEX IF NOT EXISTS idx_users_building ON users(building_id)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			access_hash TEXT NOT NULL,
			refresh_hash TEXT NOT NULL,
			issued_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			refresh_expires_at TIMESTAMPTZ NOT NULL,
			device TEXT NOT NULL DEFAULT '',
			ip TEXT NOT NULL DEFAULT '',
			revoked BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_refresh ON sessions(refresh_hash)`,
		`CREATE TABLE IF NOT EXISTS visits (
			id TEXT PRIMARY KEY,
			host_id TEXT NOT NULL REFERENCES users(id),
			building_id TEXT NOT NULL REFERENCES buildings(id),
			purpose TEXT NOT NULL DEFAULT '',
			expected_start TIMESTAMPTZ NOT NULL,
			expected_end TIMESTAMPTZ NOT NULL,
			short_code TEXT,
			qr_hash TEXT,
			state TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL,
			last_transition_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_visits_building_code ON visits(building_id, short_code)
			WHERE short_code IS NOT NULL AND state NOT IN ` + pgTerminal,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_visits_qr ON visits(qr_hash)
			WHERE qr_hash IS NOT NULL AND state NOT IN ` + pgTerminal,
		`CREATE INDEX IF NOT EXISTS idx_visits_host ON visits(host_id)`,
		`CREATE INDEX IF NOT EXISTS idx_visits_building ON visits(building_id)`,
		`CREATE INDEX IF NOT EXISTS idx_visits_state_end ON visits(state, expected_end)`,
		`CREATE TABLE IF NOT EXISTS visit_visitors (
			id TEXT PRIMARY KEY,
			visit_id TEXT NOT NULL REFERENCES visits(id),
			name TEXT NOT NULL,
			phone TEXT NOT NULL,
			position INTEGER NOT NULL,
			state TEXT NOT NULL DEFAULT 'expected',
			entry_at TIMESTAMPTZ,
			exit_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_visitors_visit ON visit_visitors(visit_id, position)`,
		`CREATE TABLE IF NOT EXISTS bans (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL REFERENCES users(id),
			phone TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL DEFAULT 'medium',
			ban_type TEXT NOT NULL DEFAULT 'manual',
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			unban_reason TEXT NOT NULL DEFAULT '',
			unbanned_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_bans_owner_phone ON bans(owner_id, phone) WHERE active`,
		`CREATE INDEX IF NOT EXISTS idx_bans_phone ON bans(phone)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			building_id TEXT,
			type TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			payload JSONB NOT NULL DEFAULT '{}',
			priority TEXT NOT NULL DEFAULT 'low',
			read BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, read, created_at DESC)`,
	}

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PostgresStore) Close() error { return s.db.Close() }

// InTx runs fn in a transaction. Re-entrant calls join the open transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	if _, open := s.q.(*sql.Tx); open {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pgErr(err)
	}
	bound := &PostgresStore{db: s.db, q: tx}
	if err := fn(bound); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return pgErr(err)
	}
	return nil
}

// pgErr maps driver errors onto the store failure classes.
func pgErr(err error) error {
	if err == nil {
		return nil
	}
	var pge *pgconn.PgError
	if errors.As(err, &pge) {
		switch pge.Code {
		case "23505", "23503", "23514":
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case "40001", "40P01":
			return fmt.Errorf("%w: %v", ErrSerialization, err)
		}
	}
	return err
}

// --- Buildings ---

func (s *PostgresStore) CreateBuilding(ctx context.Context, b *Building) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO buildings (id, name, license_quota, active, created_at) VALUES ($1, $2, $3, $4, $5)`,
		b.ID, b.Name, b.LicenseQuota, b.Active, b.CreatedAt,
	)
	return pgErr(err)
}

func (s *PostgresStore) GetBuilding(ctx context.Context, id string) (*Building, error) {
	var b Building
	err := s.q.QueryRowContext(ctx,
		`SELECT id, name, license_quota, active, created_at FROM buildings WHERE id = $1`, id,
	).Scan(&b.ID, &b.Name, &b.LicenseQuota, &b.Active, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &b, pgErr(err)
}

func (s *PostgresStore) ListBuildings(ctx context.Context) ([]Building, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, name, license_quota, active, created_at FROM buildings ORDER BY created_at DESC`)
	if err != nil {
		return nil, pgErr(err)
	}
	defer func() { _ = rows.Close() }()

	var out []Building
	for rows.Next() {
		var b Building
		if err := rows.Scan(&b.ID, &b.Name, &b.LicenseQuota, &b.Active, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountActiveResidents(ctx context.Context, buildingID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE building_id = $1 AND role = 'resident' AND active`,
		buildingID,
	).Scan(&n)
	return n, pgErr(err)
}

// --- Users ---

const pgUserCols = userCols // identical column lists

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO users (`+pgUserCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		u.ID, u.Email, u.EmailLower, u.Phone, u.PasswordHash, u.Role,
		nullStr(u.BuildingID), u.Apartment, u.Active, u.Verified, u.FailedLogins,
		nullTime(u.LastFailedAt), nullTime(u.LockoutUntil),
		nullTime(u.LastLoginAt), u.LastLoginIP, u.LastLoginUA, u.CreatedAt,
	)
	return pgErr(err)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return scanUser(s.q.QueryRowContext(ctx,
		`SELECT `+pgUserCols+` FROM users WHERE id = $1`, id))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, emailLower string) (*User, error) {
	return scanUser(s.q.QueryRowContext(ctx,
		`SELECT `+pgUserCols+` FROM users WHERE email_lower = $1 AND active`, emailLower))
}

func (s *PostgresStore) GetUserByPhone(ctx context.Context, phone string) (*User, error) {
	return scanUser(s.q.QueryRowContext(ctx,
		`SELECT `+pgUserCols+` FROM users WHERE phone = $1 AND active`, phone))
}

func (s *PostgresStore) ListPendingUsers(ctx context.Context, buildingID string) ([]User, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+pgUserCols+` FROM users
		 WHERE building_id = $1 AND NOT verified AND active ORDER BY created_at DESC`,
		buildingID)
	if err != nil {
		return nil, pgErr(err)
	}
	defer func() { _ = rows.Close() }()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetUserVerified(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE users SET verified = TRUE WHERE id = $1`, id)
	return pgErr(err)
}

func (s *PostgresStore) DeactivateUser(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE users SET active = FALSE WHERE id = $1`, id)
	return pgErr(err)
}

func (s *PostgresStore) RecordLoginFailure(ctx context.Context, id string, failed int, lastFailedAt time.Time, lockoutUntil *time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE users SET failed_logins = $1, last_failed_at = $2, lockout_until = $3 WHERE id = $4`,
		failed, lastFailedAt, nullTime(lockoutUntil), id)
	return pgErr(err)
}

func (s *PostgresStore) RecordLoginSuccess(ctx context.Context, id string, at time.Time, ip, agent string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE users SET failed_logins = 0, last_failed_at = NULL, lockout_until = NULL,
		 last_login_at = $1, last_login_ip = $2, last_login_agent = $3 WHERE id = $4`,
		at, ip, agent, id)
	return pgErr(err)
}

// --- Sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sess.ID, sess.UserID, sess.AccessHash, sess.RefreshHash, sess.IssuedAt,
		sess.ExpiresAt, sess.RefreshExpiresAt, sess.Device, sess.IP, sess.Revoked)
	return pgErr(err)
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	return scanSession(s.q.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id = $1`, id))
}

func (s *PostgresStore) GetSessionByRefreshHash(ctx context.Context, hash string) (*Session, error) {
	return scanSession(s.q.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE refresh_hash = $1`, hash))
}

func (s *PostgresStore) RotateSessionTokens(ctx context.Context, id, accessHash, refreshHash, device string, expiresAt, refreshExpiresAt time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE sessions SET access_hash = $1, refresh_hash = $2, device = $3, expires_at = $4, refresh_expires_at = $5
		 WHERE id = $6`,
		accessHash, refreshHash, device, expiresAt, refreshExpiresAt, id)
	return pgErr(err)
}

func (s *PostgresStore) RevokeSession(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE sessions SET revoked = TRUE WHERE id = $1`, id)
	return pgErr(err)
}

func (s *PostgresStore) RevokeUserSessions(ctx context.Context, userID string) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE sessions SET revoked = TRUE WHERE user_id = $1 AND NOT revoked`, userID)
	if err != nil {
		return 0, pgErr(err)
	}
	return res.RowsAffected()
}

// --- Visits ---

func (s *PostgresStore) CreateVisit(ctx context.Context, v *Visit) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO visits (`+visitCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		v.ID, v.HostID, v.BuildingID, v.Purpose, v.ExpectedStart, v.ExpectedEnd,
		nullStr(v.ShortCode), nullStr(v.QRHash), v.State, v.CreatedAt, v.LastTransitionAt)
	if err != nil {
		return pgErr(err)
	}
	for _, vis := range v.Visitors {
		_, err := s.q.ExecContext(ctx,
			`INSERT INTO visit_visitors (id, visit_id, name, phone, position, state, entry_at, exit_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			vis.ID, v.ID, vis.Name, vis.Phone, vis.Position, vis.State,
			nullTime(vis.EntryAt), nullTime(vis.ExitAt))
		if err != nil {
			return pgErr(err)
		}
	}
	return nil
}

func (s *PostgresStore) loadVisitors(ctx context.Context, visitID string) ([]Visitor, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, visit_id, name, phone, position, state, entry_at, exit_at
		 FROM visit_visitors WHERE visit_id = $1 ORDER BY position`, visitID)
	if err != nil {
		return nil, pgErr(err)
	}
	defer func() { _ = rows.Close() }()

	var out []Visitor
	for rows.Next() {
		var vis Visitor
		var entry, exit sql.NullTime
		if err := rows.Scan(&vis.ID, &vis.VisitID, &vis.Name, &vis.Phone, &vis.Position,
			&vis.State, &entry, &exit); err != nil {
			return nil, err
		}
		vis.EntryAt = fromNullTime(entry)
		vis.ExitAt = fromNullTime(exit)
		out = append(out, vis)
	}
	return out, rows.Err()
}

func (s *PostgresStore) getVisitWhere(ctx context.Context, where string, args ...any) (*Visit, error) {
	v, err := scanVisit(s.q.QueryRowContext(ctx,
		`SELECT `+visitCols+` FROM visits WHERE `+where, args...))
	if err != nil || v == nil {
		return nil, pgErr(err)
	}
	v.Visitors, err = s.loadVisitors(ctx, v.ID)
	return v, err
}

func (s *PostgresStore) GetVisit(ctx context.Context, id string) (*Visit, error) {
	return s.getVisitWhere(ctx, `id = $1`, id)
}

func (s *PostgresStore) GetVisitByQRHash(ctx context.Context, qrHash string) (*Visit, error) {
	return s.getVisitWhere(ctx, `qr_hash = $1 AND state NOT IN `+pgTerminal, qrHash)
}

func (s *PostgresStore) GetVisitByShortCode(ctx context.Context, buildingID, code string) (*Visit, error) {
	return s.getVisitWhere(ctx,
		`building_id = $1 AND short_code = $2 AND state NOT IN `+pgTerminal, buildingID, code)
}

func (s *PostgresStore) listVisits(ctx context.Context, where string, page Page, args ...any) ([]Visit, PageInfo, error) {
	page = page.Clamp()
	var total int
	if err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM visits WHERE `+where, args...).Scan(&total); err != nil {
		return nil, PageInfo{}, pgErr(err)
	}

	n := len(args)
	rows, err := s.q.QueryContext(ctx,
		fmt.Sprintf(`SELECT `+visitCols+` FROM visits WHERE `+where+
			` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, n+1, n+2),
		append(args, page.Limit, page.offset())...)
	if err != nil {
		return nil, PageInfo{}, pgErr(err)
	}
	defer func() { _ = rows.Close() }()

	var out []Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, PageInfo{}, err
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, PageInfo{}, err
	}
	for i := range out {
		if out[i].Visitors, err = s.loadVisitors(ctx, out[i].ID); err != nil {
			return nil, PageInfo{}, err
		}
	}
	return out, pageInfo(total, page), nil
}

func (s *PostgresStore) ListVisitsByHost(ctx context.Context, hostID string, page Page) ([]Visit, PageInfo, error) {
	return s.listVisits(ctx, `host_id = $1`, page, hostID)
}

func (s *PostgresStore) ListVisitsByBuilding(ctx context.Context, buildingID string, page Page) ([]Visit, PageInfo, error) {
	return s.listVisits(ctx, `building_id = $1`, page, buildingID)
}

func (s *PostgresStore) TransitionVisit(ctx context.Context, id, to string, from ...string) (bool, error) {
	placeholders := make([]string, len(from))
	args := []any{to, time.Now().UTC(), id}
	for i, f := range from {
		placeholders[i] = fmt.Sprintf("$%d", i+4)
		args = append(args, f)
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE visits SET state = $1, last_transition_at = $2
		 WHERE id = $3 AND state IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	if err != nil {
		return false, pgErr(err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) UpdateVisitDetails(ctx context.Context, id, purpose string, start, end time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE visits SET purpose = $1, expected_start = $2, expected_end = $3 WHERE id = $4`,
		purpose, start, end, id)
	return pgErr(err)
}

func (s *PostgresStore) RetireVisitCodes(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE visits SET short_code = NULL, qr_hash = NULL WHERE id = $1`, id)
	return pgErr(err)
}

func (s *PostgresStore) ClaimVisitorEntry(ctx context.Context, visitID string, at time.Time) (*Visitor, error) {
	// SKIP LOCKED keeps concurrent scanners from blocking on the same row;
	// each claimer gets a distinct visitor or nothing.
	vis, err := scanClaimedVisitor(s.q.QueryRowContext(ctx,
		`UPDATE visit_visitors SET state = 'entered', entry_at = $1
		 WHERE id = (SELECT id FROM visit_visitors WHERE visit_id = $2 AND state = 'expected'
		             ORDER BY position LIMIT 1 FOR UPDATE SKIP LOCKED)
		   AND state = 'expected'
		 RETURNING id, visit_id, name, phone, position, state, entry_at, exit_at`,
		at, visitID))
	if err != nil {
		return nil, pgErr(err)
	}
	return vis, nil
}

func (s *PostgresStore) ClaimVisitorExit(ctx context.Context, visitID string, at time.Time) (*Visitor, error) {
	vis, err := scanClaimedVisitor(s.q.QueryRowContext(ctx,
		`UPDATE visit_visitors SET state = 'exited', exit_at = $1
		 WHERE id = (SELECT id FROM visit_visitors WHERE visit_id = $2 AND state = 'entered'
		             ORDER BY position LIMIT 1 FOR UPDATE SKIP LOCKED)
		   AND state = 'entered'
		 RETURNING id, visit_id, name, phone, position, state, entry_at, exit_at`,
		at, visitID))
	if err != nil {
		return nil, pgErr(err)
	}
	return vis, nil
}

func (s *PostgresStore) CountVisitorsInStates(ctx context.Context, visitID string, states ...string) (int, error) {
	placeholders := make([]string, len(states))
	args := []any{visitID}
	for i, st := range states {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, st)
	}
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM visit_visitors WHERE visit_id = $1 AND state IN (`+
			strings.Join(placeholders, ",")+`)`,
		args...).Scan(&n)
	return n, pgErr(err)
}

func (s *PostgresStore) CancelOpenVisitors(ctx context.Context, visitID string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE visit_visitors SET state = 'cancelled'
		 WHERE visit_id = $1 AND state IN ('expected','arrived','entered')`, visitID)
	return pgErr(err)
}

func (s *PostgresStore) ListExpiryCandidates(ctx context.Context, cutoff time.Time, limit int) ([]Visit, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+visitCols+` FROM visits
		 WHERE state NOT IN `+pgTerminal+` AND expected_end < $1
		 ORDER BY expected_end LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, pgErr(err)
	}
	defer func() { _ = rows.Close() }()

	var out []Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// --- Bans ---

func (s *PostgresStore) CreateBan(ctx context.Context, b *Ban) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO bans (`+banCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		b.ID, b.OwnerID, b.Phone, b.Name, b.Reason, b.Severity, b.BanType,
		b.CreatedAt, nullTime(b.ExpiresAt), b.Active, b.UnbanReason, nullTime(b.UnbannedAt))
	return pgErr(err)
}

func (s *PostgresStore) GetBan(ctx context.Context, id string) (*Ban, error) {
	return scanBan(s.q.QueryRowContext(ctx,
		`SELECT `+banCols+` FROM bans WHERE id = $1`, id), false)
}

func (s *PostgresStore) GetActiveBan(ctx context.Context, ownerID, phone string, now time.Time) (*Ban, error) {
	return scanBan(s.q.QueryRowContext(ctx,
		`SELECT `+banCols+` FROM bans
		 WHERE owner_id = $1 AND phone = $2 AND active
		   AND (expires_at IS NULL OR expires_at > $3)`,
		ownerID, phone, now), false)
}

func (s *PostgresStore) ListActiveBansByBuildingPhone(ctx context.Context, buildingID, phone string, now time.Time) ([]Ban, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT b.id, b.owner_id, b.phone, b.name, b.reason, b.severity, b.ban_type, b.created_at,
		        b.expires_at, b.active, b.unban_reason, b.unbanned_at, u.building_id
		 FROM bans b JOIN users u ON b.owner_id = u.id
		 WHERE u.building_id = $1 AND b.phone = $2 AND b.active
		   AND (b.expires_at IS NULL OR b.expires_at > $3)
		 ORDER BY b.created_at DESC`,
		buildingID, phone, now)
	if err != nil {
		return nil, pgErr(err)
	}
	defer func() { _ = rows.Close() }()

	var out []Ban
	for rows.Next() {
		b, err := scanBan(rows, true)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListBansByOwner(ctx context.Context, ownerID string, page Page) ([]Ban, PageInfo, error) {
	page = page.Clamp()
	var total int
	if err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bans WHERE owner_id = $1`, ownerID).Scan(&total); err != nil {
		return nil, PageInfo{}, pgErr(err)
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT `+banCols+` FROM bans WHERE owner_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		ownerID, page.Limit, page.offset())
	if err != nil {
		return nil, PageInfo{}, pgErr(err)
	}
	defer func() { _ = rows.Close() }()

	var out []Ban
	for rows.Next() {
		b, err := scanBan(rows, false)
		if err != nil {
			return nil, PageInfo{}, err
		}
		out = append(out, *b)
	}
	return out, pageInfo(total, page), rows.Err()
}

func (s *PostgresStore) DeactivateBan(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE bans SET active = FALSE, unban_reason = $1, unbanned_at = $2
		 WHERE id = $3 AND active`,
		reason, at, id)
	if err != nil {
		return false, pgErr(err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// --- Notifications ---

func (s *PostgresStore) CreateNotification(ctx context.Context, n *Notification) error {
	payload := "{}"
	if len(n.Payload) > 0 {
		payload = string(n.Payload)
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, building_id, type, title, body, payload, priority, read, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		n.ID, n.UserID, nullStr(n.BuildingID), n.Type, n.Title, n.Body, payload,
		n.Priority, n.Read, n.CreatedAt, nullTime(n.ExpiresAt))
	return pgErr(err)
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, page Page) ([]Notification, PageInfo, error) {
	page = page.Clamp()
	var total int
	if err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, PageInfo{}, pgErr(err)
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT id, user_id, building_id, type, title, body, payload, priority, read, created_at, expires_at
		 FROM notifications WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, page.Limit, page.offset())
	if err != nil {
		return nil, PageInfo{}, pgErr(err)
	}
	defer func() { _ = rows.Close() }()

	var out []Notification
	for rows.Next() {
		var n Notification
		var building sql.NullString
		var payload []byte
		var expires sql.NullTime
		if err := rows.Scan(&n.ID, &n.UserID, &building, &n.Type, &n.Title, &n.Body,
			&payload, &n.Priority, &n.Read, &n.CreatedAt, &expires); err != nil {
			return nil, PageInfo{}, err
		}
		n.BuildingID = fromNullStr(building)
		n.Payload = payload
		n.ExpiresAt = fromNullTime(expires)
		out = append(out, n)
	}
	return out, pageInfo(total, page), rows.Err()
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, id, userID string) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE notifications SET read = TRUE WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, pgErr(err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) PurgeNotifications(ctx context.Context, createdBefore, readBefore time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM notifications WHERE created_at < $1 OR (read AND created_at < $2)`,
		createdBefore, readBefore)
	if err != nil {
		return 0, pgErr(err)
	}
	return res.RowsAffected()
}
