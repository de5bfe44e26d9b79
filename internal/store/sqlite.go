package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite. Used for development and tests;
// production runs PostgresStore.
type SQLiteStore struct {
	db *sql.DB
	q  dbtx // db outside a transaction, *sql.Tx inside one
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the
	// pool see the same data.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	s.q = db
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

const sqliteTerminal = "('completed','cancelled','expired')"

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS buildings (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			license_quota INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
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
			active INTEGER NOT NULL DEFAULT 1,
			verified INTEGER NOT NULL DEFAULT 0,
			failed_logins INTEGER NOT NULL DEFAULT 0,
			last_failed_at DATETIME,
			lockout_until DATETIME,
			last_login_at DATETIME,
			last_login_ip TEXT NOT NULL DEFAULT '',
			last_login_agent TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email_lower ON users(email_lower) WHERE active = 1`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_phone ON users(phone) WHERE active = 1`,
		`CREATE INDEX IF NOT EXISTS idx_users_building ON users(building_id)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			access_hash TEXT NOT NULL,
			refresh_hash TEXT NOT NULL,
			issued_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			refresh_expires_at DATETIME NOT NULL,
			device TEXT NOT NULL DEFAULT '',
			ip TEXT NOT NULL DEFAULT '',
			revoked INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_refresh ON sessions(refresh_hash)`,
		`CREATE TABLE IF NOT EXISTS visits (
			id TEXT PRIMARY KEY,
			host_id TEXT NOT NULL REFERENCES users(id),
			building_id TEXT NOT NULL REFERENCES buildings(id),
			purpose TEXT NOT NULL DEFAULT '',
			expected_start DATETIME NOT NULL,
			expected_end DATETIME NOT NULL,
			short_code TEXT,
			qr_hash TEXT,
			state TEXT NOT NULL DEFAULT 'pending',
			created_at DATETIME NOT NULL,
			last_transition_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_visits_building_code ON visits(building_id, short_code)
			WHERE short_code IS NOT NULL AND state NOT IN ` + sqliteTerminal,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_visits_qr ON visits(qr_hash)
			WHERE qr_hash IS NOT NULL AND state NOT IN ` + sqliteTerminal,
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
			entry_at DATETIME,
			exit_at DATETIME
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
			created_at DATETIME NOT NULL,
			expires_at DATETIME,
			active INTEGER NOT NULL DEFAULT 1,
			unban_reason TEXT NOT NULL DEFAULT '',
			unbanned_at DATETIME
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_bans_owner_phone ON bans(owner_id, phone) WHERE active = 1`,
		`CREATE INDEX IF NOT EXISTS idx_bans_phone ON bans(phone)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			building_id TEXT,
			type TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '{}',
			priority TEXT NOT NULL DEFAULT 'low',
			read INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			expires_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, read, created_at DESC)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

// InTx runs fn in a transaction. Re-entrant calls join the open transaction.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	if _, open := s.q.(*sql.Tx); open {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteErr(err)
	}
	bound := &SQLiteStore{db: s.db, q: tx}
	if err := fn(bound); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return sqliteErr(err)
	}
	return nil
}

// sqliteErr maps driver errors onto the store failure classes.
func sqliteErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"),
		strings.Contains(msg, "FOREIGN KEY constraint failed"),
		strings.Contains(msg, "CHECK constraint failed"):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "SQLITE_BUSY"):
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return err
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func fromNullStr(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time
		return &t
	}
	return nil
}

// --- Buildings ---

func (s *SQLiteStore) CreateBuilding(ctx context.Context, b *Building) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO buildings (id, name, license_quota, active, created_at) VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.LicenseQuota, b.Active, b.CreatedAt,
	)
	return sqliteErr(err)
}

func (s *SQLiteStore) GetBuilding(ctx context.Context, id string) (*Building, error) {
	var b Building
	err := s.q.QueryRowContext(ctx,
		`SELECT id, name, license_quota, active, created_at FROM buildings WHERE id = ?`, id,
	).Scan(&b.ID, &b.Name, &b.LicenseQuota, &b.Active, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &b, sqliteErr(err)
}

func (s *SQLiteStore) ListBuildings(ctx context.Context) ([]Building, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, name, license_quota, active, created_at FROM buildings ORDER BY created_at DESC`)
	if err != nil {
		return nil, sqliteErr(err)
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

func (s *SQLiteStore) CountActiveResidents(ctx context.Context, buildingID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE building_id = ? AND role = 'resident' AND active = 1`,
		buildingID,
	).Scan(&n)
	return n, sqliteErr(err)
}

// --- Users ---

const userCols = `id, email, email_lower, phone, password_hash, role, building_id, apartment,
	active, verified, failed_logins, last_failed_at, lockout_until,
	last_login_at, last_login_ip, last_login_agent, created_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var buildingID sql.NullString
	var lastFailed, lockout, lastLogin sql.NullTime
	err := row.Scan(&u.ID, &u.Email, &u.EmailLower, &u.Phone, &u.PasswordHash, &u.Role,
		&buildingID, &u.Apartment, &u.Active, &u.Verified, &u.FailedLogins,
		&lastFailed, &lockout, &lastLogin, &u.LastLoginIP, &u.LastLoginUA, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.BuildingID = fromNullStr(buildingID)
	u.LastFailedAt = fromNullTime(lastFailed)
	u.LockoutUntil = fromNullTime(lockout)
	u.LastLoginAt = fromNullTime(lastLogin)
	return &u, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO users (`+userCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.EmailLower, u.Phone, u.PasswordHash, u.Role,
		nullStr(u.BuildingID), u.Apartment, u.Active, u.Verified, u.FailedLogins,
		nullTime(u.LastFailedAt), nullTime(u.LockoutUntil),
		nullTime(u.LastLoginAt), u.LastLoginIP, u.LastLoginUA, u.CreatedAt,
	)
	return sqliteErr(err)
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return scanUser(s.q.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE id = ?`, id))
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, emailLower string) (*User, error) {
	return scanUser(s.q.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE email_lower = ? AND active = 1`, emailLower))
}

func (s *SQLiteStore) GetUserByPhone(ctx context.Context, phone string) (*User, error) {
	return scanUser(s.q.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE phone = ? AND active = 1`, phone))
}

func (s *SQLiteStore) ListPendingUsers(ctx context.Context, buildingID string) ([]User, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+userCols+` FROM users
		 WHERE building_id = ? AND verified = 0 AND active = 1 ORDER BY created_at DESC`,
		buildingID)
	if err != nil {
		return nil, sqliteErr(err)
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

func (s *SQLiteStore) SetUserVerified(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE users SET verified = 1 WHERE id = ?`, id)
	return sqliteErr(err)
}

func (s *SQLiteStore) DeactivateUser(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE users SET active = 0 WHERE id = ?`, id)
	return sqliteErr(err)
}

func (s *SQLiteStore) RecordLoginFailure(ctx context.Context, id string, failed int, lastFailedAt time.Time, lockoutUntil *time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE users SET failed_logins = ?, last_failed_at = ?, lockout_until = ? WHERE id = ?`,
		failed, lastFailedAt, nullTime(lockoutUntil), id)
	return sqliteErr(err)
}

func (s *SQLiteStore) RecordLoginSuccess(ctx context.Context, id string, at time.Time, ip, agent string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE users SET failed_logins = 0, last_failed_at = NULL, lockout_until = NULL,
		 last_login_at = ?, last_login_ip = ?, last_login_agent = ? WHERE id = ?`,
		at, ip, agent, id)
	return sqliteErr(err)
}

// --- Sessions ---

const sessionCols = `id, user_id, access_hash, refresh_hash, issued_at, expires_at,
	refresh_expires_at, device, ip, revoked`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.UserID, &sess.AccessHash, &sess.RefreshHash,
		&sess.IssuedAt, &sess.ExpiresAt, &sess.RefreshExpiresAt, &sess.Device, &sess.IP, &sess.Revoked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.AccessHash, sess.RefreshHash, sess.IssuedAt,
		sess.ExpiresAt, sess.RefreshExpiresAt, sess.Device, sess.IP, sess.Revoked)
	return sqliteErr(err)
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	return scanSession(s.q.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id))
}

func (s *SQLiteStore) GetSessionByRefreshHash(ctx context.Context, hash string) (*Session, error) {
	return scanSession(s.q.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE refresh_hash = ?`, hash))
}

func (s *SQLiteStore) RotateSessionTokens(ctx context.Context, id, accessHash, refreshHash, device string, expiresAt, refreshExpiresAt time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE sessions SET access_hash = ?, refresh_hash = ?, device = ?, expires_at = ?, refresh_expires_at = ?
		 WHERE id = ?`,
		accessHash, refreshHash, device, expiresAt, refreshExpiresAt, id)
	return sqliteErr(err)
}

func (s *SQLiteStore) RevokeSession(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE sessions SET revoked = 1 WHERE id = ?`, id)
	return sqliteErr(err)
}

func (s *SQLiteStore) RevokeUserSessions(ctx context.Context, userID string) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE sessions SET revoked = 1 WHERE user_id = ? AND revoked = 0`, userID)
	if err != nil {
		return 0, sqliteErr(err)
	}
	return res.RowsAffected()
}

// --- Visits ---

const visitCols = `id, host_id, building_id, purpose, expected_start, expected_end,
	short_code, qr_hash, state, created_at, last_transition_at`

func scanVisit(row interface{ Scan(...any) error }) (*Visit, error) {
	var v Visit
	var code, qr sql.NullString
	err := row.Scan(&v.ID, &v.HostID, &v.BuildingID, &v.Purpose, &v.ExpectedStart,
		&v.ExpectedEnd, &code, &qr, &v.State, &v.CreatedAt, &v.LastTransitionAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.ShortCode = fromNullStr(code)
	v.QRHash = fromNullStr(qr)
	return &v, nil
}

func (s *SQLiteStore) CreateVisit(ctx context.Context, v *Visit) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO visits (`+visitCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.HostID, v.BuildingID, v.Purpose, v.ExpectedStart, v.ExpectedEnd,
		nullStr(v.ShortCode), nullStr(v.QRHash), v.State, v.CreatedAt, v.LastTransitionAt)
	if err != nil {
		return sqliteErr(err)
	}
	for _, vis := range v.Visitors {
		_, err := s.q.ExecContext(ctx,
			`INSERT INTO visit_visitors (id, visit_id, name, phone, position, state, entry_at, exit_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			vis.ID, v.ID, vis.Name, vis.Phone, vis.Position, vis.State,
			nullTime(vis.EntryAt), nullTime(vis.ExitAt))
		if err != nil {
			return sqliteErr(err)
		}
	}
	return nil
}

func (s *SQLiteStore) loadVisitors(ctx context.Context, visitID string) ([]Visitor, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, visit_id, name, phone, position, state, entry_at, exit_at
		 FROM visit_visitors WHERE visit_id = ? ORDER BY position`, visitID)
	if err != nil {
		return nil, sqliteErr(err)
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

func (s *SQLiteStore) getVisitWhere(ctx context.Context, where string, args ...any) (*Visit, error) {
	v, err := scanVisit(s.q.QueryRowContext(ctx,
		`SELECT `+visitCols+` FROM visits WHERE `+where, args...))
	if err != nil || v == nil {
		return nil, sqliteErr(err)
	}
	v.Visitors, err = s.loadVisitors(ctx, v.ID)
	return v, err
}

func (s *SQLiteStore) GetVisit(ctx context.Context, id string) (*Visit, error) {
	return s.getVisitWhere(ctx, `id = ?`, id)
}

func (s *SQLiteStore) GetVisitByQRHash(ctx context.Context, qrHash string) (*Visit, error) {
	return s.getVisitWhere(ctx, `qr_hash = ? AND state NOT IN `+sqliteTerminal, qrHash)
}

func (s *SQLiteStore) GetVisitByShortCode(ctx context.Context, buildingID, code string) (*Visit, error) {
	return s.getVisitWhere(ctx,
		`building_id = ? AND short_code = ? AND state NOT IN `+sqliteTerminal, buildingID, code)
}

func (s *SQLiteStore) listVisits(ctx context.Context, where string, page Page, args ...any) ([]Visit, PageInfo, error) {
	page = page.Clamp()
	var total int
	if err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM visits WHERE `+where, args...).Scan(&total); err != nil {
		return nil, PageInfo{}, sqliteErr(err)
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT `+visitCols+` FROM visits WHERE `+where+
			` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, page.Limit, page.offset())...)
	if err != nil {
		return nil, PageInfo{}, sqliteErr(err)
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

func (s *SQLiteStore) ListVisitsByHost(ctx context.Context, hostID string, page Page) ([]Visit, PageInfo, error) {
	return s.listVisits(ctx, `host_id = ?`, page, hostID)
}

func (s *SQLiteStore) ListVisitsByBuilding(ctx context.Context, buildingID string, page Page) ([]Visit, PageInfo, error) {
	return s.listVisits(ctx, `building_id = ?`, page, buildingID)
}

func (s *SQLiteStore) TransitionVisit(ctx context.Context, id, to string, from ...string) (bool, error) {
	placeholders := strings.TrimRight(strings.Repeat("?,", len(from)), ",")
	args := []any{to, time.Now().UTC(), id}
	for _, f := range from {
		args = append(args, f)
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE visits SET state = ?, last_transition_at = ? WHERE id = ? AND state IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return false, sqliteErr(err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) UpdateVisitDetails(ctx context.Context, id, purpose string, start, end time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE visits SET purpose = ?, expected_start = ?, expected_end = ? WHERE id = ?`,
		purpose, start, end, id)
	return sqliteErr(err)
}

func (s *SQLiteStore) RetireVisitCodes(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE visits SET short_code = NULL, qr_hash = NULL WHERE id = ?`, id)
	return sqliteErr(err)
}

func scanClaimedVisitor(row *sql.Row) (*Visitor, error) {
	var vis Visitor
	var entry, exit sql.NullTime
	err := row.Scan(&vis.ID, &vis.VisitID, &vis.Name, &vis.Phone, &vis.Position,
		&vis.State, &entry, &exit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, sqliteErr(err)
	}
	vis.EntryAt = fromNullTime(entry)
	vis.ExitAt = fromNullTime(exit)
	return &vis, nil
}

func (s *SQLiteStore) ClaimVisitorEntry(ctx context.Context, visitID string, at time.Time) (*Visitor, error) {
	// The conditional update is what makes concurrent scans at-most-once:
	// the loser matches zero rows.
	return scanClaimedVisitor(s.q.QueryRowContext(ctx,
		`UPDATE visit_visitors SET state = 'entered', entry_at = ?
		 WHERE id = (SELECT id FROM visit_visitors WHERE visit_id = ? AND state = 'expected' ORDER BY position LIMIT 1)
		   AND state = 'expected'
		 RETURNING id, visit_id, name, phone, position, state, entry_at, exit_at`,
		at, visitID))
}

func (s *SQLiteStore) ClaimVisitorExit(ctx context.Context, visitID string, at time.Time) (*Visitor, error) {
	return scanClaimedVisitor(s.q.QueryRowContext(ctx,
		`UPDATE visit_visitors SET state = 'exited', exit_at = ?
		 WHERE id = (SELECT id FROM visit_visitors WHERE visit_id = ? AND state = 'entered' ORDER BY position LIMIT 1)
		   AND state = 'entered'
		 RETURNING id, visit_id, name, phone, position, state, entry_at, exit_at`,
		at, visitID))
}

func (s *SQLiteStore) CountVisitorsInStates(ctx context.Context, visitID string, states ...string) (int, error) {
	placeholders := strings.TrimRight(strings.Repeat("?,", len(states)), ",")
	args := []any{visitID}
	for _, st := range states {
		args = append(args, st)
	}
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM visit_visitors WHERE visit_id = ? AND state IN (`+placeholders+`)`,
		args...).Scan(&n)
	return n, sqliteErr(err)
}

func (s *SQLiteStore) CancelOpenVisitors(ctx context.Context, visitID string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE visit_visitors SET state = 'cancelled'
		 WHERE visit_id = ? AND state IN ('expected','arrived','entered')`, visitID)
	return sqliteErr(err)
}

func (s *SQLiteStore) ListExpiryCandidates(ctx context.Context, cutoff time.Time, limit int) ([]Visit, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+visitCols+` FROM visits
		 WHERE state NOT IN `+sqliteTerminal+` AND expected_end < ?
		 ORDER BY expected_end LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, sqliteErr(err)
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

const banCols = `id, owner_id, phone, name, reason, severity, ban_type, created_at,
	expires_at, active, unban_reason, unbanned_at`

func scanBan(row interface{ Scan(...any) error }, withBuilding bool) (*Ban, error) {
	var b Ban
	var expires, unbanned sql.NullTime
	dest := []any{&b.ID, &b.OwnerID, &b.Phone, &b.Name, &b.Reason, &b.Severity, &b.BanType,
		&b.CreatedAt, &expires, &b.Active, &b.UnbanReason, &unbanned}
	if withBuilding {
		var building sql.NullString
		dest = append(dest, &building)
		if err := row.Scan(dest...); err != nil {
			if err == sql.ErrNoRows {
				return nil, nil
			}
			return nil, err
		}
		b.BuildingID = fromNullStr(building)
	} else {
		if err := row.Scan(dest...); err != nil {
			if err == sql.ErrNoRows {
				return nil, nil
			}
			return nil, err
		}
	}
	b.ExpiresAt = fromNullTime(expires)
	b.UnbannedAt = fromNullTime(unbanned)
	return &b, nil
}

func (s *SQLiteStore) CreateBan(ctx context.Context, b *Ban) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO bans (`+banCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.OwnerID, b.Phone, b.Name, b.Reason, b.Severity, b.BanType,
		b.CreatedAt, nullTime(b.ExpiresAt), b.Active, b.UnbanReason, nullTime(b.UnbannedAt))
	return sqliteErr(err)
}

func (s *SQLiteStore) GetBan(ctx context.Context, id string) (*Ban, error) {
	return scanBan(s.q.QueryRowContext(ctx,
		`SELECT `+banCols+` FROM bans WHERE id = ?`, id), false)
}

func (s *SQLiteStore) GetActiveBan(ctx context.Context, ownerID, phone string, now time.Time) (*Ban, error) {
	return scanBan(s.q.QueryRowContext(ctx,
		`SELECT `+banCols+` FROM bans
		 WHERE owner_id = ? AND phone = ? AND active = 1
		   AND (expires_at IS NULL OR expires_at > ?)`,
		ownerID, phone, now), false)
}

func (s *SQLiteStore) ListActiveBansByBuildingPhone(ctx context.Context, buildingID, phone string, now time.Time) ([]Ban, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT b.id, b.owner_id, b.phone, b.name, b.reason, b.severity, b.ban_type, b.created_at,
		        b.expires_at, b.active, b.unban_reason, b.unbanned_at, u.building_id
		 FROM bans b JOIN users u ON b.owner_id = u.id
		 WHERE u.building_id = ? AND b.phone = ? AND b.active = 1
		   AND (b.expires_at IS NULL OR b.expires_at > ?)
		 ORDER BY b.created_at DESC`,
		buildingID, phone, now)
	if err != nil {
		return nil, sqliteErr(err)
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

func (s *SQLiteStore) ListBansByOwner(ctx context.Context, ownerID string, page Page) ([]Ban, PageInfo, error) {
	page = page.Clamp()
	var total int
	if err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bans WHERE owner_id = ?`, ownerID).Scan(&total); err != nil {
		return nil, PageInfo{}, sqliteErr(err)
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT `+banCols+` FROM bans WHERE owner_id = ?
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		ownerID, page.Limit, page.offset())
	if err != nil {
		return nil, PageInfo{}, sqliteErr(err)
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

func (s *SQLiteStore) DeactivateBan(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE bans SET active = 0, unban_reason = ?, unbanned_at = ? WHERE id = ? AND active = 1`,
		reason, at, id)
	if err != nil {
		return false, sqliteErr(err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// --- Notifications ---

func (s *SQLiteStore) CreateNotification(ctx context.Context, n *Notification) error {
	payload := "{}"
	if len(n.Payload) > 0 {
		payload = string(n.Payload)
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, building_id, type, title, body, payload, priority, read, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, nullStr(n.BuildingID), n.Type, n.Title, n.Body, payload,
		n.Priority, n.Read, n.CreatedAt, nullTime(n.ExpiresAt))
	return sqliteErr(err)
}

func (s *SQLiteStore) ListNotifications(ctx context.Context, userID string, page Page) ([]Notification, PageInfo, error) {
	page = page.Clamp()
	var total int
	if err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = ?`, userID).Scan(&total); err != nil {
		return nil, PageInfo{}, sqliteErr(err)
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT id, user_id, building_id, type, title, body, payload, priority, read, created_at, expires_at
		 FROM notifications WHERE user_id = ?
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		userID, page.Limit, page.offset())
	if err != nil {
		return nil, PageInfo{}, sqliteErr(err)
	}
	defer func() { _ = rows.Close() }()

	var out []Notification
	for rows.Next() {
		var n Notification
		var building sql.NullString
		var payload string
		var expires sql.NullTime
		if err := rows.Scan(&n.ID, &n.UserID, &building, &n.Type, &n.Title, &n.Body,
			&payload, &n.Priority, &n.Read, &n.CreatedAt, &expires); err != nil {
			return nil, PageInfo{}, err
		}
		n.BuildingID = fromNullStr(building)
		n.Payload = []byte(payload)
		n.ExpiresAt = fromNullTime(expires)
		out = append(out, n)
	}
	return out, pageInfo(total, page), rows.Err()
}

func (s *SQLiteStore) MarkNotificationRead(ctx context.Context, id, userID string) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE notifications SET read = 1 WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, sqliteErr(err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) PurgeNotifications(ctx context.Context, createdBefore, readBefore time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM notifications WHERE created_at < ? OR (read = 1 AND created_at < ?)`,
		createdBefore, readBefore)
	if err != nil {
		return 0, sqliteErr(err)
	}
	return res.RowsAffected()
}
