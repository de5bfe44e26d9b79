// Package store defines the persistence interface for SafeGuard and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Failure classes. Driver-specific errors are mapped onto these; callers
// match with errors.Is.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrConflict      = errors.New("store: constraint violation")
	ErrSerialization = errors.New("store: serialization failure")
)

// Visit states.
const (
	VisitPending   = "pending"
	VisitConfirmed = "confirmed"
	VisitActive    = "active"
	VisitCompleted = "completed"
	VisitCancelled = "cancelled"
	VisitExpired   = "expired"
)

// VisitTerminalStates are absorbing; short code and QR payload are retired on
// entry.
var VisitTerminalStates = []string{VisitCompleted, VisitCancelled, VisitExpired}

// Visitor states.
const (
	VisitorExpected  = "expected"
	VisitorArrived   = "arrived"
	VisitorEntered   = "entered"
	VisitorExited    = "exited"
	VisitorCancelled = "cancelled"
)

// User roles.
const (
	RoleSuperAdmin    = "super_admin"
	RoleBuildingAdmin = "building_admin"
	RoleResident      = "resident"
	RoleSecurity      = "security"
	RoleVisitor       = "visitor"
)

// Store is the persistence interface. All mutation goes through it; InTx
// provides transactional composition.
type Store interface {
	// InTx runs fn against a transaction-bound Store. A nil return commits,
	// anything else rolls back. Calling InTx on a transaction-bound Store
	// runs fn in the same transaction.
	InTx(ctx context.Context, fn func(tx Store) error) error

	// Buildings
	CreateBuilding(ctx context.Context, b *Building) error
	GetBuilding(ctx context.Context, id string) (*Building, error)
	ListBuildings(ctx context.Context) ([]Building, error)
	CountActiveResidents(ctx context.Context, buildingID string) (int, error)

	// Users
	CreateUser(ctx context.Context, u *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, emailLower string) (*User, error)
	GetUserByPhone(ctx context.Context, phone string) (*User, error)
	ListPendingUsers(ctx context.Context, buildingID string) ([]User, error)
	SetUserVerified(ctx context.Context, id string) error
	DeactivateUser(ctx context.Context, id string) error
	RecordLoginFailure(ctx context.Context, id string, failed int, lastFailedAt time.Time, lockoutUntil *time.Time) error
	RecordLoginSuccess(ctx context.Context, id string, at time.Time, ip, agent string) error

	// Sessions
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessionByRefreshHash(ctx context.Context, hash string) (*Session, error)
	RotateSessionTokens(ctx context.Context, id, accessHash, refreshHash, device string, expiresAt, refreshExpiresAt time.Time) error
	RevokeSession(ctx context.Context, id string) error
	RevokeUserSessions(ctx context.Context, userID string) (int64, error)

	// Visits
	CreateVisit(ctx context.Context, v *Visit) error
	GetVisit(ctx context.Context, id string) (*Visit, error)
	GetVisitByQRHash(ctx context.Context, qrHash string) (*Visit, error)
	GetVisitByShortCode(ctx context.Context, buildingID, code string) (*Visit, error)
	ListVisitsByHost(ctx context.Context, hostID string, page Page) ([]Visit, PageInfo, error)
	ListVisitsByBuilding(ctx context.Context, buildingID string, page Page) ([]Visit, PageInfo, error)
	// TransitionVisit moves the visit to state `to` iff its current state is
	// in `from`; reports whether a row changed.
	TransitionVisit(ctx context.Context, id, to string, from ...string) (bool, error)
	UpdateVisitDetails(ctx context.Context, id, purpose string, start, end time.Time) error
	RetireVisitCodes(ctx context.Context, id string) error
	// ClaimVisitorEntry conditionally moves the first visitor in `expected`
	// to `entered`; returns nil when no visitor is claimable. At-most-once:
	// concurrent claimers race on the conditional update, losers get nil.
	ClaimVisitorEntry(ctx context.Context, visitID string, at time.Time) (*Visitor, error)
	ClaimVisitorExit(ctx context.Context, visitID string, at time.Time) (*Visitor, error)
	CountVisitorsInStates(ctx context.Context, visitID string, states ...string) (int, error)
	CancelOpenVisitors(ctx context.Context, visitID string) error
	ListExpiryCandidates(ctx context.Context, cutoff time.Time, limit int) ([]Visit, error)

	// Bans
	CreateBan(ctx context.Context, b *Ban) error
	GetBan(ctx context.Context, id string) (*Ban, error)
	GetActiveBan(ctx context.Context, ownerID, phone string, now time.Time) (*Ban, error)
	ListActiveBansByBuildingPhone(ctx context.Context, buildingID, phone string, now time.Time) ([]Ban, error)
	ListBansByOwner(ctx context.Context, ownerID string, page Page) ([]Ban, PageInfo, error)
	DeactivateBan(ctx context.Context, id, reason string, at time.Time) (bool, error)

	// Notifications
	CreateNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, userID string, page Page) ([]Notification, PageInfo, error)
	MarkNotificationRead(ctx context.Context, id, userID string) (bool, error)
	PurgeNotifications(ctx context.Context, createdBefore, readBefore time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Building is the tenant boundary.
type Building struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	LicenseQuota int       `json:"license_quota"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// User is a human principal.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	EmailLower   string     `json:"-"`
	Phone        string     `json:"phone"`
	PasswordHash string     `json:"-"`
	Role         string     `json:"role"`
	BuildingID   string     `json:"building_id,omitempty"` // empty only for super_admin
	Apartment    string     `json:"apartment,omitempty"`
	Active       bool       `json:"active"`
	Verified     bool       `json:"verified"`
	FailedLogins int        `json:"-"`
	LastFailedAt *time.Time `json:"-"`
	LockoutUntil *time.Time `json:"-"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	LastLoginIP  string     `json:"-"`
	LastLoginUA  string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Session is an authenticated access window. Token material is stored hashed;
// the raw tokens leave the process exactly once, at issuance.
type Session struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	AccessHash       string    `json:"-"`
	RefreshHash      string    `json:"-"`
	IssuedAt         time.Time `json:"issued_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	Device           string    `json:"device,omitempty"`
	IP               string    `json:"-"`
	Revoked          bool      `json:"revoked"`
}

// Visit is a pending or active pass.
type Visit struct {
	ID               string    `json:"id"`
	HostID           string    `json:"host_id"`
	BuildingID       string    `json:"building_id"`
	Purpose          string    `json:"purpose"`
	ExpectedStart    time.Time `json:"expected_start"`
	ExpectedEnd      time.Time `json:"expected_end"`
	ShortCode        string    `json:"short_code,omitempty"` // cleared when terminal
	QRHash           string    `json:"-"`                    // cleared when terminal
	State            string    `json:"state"`
	CreatedAt        time.Time `json:"created_at"`
	LastTransitionAt time.Time `json:"last_transition_at"`
	Visitors         []Visitor `json:"visitors,omitempty"`
}

// Visitor is one person in a visit.
type Visitor struct {
	ID       string     `json:"id"`
	VisitID  string     `json:"visit_id"`
	Name     string     `json:"name"`
	Phone    string     `json:"phone"`
	Position int        `json:"-"`
	State    string     `json:"state"`
	EntryAt  *time.Time `json:"entry_at,omitempty"`
	ExitAt   *time.Time `json:"exit_at,omitempty"`
}

// Ban is a denial record owned by one user.
type Ban struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	BuildingID  string     `json:"building_id,omitempty"` // owner's building, denormalized at query time
	Phone       string     `json:"phone"`
	Name        string     `json:"name"`
	Reason      string     `json:"reason"`
	Severity    string     `json:"severity"` // low, medium, high
	BanType     string     `json:"ban_type"` // manual, automatic
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"` // nil means permanent
	Active      bool       `json:"active"`
	UnbanReason string     `json:"unban_reason,omitempty"`
	UnbannedAt  *time.Time `json:"unbanned_at,omitempty"`
}

// Notification is a durable record of a delivered event.
type Notification struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	BuildingID string          `json:"building_id,omitempty"`
	Type       string          `json:"type"`
	Title      string          `json:"title"`
	Body       string          `json:"body"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   string          `json:"priority"`
	Read       bool            `json:"read"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
}

// Page is a pagination request.
type Page struct {
	Number int
	Limit  int
}

// Clamp normalizes a page request to number ≥ 1 and limit within [1,100].
func (p Page) Clamp() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Limit < 1 {
		p.Limit = 20
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
	return p
}

func (p Page) offset() int { return (p.Number - 1) * p.Limit }

// PageInfo describes the full result set of a paginated query.
type PageInfo struct {
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasNext    bool `json:"hasNext"`
	HasPrev    bool `json:"hasPrev"`
}

func pageInfo(total int, p Page) PageInfo {
	pages := total / p.Limit
	if total%p.Limit != 0 {
		pages++
	}
	if pages == 0 {
		pages = 1
	}
	return PageInfo{
		Total:      total,
		TotalPages: pages,
		HasNext:    p.Number < pages,
		HasPrev:    p.Number > 1 && total > 0,
	}
}
