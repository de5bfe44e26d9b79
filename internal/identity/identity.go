// Package identity manages accounts, credentials and sessions.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/safeguardhq/safeguard/internal/config"
	"github.com/safeguardhq/safeguard/internal/fault"
	"github.com/safeguardhq/safeguard/internal/metrics"
	"github.com/safeguardhq/safeguard/internal/phone"
	"github.com/safeguardhq/safeguard/internal/store"
)

var emailRx = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// dummyHash is compared against when the account does not exist, so that
// lookup misses and password mismatches take the same time.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("safeguard-timing-pad"), bcrypt.MinCost)

// SessionCache is an optional read-through cache in front of session rows.
// Implementations must treat absence as a miss, never as revocation.
type SessionCache interface {
	GetSession(ctx context.Context, id string) (*store.Session, bool)
	PutSession(ctx context.Context, s *store.Session)
	Invalidate(ctx context.Context, id string)
}

// Engine implements registration, login, session verification and rotation.
type Engine struct {
	store store.Store
	cfg   config.AuthConfig
	cache SessionCache // may be nil
	log   *slog.Logger
}

func NewEngine(st store.Store, cfg config.AuthConfig, cache SessionCache, log *slog.Logger) *Engine {
	return &Engine{store: st, cfg: cfg, cache: cache, log: log.With("component", "identity")}
}

// Principal is a verified caller: the session that authenticated the request
// and the user behind it.
type Principal struct {
	User    *store.User
	Session *store.Session
}

// TokenPair is what a successful login or refresh returns. Raw token material
// appears here and nowhere else.
type TokenPair struct {
	SessionID        string    `json:"session_id"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// RegisterInput carries a registration request.
type RegisterInput struct {
	Email      string
	Phone      string
	Password   string
	Role       string
	BuildingID string
	Apartment  string
}

type accessClaims struct {
	SessionID  string `json:"sid"`
	Role       string `json:"role"`
	BuildingID string `json:"bid,omitempty"`
	jwt.RegisteredClaims
}

// Register creates a new account. Residents and building admins start
// unverified and need approval; security accounts are verified immediately.
func (e *Engine) Register(ctx context.Context, in RegisterInput) (*store.User, error) {
	if !emailRx.MatchString(in.Email) {
		return nil, fault.New(fault.Validation, fault.ReasonInvalidInput, "invalid email address").
			WithDetails(map[string]string{"field": "email"})
	}
	normPhone, err := phone.Normalize(in.Phone)
	if err != nil {
		return nil, fault.New(fault.Validation, fault.ReasonInvalidInput, "phone must be E.164").
			WithDetails(map[string]string{"field": "phone"})
	}
	if err := checkPasswordPolicy(in.Password); err != nil {
		return nil, err
	}

	switch in.Role {
	case store.RoleResident, store.RoleSecurity, store.RoleBuildingAdmin:
	default:
		return nil, fault.New(fault.Validation, fault.ReasonInvalidRole,
			fmt.Sprintf("role %q cannot self-register", in.Role))
	}
	if in.BuildingID == "" {
		return nil, fault.New(fault.Validation, fault.ReasonInvalidInput, "building_id is required").
			WithDetails(map[string]string{"field": "building_id"})
	}
	if in.Role == store.RoleResident && in.Apartment == "" {
		return nil, fault.New(fault.Validation, fault.ReasonInvalidInput, "apartment is required for residents").
			WithDetails(map[string]string{"field": "apartment"})
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), e.cfg.HashCost)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, fault.ReasonInvalidInput, "hash password", err)
	}

	u := &store.User{
		ID:           uuid.NewString(),
		Email:        in.Email,
		EmailLower:   strings.ToLower(in.Email),
		Phone:        normPhone,
		PasswordHash: string(hash),
		Role:         in.Role,
		BuildingID:   in.BuildingID,
		Apartment:    in.Apartment,
		Active:       true,
		Verified:     in.Role == store.RoleSecurity,
		CreatedAt:    time.Now().UTC(),
	}

	err = e.store.InTx(ctx, func(tx store.Store) error {
		b, err := tx.GetBuilding(ctx, in.BuildingID)
		if err != nil {
			return fault.Storage(err)
		}
		if b == nil || !b.Active {
			return fault.New(fault.NotFound, fault.ReasonNotFound, "building not found")
		}
		if existing, err := tx.GetUserByEmail(ctx, u.EmailLower); err != nil {
			return fault.Storage(err)
		} else if existing != nil {
			return fault.New(fault.Conflict, fault.ReasonDuplicateEmail, "email already registered")
		}
		if existing, err := tx.GetUserByPhone(ctx, u.Phone); err != nil {
			return fault.Storage(err)
		} else if existing != nil {
			return fault.New(fault.Conflict, fault.ReasonDuplicatePhone, "phone already registered")
		}
		if in.Role == store.RoleResident {
			n, err := tx.CountActiveResidents(ctx, in.BuildingID)
			if err != nil {
				return fault.Storage(err)
			}
			if n >= b.LicenseQuota {
				return fault.New(fault.License, fault.ReasonLicenseExhausted,
					"building resident quota is exhausted")
			}
		}
		return fault.Storage(tx.CreateUser(ctx, u))
	})
	if err != nil {
		// The partial unique indexes are the backstop against races between
		// the pre-checks and the insert.
		if errors.Is(err, store.ErrConflict) {
			return nil, fault.Wrap(fault.Conflict, fault.ReasonDuplicateEmail, "account already registered", err)
		}
		return nil, err
	}

	e.log.Info("user registered", "user_id", u.ID, "role", u.Role, "building_id", u.BuildingID)
	return u, nil
}

// Login authenticates credentials and opens a session. Repeated failures
// inside the lockout window lock the account.
func (e *Engine) Login(ctx context.Context, email, password, device, ip, agent string) (*store.User, *TokenPair, error) {
	u, err := e.store.GetUserByEmail(ctx, strings.ToLower(email))
	if err != nil {
		return nil, nil, fault.Storage(err)
	}
	if u == nil {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, nil, fault.New(fault.Authentication, fault.ReasonInvalidCredentials, "invalid email or password")
	}

	now := time.Now().UTC()
	if u.LockoutUntil != nil && now.Before(*u.LockoutUntil) {
		return nil, nil, fault.New(fault.Authentication, fault.ReasonAccountLocked, "account temporarily locked").
			WithDetails(map[string]string{"locked_until": u.LockoutUntil.Format(time.RFC3339)})
	}

	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		failed := 1
		if u.LastFailedAt != nil && now.Sub(*u.LastFailedAt) < e.cfg.LockoutWindow {
			failed = u.FailedLogins + 1
		}
		var until *time.Time
		if failed >= e.cfg.LockoutThreshold {
			t := now.Add(e.cfg.LockoutDuration)
			until = &t
			e.log.Warn("account locked", "user_id", u.ID, "failed_attempts", failed)
		}
		if err := e.store.RecordLoginFailure(ctx, u.ID, failed, now, until); err != nil {
			e.log.Error("record login failure", "user_id", u.ID, "error", err)
		}
		metrics.LoginFailures.Inc()
		return nil, nil, fault.New(fault.Authentication, fault.ReasonInvalidCredentials, "invalid email or password")
	}

	if err := e.store.RecordLoginSuccess(ctx, u.ID, now, ip, agent); err != nil {
		e.log.Error("record login success", "user_id", u.ID, "error", err)
	}

	pair, err := e.issueSession(ctx, u, device, ip)
	if err != nil {
		return nil, nil, err
	}
	e.log.Info("login", "user_id", u.ID, "session_id", pair.SessionID)
	return u, pair, nil
}

// StartSession opens a session for an already-authenticated user, such as
// right after registration.
func (e *Engine) StartSession(ctx context.Context, u *store.User, device, ip string) (*TokenPair, error) {
	return e.issueSession(ctx, u, device, ip)
}

func (e *Engine) issueSession(ctx context.Context, u *store.User, device, ip string) (*TokenPair, error) {
	now := time.Now().UTC()
	sessionID := uuid.NewString()
	access, err := e.signAccessToken(sessionID, u, now)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, fault.ReasonInvalidToken, "sign access token", err)
	}
	refresh, err := newOpaqueToken()
	if err != nil {
		return nil, fault.Wrap(fault.Internal, fault.ReasonInvalidToken, "generate refresh token", err)
	}

	sess := &store.Session{
		ID:               sessionID,
		UserID:           u.ID,
		AccessHash:       hashToken(access),
		RefreshHash:      hashToken(refresh),
		IssuedAt:         now,
		ExpiresAt:        now.Add(e.cfg.AccessTTL),
		RefreshExpiresAt: now.Add(e.cfg.RefreshTTL),
		Device:           device,
		IP:               ip,
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return nil, fault.Storage(err)
	}
	if e.cache != nil {
		e.cache.PutSession(ctx, sess)
	}
	return &TokenPair{
		SessionID:        sessionID,
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresAt:        sess.ExpiresAt,
		RefreshExpiresAt: sess.RefreshExpiresAt,
	}, nil
}

func (e *Engine) signAccessToken(sessionID string, u *store.User, now time.Time) (string, error) {
	claims := accessClaims{
		SessionID:  sessionID,
		Role:       u.Role,
		BuildingID: u.BuildingID,
		RegisteredClaims: jwt.RegisteredClaims{
			// The jti keeps tokens unique even when two issuances share the
			// same second; rotation depends on the new token hashing
			// differently from the old one.
			ID:        uuid.NewString(),
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(e.cfg.AccessTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(e.cfg.JWTSecret))
}

// Verify authenticates an access token and returns the principal behind it.
// The session row remains the source of truth: a structurally valid token is
// rejected when the session was revoked or rotated away.
func (e *Engine) Verify(ctx context.Context, token string) (*Principal, error) {
	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(e.cfg.JWTSecret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fault.New(fault.Authentication, fault.ReasonTokenExpired, "access token expired")
		}
		return nil, fault.Wrap(fault.Authentication, fault.ReasonInvalidToken, "invalid access token", err)
	}

	sess, err := e.lookupSession(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.UserID != claims.Subject {
		return nil, fault.New(fault.Authentication, fault.ReasonInvalidToken, "unknown session")
	}
	if sess.Revoked {
		return nil, fault.New(fault.Authentication, fault.ReasonSessionRevoked, "session revoked")
	}
	if sess.AccessHash != hashToken(token) {
		// A rotation has superseded this token.
		return nil, fault.New(fault.Authentication, fault.ReasonSessionRevoked, "token superseded")
	}
	if time.Now().UTC().After(sess.ExpiresAt) {
		return nil, fault.New(fault.Authentication, fault.ReasonTokenExpired, "session expired")
	}

	u, err := e.store.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return nil, fault.Storage(err)
	}
	if u == nil || !u.Active {
		return nil, fault.New(fault.Authentication, fault.ReasonSessionRevoked, "account deactivated")
	}
	return &Principal{User: u, Session: sess}, nil
}

func (e *Engine) lookupSession(ctx context.Context, id string) (*store.Session, error) {
	if e.cache != nil {
		if sess, ok := e.cache.GetSession(ctx, id); ok {
			return sess, nil
		}
	}
	sess, err := e.store.GetSession(ctx, id)
	if err != nil {
		return nil, fault.Storage(err)
	}
	if sess != nil && e.cache != nil {
		e.cache.PutSession(ctx, sess)
	}
	return sess, nil
}

// Refresh rotates both tokens of a session. The presented refresh token and
// the session's current access token both stop working. A non-empty device
// replaces the session's device fingerprint.
func (e *Engine) Refresh(ctx context.Context, refreshToken, device string) (*TokenPair, error) {
	sess, err := e.store.GetSessionByRefreshHash(ctx, hashToken(refreshToken))
	if err != nil {
		return nil, fault.Storage(err)
	}
	if sess == nil {
		return nil, fault.New(fault.Authentication, fault.ReasonInvalidToken, "unknown refresh token")
	}
	if sess.Revoked {
		return nil, fault.New(fault.Authentication, fault.ReasonSessionRevoked, "session revoked")
	}
	now := time.Now().UTC()
	if now.After(sess.RefreshExpiresAt) {
		return nil, fault.New(fault.Authentication, fault.ReasonTokenExpired, "refresh token expired")
	}

	u, err := e.store.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return nil, fault.Storage(err)
	}
	if u == nil || !u.Active {
		return nil, fault.New(fault.Authentication, fault.ReasonSessionRevoked, "account deactivated")
	}

	access, err := e.signAccessToken(sess.ID, u, now)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, fault.ReasonInvalidToken, "sign access token", err)
	}
	refresh, err := newOpaqueToken()
	if err != nil {
		return nil, fault.Wrap(fault.Internal, fault.ReasonInvalidToken, "generate refresh token", err)
	}

	if device == "" {
		device = sess.Device
	}
	expiresAt := now.Add(e.cfg.AccessTTL)
	refreshExpiresAt := now.Add(e.cfg.RefreshTTL)
	if err := e.store.RotateSessionTokens(ctx, sess.ID, hashToken(access), hashToken(refresh), device, expiresAt, refreshExpiresAt); err != nil {
		return nil, fault.Storage(err)
	}
	if e.cache != nil {
		e.cache.Invalidate(ctx, sess.ID)
	}
	return &TokenPair{
		SessionID:        sess.ID,
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresAt:        expiresAt,
		RefreshExpiresAt: refreshExpiresAt,
	}, nil
}

// Logout revokes a single session.
func (e *Engine) Logout(ctx context.Context, sessionID string) error {
	if err := e.store.RevokeSession(ctx, sessionID); err != nil {
		return fault.Storage(err)
	}
	if e.cache != nil {
		e.cache.Invalidate(ctx, sessionID)
	}
	return nil
}

// LogoutAll revokes every open session of a user.
func (e *Engine) LogoutAll(ctx context.Context, userID string) (int64, error) {
	n, err := e.store.RevokeUserSessions(ctx, userID)
	if err != nil {
		return 0, fault.Storage(err)
	}
	// Cached entries age out at the cache TTL; Verify also rechecks the
	// revoked flag against whatever copy it sees.
	return n, nil
}

// ListPending returns unverified accounts of a building.
func (e *Engine) ListPending(ctx context.Context, actor *store.User, buildingID string) ([]store.User, error) {
	if err := requireBuildingAdmin(actor, buildingID); err != nil {
		return nil, err
	}
	users, err := e.store.ListPendingUsers(ctx, buildingID)
	if err != nil {
		return nil, fault.Storage(err)
	}
	return users, nil
}

// Approve marks a pending account verified.
func (e *Engine) Approve(ctx context.Context, actor *store.User, userID string) (*store.User, error) {
	u, err := e.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fault.Storage(err)
	}
	if u == nil || !u.Active {
		return nil, fault.New(fault.NotFound, fault.ReasonNotFound, "user not found")
	}
	if err := requireBuildingAdmin(actor, u.BuildingID); err != nil {
		return nil, err
	}
	if err := e.store.SetUserVerified(ctx, userID); err != nil {
		return nil, fault.Storage(err)
	}
	u.Verified = true
	e.log.Info("user approved", "user_id", userID, "approved_by", actor.ID)
	return u, nil
}

func checkPasswordPolicy(pw string) error {
	if len(pw) < 8 {
		return fault.New(fault.Validation, fault.ReasonWeakPassword, "password must be at least 8 characters")
	}
	var upper, lower, digit, symbol bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}
	if !upper || !lower || !digit || !symbol {
		return fault.New(fault.Validation, fault.ReasonWeakPassword,
			"password needs upper and lower case letters, a digit and a symbol")
	}
	return nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
