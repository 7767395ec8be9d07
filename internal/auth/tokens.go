package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"campusadmin.org/internal/audit"
	"campusadmin.org/internal/ids"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
	defaultIssuer     = "campusadmin"

	tokenTypeAccess     = "access"
	minSecretLength     = 32
	refreshSecretBytes  = 32
	maxRefreshSecretLen = 128
	clockSkew           = 5 * time.Second
)

// EventRecorder counts auth outcomes. obs.Metrics satisfies it.
type EventRecorder interface {
	AuthEvent(event, outcome string)
}

// SubjectCheck decides whether a refresh for userID may proceed, e.g. by
// rejecting deactivated accounts.
type SubjectCheck func(ctx context.Context, userID string) error

// AccessClaims are the claims of an access token. Only the subject identity
// is encoded; permissions are resolved per request.
type AccessClaims struct {
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// RefreshCredential is a freshly minted refresh secret. Secret is returned
// to the caller exactly once and never stored.
type RefreshCredential struct {
	Secret    string
	FamilyID  string
	ExpiresAt time.Time
}

// TokenPair is the result of login, registration and rotation.
type TokenPair struct {
	UserID           string    `json:"-"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// TokenService issues stateless access tokens and rotating refresh
// credentials with reuse detection.
type TokenService struct {
	store      RefreshTokenStore
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	admit      SubjectCheck
	log        *zap.Logger
	audit      *audit.Logger
	events     EventRecorder
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

// WithSigningSecret sets the HS256 key used for access tokens.
func WithSigningSecret(secret string) TokenOption {
	return func(s *TokenService) error {
		if len(strings.TrimSpace(secret)) < minSecretLength {
			return fmt.Errorf("auth: signing secret must be at least %d bytes", minSecretLength)
		}
		s.secret = []byte(secret)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh credential lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithSubjectCheck installs a gate consulted before every rotation.
func WithSubjectCheck(check SubjectCheck) TokenOption {
	return func(s *TokenService) error {
		s.admit = check
		return nil
	}
}

// WithTokenLogger sets the operational and security loggers.
func WithTokenLogger(log *zap.Logger) TokenOption {
	return func(s *TokenService) error {
		if log != nil {
			s.log = log
			s.audit = audit.New(log)
		}
		return nil
	}
}

// WithTokenEvents reports outcomes to rec.
func WithTokenEvents(rec EventRecorder) TokenOption {
	return func(s *TokenService) error {
		s.events = rec
		return nil
	}
}

// NewTokenService constructs a TokenService. A signing secret is required.
func NewTokenService(store RefreshTokenStore, opts ...TokenOption) (*TokenService, error) {
	if store == nil {
		return nil, errors.New("auth: refresh token store is required")
	}
	s := &TokenService{
		store:      store,
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
		log:        zap.NewNop(),
		audit:      audit.New(nil),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if len(s.secret) == 0 {
		return nil, errors.New("auth: signing secret is not configured")
	}
	return s, nil
}

// IssueAccessToken signs a short-lived token whose subject is userID.
func (s *TokenService) IssueAccessToken(userID string) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	exp := now.Add(s.accessTTL)
	claims := AccessClaims{
		TokenType: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        ids.New(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// VerifyAccessToken checks signature, issuer, type and expiry. Every failure
// is reported as ErrUnauthenticated.
func (s *TokenService) VerifyAccessToken(token string) (*AccessClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrUnauthenticated
	}
	parsed, err := jwt.ParseWithClaims(token, &AccessClaims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return nil, ErrUnauthenticated
	}
	if claims.TokenType != tokenTypeAccess || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrUnauthenticated
	}
	return claims, nil
}

// IssueRefreshCredential stores a new credential for userID. An empty
// familyID starts a new rotation chain.
func (s *TokenService) IssueRefreshCredential(ctx context.Context, userID, familyID string) (RefreshCredential, error) {
	if familyID == "" {
		familyID = ids.NewFamily()
	}
	secret, rec, err := s.newRefresh(userID, familyID, s.now())
	if err != nil {
		return RefreshCredential{}, err
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return RefreshCredential{}, fmt.Errorf("store refresh credential: %w", err)
	}
	return RefreshCredential{Secret: secret, FamilyID: familyID, ExpiresAt: rec.ExpiresAt}, nil
}

// IssuePair mints an access token and starts a new refresh chain.
func (s *TokenService) IssuePair(ctx context.Context, userID string) (TokenPair, error) {
	access, accessExp, err := s.IssueAccessToken(userID)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.IssueRefreshCredential(ctx, userID, "")
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		UserID:           userID,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh.Secret,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

// Rotate exchanges a refresh secret for a new access token and a successor
// secret in the same family.
//
// Presenting a credential that was already revoked is treated as theft: the
// whole family is revoked and ErrCredentialReused returned. Expiry is benign
// and revokes nothing. Losing a concurrent rotation of the same credential
// counts as reuse.
func (s *TokenService) Rotate(ctx context.Context, rawSecret string) (TokenPair, error) {
	rec, err := s.lookup(ctx, rawSecret)
	if err != nil {
		s.record("refresh", "invalid")
		return TokenPair{}, err
	}
	now := s.now()
	if rec.Revoked() {
		s.revokeOnReuse(ctx, rec, now)
		return TokenPair{}, ErrCredentialReused
	}
	if rec.Expired(now) {
		s.record("refresh", "expired")
		return TokenPair{}, ErrCredentialExpired
	}
	if s.admit != nil {
		if err := s.admit(ctx, rec.UserID); err != nil {
			s.record("refresh", "rejected")
			return TokenPair{}, err
		}
	}

	secret, successor, err := s.newRefresh(rec.UserID, rec.FamilyID, now)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.store.Rotate(ctx, rec.ID, successor, now); err != nil {
		switch {
		case errors.Is(err, ErrCredentialReused):
			s.revokeOnReuse(ctx, rec, now)
			return TokenPair{}, ErrCredentialReused
		case errors.Is(err, ErrCredentialExpired):
			s.record("refresh", "expired")
			return TokenPair{}, ErrCredentialExpired
		}
		return TokenPair{}, fmt.Errorf("rotate refresh credential: %w", err)
	}

	access, accessExp, err := s.IssueAccessToken(rec.UserID)
	if err != nil {
		return TokenPair{}, err
	}
	s.record("refresh", "ok")
	return TokenPair{
		UserID:           rec.UserID,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     secret,
		RefreshExpiresAt: successor.ExpiresAt,
	}, nil
}

// RevokeChain revokes the family of the presented secret. It succeeds for
// live and already rotated secrets alike.
func (s *TokenService) RevokeChain(ctx context.Context, rawSecret string) (userID string, err error) {
	rec, err := s.lookup(ctx, rawSecret)
	if err != nil {
		return "", err
	}
	if _, err := s.store.RevokeFamily(ctx, rec.FamilyID, RevokedLogout, s.now()); err != nil {
		return "", fmt.Errorf("revoke family: %w", err)
	}
	s.record("logout", "ok")
	return rec.UserID, nil
}

// RevokeAllForUser revokes every chain owned by userID.
func (s *TokenService) RevokeAllForUser(ctx context.Context, userID, reason string) error {
	n, err := s.store.RevokeUser(ctx, userID, reason, s.now())
	if err != nil {
		return fmt.Errorf("revoke user credentials: %w", err)
	}
	s.log.Info("revoked refresh credentials",
		zap.String("user_id", userID), zap.String("reason", reason), zap.Int64("count", n))
	return nil
}

// PurgeExpired deletes credentials that expired before the cutoff.
func (s *TokenService) PurgeExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.store.DeleteExpired(ctx, s.now().Add(-olderThan))
}

func (s *TokenService) lookup(ctx context.Context, rawSecret string) (*RefreshToken, error) {
	rawSecret = strings.TrimSpace(rawSecret)
	if rawSecret == "" || len(rawSecret) > maxRefreshSecretLen {
		return nil, ErrInvalidCredential
	}
	rec, err := s.store.FindByHash(ctx, hashSecret(rawSecret))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, fmt.Errorf("find refresh credential: %w", err)
	}
	return rec, nil
}

func (s *TokenService) revokeOnReuse(ctx context.Context, rec *RefreshToken, now time.Time) {
	s.record("refresh", "reused")
	n, err := s.store.RevokeFamily(ctx, rec.FamilyID, RevokedReuse, now)
	if err != nil {
		s.log.Error("revoke family after reuse", zap.String("family_id", rec.FamilyID), zap.Error(err))
	}
	s.audit.Record(ctx, audit.EventCredentialReuse,
		zap.String("user_id", rec.UserID),
		zap.String("family_id", rec.FamilyID),
		zap.Int64("revoked", n),
	)
}

func (s *TokenService) newRefresh(userID, familyID string, now time.Time) (string, *RefreshToken, error) {
	if strings.TrimSpace(userID) == "" {
		return "", nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	buf := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate refresh secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)
	rec := &RefreshToken{
		ID:        ids.New(),
		UserID:    userID,
		FamilyID:  familyID,
		TokenHash: hashSecret(secret),
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}
	return secret, rec, nil
}

func (s *TokenService) record(event, outcome string) {
	if s.events != nil {
		s.events.AuthEvent(event, outcome)
	}
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
