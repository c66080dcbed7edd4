package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Bundle is the credential set handed to a browser after a successful login.
type Bundle struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Token uses carried in the "use" claim
const (
	UseAccess  = "access"
	UseRefresh = "refresh"
)

// ErrInvalidToken is returned by Parse for any token that fails validation
var ErrInvalidToken = errors.New("invalid session token")

// Claims are the JWT claims of both session tokens
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	Use       string `json:"use"`
}

// IssuerConfig configures an Issuer
type IssuerConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Issuer signs HS256 session tokens
type Issuer struct {
	issuer     string
	audience   string
	key        []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewIssuer creates an Issuer. The signing key must be at least 32 bytes.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if len(cfg.SigningKey) < 32 {
		return nil, fmt.Errorf("signing key must be at least 32 bytes, got %d", len(cfg.SigningKey))
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, fmt.Errorf("token ttls must be positive")
	}
	key := make([]byte, len(cfg.SigningKey))
	copy(key, cfg.SigningKey)
	return &Issuer{
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		key:        key,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}, nil
}

// Issue mints an access and refresh token pair for the account. Both
// tokens share a session id.
func (i *Issuer) Issue(accountID string) (*Bundle, error) {
	if accountID == "" {
		return nil, fmt.Errorf("account id is required")
	}

	now := i.now()
	sid := uuid.NewString()

	accessExpiry := now.Add(i.accessTTL)
	access, err := i.sign(accountID, sid, UseAccess, now, accessExpiry)
	if err != nil {
		return nil, err
	}
	refresh, err := i.sign(accountID, sid, UseRefresh, now, now.Add(i.refreshTTL))
	if err != nil {
		return nil, err
	}

	return &Bundle{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresAt:    accessExpiry.Truncate(time.Second),
	}, nil
}

func (i *Issuer) sign(subject, sid, use string, now, expiry time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
		SessionID: sid,
		Use:       use,
	}
	if i.audience != "" {
		claims.Audience = jwt.ClaimStrings{i.audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", use, err)
	}
	return signed, nil
}

// Parse validates a token and returns its claims. use must match the
// token's "use" claim so a refresh token can't stand in for an access token.
func (i *Issuer) Parse(tokenString, use string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(i.issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithTimeFunc(i.now),
	}
	if i.audience != "" {
		opts = append(opts, jwt.WithAudience(i.audience))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.key, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Use != use {
		return nil, fmt.Errorf("%w: token use %q, want %q", ErrInvalidToken, claims.Use, use)
	}
	return &claims, nil
}
