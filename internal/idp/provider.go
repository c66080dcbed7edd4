package idp

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/oauth2"
)

// Identity is the external profile snapshot returned by a provider.
// ExternalID is the stable key accounts are linked by.
type Identity struct {
	ProviderType string          `json:"provider_type"`
	ExternalID   string          `json:"external_id"`
	OpenID       string          `json:"openid,omitempty"`
	UnionID      string          `json:"unionid,omitempty"`
	Nickname     string          `json:"nickname"`
	Avatar       string          `json:"avatar"`
	Raw          json.RawMessage `json:"-"`
}

// Provider abstracts identity provider operations.
type Provider interface {
	// Type returns the provider type identifier (e.g., "wechat", "oauth2").
	Type() string

	// AuthURL generates the authorization URL for the login flow. For
	// QR-based providers this is the page the browser renders as a QR code.
	AuthURL(state string) string

	// ExchangeCode exchanges an authorization code for tokens.
	ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error)

	// UserInfo fetches the profile the token grants access to.
	UserInfo(ctx context.Context, token *oauth2.Token) (*Identity, error)
}

// APIError is a failure reported by the provider itself, as opposed to a
// transport failure.
type APIError struct {
	Code    int    `json:"errcode"`
	Message string `json:"errmsg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}
