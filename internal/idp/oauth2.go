package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/oauth2"
)

// OAuth2Config configures a generic OAuth 2.0 provider.
type OAuth2Config struct {
	// ProviderType identifies this provider (defaults to "oauth2").
	ProviderType string

	AuthorizationURL string
	TokenURL         string
	UserInfoURL      string

	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	HTTPClient *http.Client
}

// OAuth2Provider implements the Provider interface for standards-compliant
// authorization code providers with a JSON userinfo endpoint.
type OAuth2Provider struct {
	providerType string
	config       oauth2.Config
	userInfoURL  string
	client       *http.Client
}

// oauth2UserInfoResponse covers the OIDC standard claims a userinfo
// endpoint is expected to return.
type oauth2UserInfoResponse struct {
	Sub               string `json:"sub"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	Picture           string `json:"picture"`
}

// NewOAuth2Provider creates a new generic OAuth 2.0 provider.
func NewOAuth2Provider(cfg OAuth2Config) (*OAuth2Provider, error) {
	if cfg.AuthorizationURL == "" || cfg.TokenURL == "" || cfg.UserInfoURL == "" {
		return nil, fmt.Errorf("all endpoints (authorizationUrl, tokenUrl, userInfoUrl) must be provided")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile"}
	}

	providerType := cfg.ProviderType
	if providerType == "" {
		providerType = "oauth2"
	}

	client := cfg.HTTPClient
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}

	return &OAuth2Provider{
		providerType: providerType,
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizationURL,
				TokenURL: cfg.TokenURL,
			},
		},
		userInfoURL: cfg.UserInfoURL,
		client:      client,
	}, nil
}

// Type returns the provider type.
func (p *OAuth2Provider) Type() string {
	return p.providerType
}

// AuthURL generates the authorization URL.
func (p *OAuth2Provider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// ExchangeCode exchanges an authorization code for tokens.
func (p *OAuth2Provider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode != "" {
			apiErr := &APIError{Message: retrieveErr.ErrorCode}
			if retrieveErr.ErrorDescription != "" {
				apiErr.Message += ": " + retrieveErr.ErrorDescription
			}
			if retrieveErr.Response != nil {
				apiErr.Code = retrieveErr.Response.StatusCode
			}
			return nil, apiErr
		}
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return token, nil
}

// UserInfo fetches user identity from the userinfo endpoint.
func (p *OAuth2Provider) UserInfo(ctx context.Context, token *oauth2.Token) (*Identity, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	client := p.config.Client(ctx, token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build user info request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read user info: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Code: resp.StatusCode, Message: string(truncate(body, 1024))}
	}

	var userInfoResp oauth2UserInfoResponse
	if err := json.Unmarshal(body, &userInfoResp); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	if userInfoResp.Sub == "" {
		return nil, fmt.Errorf("user info has no subject")
	}

	name := userInfoResp.Name
	if name == "" {
		name = userInfoResp.PreferredUsername
	}

	return &Identity{
		ProviderType: p.providerType,
		ExternalID:   userInfoResp.Sub,
		Nickname:     name,
		Avatar:       userInfoResp.Picture,
		Raw:          json.RawMessage(body),
	}, nil
}
