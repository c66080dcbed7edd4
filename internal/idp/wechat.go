package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/oauth2"
)

const (
	wechatAuthorizationURL = "https://open.weixin.qq.com/connect/qrconnect"
	wechatTokenURL         = "https://api.weixin.qq.com/sns/oauth2/access_token"
	wechatUserInfoURL      = "https://api.weixin.qq.com/sns/userinfo"

	// maxResponseSize bounds provider replies; both endpoints return small
	// JSON objects.
	maxResponseSize = 1 << 20
)

// WeChatConfig configures the WeChat QR-connect provider. Endpoint fields
// default to the public WeChat Open Platform URLs.
type WeChatConfig struct {
	AppID            string
	AppSecret        string
	RedirectURI      string
	Scopes           []string
	AuthorizationURL string
	TokenURL         string
	UserInfoURL      string
	HTTPClient       *http.Client
}

// WeChatProvider implements the Provider interface for WeChat website
// login. WeChat speaks a dialect of OAuth 2.0: parameters are named appid
// and secret, the token endpoint is a GET, and failures come back as HTTP
// 200 with an errcode/errmsg body. The standard oauth2 exchange can't parse
// that, so requests are built by hand and only the token model is shared.
type WeChatProvider struct {
	appID            string
	appSecret        string
	redirectURI      string
	scope            string
	authorizationURL string
	tokenURL         string
	userInfoURL      string
	client           *http.Client
}

// wechatTokenResponse is the sns/oauth2/access_token reply.
type wechatTokenResponse struct {
	APIError
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	OpenID       string `json:"openid"`
	Scope        string `json:"scope"`
	UnionID      string `json:"unionid"`
}

// wechatUserInfoResponse is the sns/userinfo reply.
type wechatUserInfoResponse struct {
	APIError
	OpenID     string `json:"openid"`
	UnionID    string `json:"unionid"`
	Nickname   string `json:"nickname"`
	HeadImgURL string `json:"headimgurl"`
}

// NewWeChatProvider creates a new WeChat provider.
func NewWeChatProvider(cfg WeChatConfig) *WeChatProvider {
	p := &WeChatProvider{
		appID:            cfg.AppID,
		appSecret:        cfg.AppSecret,
		redirectURI:      cfg.RedirectURI,
		scope:            "snsapi_login",
		authorizationURL: wechatAuthorizationURL,
		tokenURL:         wechatTokenURL,
		userInfoURL:      wechatUserInfoURL,
		client:           cfg.HTTPClient,
	}
	if len(cfg.Scopes) > 0 {
		p.scope = strings.Join(cfg.Scopes, ",")
	}
	if cfg.AuthorizationURL != "" {
		p.authorizationURL = cfg.AuthorizationURL
	}
	if cfg.TokenURL != "" {
		p.tokenURL = cfg.TokenURL
	}
	if cfg.UserInfoURL != "" {
		p.userInfoURL = cfg.UserInfoURL
	}
	if p.client == nil {
		p.client = cleanhttp.DefaultPooledClient()
	}
	return p
}

// Type returns the provider type.
func (p *WeChatProvider) Type() string {
	return "wechat"
}

// AuthURL generates the QR-connect page URL.
func (p *WeChatProvider) AuthURL(state string) string {
	params := url.Values{}
	params.Set("appid", p.appID)
	params.Set("redirect_uri", p.redirectURI)
	params.Set("response_type", "code")
	params.Set("scope", p.scope)
	params.Set("state", state)
	// Encode sorts keys, which happens to be the order WeChat expects
	return p.authorizationURL + "?" + params.Encode() + "#wechat_redirect"
}

// ExchangeCode exchanges an authorization code for an access token. The
// openid and unionid WeChat returns alongside the token are available via
// token.Extra.
func (p *WeChatProvider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	params := url.Values{}
	params.Set("appid", p.appID)
	params.Set("secret", p.appSecret)
	params.Set("code", code)
	params.Set("grant_type", "authorization_code")

	var resp wechatTokenResponse
	if err := p.get(ctx, p.tokenURL, params, &resp); err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	if resp.Code != 0 {
		return nil, &resp.APIError
	}
	if resp.AccessToken == "" || resp.OpenID == "" {
		return nil, fmt.Errorf("failed to exchange code: response missing access_token or openid")
	}

	token := &oauth2.Token{
		AccessToken:  resp.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: resp.RefreshToken,
		ExpiresIn:    resp.ExpiresIn,
	}
	if resp.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return token.WithExtra(map[string]any{
		"openid":  resp.OpenID,
		"unionid": resp.UnionID,
		"scope":   resp.Scope,
	}), nil
}

// UserInfo fetches the WeChat profile. The external id is the unionid when
// the app belongs to an Open Platform account, and the openid otherwise.
func (p *WeChatProvider) UserInfo(ctx context.Context, token *oauth2.Token) (*Identity, error) {
	openID, _ := token.Extra("openid").(string)
	if openID == "" {
		return nil, fmt.Errorf("failed to get user info: token carries no openid")
	}

	params := url.Values{}
	params.Set("access_token", token.AccessToken)
	params.Set("openid", openID)

	var raw json.RawMessage
	if err := p.get(ctx, p.userInfoURL, params, &raw); err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}

	var resp wechatUserInfoResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	if resp.Code != 0 {
		return nil, &resp.APIError
	}

	if resp.OpenID == "" {
		resp.OpenID = openID
	}
	if resp.UnionID == "" {
		resp.UnionID, _ = token.Extra("unionid").(string)
	}

	externalID := resp.UnionID
	if externalID == "" {
		externalID = resp.OpenID
	}

	return &Identity{
		ProviderType: p.Type(),
		ExternalID:   externalID,
		OpenID:       resp.OpenID,
		UnionID:      resp.UnionID,
		Nickname:     resp.Nickname,
		Avatar:       resp.HeadImgURL,
		Raw:          raw,
	}, nil
}

// get issues a GET with query params and decodes the JSON reply into out.
func (p *WeChatProvider) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 1024))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
