package idp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// fakeWeChat serves the two sns endpoints with canned replies.
func fakeWeChat(t *testing.T, tokenReply, userReply map[string]any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sns/oauth2/access_token", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "wx-app", r.URL.Query().Get("appid"))
		assert.Equal(t, "wx-secret", r.URL.Query().Get("secret"))
		assert.Equal(t, "authorization_code", r.URL.Query().Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(tokenReply))
	})
	mux.HandleFunc("/sns/userinfo", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ACCESS", r.URL.Query().Get("access_token"))
		assert.Equal(t, "o-123", r.URL.Query().Get("openid"))
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(userReply))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestWeChat(server *httptest.Server) *WeChatProvider {
	return NewWeChatProvider(WeChatConfig{
		AppID:       "wx-app",
		AppSecret:   "wx-secret",
		RedirectURI: "https://login.example.com/api/auth/wechat/callback",
		TokenURL:    server.URL + "/sns/oauth2/access_token",
		UserInfoURL: server.URL + "/sns/userinfo",
	})
}

func TestWeChatProvider_AuthURL(t *testing.T) {
	p := NewWeChatProvider(WeChatConfig{
		AppID:       "wx-app",
		AppSecret:   "wx-secret",
		RedirectURI: "https://login.example.com/api/auth/wechat/callback",
	})

	authURL := p.AuthURL("0f8fad5b-d9cb-469f-a165-70867728950e")

	assert.True(t, strings.HasPrefix(authURL, "https://open.weixin.qq.com/connect/qrconnect?"))
	assert.True(t, strings.HasSuffix(authURL, "#wechat_redirect"))

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "wx-app", q.Get("appid"))
	assert.Equal(t, "https://login.example.com/api/auth/wechat/callback", q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "snsapi_login", q.Get("scope"))
	assert.Equal(t, "0f8fad5b-d9cb-469f-a165-70867728950e", q.Get("state"))
	assert.NotContains(t, authURL, "wx-secret")
}

func TestWeChatProvider_ExchangeAndUserInfo(t *testing.T) {
	server := fakeWeChat(t,
		map[string]any{
			"access_token":  "ACCESS",
			"expires_in":    7200,
			"refresh_token": "REFRESH",
			"openid":        "o-123",
			"scope":         "snsapi_login",
			"unionid":       "u-456",
		},
		map[string]any{
			"openid":     "o-123",
			"nickname":   "Alice",
			"headimgurl": "https://thirdwx.qlogo.cn/a.png",
			"unionid":    "u-456",
		},
	)
	p := newTestWeChat(server)
	ctx := context.Background()

	token, err := p.ExchangeCode(ctx, "CODE")
	require.NoError(t, err)
	assert.Equal(t, "ACCESS", token.AccessToken)
	assert.Equal(t, "REFRESH", token.RefreshToken)
	assert.Equal(t, "o-123", token.Extra("openid"))
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), token.Expiry, time.Minute)

	identity, err := p.UserInfo(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "wechat", identity.ProviderType)
	assert.Equal(t, "u-456", identity.ExternalID)
	assert.Equal(t, "o-123", identity.OpenID)
	assert.Equal(t, "Alice", identity.Nickname)
	assert.Equal(t, "https://thirdwx.qlogo.cn/a.png", identity.Avatar)
	assert.Contains(t, string(identity.Raw), "headimgurl")
}

func TestWeChatProvider_ExternalIDFallsBackToOpenID(t *testing.T) {
	server := fakeWeChat(t,
		map[string]any{"access_token": "ACCESS", "openid": "o-123"},
		map[string]any{"openid": "o-123", "nickname": "Bob"},
	)
	p := newTestWeChat(server)

	token, err := p.ExchangeCode(context.Background(), "CODE")
	require.NoError(t, err)

	identity, err := p.UserInfo(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "o-123", identity.ExternalID)
	assert.Empty(t, identity.UnionID)
}

func TestWeChatProvider_APIErrors(t *testing.T) {
	t.Run("invalid code", func(t *testing.T) {
		server := fakeWeChat(t, map[string]any{"errcode": 40029, "errmsg": "invalid code"}, nil)
		p := newTestWeChat(server)

		_, err := p.ExchangeCode(context.Background(), "CODE")
		require.Error(t, err)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, 40029, apiErr.Code)
		assert.Equal(t, "invalid code", apiErr.Message)
	})

	t.Run("userinfo error", func(t *testing.T) {
		server := fakeWeChat(t,
			map[string]any{"access_token": "ACCESS", "openid": "o-123"},
			map[string]any{"errcode": 42001, "errmsg": "access_token expired"},
		)
		p := newTestWeChat(server)

		token, err := p.ExchangeCode(context.Background(), "CODE")
		require.NoError(t, err)

		_, err = p.UserInfo(context.Background(), token)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, 42001, apiErr.Code)
	})

	t.Run("token without openid", func(t *testing.T) {
		p := NewWeChatProvider(WeChatConfig{AppID: "wx-app"})
		_, err := p.UserInfo(context.Background(), &oauth2.Token{AccessToken: "ACCESS"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no openid")
	})

	t.Run("non-200 status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad gateway", http.StatusBadGateway)
		}))
		defer server.Close()

		p := NewWeChatProvider(WeChatConfig{AppID: "wx-app", TokenURL: server.URL})
		_, err := p.ExchangeCode(context.Background(), "CODE")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 502")
	})
}

func TestWeChatProvider_ContextTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	p := NewWeChatProvider(WeChatConfig{AppID: "wx-app", TokenURL: server.URL})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.ExchangeCode(ctx, "CODE")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
