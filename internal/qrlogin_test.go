package internal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgellow/qrlogin/internal/config"
	"github.com/dgellow/qrlogin/internal/pollclient"
	"github.com/dgellow/qrlogin/internal/server"
	"github.com/dgellow/qrlogin/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSigningKey = "test-signing-key-must-be-32-bytes-long"

func fakeWeChat(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sns/oauth2/access_token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("code") != "good" {
			_, _ = io.WriteString(w, `{"errcode":40029,"errmsg":"invalid code"}`)
			return
		}
		_, _ = io.WriteString(w, `{"access_token":"ACCESS","expires_in":7200,"openid":"o-123","unionid":"u-123"}`)
	})
	mux.HandleFunc("/sns/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"openid":"o-123","unionid":"u-123","nickname":"Alice"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, wechatURL string) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		Server: config.ServerConfig{
			Addr:    "127.0.0.1:0",
			BaseURL: "https://login.example.com",
		},
		Provider: config.ProviderConfig{
			Kind:        config.ProviderKindWeChat,
			AppID:       "wx-app",
			AppSecret:   "wx-secret",
			RedirectURI: "https://login.example.com/api/auth/wechat/callback",
			TokenURL:    wechatURL + "/sns/oauth2/access_token",
			UserInfoURL: wechatURL + "/sns/userinfo",
		},
		State: config.StateConfig{
			Storage:       config.StorageSQLite,
			SQLitePath:    filepath.Join(dir, "states.db"),
			EncryptionKey: "test-encryption-key-32-bytes-ok!",
		},
		Accounts: config.AccountsConfig{
			Storage:    config.StorageSQLite,
			SQLitePath: filepath.Join(dir, "accounts.db"),
		},
		Session: config.SessionConfig{
			Issuer:     "https://login.example.com",
			SigningKey: testSigningKey,
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestQRLoginEndToEnd(t *testing.T) {
	wechat := fakeWeChat(t)
	cfg := testConfig(t, wechat.URL)

	app, err := NewQRLogin(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	api := httptest.NewServer(app.Handler())
	defer api.Close()

	qrURLs := make(chan string, 1)
	sessionFile := filepath.Join(t.TempDir(), "session.json")

	loop := pollclient.NewLoop(
		pollclient.NewHTTPTransport(api.URL, api.Client()),
		pollclient.FileBootstrapper{Path: sessionFile},
		pollclient.Config{
			Interval: 10 * time.Millisecond,
			Observer: func(e pollclient.Event) {
				if e.State == pollclient.StatePolling {
					qrURLs <- e.QRURL
				}
			},
		},
	)

	done := make(chan *pollclient.Result, 1)
	go func() { done <- loop.Run(context.Background()) }()

	// Play the phone: scan, confirm, and let WeChat redirect to the callback
	var qrURL string
	select {
	case qrURL = <-qrURLs:
	case <-time.After(5 * time.Second):
		t.Fatal("loop never started polling")
	}
	u, err := url.Parse(qrURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)

	resp, err := http.Get(api.URL + server.PathCallback + "?code=good&state=" + url.QueryEscape(state))
	require.NoError(t, err)
	var cb map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cb))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, cb["success"])

	var res *pollclient.Result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop never finished")
	}
	require.Equal(t, pollclient.StateSuccess, res.State, res.Message)
	assert.Equal(t, "Alice", res.Profile.Nickname)

	data, err := os.ReadFile(sessionFile)
	require.NoError(t, err)
	var stored pollclient.StoredSession
	require.NoError(t, json.Unmarshal(data, &stored))

	issuer, err := session.NewIssuer(session.IssuerConfig{
		Issuer:     cfg.Session.Issuer,
		SigningKey: []byte(testSigningKey),
		AccessTTL:  cfg.Session.AccessTTL,
		RefreshTTL: cfg.Session.RefreshTTL,
	})
	require.NoError(t, err)
	claims, err := issuer.Parse(stored.Session.AccessToken, session.UseAccess)
	require.NoError(t, err)
	assert.NotEmpty(t, claims.Subject)

	// The result was delivered once; the state is gone
	resp, err = http.Get(api.URL + server.PathPoll + "?state=" + url.QueryEscape(state))
	require.NoError(t, err)
	var poll map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&poll))
	resp.Body.Close()
	assert.Equal(t, "not_found", poll["status"])
}

func TestNewQRLoginMemory(t *testing.T) {
	cfg := testConfig(t, "https://api.weixin.qq.com")
	cfg.State = config.StateConfig{}
	cfg.Accounts = config.AccountsConfig{}
	cfg.ApplyDefaults()

	app, err := NewQRLogin(context.Background(), cfg)
	require.NoError(t, err)
	defer app.Close()

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, server.PathHealth, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewQRLoginErrors(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*config.Config)
		expectError string
	}{
		{
			name:        "unknown provider",
			mutate:      func(c *config.Config) { c.Provider.Kind = "saml" },
			expectError: "unknown provider kind",
		},
		{
			name:        "short signing key",
			mutate:      func(c *config.Config) { c.Session.SigningKey = "short" },
			expectError: "signing key must be at least 32 bytes",
		},
		{
			name:        "unknown state storage",
			mutate:      func(c *config.Config) { c.State.Storage = "redis" },
			expectError: `unsupported state storage "redis"`,
		},
		{
			name:        "bad encryption key",
			mutate:      func(c *config.Config) { c.State.EncryptionKey = "too-short" },
			expectError: "failed to create encryptor",
		},
		{
			name:        "unknown account storage",
			mutate:      func(c *config.Config) { c.Accounts.Storage = "postgres" },
			expectError: `unsupported account storage "postgres"`,
		},
		{
			name: "mongo without uri",
			mutate: func(c *config.Config) {
				c.Accounts = config.AccountsConfig{Storage: config.StorageMongo, MongoDatabase: "qrlogin"}
			},
			expectError: "mongo uri is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, "https://api.weixin.qq.com")
			tt.mutate(&cfg)

			_, err := NewQRLogin(context.Background(), cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}
