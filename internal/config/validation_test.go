package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFile(t *testing.T) {
	tests := []struct {
		name          string
		config        string
		wantErrors    []string
		wantWarnings  []string
		wantErrCount  int
		wantWarnCount int
	}{
		{
			name:          "valid_minimal_config",
			config:        minimalConfig,
			wantErrCount:  0,
			wantWarnCount: 0,
		},
		{
			name: "valid_sqlite_config",
			config: `{
				"version": "v1",
				"server": {"addr": ":8080"},
				"provider": {
					"appId": "wx1234",
					"appSecret": {"$env": "WECHAT_APP_SECRET"},
					"redirectUri": "https://x/cb",
					"timeout": "5s"
				},
				"state": {
					"storage": "sqlite",
					"sqlitePath": "/var/lib/qrlogin/states.db",
					"ttl": "10m",
					"cleanupInterval": "1m",
					"encryptionKey": {"$env": "STATE_KEY"}
				},
				"accounts": {"storage": "sqlite", "sqlitePath": "/var/lib/qrlogin/accounts.db"},
				"session": {"issuer": "x", "signingKey": {"$env": "SESSION_SIGNING_KEY"}}
			}`,
			wantErrCount:  0,
			wantWarnCount: 0,
		},
		{
			name:         "invalid_json",
			config:       `{not json`,
			wantErrors:   []string{"invalid JSON"},
			wantErrCount: 1,
		},
		{
			name: "missing_sections",
			config: `{
				"version": "v1"
			}`,
			wantErrors:   []string{"server field is required", "provider field is required", "session field is required"},
			wantErrCount: 3,
		},
		{
			name: "bash_style_secret",
			config: `{
				"version": "v1",
				"server": {"addr": ":8080"},
				"provider": {"appId": "wx1234", "appSecret": "${WECHAT_APP_SECRET}", "redirectUri": "https://x/cb"},
				"session": {"issuer": "x", "signingKey": {"$env": "SESSION_SIGNING_KEY"}}
			}`,
			wantErrors:    []string{"found bash-style syntax"},
			wantWarnings:  []string{"found bash-style syntax"},
			wantErrCount:  1,
			wantWarnCount: 1,
		},
		{
			name: "cleanup_longer_than_ttl",
			config: `{
				"version": "v1",
				"server": {"addr": ":8080"},
				"provider": {"appId": "wx1234", "appSecret": {"$env": "S"}, "redirectUri": "https://x/cb"},
				"state": {"ttl": "1m", "cleanupInterval": "5m"},
				"session": {"issuer": "x", "signingKey": {"$env": "K"}}
			}`,
			wantWarnings:  []string{"cleanupInterval (5m0s) is longer than ttl (1m0s)"},
			wantWarnCount: 1,
		},
		{
			name: "bad_duration_and_unknown_kind",
			config: `{
				"version": "v1",
				"server": {"addr": ":8080"},
				"provider": {"kind": "saml", "appId": "a", "appSecret": {"$env": "S"}, "redirectUri": "https://x/cb", "timeout": "soon"},
				"session": {"issuer": "x", "signingKey": {"$env": "K"}}
			}`,
			wantErrors:   []string{"invalid duration 'soon'", "unknown provider kind 'saml'"},
			wantErrCount: 2,
		},
		{
			name: "memory_accounts_warns",
			config: `{
				"version": "v1",
				"server": {"addr": ":8080"},
				"provider": {"appId": "a", "appSecret": {"$env": "S"}, "redirectUri": "https://x/cb"},
				"accounts": {"storage": "memory"},
				"session": {"issuer": "x", "signingKey": {"$env": "K"}}
			}`,
			wantWarnings:  []string{"memory account storage"},
			wantWarnCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.config), 0600))

			result, err := ValidateFile(path)
			require.NoError(t, err)

			assert.Len(t, result.Errors, tt.wantErrCount, "errors: %+v", result.Errors)
			assert.Len(t, result.Warnings, tt.wantWarnCount, "warnings: %+v", result.Warnings)

			for _, want := range tt.wantErrors {
				assert.True(t, containsMessage(result.Errors, want), "expected error containing %q in %+v", want, result.Errors)
			}
			for _, want := range tt.wantWarnings {
				assert.True(t, containsMessage(result.Warnings, want), "expected warning containing %q in %+v", want, result.Warnings)
			}
			assert.Equal(t, tt.wantErrCount == 0, result.IsValid())
		})
	}
}

func TestValidateFile_MissingFile(t *testing.T) {
	_, err := ValidateFile(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func containsMessage(issues []ValidationError, substr string) bool {
	for _, issue := range issues {
		if strings.Contains(issue.Message, substr) {
			return true
		}
	}
	return false
}
