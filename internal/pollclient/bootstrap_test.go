package pollclient

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/dgellow/qrlogin/internal/idp"
	"github.com/dgellow/qrlogin/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBootstrapper(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	b := FileBootstrapper{Path: path}

	err := b.Bootstrap(context.Background(),
		&session.Bundle{AccessToken: "first", TokenType: "Bearer"},
		&idp.Identity{ProviderType: "wechat", ExternalID: "u-123"},
	)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// Replaces an existing file
	require.NoError(t, b.Bootstrap(context.Background(), &session.Bundle{AccessToken: "second"}, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var stored StoredSession
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, "second", stored.Session.AccessToken)
	assert.Nil(t, stored.Profile)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}
