package pollclient

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgellow/qrlogin/internal/idp"
	"github.com/dgellow/qrlogin/internal/session"
)

// StoredSession is the file layout written by FileBootstrapper
type StoredSession struct {
	Session *session.Bundle `json:"session"`
	Profile *idp.Identity   `json:"profile,omitempty"`
}

// FileBootstrapper persists the session to a file readable only by its owner
type FileBootstrapper struct {
	Path string
}

// Bootstrap writes the session atomically, replacing any previous one
func (b FileBootstrapper) Bootstrap(_ context.Context, bundle *session.Bundle, profile *idp.Identity) error {
	data, err := json.MarshalIndent(StoredSession{Session: bundle, Profile: profile}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("creating session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	// CreateTemp already opens with 0600
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.Path); err != nil {
		return fmt.Errorf("replacing session file: %w", err)
	}
	return nil
}
