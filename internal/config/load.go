package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/dgellow/qrlogin/internal/log"
)

// ConfigVersion is the config format this build understands
const ConfigVersion = "v1"

// secretField names a config value that must be an env reference
type secretField struct {
	section string
	name    string
	// required reports whether the secret must be present given the
	// surrounding section
	required func(section map[string]any) bool
}

var secretFields = []secretField{
	{"provider", "appSecret", func(map[string]any) bool { return true }},
	{"session", "signingKey", func(map[string]any) bool { return true }},
	{"state", "encryptionKey", func(s map[string]any) bool {
		storage, _ := s["storage"].(string)
		return storage != "" && storage != StorageMemory
	}},
	{"accounts", "mongoUri", func(s map[string]any) bool {
		storage, _ := s["storage"].(string)
		return storage == StorageMongo
	}},
}

// Load loads and processes the config with immediate env var resolution
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse processes raw config bytes the same way Load does
func Parse(data []byte) (Config, error) {
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if !strings.HasPrefix(version, ConfigVersion) {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	// The custom UnmarshalJSON methods resolve env vars immediately
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	config.ApplyDefaults()

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// validateRawConfig checks that secrets are env references before any
// environment resolution happens
func validateRawConfig(rawConfig map[string]any) error {
	for _, secret := range secretFields {
		section, _ := rawConfig[secret.section].(map[string]any)
		if section == nil {
			section = map[string]any{}
		}

		value, exists := section[secret.name]
		if !exists {
			if secret.required(section) {
				return fmt.Errorf("%s.%s is required", secret.section, secret.name)
			}
			continue
		}

		// Check if it's a string (bad) or a map (good - env ref)
		if _, isString := value.(string); isString {
			return fmt.Errorf("%s.%s must use environment variable reference for security", secret.section, secret.name)
		}
		if refMap, isMap := value.(map[string]any); isMap {
			if _, hasEnv := refMap["$env"]; !hasEnv {
				return fmt.Errorf("%s.%s must use {\"$env\": \"VAR_NAME\"} format", secret.section, secret.name)
			}
		}
	}
	return nil
}

// ApplyDefaults fills in every optional field left empty
func (c *Config) ApplyDefaults() {
	if c.Provider.Kind == "" {
		c.Provider.Kind = ProviderKindWeChat
	}
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = DefaultProviderTimeout
	}

	if c.State.Storage == "" {
		c.State.Storage = StorageMemory
	}
	if c.State.TTL == 0 {
		c.State.TTL = DefaultStateTTL
	}
	if c.State.CleanupInterval == 0 {
		c.State.CleanupInterval = DefaultCleanupInterval
	}
	if c.State.Storage == StorageFirestore {
		if c.State.FirestoreDatabase == "" {
			c.State.FirestoreDatabase = DefaultFirestoreDatabase
		}
		if c.State.FirestoreCollection == "" {
			c.State.FirestoreCollection = DefaultFirestoreCollection
		}
	}

	if c.Accounts.Storage == "" {
		c.Accounts.Storage = StorageMemory
	}
	if c.Accounts.Storage == StorageMongo && c.Accounts.MongoDatabase == "" {
		c.Accounts.MongoDatabase = DefaultMongoDatabase
	}

	if c.Session.AccessTTL == 0 {
		c.Session.AccessTTL = DefaultAccessTokenTTL
	}
	if c.Session.RefreshTTL == 0 {
		c.Session.RefreshTTL = DefaultRefreshTokenTTL
	}
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	if err := validateProviderConfig(&config.Provider); err != nil {
		return fmt.Errorf("provider config: %w", err)
	}
	if err := validateStateConfig(&config.State); err != nil {
		return fmt.Errorf("state config: %w", err)
	}
	if err := validateAccountsConfig(&config.Accounts); err != nil {
		return fmt.Errorf("accounts config: %w", err)
	}
	if err := validateSessionConfig(&config.Session); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	return nil
}

func validateProviderConfig(p *ProviderConfig) error {
	if p.AppID == "" {
		return fmt.Errorf("appId is required")
	}
	if p.AppSecret == "" {
		return fmt.Errorf("appSecret is required")
	}
	if p.RedirectURI == "" {
		return fmt.Errorf("redirectUri is required")
	}
	if p.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}

	switch p.Kind {
	case ProviderKindWeChat:
	case ProviderKindOAuth2:
		if p.AuthorizationURL == "" || p.TokenURL == "" || p.UserInfoURL == "" {
			return fmt.Errorf("authorizationUrl, tokenUrl and userInfoUrl are required for the oauth2 provider")
		}
	default:
		return fmt.Errorf("unknown provider kind: %s (supported: wechat, oauth2)", p.Kind)
	}
	return nil
}

func validateStateConfig(s *StateConfig) error {
	if s.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	if s.CleanupInterval < 0 {
		return fmt.Errorf("cleanupInterval cannot be negative")
	}
	if s.CleanupInterval > s.TTL {
		log.LogWarn("State cleanup interval is greater than state ttl")
	}

	switch s.Storage {
	case StorageMemory:
		return nil
	case StorageFirestore:
		if s.GCPProject == "" {
			return fmt.Errorf("gcpProject is required when using firestore storage")
		}
	case StorageSQLite:
		if s.SQLitePath == "" {
			return fmt.Errorf("sqlitePath is required when using sqlite storage")
		}
	default:
		return fmt.Errorf("unknown storage: %s (supported: memory, firestore, sqlite)", s.Storage)
	}

	if len(s.EncryptionKey) != 32 {
		return fmt.Errorf("encryptionKey must be exactly 32 characters (got %d). Generate with: openssl rand -base64 32 | head -c 32", len(s.EncryptionKey))
	}
	return nil
}

func validateAccountsConfig(a *AccountsConfig) error {
	switch a.Storage {
	case StorageMemory:
	case StorageSQLite:
		if a.SQLitePath == "" {
			return fmt.Errorf("sqlitePath is required when using sqlite storage")
		}
	case StorageMongo:
		if a.MongoURI == "" {
			return fmt.Errorf("mongoUri is required when using mongo storage")
		}
	default:
		return fmt.Errorf("unknown storage: %s (supported: memory, sqlite, mongo)", a.Storage)
	}
	return nil
}

func validateSessionConfig(s *SessionConfig) error {
	if s.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if len(s.SigningKey) < 32 {
		return fmt.Errorf("signingKey must be at least 32 characters (got %d). Generate with: openssl rand -base64 32", len(s.SigningKey))
	}
	if s.AccessTTL < 0 || s.RefreshTTL < 0 {
		return fmt.Errorf("token ttls cannot be negative")
	}
	return nil
}
