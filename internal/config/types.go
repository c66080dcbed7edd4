package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// ProviderKind selects the identity provider implementation
type ProviderKind string

const (
	ProviderKindWeChat ProviderKind = "wechat"
	ProviderKindOAuth2 ProviderKind = "oauth2"
)

// Storage backends for login states and accounts
const (
	StorageMemory    = "memory"
	StorageFirestore = "firestore"
	StorageSQLite    = "sqlite"
	StorageMongo     = "mongo"
)

// Defaults applied when a field is omitted
const (
	DefaultStateTTL            = 10 * time.Minute
	DefaultCleanupInterval     = time.Minute
	DefaultProviderTimeout     = 10 * time.Second
	DefaultAccessTokenTTL      = time.Hour
	DefaultRefreshTokenTTL     = 30 * 24 * time.Hour
	DefaultFirestoreDatabase   = "(default)"
	DefaultFirestoreCollection = "qrlogin_states"
	DefaultMongoDatabase       = "qrlogin"
)

// ServerConfig configures the HTTP surface
type ServerConfig struct {
	Addr           string   `json:"addr"`
	BaseURL        string   `json:"baseURL"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

// ProviderConfig configures the identity provider the broker logs users in
// with. The endpoint fields are required for the oauth2 kind and optional
// overrides for wechat.
type ProviderConfig struct {
	Kind             ProviderKind  `json:"kind"`
	AppID            string        `json:"appId"`
	AppSecret        Secret        `json:"appSecret"`
	RedirectURI      string        `json:"redirectUri"`
	Scopes           []string      `json:"scopes,omitempty"`
	Timeout          time.Duration `json:"timeout"`
	AuthorizationURL string        `json:"authorizationUrl,omitempty"`
	TokenURL         string        `json:"tokenUrl,omitempty"`
	UserInfoURL      string        `json:"userInfoUrl,omitempty"`
}

// StateConfig configures the login state store
type StateConfig struct {
	TTL                 time.Duration `json:"ttl"`
	Storage             string        `json:"storage"`
	GCPProject          string        `json:"gcpProject,omitempty"`
	FirestoreDatabase   string        `json:"firestoreDatabase,omitempty"`
	FirestoreCollection string        `json:"firestoreCollection,omitempty"`
	SQLitePath          string        `json:"sqlitePath,omitempty"`
	CleanupInterval     time.Duration `json:"cleanupInterval"`
	EncryptionKey       Secret        `json:"encryptionKey"`
}

// AccountsConfig configures the account repository
type AccountsConfig struct {
	Storage       string `json:"storage"`
	SQLitePath    string `json:"sqlitePath,omitempty"`
	MongoURI      Secret `json:"mongoUri,omitempty"`
	MongoDatabase string `json:"mongoDatabase,omitempty"`
}

// SessionConfig configures session token issuance
type SessionConfig struct {
	Issuer     string        `json:"issuer"`
	Audience   string        `json:"audience"`
	SigningKey Secret        `json:"signingKey"`
	AccessTTL  time.Duration `json:"accessTtl"`
	RefreshTTL time.Duration `json:"refreshTtl"`
}

// Config represents the config structure with resolved values
type Config struct {
	Server   ServerConfig   `json:"server"`
	Provider ProviderConfig `json:"provider"`
	State    StateConfig    `json:"state"`
	Accounts AccountsConfig `json:"accounts"`
	Session  SessionConfig  `json:"session"`
}

// ParseConfigValue parses a JSON value that could be a plain string or an
// {"$env": "VAR_NAME"} reference.
//
// The explicit JSON form is used instead of $VAR substitution so that config
// files passed through shell scripts and CI pipelines are never expanded by
// the shell before they are parsed.
func ParseConfigValue(raw json.RawMessage) (string, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return "", fmt.Errorf("unknown reference type in config value")
	}

	value := os.Getenv(envVar)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return value, nil
}

func parseDuration(raw, field string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", field, err)
	}
	return d, nil
}
