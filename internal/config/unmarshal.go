package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

type ref struct {
	raw json.RawMessage
	dst *string
}

// parseRefs resolves each named raw value into its destination. Missing
// values leave the destination untouched.
func parseRefs(fields map[string]ref) error {
	for name, f := range fields {
		if f.raw == nil {
			continue
		}
		v, err := ParseConfigValue(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", name, err)
		}
		*f.dst = v
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for ServerConfig
func (s *ServerConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Addr           json.RawMessage `json:"addr"`
		BaseURL        json.RawMessage `json:"baseURL"`
		AllowedOrigins []string        `json:"allowedOrigins"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.AllowedOrigins = raw.AllowedOrigins
	return parseRefs(map[string]ref{
		"addr":    {raw.Addr, &s.Addr},
		"baseURL": {raw.BaseURL, &s.BaseURL},
	})
}

// UnmarshalJSON implements custom unmarshaling for ProviderConfig
func (p *ProviderConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind             ProviderKind    `json:"kind"`
		AppID            json.RawMessage `json:"appId"`
		AppSecret        json.RawMessage `json:"appSecret"`
		RedirectURI      json.RawMessage `json:"redirectUri"`
		Scopes           []string        `json:"scopes"`
		Timeout          string          `json:"timeout"`
		AuthorizationURL string          `json:"authorizationUrl"`
		TokenURL         string          `json:"tokenUrl"`
		UserInfoURL      string          `json:"userInfoUrl"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.Kind = raw.Kind
	p.Scopes = raw.Scopes
	p.AuthorizationURL = raw.AuthorizationURL
	p.TokenURL = raw.TokenURL
	p.UserInfoURL = raw.UserInfoURL

	timeout, err := parseDuration(raw.Timeout, "timeout")
	if err != nil {
		return err
	}
	p.Timeout = timeout

	var secret string
	if err := parseRefs(map[string]ref{
		"appId":       {raw.AppID, &p.AppID},
		"appSecret":   {raw.AppSecret, &secret},
		"redirectUri": {raw.RedirectURI, &p.RedirectURI},
	}); err != nil {
		return err
	}
	p.AppSecret = Secret(secret)
	return nil
}

// UnmarshalJSON implements custom unmarshaling for StateConfig
func (s *StateConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		TTL                 string          `json:"ttl"`
		Storage             string          `json:"storage"`
		GCPProject          json.RawMessage `json:"gcpProject"`
		FirestoreDatabase   string          `json:"firestoreDatabase"`
		FirestoreCollection string          `json:"firestoreCollection"`
		SQLitePath          json.RawMessage `json:"sqlitePath"`
		CleanupInterval     string          `json:"cleanupInterval"`
		EncryptionKey       json.RawMessage `json:"encryptionKey"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Storage = strings.ToLower(raw.Storage)
	s.FirestoreDatabase = raw.FirestoreDatabase
	s.FirestoreCollection = raw.FirestoreCollection

	var err error
	if s.TTL, err = parseDuration(raw.TTL, "ttl"); err != nil {
		return err
	}
	if s.CleanupInterval, err = parseDuration(raw.CleanupInterval, "cleanupInterval"); err != nil {
		return err
	}

	var key string
	if err := parseRefs(map[string]ref{
		"gcpProject":    {raw.GCPProject, &s.GCPProject},
		"sqlitePath":    {raw.SQLitePath, &s.SQLitePath},
		"encryptionKey": {raw.EncryptionKey, &key},
	}); err != nil {
		return err
	}
	s.EncryptionKey = Secret(key)
	return nil
}

// UnmarshalJSON implements custom unmarshaling for AccountsConfig
func (a *AccountsConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Storage       string          `json:"storage"`
		SQLitePath    json.RawMessage `json:"sqlitePath"`
		MongoURI      json.RawMessage `json:"mongoUri"`
		MongoDatabase string          `json:"mongoDatabase"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	a.Storage = strings.ToLower(raw.Storage)
	a.MongoDatabase = raw.MongoDatabase

	var uri string
	if err := parseRefs(map[string]ref{
		"sqlitePath": {raw.SQLitePath, &a.SQLitePath},
		"mongoUri":   {raw.MongoURI, &uri},
	}); err != nil {
		return err
	}
	a.MongoURI = Secret(uri)
	return nil
}

// UnmarshalJSON implements custom unmarshaling for SessionConfig
func (s *SessionConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Issuer     json.RawMessage `json:"issuer"`
		Audience   string          `json:"audience"`
		SigningKey json.RawMessage `json:"signingKey"`
		AccessTTL  string          `json:"accessTtl"`
		RefreshTTL string          `json:"refreshTtl"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Audience = raw.Audience

	var err error
	if s.AccessTTL, err = parseDuration(raw.AccessTTL, "accessTtl"); err != nil {
		return err
	}
	if s.RefreshTTL, err = parseDuration(raw.RefreshTTL, "refreshTtl"); err != nil {
		return err
	}

	var key string
	if err := parseRefs(map[string]ref{
		"issuer":     {raw.Issuer, &s.Issuer},
		"signingKey": {raw.SigningKey, &key},
	}); err != nil {
		return err
	}
	s.SigningKey = Secret(key)
	return nil
}
