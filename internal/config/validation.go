package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) addError(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) addWarning(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

var bashStyleRegex = regexp.MustCompile(`\$\{?([A-Z_][A-Z0-9_]*)\}?`)

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ValidateBytes(data), nil
}

// ValidateBytes runs the structural checks of ValidateFile on raw bytes
func ValidateBytes(data []byte) *ValidationResult {
	result := &ValidationResult{}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.addError("", "invalid JSON: %v", err)
		return result
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.addError("version", "version field is required. Hint: Add \"version\": %q", ConfigVersion)
	} else if !strings.HasPrefix(version, ConfigVersion) {
		result.addError("version", "unsupported version '%s' - use '%s'", version, ConfigVersion)
	}

	validateServerStructure(section(rawConfig, "server", true, result), result)
	validateProviderStructure(section(rawConfig, "provider", true, result), result)
	validateStateStructure(section(rawConfig, "state", false, result), result)
	validateAccountsStructure(section(rawConfig, "accounts", false, result), result)
	validateSessionStructure(section(rawConfig, "session", true, result), result)

	return result
}

// section returns the named object, or nil when absent or malformed
func section(rawConfig map[string]any, name string, required bool, result *ValidationResult) map[string]any {
	value, exists := rawConfig[name]
	if !exists {
		if required {
			result.addError(name, "%s field is required and must be an object", name)
		}
		return nil
	}
	obj, ok := value.(map[string]any)
	if !ok {
		result.addError(name, "%s must be an object", name)
		return nil
	}
	return obj
}

func validateServerStructure(server map[string]any, result *ValidationResult) {
	if server == nil {
		return
	}
	if _, ok := server["addr"]; !ok {
		result.addError("server.addr", "addr is required. Example: \":8080\" or \"0.0.0.0:8080\"")
	}
	if origins, ok := server["allowedOrigins"].([]any); ok && len(origins) == 0 {
		result.addWarning("server.allowedOrigins", "allowedOrigins is empty - browsers on other origins will be unable to call the API")
	}
}

func validateProviderStructure(provider map[string]any, result *ValidationResult) {
	if provider == nil {
		return
	}

	kind := string(ProviderKindWeChat)
	if k, ok := provider["kind"].(string); ok {
		kind = k
	}

	for _, field := range []string{"appId", "appSecret", "redirectUri"} {
		if _, ok := provider[field]; !ok {
			result.addError("provider."+field, "%s is required for provider configuration", field)
		}
	}
	if secret, ok := provider["appSecret"]; ok {
		if err := validateEnvVarReference(secret, "appSecret", "provider.appSecret"); err != nil {
			result.Errors = append(result.Errors, *err)
		}
	}
	validateDurationField(provider, "timeout", "provider.timeout", result)

	switch ProviderKind(kind) {
	case ProviderKindWeChat:
	case ProviderKindOAuth2:
		for _, endpoint := range []string{"authorizationUrl", "tokenUrl", "userInfoUrl"} {
			if _, ok := provider[endpoint]; !ok {
				result.addError("provider."+endpoint, "%s is required for the oauth2 provider", endpoint)
			}
		}
	default:
		result.addError("provider.kind", "unknown provider kind '%s' - supported kinds: wechat, oauth2", kind)
	}
}

func validateStateStructure(state map[string]any, result *ValidationResult) {
	if state == nil {
		return
	}

	ttl := validateDurationField(state, "ttl", "state.ttl", result)
	cleanup := validateDurationField(state, "cleanupInterval", "state.cleanupInterval", result)
	if ttl > 0 && cleanup > ttl {
		result.addWarning("state", "cleanupInterval (%s) is longer than ttl (%s). Expired states will remain in storage until cleanup runs or they are read.", cleanup, ttl)
	}

	storage, _ := state["storage"].(string)
	switch storage {
	case "", StorageMemory:
		return
	case StorageFirestore:
		if _, ok := state["gcpProject"]; !ok {
			result.addError("state.gcpProject", "gcpProject is required when using firestore storage")
		}
	case StorageSQLite:
		if _, ok := state["sqlitePath"]; !ok {
			result.addError("state.sqlitePath", "sqlitePath is required when using sqlite storage")
		}
	default:
		result.addError("state.storage", "unknown storage '%s' - supported: memory, firestore, sqlite", storage)
		return
	}

	key, ok := state["encryptionKey"]
	if !ok {
		result.addError("state.encryptionKey", "encryptionKey is required when using %s storage. Hint: Must be exactly 32 bytes for XChaCha20-Poly1305 encryption", storage)
		return
	}
	if err := validateEnvVarReference(key, "encryptionKey", "state.encryptionKey"); err != nil {
		result.Errors = append(result.Errors, *err)
	}
}

func validateAccountsStructure(accounts map[string]any, result *ValidationResult) {
	if accounts == nil {
		return
	}

	storage, _ := accounts["storage"].(string)
	switch storage {
	case "", StorageMemory:
		result.addWarning("accounts.storage", "memory account storage loses every account on restart")
	case StorageSQLite:
		if _, ok := accounts["sqlitePath"]; !ok {
			result.addError("accounts.sqlitePath", "sqlitePath is required when using sqlite storage")
		}
	case StorageMongo:
		uri, ok := accounts["mongoUri"]
		if !ok {
			result.addError("accounts.mongoUri", "mongoUri is required when using mongo storage")
			return
		}
		if err := validateEnvVarReference(uri, "mongoUri", "accounts.mongoUri"); err != nil {
			result.Errors = append(result.Errors, *err)
		}
	default:
		result.addError("accounts.storage", "unknown storage '%s' - supported: memory, sqlite, mongo", storage)
	}
}

func validateSessionStructure(session map[string]any, result *ValidationResult) {
	if session == nil {
		return
	}
	if _, ok := session["issuer"]; !ok {
		result.addError("session.issuer", "issuer is required. Example: \"https://login.example.com\"")
	}
	key, ok := session["signingKey"]
	if !ok {
		result.addError("session.signingKey", "signingKey is required. Hint: Must be at least 32 bytes long for HMAC-SHA256")
	} else if err := validateEnvVarReference(key, "signingKey", "session.signingKey"); err != nil {
		result.Errors = append(result.Errors, *err)
	}
	validateDurationField(session, "accessTtl", "session.accessTtl", result)
	validateDurationField(session, "refreshTtl", "session.refreshTtl", result)
}

// validateDurationField parses an optional duration string, recording an
// error when it is malformed. Returns zero when absent or invalid.
func validateDurationField(obj map[string]any, field, path string, result *ValidationResult) time.Duration {
	value, ok := obj[field]
	if !ok {
		return 0
	}
	s, ok := value.(string)
	if !ok {
		result.addError(path, "%s must be a duration string like \"10m\", not %T", field, value)
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		result.addError(path, "invalid duration '%s' for %s. Examples: \"30s\", \"10m\", \"24h\"", s, field)
		return 0
	}
	if d < 0 {
		result.addError(path, "%s cannot be negative", field)
		return 0
	}
	return d
}

// validateEnvVarReference validates that a field uses proper env var reference format
func validateEnvVarReference(value any, fieldName, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		if matches := bashStyleRegex.FindStringSubmatch(v); len(matches) > 1 {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", v, matches[1]),
			}
		}
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference {\"$env\": \"YOUR_ENV_VAR\"} instead of plain text. Hint: This prevents secrets from being stored in config files", fieldName),
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format", fieldName),
			}
		}
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be an environment variable reference {\"$env\": \"YOUR_ENV_VAR\"}, not %T", fieldName, value),
		}
	}
}

// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			varName := strings.Trim(match, "${}")
			result.addWarning(path, "found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead. Hint: JSON syntax prevents accidental shell expansion in scripts/CI", match, varName)
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
