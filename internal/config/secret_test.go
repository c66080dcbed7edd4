package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

func TestSecretRedaction(t *testing.T) {
	tests := []struct {
		name   string
		secret Secret
		want   string
	}{
		{
			name:   "non-empty secret",
			secret: Secret("super-secret-app-secret"),
			want:   "***",
		},
		{
			name:   "empty secret",
			secret: Secret(""),
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.secret.String(); got != tt.want {
				t.Errorf("Secret.String() = %v, want %v", got, tt.want)
			}

			formatted := fmt.Sprintf("value: %s", tt.secret)
			if formatted != "value: "+tt.want {
				t.Errorf("fmt.Sprintf = %v, want %v", formatted, "value: "+tt.want)
			}
		})
	}
}

func TestSecretJSONMarshal(t *testing.T) {
	cfg := ProviderConfig{
		Kind:        ProviderKindWeChat,
		AppID:       "wx1234",
		AppSecret:   Secret("super-secret-app-secret"),
		RedirectURI: "https://example.com/callback",
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("json.Marshal failed: %v", err)
	}

	jsonStr := string(data)
	if strings.Contains(jsonStr, "super-secret-app-secret") {
		t.Errorf("JSON contains unredacted app secret: %s", jsonStr)
	}
	if !strings.Contains(jsonStr, `"appSecret":"***"`) {
		t.Errorf("JSON missing redacted app secret: %s", jsonStr)
	}
	if !strings.Contains(jsonStr, "wx1234") {
		t.Errorf("JSON doesn't contain app id: %s", jsonStr)
	}
}

func TestSecretInStruct(t *testing.T) {
	state := StateConfig{
		Storage:       StorageSQLite,
		EncryptionKey: Secret("test-encryption-key-32-bytes-ok!"),
	}

	str := fmt.Sprintf("%+v", state)
	if strings.Contains(str, "test-encryption-key") {
		t.Errorf("Struct representation leaked encryption key: %s", str)
	}
}
