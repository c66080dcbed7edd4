package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthEndpoint(t *testing.T) {
	handler := NewHealthHandler()

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response map[string]string
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)

	assert.Equal(t, "ok", response["status"])
}

func TestNewHTTPServerCoversProviderRoundTrips(t *testing.T) {
	tests := []struct {
		name            string
		providerTimeout time.Duration
		wantWrite       time.Duration
	}{
		{"default provider timeout", 10 * time.Second, 35 * time.Second},
		{"slow provider", 30 * time.Second, 75 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewHTTPServer(http.NotFoundHandler(), ":0", tt.providerTimeout)

			assert.Equal(t, tt.wantWrite, s.server.WriteTimeout)
			// Code exchange plus profile fetch must fit inside one response
			assert.Greater(t, s.server.WriteTimeout, 2*tt.providerTimeout)
			assert.Equal(t, 10*time.Second, s.server.ReadHeaderTimeout)
		})
	}
}
