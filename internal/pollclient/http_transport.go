package pollclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

const (
	qrPath   = "/api/auth/wechat/qr"
	pollPath = "/api/auth/wechat/poll"

	maxResponseSize = 1 << 20
)

// HTTPTransport talks to the login server's JSON API
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport creates a transport for the server at baseURL. A nil
// client gets a pooled client with a 10s timeout.
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
		client.Timeout = 10 * time.Second
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// apiError is the body of a non-200 response
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Initiate starts a login attempt
func (t *HTTPTransport) Initiate(ctx context.Context) (*Initiation, error) {
	var resp Initiation
	if err := t.post(ctx, qrPath, nil, &resp); err != nil {
		return nil, fmt.Errorf("initiate: %w", err)
	}
	if resp.State == "" || resp.QRURL == "" {
		return nil, fmt.Errorf("initiate: response missing state or qrUrl")
	}
	return &resp, nil
}

// Poll asks for the status of state
func (t *HTTPTransport) Poll(ctx context.Context, state string) (*PollResponse, error) {
	var resp PollResponse
	if err := t.post(ctx, pollPath, map[string]string{"state": state}, &resp); err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	return &resp, nil
}

func (t *HTTPTransport) post(ctx context.Context, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("status %d: %s: %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
