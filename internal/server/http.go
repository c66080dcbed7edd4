package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	jsonwriter "github.com/dgellow/qrlogin/internal/json"
	"github.com/dgellow/qrlogin/internal/log"
)

// callbackWriteMargin covers account resolution and the terminal state
// write after both provider calls have returned
const callbackWriteMargin = 15 * time.Second

// HTTPServer serves the login API: QR initiation, the provider callback,
// and client polling
type HTTPServer struct {
	server *http.Server
}

// NewHTTPServer builds the login API server. A callback holds its response
// open across the code exchange and the profile fetch, each bounded by
// providerTimeout, so the write timeout is sized from it.
func NewHTTPServer(handler http.Handler, addr string, providerTimeout time.Duration) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			// Request bodies are small JSON documents
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 2*providerTimeout + callbackWriteMargin,
			// Pollers reuse their connection every couple of seconds
			IdleTimeout: 120 * time.Second,
		},
	}
}

// HealthHandler reports liveness of the login API
type HealthHandler struct{}

func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = jsonwriter.Write(w, map[string]string{"status": "ok"})
}

// Start blocks until the server is shut down
func (h *HTTPServer) Start() error {
	log.LogInfoWithFields("http", "Login API listening", map[string]any{
		"addr":          h.server.Addr,
		"write_timeout": h.server.WriteTimeout.String(),
	})

	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight callbacks and polls before returning
func (h *HTTPServer) Stop(ctx context.Context) error {
	log.LogInfoWithFields("http", "Login API draining", map[string]any{
		"addr": h.server.Addr,
	})

	if err := h.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	log.LogInfoWithFields("http", "Login API stopped", map[string]any{
		"addr": h.server.Addr,
	})
	return nil
}
