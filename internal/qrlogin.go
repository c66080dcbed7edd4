package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgellow/qrlogin/internal/account"
	"github.com/dgellow/qrlogin/internal/config"
	"github.com/dgellow/qrlogin/internal/crypto"
	"github.com/dgellow/qrlogin/internal/idp"
	"github.com/dgellow/qrlogin/internal/log"
	"github.com/dgellow/qrlogin/internal/login"
	"github.com/dgellow/qrlogin/internal/server"
	"github.com/dgellow/qrlogin/internal/session"
	"github.com/dgellow/qrlogin/internal/storage"
)

// QRLogin represents the complete login broker
type QRLogin struct {
	config     config.Config
	handler    http.Handler
	httpServer *server.HTTPServer
	cleanup    *storage.CleanupManager
	store      storage.StateStore
	accounts   account.Repository
}

// NewQRLogin creates the broker with all dependencies built
func NewQRLogin(ctx context.Context, cfg config.Config) (*QRLogin, error) {
	log.LogInfoWithFields("qrlogin", "Building login broker", map[string]any{
		"baseURL":  cfg.Server.BaseURL,
		"provider": cfg.Provider.Kind,
		"state":    cfg.State.Storage,
		"accounts": cfg.Accounts.Storage,
	})

	if _, err := url.Parse(cfg.Server.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	provider, err := idp.NewProvider(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity provider: %w", err)
	}

	issuer, err := session.NewIssuer(session.IssuerConfig{
		Issuer:     cfg.Session.Issuer,
		Audience:   cfg.Session.Audience,
		SigningKey: []byte(cfg.Session.SigningKey),
		AccessTTL:  cfg.Session.AccessTTL,
		RefreshTTL: cfg.Session.RefreshTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session issuer: %w", err)
	}

	store, err := setupStateStore(ctx, cfg.State)
	if err != nil {
		return nil, fmt.Errorf("failed to setup state store: %w", err)
	}

	repo, err := setupAccounts(ctx, cfg.Accounts)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to setup account repository: %w", err)
	}

	accounts := account.NewService(repo, issuer)
	handlers := server.NewLoginHandlers(
		login.NewInitiator(store, provider, cfg.State.TTL),
		login.NewExchanger(store, provider, accounts, cfg.Provider.Timeout),
		login.NewPoller(store),
	)
	handler := server.NewHandler(handlers, cfg.Server.AllowedOrigins)

	return &QRLogin{
		config:     cfg,
		handler:    handler,
		httpServer: server.NewHTTPServer(handler, cfg.Server.Addr, cfg.Provider.Timeout),
		cleanup:    storage.NewCleanupManager(store, cfg.State.CleanupInterval),
		store:      store,
		accounts:   repo,
	}, nil
}

// Handler returns the root HTTP handler
func (q *QRLogin) Handler() http.Handler {
	return q.handler
}

// Run starts and manages the broker lifecycle until a signal or a server
// error
func (q *QRLogin) Run() error {
	log.LogInfoWithFields("qrlogin", "Starting login broker", map[string]any{
		"addr": q.config.Server.Addr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)

	go func() {
		if err := q.httpServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	q.cleanup.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var shutdownReason string
	select {
	case sig := <-sigChan:
		shutdownReason = fmt.Sprintf("signal %v", sig)
		log.LogInfoWithFields("qrlogin", "Received shutdown signal", map[string]any{
			"signal": sig.String(),
		})
	case err := <-errChan:
		shutdownReason = fmt.Sprintf("error: %v", err)
		log.LogErrorWithFields("qrlogin", "Shutting down due to error", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("qrlogin", "Starting graceful shutdown", map[string]any{
		"reason":  shutdownReason,
		"timeout": "30s",
	})
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	serverErr := q.httpServer.Stop(shutdownCtx)
	if serverErr != nil {
		log.LogErrorWithFields("qrlogin", "HTTP server shutdown error", map[string]any{
			"error": serverErr.Error(),
		})
	}

	// In-flight exchanges have finished with the server; the stores can go
	q.cleanup.Stop()
	if err := q.Close(); err != nil {
		log.LogErrorWithFields("qrlogin", "Storage shutdown error", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("qrlogin", "Application shutdown complete", map[string]any{
		"reason": shutdownReason,
	})
	return serverErr
}

// Close releases the state store and account repository
func (q *QRLogin) Close() error {
	return errors.Join(q.store.Close(), q.accounts.Close())
}

// setupStateStore creates the login state store selected by configuration
func setupStateStore(ctx context.Context, cfg config.StateConfig) (storage.StateStore, error) {
	switch cfg.Storage {
	case config.StorageFirestore:
		log.LogInfoWithFields("storage", "Using Firestore storage", map[string]any{
			"project":    cfg.GCPProject,
			"database":   cfg.FirestoreDatabase,
			"collection": cfg.FirestoreCollection,
		})
		encryptor, err := crypto.NewEncryptor([]byte(cfg.EncryptionKey))
		if err != nil {
			return nil, fmt.Errorf("failed to create encryptor: %w", err)
		}
		return storage.NewFirestoreStorage(ctx, cfg.GCPProject, cfg.FirestoreDatabase, cfg.FirestoreCollection, encryptor)

	case config.StorageSQLite:
		log.LogInfoWithFields("storage", "Using SQLite storage", map[string]any{
			"path": cfg.SQLitePath,
		})
		encryptor, err := crypto.NewEncryptor([]byte(cfg.EncryptionKey))
		if err != nil {
			return nil, fmt.Errorf("failed to create encryptor: %w", err)
		}
		return storage.NewSQLiteStorage(cfg.SQLitePath, encryptor)

	case config.StorageMemory, "":
		log.LogInfoWithFields("storage", "Using in-memory storage", map[string]any{})
		return storage.NewMemoryStorage(), nil

	default:
		return nil, fmt.Errorf("unsupported state storage %q", cfg.Storage)
	}
}

// setupAccounts creates the account repository selected by configuration
func setupAccounts(ctx context.Context, cfg config.AccountsConfig) (account.Repository, error) {
	switch cfg.Storage {
	case config.StorageMongo:
		log.LogInfoWithFields("accounts", "Using MongoDB account repository", map[string]any{
			"database": cfg.MongoDatabase,
		})
		return account.NewMongoRepository(ctx, string(cfg.MongoURI), cfg.MongoDatabase)

	case config.StorageSQLite:
		log.LogInfoWithFields("accounts", "Using SQLite account repository", map[string]any{
			"path": cfg.SQLitePath,
		})
		return account.NewSQLiteRepository(cfg.SQLitePath)

	case config.StorageMemory, "":
		log.LogInfoWithFields("accounts", "Using in-memory account repository", map[string]any{})
		return account.NewMemoryRepository(), nil

	default:
		return nil, fmt.Errorf("unsupported account storage %q", cfg.Storage)
	}
}
