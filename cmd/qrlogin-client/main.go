package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dgellow/qrlogin/internal/log"
	"github.com/dgellow/qrlogin/internal/pollclient"
)

var BuildVersion = "dev"

// Config is read from the environment
type Config struct {
	ServerURL    string        `env:"QRLOGIN_SERVER_URL,required,notEmpty"`
	PollInterval time.Duration `env:"QRLOGIN_POLL_INTERVAL"     envDefault:"2s"`
	MaxAttempts  int           `env:"QRLOGIN_POLL_MAX_ATTEMPTS" envDefault:"150"`
	SessionFile  string        `env:"QRLOGIN_SESSION_FILE"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("QRLOGIN_POLL_INTERVAL must be positive")
	}
	if cfg.MaxAttempts <= 0 {
		return Config{}, fmt.Errorf("QRLOGIN_POLL_MAX_ATTEMPTS must be positive")
	}
	if cfg.SessionFile == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return Config{}, fmt.Errorf("QRLOGIN_SESSION_FILE is not set and no config dir: %w", err)
		}
		cfg.SessionFile = filepath.Join(dir, "qrlogin", "session.json")
	}
	return cfg, nil
}

func printEvent(e pollclient.Event) {
	switch e.State {
	case pollclient.StatePolling:
		fmt.Println("Open this link and scan the QR code with WeChat to log in:")
		fmt.Printf("  %s\n\n", e.QRURL)
	case pollclient.StateSuccess:
		fmt.Println("Logged in.")
	case pollclient.StateExpired:
		fmt.Println("Login expired. Run again for a new code.")
	case pollclient.StateError:
		fmt.Printf("Login failed: %s\n", e.Message)
	case pollclient.StateCancelled:
		fmt.Println("Login cancelled.")
	}
}

func main() {
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s\n\n", os.Args[0])
		fmt.Fprintln(flag.CommandLine.Output(), "Environment:")
		fmt.Fprintln(flag.CommandLine.Output(), "  QRLOGIN_SERVER_URL         login server base URL (required)")
		fmt.Fprintln(flag.CommandLine.Output(), "  QRLOGIN_POLL_INTERVAL      delay between polls (default 2s)")
		fmt.Fprintln(flag.CommandLine.Output(), "  QRLOGIN_POLL_MAX_ATTEMPTS  polls before giving up (default 150)")
		fmt.Fprintln(flag.CommandLine.Output(), "  QRLOGIN_SESSION_FILE       where to store the session")
		fmt.Fprintln(flag.CommandLine.Output())
		flag.PrintDefaults()
	}
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loop := pollclient.NewLoop(
		pollclient.NewHTTPTransport(cfg.ServerURL, nil),
		pollclient.FileBootstrapper{Path: cfg.SessionFile},
		pollclient.Config{
			Interval:    cfg.PollInterval,
			MaxAttempts: cfg.MaxAttempts,
			Observer:    printEvent,
		},
	)

	res := loop.Run(ctx)
	if res.State != pollclient.StateSuccess {
		if res.Err != nil {
			log.LogDebugWithFields("main", "Login did not complete", map[string]any{
				"state": res.State,
				"error": res.Err.Error(),
			})
		}
		os.Exit(1)
	}

	log.LogInfoWithFields("main", "Session stored", map[string]any{
		"path":     cfg.SessionFile,
		"attempts": res.Attempts,
	})
}
