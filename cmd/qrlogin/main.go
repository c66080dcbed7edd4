package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/dgellow/qrlogin/internal"
	"github.com/dgellow/qrlogin/internal/config"
	"github.com/dgellow/qrlogin/internal/log"
)

var BuildVersion = "dev"

func defaultConfig() map[string]any {
	return map[string]any{
		"version": config.ConfigVersion,
		"server": map[string]any{
			"addr":           ":8080",
			"baseURL":        "https://login.yourcompany.com",
			"allowedOrigins": []string{"https://app.yourcompany.com"},
		},
		"provider": map[string]any{
			"kind":        "wechat",
			"appId":       "wx0000000000000000",
			"appSecret":   map[string]string{"$env": "WECHAT_APP_SECRET"},
			"redirectUri": "https://login.yourcompany.com/api/auth/wechat/callback",
			"timeout":     "10s",
		},
		"state": map[string]any{
			"storage":         "sqlite",
			"sqlitePath":      "qrlogin-states.db",
			"ttl":             "10m",
			"cleanupInterval": "1m",
			"encryptionKey":   map[string]string{"$env": "STATE_ENCRYPTION_KEY"},
		},
		"accounts": map[string]any{
			"storage":    "sqlite",
			"sqlitePath": "qrlogin-accounts.db",
		},
		"session": map[string]any{
			"issuer":     "https://login.yourcompany.com",
			"audience":   "https://app.yourcompany.com",
			"signingKey": map[string]string{"$env": "SESSION_SIGNING_KEY"},
			"accessTtl":  "1h",
			"refreshTtl": "720h",
		},
	}
}

func generateDefaultConfig(path string) error {
	data, err := json.MarshalIndent(defaultConfig(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func validateConfig(path string) error {
	result, err := config.ValidateFile(path)
	if err != nil {
		return fmt.Errorf("error during validation: %w", err)
	}

	fmt.Printf("Validating: %s\n", path)

	printIssues := func(title string, issues []config.ValidationError) {
		if len(issues) == 0 {
			return
		}
		fmt.Printf("\n%s (%d):\n", title, len(issues))
		for _, issue := range issues {
			if issue.Path != "" {
				fmt.Printf("  - %s: %s\n", issue.Path, issue.Message)
			} else {
				fmt.Printf("  - %s\n", issue.Message)
			}
		}
	}
	printIssues("Errors", result.Errors)
	printIssues("Warnings", result.Warnings)

	fmt.Println()
	switch {
	case len(result.Errors) == 0 && len(result.Warnings) == 0:
		fmt.Println("Result: PASS")
	case len(result.Errors) == 0:
		fmt.Println("Result: FAIL (warnings present)")
	default:
		fmt.Println("Result: FAIL")
	}

	if len(result.Errors) > 0 || len(result.Warnings) > 0 {
		return fmt.Errorf("validation failed: %d error(s), %d warning(s)", len(result.Errors), len(result.Warnings))
	}
	return nil
}

func main() {
	conf := flag.String("config", "", "path to config file (required)")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	validate := flag.Bool("validate", false, "validate config file and exit")
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}
	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			log.LogError("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	if *validate {
		if *conf == "" {
			fmt.Fprintf(os.Stderr, "Error: -config flag is required for validation\n")
			os.Exit(1)
		}
		if err := validateConfig(*conf); err != nil {
			os.Exit(1)
		}
		return
	}

	if *conf == "" {
		fmt.Fprintf(os.Stderr, "Error: -config flag is required\n")
		fmt.Fprintf(os.Stderr, "Run with -help for usage information\n")
		os.Exit(1)
	}

	cfg, err := config.Load(*conf)
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	log.LogInfoWithFields("main", "Starting qrlogin", map[string]any{
		"version": BuildVersion,
		"config":  *conf,
	})

	app, err := internal.NewQRLogin(context.Background(), cfg)
	if err != nil {
		log.LogError("Failed to create login broker: %v", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		log.LogError("Failed to run server: %v", err)
		os.Exit(1)
	}
}
