package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	chatsync "github.com/ticketon/chatsync"
)

// getClient creates an API client from the stored configuration.
func getClient() *chatsync.Client {
	cfg := mustConfig()

	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	if verbose {
		opts = append(opts, chatsync.WithLogger(newLogger()))
	}
	return chatsync.NewClient(chatsync.StaticToken(cfg.Auth.Token), opts...)
}

func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No auth token. Run 'chatsync config set auth.token <token>' first.")
		os.Exit(1)
	}
	if cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user id. Run 'chatsync config set auth.user_id <id>' first.")
		os.Exit(1)
	}
	return cfg
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
}

// historyPath resolves the local archive location: the configured path, or
// ~/.chatsync/history.db.
func historyPath(cfg *Config) (string, error) {
	if cfg.Default.HistoryPath != "" {
		return cfg.Default.HistoryPath, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.db"), nil
}

func roleFrom(cfg *Config) chatsync.Role {
	switch cfg.Auth.Role {
	case "buyer":
		return chatsync.RoleBuyer
	case "seller":
		return chatsync.RoleSeller
	default:
		return chatsync.RoleUser
	}
}
