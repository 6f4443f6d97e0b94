package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	chatsync "github.com/LuminPulse-AI/chatsync"
)

// newLogger returns a console logger on stderr at the given level.
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
}

// getConfig loads the effective config and requires a token.
func getConfig() (*Config, error) {
	cfg, err := effectiveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, errors.New("no token configured, run 'chatsync init <token>' first")
	}
	return cfg, nil
}

// getDirectory creates a directory client for the configured API.
func getDirectory(cfg *Config) *chatsync.DirectoryClient {
	return chatsync.NewDirectoryClient(cfg.Default.APIURL, chatsync.StaticToken(cfg.Auth.Token))
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// when renders an RFC 3339 timestamp relative to now.
func when(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return valueOrDefault(ts, "-")
	}
	return humanize.Time(t)
}

// statusMark renders the delivery status of an outgoing message.
func statusMark(m chatsync.Message) string {
	switch m.Status {
	case chatsync.StatusPending:
		return "..."
	case chatsync.StatusSent:
		return "sent"
	case chatsync.StatusDelivered:
		return "delivered"
	case chatsync.StatusRead:
		return "read"
	case chatsync.StatusFailed:
		return fmt.Sprintf("FAILED: %s (/retry %s)", m.ErrorReason, m.ProvisionalID)
	}
	return string(m.Status)
}
