package httpapi

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr      = ":8080"
	defaultAllowedOrigin   = "http://localhost:8000"
	defaultSessionIssuer   = "tauth"
	defaultSessionCookie   = "app_session"
	defaultRequestTimeout  = 5 * time.Second
	defaultProviderTimeout = 120 * time.Second
	defaultHistoryLimit    = 50
)

var ErrInvalidConfig = errors.New("invalid http api config")

// Config aggregates runtime settings for the HTTP surface. ProviderTimeout bounds the generation
// requests it serves.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	WebhookSecret     string
	AdminToken        string
	RequestTimeout    time.Duration
	ProviderTimeout   time.Duration
}

// Validate applies defaults and rejects missing secrets.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = defaultProviderTimeout
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("%w: jwt signing key is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return fmt.Errorf("%w: webhook secret is required", ErrInvalidConfig)
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
