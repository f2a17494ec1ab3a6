package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the few knobs the client has. Everything comes from the
// environment (optionally seeded from a .env file); the backend base URL is
// the single required piece per deployment.
type Config struct {
	APIBaseURL     string        `env:"API_BASE_URL" envDefault:"http://localhost:8080/api/v1/"`
	WSURL          string        `env:"WS_URL"`
	ReconnectDelay time.Duration `env:"WS_RECONNECT_DELAY" envDefault:"5s"`
	Debug          bool          `env:"DEBUG" envDefault:"false"`
}

func Load() (Config, error) {
	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if !strings.HasSuffix(cfg.APIBaseURL, "/") {
		cfg.APIBaseURL += "/"
	}
	if cfg.WSURL == "" {
		derived, err := DeriveWSURL(cfg.APIBaseURL)
		if err != nil {
			return Config{}, err
		}
		cfg.WSURL = derived
	}
	return cfg, nil
}

// DeriveWSURL turns the REST base URL into the websocket endpoint: same
// host, ws(s) scheme, path /ws.
func DeriveWSURL(apiBase string) (string, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return "", fmt.Errorf("derive ws url from %q: %w", apiBase, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
