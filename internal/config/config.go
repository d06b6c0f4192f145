package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/duet-chat/duet/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Backend  Backend  `json:"backend"`
	Broker   Broker   `json:"broker"`
	Media    Media    `json:"media"`
	History  History  `json:"history"`
	Log      Log      `json:"log"`
}

type Identity struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

type Backend struct {
	// Base URL of the matchmaking API, e.g. https://api.example.org
	URL string `json:"url"`

	// Partner-discovery poll interval while waiting for the other side's
	// peer address (seconds).
	PollSec int `json:"poll_seconds"`

	// Session-authority resync interval during a live call (seconds).
	ResyncSec int `json:"resync_seconds"`
}

type Broker struct {
	// Websocket URL of the signaling broker, e.g. wss://broker.example.org/rt
	URL string `json:"url"`

	// API key sent on broker registration. Empty is allowed for self-hosted
	// brokers that don't check keys.
	Key string `json:"key"`

	// STUN servers for ICE. At least one is required — calls are peer-to-peer
	// only, no TURN fallback.
	STUNServers []string `json:"stun_servers"`

	// How long an outbound call attempt may stay unanswered before it is
	// abandoned (seconds).
	DialTimeoutSec int `json:"dial_timeout_sec"`

	// How many fresh peer addresses to try when registration keeps colliding.
	MaxRegisterAttempts int `json:"max_register_attempts"`
}

type Media struct {
	PreferredCam  string `json:"preferred_cam"`
	PreferredMic  string `json:"preferred_mic"`
	VideoDisabled bool   `json:"video_disabled"` // audio-only mode
	MaxWidth      int    `json:"max_width"`
	MaxHeight     int    `json:"max_height"`
}

type History struct {
	// Path to the local call-log SQLite database. Empty disables history.
	Path string `json:"path"`
}

type Log struct {
	// Level for the broker/backend subsystem loggers: debug|info|warn|error.
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Backend: Backend{
			PollSec:   1,
			ResyncSec: 5,
		},
		Broker: Broker{
			STUNServers:         []string{"stun:stun.l.google.com:19302"},
			DialTimeoutSec:      20,
			MaxRegisterAttempts: 8,
		},
		Media: Media{
			MaxWidth:  640,
			MaxHeight: 480,
		},
		History: History{
			Path: "data/history.db",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}

	// Backend
	if err := validateHTTPURL(c.Backend.URL); err != nil {
		return fmt.Errorf("backend.url: %w", err)
	}
	if c.Backend.PollSec <= 0 {
		return errors.New("backend.poll_seconds must be > 0")
	}
	if c.Backend.ResyncSec <= 0 {
		return errors.New("backend.resync_seconds must be > 0")
	}

	// Broker
	if err := validateWSURL(c.Broker.URL); err != nil {
		return fmt.Errorf("broker.url: %w", err)
	}
	if len(c.Broker.STUNServers) == 0 {
		return errors.New("broker.stun_servers must list at least one STUN server")
	}
	for _, s := range c.Broker.STUNServers {
		if !strings.HasPrefix(s, "stun:") {
			return fmt.Errorf("broker.stun_servers: %q is not a stun: URI", s)
		}
	}
	if c.Broker.DialTimeoutSec <= 0 {
		return errors.New("broker.dial_timeout_sec must be > 0")
	}
	if c.Broker.MaxRegisterAttempts <= 0 {
		return errors.New("broker.max_register_attempts must be > 0")
	}

	// Media
	if c.Media.MaxWidth <= 0 || c.Media.MaxHeight <= 0 {
		return errors.New("media.max_width and media.max_height must be > 0")
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateWSURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err). The created default does not validate (it
// has no user ID or URLs) — it is written unvalidated so the user has a
// skeleton to fill in.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := util.WriteJSONFile(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
