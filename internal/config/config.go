package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MatthewCash/discord-autoclient/internal/backoff"
	"github.com/MatthewCash/discord-autoclient/internal/presence"
)

const (
	// DefaultPath is used when neither --config nor ACCOUNTS_PATH is set.
	DefaultPath = "/data/accounts.json"

	// PathEnv names the environment variable holding the roster path.
	PathEnv = "ACCOUNTS_PATH"
	// ProfilesEnv names the environment variable holding the browser profiles directory.
	ProfilesEnv = "PROFILES_PATH"
	// BrowserEnv names the environment variable holding the Chromium executable.
	BrowserEnv = "BROWSER_PATH"
)

// Config is the process configuration: gateway transport settings, ambient
// observability, the browser used for avatar cycling, and the account roster.
type Config struct {
	Gateway  GatewayConfig   `yaml:"gateway"`
	Logging  LoggingConfig   `yaml:"logging"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Tracing  TracingConfig   `yaml:"tracing"`
	Browser  BrowserConfig   `yaml:"browser"`
	Accounts []AccountConfig `yaml:"accounts"`
}

type GatewayConfig struct {
	URL              string        `yaml:"url"`
	UserAgent        string        `yaml:"user_agent"`
	MaxMessageBytes  int64         `yaml:"max_message_bytes"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	DialBackoff      BackoffConfig `yaml:"dial_backoff"`
}

type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
	Factor  float64       `yaml:"factor"`
	Jitter  float64       `yaml:"jitter"`
}

// Policy converts the configured values to a backoff policy.
func (b BackoffConfig) Policy() backoff.Policy {
	return backoff.Policy{
		Initial: b.Initial,
		Max:     b.Max,
		Factor:  b.Factor,
		Jitter:  b.Jitter,
	}
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

type BrowserConfig struct {
	Executable    string `yaml:"executable"`
	ProfilesDir   string `yaml:"profiles_dir"`
	AppURL        string `yaml:"app_url"`
	BaseDebugPort int    `yaml:"base_debug_port"`
	Headless      *bool  `yaml:"headless"`
}

// IsHeadless reports whether the browser runs without a window. Defaults to true.
func (b BrowserConfig) IsHeadless() bool {
	return b.Headless == nil || *b.Headless
}

// AccountConfig is one roster entry.
type AccountConfig struct {
	Name        string             `yaml:"name"`
	Token       string             `yaml:"token"`
	Presence    *PresenceConfig    `yaml:"presence"`
	AvatarCycle *AvatarCycleConfig `yaml:"avatar_cycle"`

	decodeErr error
}

type PresenceConfig struct {
	Status   string          `yaml:"status"`
	Text     *string         `yaml:"text"`
	Emoji    *EmojiConfig    `yaml:"emoji"`
	Activity *ActivityConfig `yaml:"activity"`

	// Assets, Timestamps and Buttons may also be given next to the activity
	// rather than inside it. They apply only when an activity is configured.
	Assets     *AssetsConfig     `yaml:"assets"`
	Timestamps *TimestampsConfig `yaml:"timestamps"`
	Buttons    []ButtonConfig    `yaml:"buttons"`
}

type EmojiConfig struct {
	ID   *string `yaml:"id"`
	Name string  `yaml:"name"`
}

type ActivityConfig struct {
	ID         string            `yaml:"id"`
	Name       string            `yaml:"name"`
	Details    string            `yaml:"details"`
	Type       string            `yaml:"type"`
	Assets     *AssetsConfig     `yaml:"assets"`
	Timestamps *TimestampsConfig `yaml:"timestamps"`
	Buttons    []ButtonConfig    `yaml:"buttons"`
}

type AssetsConfig struct {
	LargeImage string `yaml:"large_image"`
	LargeText  string `yaml:"large_text"`
	SmallImage string `yaml:"small_image"`
	SmallText  string `yaml:"small_text"`
}

type TimestampsConfig struct {
	Start Millis `yaml:"start"`
	End   Millis `yaml:"end"`
}

// Millis is a unix timestamp in milliseconds. Rosters may write it as a
// number or as a numeric string.
type Millis int64

func (m *Millis) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: timestamp must be a scalar", node.Line)
	}
	value := strings.TrimSpace(node.Value)
	if value == "" {
		*m = 0
		return nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid timestamp %q", node.Line, node.Value)
	}
	*m = Millis(n)
	return nil
}

type ButtonConfig struct {
	Label string `yaml:"label"`
	URL   string `yaml:"url"`
}

type AvatarCycleConfig struct {
	Enable    bool   `yaml:"enable"`
	Cron      string `yaml:"cron"`
	Directory string `yaml:"directory"`
}

// AccountError reports a roster entry that cannot be turned into an identity.
type AccountError struct {
	Name  string
	Index int
	Err   error
}

func (e *AccountError) Error() string {
	name := e.Name
	if name == "" {
		name = fmt.Sprintf("#%d", e.Index)
	}
	return fmt.Sprintf("account %s: %v", name, e.Err)
}

func (e *AccountError) Unwrap() error {
	return e.Err
}

// Identity builds the immutable gateway identity for this account. A missing
// presence block means online with no custom text.
func (a AccountConfig) Identity() (presence.Identity, error) {
	if a.decodeErr != nil {
		return presence.Identity{}, a.decodeErr
	}
	id := presence.Identity{
		Name:     strings.TrimSpace(a.Name),
		Token:    strings.TrimSpace(a.Token),
		Presence: presence.Presence{Status: presence.StatusOnline},
	}
	if a.Presence != nil {
		p, err := a.Presence.build()
		if err != nil {
			return presence.Identity{}, err
		}
		id.Presence = p
	}
	if err := id.Validate(); err != nil {
		return presence.Identity{}, err
	}
	return id, nil
}

func (p *PresenceConfig) build() (presence.Presence, error) {
	status, err := presence.ParseStatus(p.Status)
	if err != nil {
		return presence.Presence{}, err
	}
	out := presence.Presence{Status: status, Text: p.Text}
	if p.Emoji != nil {
		out.Emoji = &presence.Emoji{ID: p.Emoji.ID, Name: p.Emoji.Name}
	}
	if a := p.Activity; a != nil {
		activity := &presence.Activity{
			ID:      a.ID,
			Name:    a.Name,
			Details: a.Details,
			Type:    a.Type,
		}
		assets := a.Assets
		if assets == nil {
			assets = p.Assets
		}
		if assets != nil {
			activity.Assets = &presence.Assets{
				LargeImage: assets.LargeImage,
				LargeText:  assets.LargeText,
				SmallImage: assets.SmallImage,
				SmallText:  assets.SmallText,
			}
		}
		timestamps := a.Timestamps
		if timestamps == nil {
			timestamps = p.Timestamps
		}
		if timestamps != nil {
			activity.Timestamps = &presence.Timestamps{Start: int64(timestamps.Start), End: int64(timestamps.End)}
		}
		buttons := a.Buttons
		if len(buttons) == 0 {
			buttons = p.Buttons
		}
		for _, b := range buttons {
			activity.Buttons = append(activity.Buttons, presence.Button{Label: b.Label, URL: b.URL})
		}
		out.Activity = activity
	}
	return out, nil
}

// Validate applies defaults and checks process-level settings. Per-account
// problems are reported by Identities so one bad entry does not stop the rest.
func (c *Config) Validate() error {
	applyDefaults(c)

	var errs []error
	if c.Gateway.DialBackoff.Max < c.Gateway.DialBackoff.Initial {
		errs = append(errs, fmt.Errorf("gateway.dial_backoff.max must be >= initial"))
	}
	if c.Gateway.DialBackoff.Jitter < 0 || c.Gateway.DialBackoff.Jitter > 1 {
		errs = append(errs, fmt.Errorf("gateway.dial_backoff.jitter must be between 0 and 1"))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sampling_rate must be between 0 and 1"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text"))
	}
	if len(c.Accounts) == 0 {
		errs = append(errs, fmt.Errorf("no accounts configured"))
	}
	return errors.Join(errs...)
}

// Identities builds an identity for every roster entry. Entries that fail
// are returned as *AccountError values alongside the ones that succeeded.
// Duplicate names are rejected after their first occurrence.
func (c *Config) Identities() ([]presence.Identity, []*AccountError) {
	var (
		identities []presence.Identity
		failures   []*AccountError
	)
	seen := make(map[string]bool, len(c.Accounts))
	for i, account := range c.Accounts {
		id, err := account.Identity()
		if err == nil && seen[id.Name] {
			err = fmt.Errorf("duplicate account name")
		}
		if err != nil {
			failures = append(failures, &AccountError{Name: account.Name, Index: i, Err: err})
			continue
		}
		seen[id.Name] = true
		identities = append(identities, id)
	}
	return identities, failures
}

// Account returns the roster entry with the given name.
func (c *Config) Account(name string) (AccountConfig, bool) {
	for _, account := range c.Accounts {
		if strings.TrimSpace(account.Name) == name {
			return account, true
		}
	}
	return AccountConfig{}, false
}

func applyDefaults(cfg *Config) {
	if cfg.Gateway.URL == "" {
		cfg.Gateway.URL = "wss://gateway.discord.gg/?encoding=json&v=9"
	}
	if cfg.Gateway.MaxMessageBytes == 0 {
		cfg.Gateway.MaxMessageBytes = 1_000_000_000
	}
	if cfg.Gateway.HandshakeTimeout == 0 {
		cfg.Gateway.HandshakeTimeout = 30 * time.Second
	}
	if cfg.Gateway.WriteTimeout == 0 {
		cfg.Gateway.WriteTimeout = 10 * time.Second
	}
	if cfg.Gateway.DialBackoff.Initial == 0 {
		cfg.Gateway.DialBackoff.Initial = time.Second
	}
	if cfg.Gateway.DialBackoff.Max == 0 {
		cfg.Gateway.DialBackoff.Max = time.Minute
	}
	if cfg.Gateway.DialBackoff.Factor == 0 {
		cfg.Gateway.DialBackoff.Factor = 2
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Browser.Executable == "" {
		cfg.Browser.Executable = envOr(BrowserEnv, "/usr/bin/chromium")
	}
	if cfg.Browser.ProfilesDir == "" {
		cfg.Browser.ProfilesDir = envOr(ProfilesEnv, "/srv/profiles")
	}
	if cfg.Browser.AppURL == "" {
		cfg.Browser.AppURL = "https://discord.com/app"
	}
	if cfg.Browser.BaseDebugPort == 0 {
		cfg.Browser.BaseDebugPort = 9222
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
