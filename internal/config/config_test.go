package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MatthewCash/discord-autoclient/internal/presence"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const accountsJSON = `[
  {
    "name": "main",
    "token": "tok-main",
    "presence": {
      "status": "dnd",
      "text": "busy",
      "emoji": {"id": null, "name": "🔥"},
      "activity": {
        "id": "123456789",
        "name": "Docs",
        "details": "reading",
        "assets": {"largeImage": "mp:big", "largeText": "Big", "smallImage": "", "smallText": ""},
        "timestamps": {"start": 1700000000000},
        "buttons": [{"label": "Site", "url": "https://example.com"}]
      }
    },
    "avatarCycle": {"enable": true, "cron": "0 * * * *", "directory": "/avatars/main"}
  },
  {
    "name": "alt",
    "token": "tok-alt",
    "presence": {"status": "online", "text": ""}
  },
  // json5 comments are allowed
  {"name": "bare", "token": "tok-bare"},
]`

func TestLoad_JSONAccountList(t *testing.T) {
	path := writeFile(t, t.TempDir(), "accounts.json", accountsJSON)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Accounts) != 3 {
		t.Fatalf("expected 3 accounts, got %d", len(cfg.Accounts))
	}

	main := cfg.Accounts[0]
	if main.AvatarCycle == nil || !main.AvatarCycle.Enable || main.AvatarCycle.Directory != "/avatars/main" {
		t.Errorf("avatar cycle = %+v", main.AvatarCycle)
	}
	id, err := main.Identity()
	if err != nil {
		t.Fatalf("Identity() error = %v", err)
	}
	if id.Presence.Status != presence.StatusDoNotDisturb {
		t.Errorf("status = %q", id.Presence.Status)
	}
	a := id.Presence.Activity
	if a == nil || a.Assets == nil || a.Assets.LargeImage != "mp:big" {
		t.Fatalf("activity assets not decoded: %+v", a)
	}
	if a.Timestamps == nil || a.Timestamps.Start != 1700000000000 || a.Timestamps.End != 0 {
		t.Errorf("timestamps = %+v", a.Timestamps)
	}
	if len(a.Buttons) != 1 || a.Buttons[0].URL != "https://example.com" {
		t.Errorf("buttons = %+v", a.Buttons)
	}
	if id.Presence.Emoji == nil || id.Presence.Emoji.ID != nil || id.Presence.Emoji.Name != "🔥" {
		t.Errorf("emoji = %+v", id.Presence.Emoji)
	}
}

func TestAccountIdentity_TextPresence(t *testing.T) {
	path := writeFile(t, t.TempDir(), "accounts.json", accountsJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	alt, err := cfg.Accounts[1].Identity()
	if err != nil {
		t.Fatalf("Identity() error = %v", err)
	}
	if alt.Presence.Text == nil || *alt.Presence.Text != "" {
		t.Errorf("empty text should be kept as empty, got %v", alt.Presence.Text)
	}

	bare, err := cfg.Accounts[2].Identity()
	if err != nil {
		t.Fatalf("Identity() error = %v", err)
	}
	if bare.Presence.Text != nil {
		t.Errorf("missing text should be absent, got %q", *bare.Presence.Text)
	}
	if bare.Presence.Status != presence.StatusOnline {
		t.Errorf("default status = %q, want online", bare.Presence.Status)
	}
}

func TestLoad_YAMLWithDefaults(t *testing.T) {
	t.Setenv("MAIN_TOKEN", "from-env")
	path := writeFile(t, t.TempDir(), "config.yaml", `
gateway:
  handshake_timeout: 5s
  dial_backoff:
    initial: 500ms
    max: 10s
logging:
  level: debug
metrics:
  enabled: true
accounts:
  - name: main
    token: ${MAIN_TOKEN}
    presence:
      status: idle
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Accounts[0].Token != "from-env" {
		t.Errorf("token = %q, want env expansion", cfg.Accounts[0].Token)
	}
	if cfg.Gateway.HandshakeTimeout != 5*time.Second {
		t.Errorf("handshake timeout = %v", cfg.Gateway.HandshakeTimeout)
	}
	if p := cfg.Gateway.DialBackoff.Policy(); p.Initial != 500*time.Millisecond || p.Max != 10*time.Second || p.Factor != 2 {
		t.Errorf("dial backoff = %+v", p)
	}
	if cfg.Gateway.URL != "wss://gateway.discord.gg/?encoding=json&v=9" {
		t.Errorf("gateway url default = %q", cfg.Gateway.URL)
	}
	if cfg.Gateway.MaxMessageBytes != 1_000_000_000 {
		t.Errorf("max message bytes = %d", cfg.Gateway.MaxMessageBytes)
	}
	if cfg.Metrics.Addr != ":9090" {
		t.Errorf("metrics addr = %q", cfg.Metrics.Addr)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("logging format = %q", cfg.Logging.Format)
	}
	if !cfg.Browser.IsHeadless() {
		t.Error("browser should default to headless")
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{
			name:    "unknown top-level field",
			file:    "c.yaml",
			content: "colour: red\naccounts:\n  - name: a\n    token: t\n",
			want:    "colour",
		},
		{
			name:    "accounts not a list",
			file:    "c.yaml",
			content: "accounts: main\n",
			want:    "accounts must be a list",
		},
		{
			name:    "no accounts",
			file:    "c.yaml",
			content: "logging:\n  level: info\n",
			want:    "no accounts",
		},
		{
			name:    "bad logging format",
			file:    "c.yaml",
			content: "logging:\n  format: xml\naccounts:\n  - {name: a, token: t}\n",
			want:    "logging.format",
		},
		{
			name:    "scalar document",
			file:    "c.json",
			content: `"hello"`,
			want:    "top level",
		},
		{
			name:    "multiple documents",
			file:    "c.yaml",
			content: "accounts: []\n---\naccounts: []\n",
			want:    "single document",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), tt.file, tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoad_Includes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "logging:\n  level: warn\n  format: text\n")
	path := writeFile(t, dir, "main.yaml", "$include: base.yaml\nlogging:\n  level: debug\naccounts:\n  - {name: a, token: t}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %+v, want merged include", cfg.Logging)
	}
}

func TestLoad_IncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	path := writeFile(t, dir, "b.yaml", "$include: a.yaml\n")

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("Load() = %v, want include cycle error", err)
	}
}

func TestLoad_MalformedAccountIsIsolated(t *testing.T) {
	path := writeFile(t, t.TempDir(), "accounts.json", `[
  {"name": "typo", "token": "tok-typo", "presense": {"status": "idle"}},
  {"name": "badstamp", "token": "tok-stamp", "presence": {"status": "online",
    "activity": {"id": "1", "name": "n", "timestamps": {"start": "soon"}}}},
  "not an account",
  {"name": "good", "token": "tok-good", "presence": {"status": "dnd"}}
]`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Accounts) != 4 {
		t.Fatalf("expected 4 roster entries, got %d", len(cfg.Accounts))
	}
	if cfg.Accounts[0].Token != "tok-typo" {
		t.Errorf("malformed entry should keep its token, got %q", cfg.Accounts[0].Token)
	}

	identities, failures := cfg.Identities()
	if len(identities) != 1 || identities[0].Name != "good" || identities[0].Presence.Status != presence.StatusDoNotDisturb {
		t.Fatalf("identities = %+v", identities)
	}
	if len(failures) != 3 {
		t.Fatalf("expected 3 failures, got %d: %v", len(failures), failures)
	}
	for i, want := range []string{"presense", "soon", "mapping"} {
		if failures[i].Index != i {
			t.Errorf("failure %d index = %d", i, failures[i].Index)
		}
		if !strings.Contains(failures[i].Error(), want) {
			t.Errorf("failure %d = %v, want mention of %q", i, failures[i], want)
		}
	}
	if !strings.Contains(failures[0].Error(), "account typo") {
		t.Errorf("failure should name the account: %v", failures[0])
	}
}

func TestLoad_StringTimestamps(t *testing.T) {
	path := writeFile(t, t.TempDir(), "accounts.json", `[
  {"name": "a", "token": "t", "presence": {"status": "online",
    "activity": {"id": "1", "name": "n", "timestamps": {"start": "1700000000000", "end": ""}}}}
]`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	id, err := cfg.Accounts[0].Identity()
	if err != nil {
		t.Fatalf("Identity() error = %v", err)
	}
	ts := id.Presence.Activity.Timestamps
	if ts == nil || ts.Start != 1700000000000 || ts.End != 0 {
		t.Errorf("timestamps = %+v", ts)
	}
}

func TestLoad_EnvExpansionOnlyBraced(t *testing.T) {
	t.Setenv("ALT_TOKEN", "tok-from-env")
	t.Setenv("EMPTY_VAR", "")
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "logging:\n  format: text\n")
	path := writeFile(t, dir, "main.yaml", `$include: base.yaml
accounts:
  - name: alt
    token: ${ALT_TOKEN}
    presence:
      status: online
      text: "Costs $10 today, ${EMPTY_VAR}$HOME stays"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("include not applied: %+v", cfg.Logging)
	}
	account := cfg.Accounts[0]
	if account.Token != "tok-from-env" {
		t.Errorf("token = %q, want expanded", account.Token)
	}
	want := "Costs $10 today, $HOME stays"
	if account.Presence.Text == nil || *account.Presence.Text != want {
		t.Errorf("text = %v, want %q", account.Presence.Text, want)
	}
}

func TestIdentities_IsolatesBadAccounts(t *testing.T) {
	cfg := &Config{Accounts: []AccountConfig{
		{Name: "good", Token: "t1"},
		{Name: "notoken"},
		{Name: "badstatus", Token: "t3", Presence: &PresenceConfig{Status: "sleeping"}},
		{Name: "noactivityid", Token: "t4", Presence: &PresenceConfig{
			Status:   "online",
			Activity: &ActivityConfig{Name: "x"},
		}},
		{Name: "good", Token: "t5"},
		{Name: "other", Token: "t6"},
	}}

	identities, failures := cfg.Identities()
	if len(identities) != 2 || identities[0].Name != "good" || identities[1].Name != "other" {
		t.Errorf("identities = %+v", identities)
	}
	if len(failures) != 4 {
		t.Fatalf("expected 4 failures, got %d: %v", len(failures), failures)
	}
	wantIdx := []int{1, 2, 3, 4}
	for i, f := range failures {
		if f.Index != wantIdx[i] {
			t.Errorf("failure %d index = %d, want %d", i, f.Index, wantIdx[i])
		}
		var accErr *AccountError
		if !errors.As(error(f), &accErr) {
			t.Errorf("failure %d is not an AccountError", i)
		}
	}
	if !strings.Contains(failures[0].Error(), "account notoken") {
		t.Errorf("error text = %q", failures[0].Error())
	}
}

func TestPresenceConfig_SiblingActivityFields(t *testing.T) {
	account := AccountConfig{
		Name:  "a",
		Token: "t",
		Presence: &PresenceConfig{
			Status:     "online",
			Activity:   &ActivityConfig{ID: "1", Name: "n", Type: "playing"},
			Assets:     &AssetsConfig{LargeImage: "img"},
			Timestamps: &TimestampsConfig{End: 99},
			Buttons:    []ButtonConfig{{Label: "l", URL: "u"}},
		},
	}

	id, err := account.Identity()
	if err != nil {
		t.Fatalf("Identity() error = %v", err)
	}
	a := id.Presence.Activity
	if a.Assets == nil || a.Assets.LargeImage != "img" {
		t.Errorf("assets not applied: %+v", a.Assets)
	}
	if a.Timestamps == nil || a.Timestamps.End != 99 {
		t.Errorf("timestamps not applied: %+v", a.Timestamps)
	}
	if len(a.Buttons) != 1 {
		t.Errorf("buttons not applied: %+v", a.Buttons)
	}
}

func TestSnakeCase(t *testing.T) {
	tests := map[string]string{
		"largeImage":    "large_image",
		"avatarCycle":   "avatar_cycle",
		"name":          "name",
		"sampling_rate": "sampling_rate",
		"baseDebugPort": "base_debug_port",
		"$include":      "$include",
	}
	for in, want := range tests {
		if got := snakeCase(in); got != want {
			t.Errorf("snakeCase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(PathEnv, "")
	if got := ResolvePath(""); got != DefaultPath {
		t.Errorf("ResolvePath() = %q, want default", got)
	}
	t.Setenv(PathEnv, "/etc/accounts.yaml")
	if got := ResolvePath(""); got != "/etc/accounts.yaml" {
		t.Errorf("ResolvePath() = %q, want env value", got)
	}
	if got := ResolvePath("./local.json"); got != "./local.json" {
		t.Errorf("ResolvePath(flag) = %q", got)
	}
}

func TestWatcher_ReportsEdits(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "accounts.json", "[]")
	writeFile(t, dir, "other.json", "[]")

	changes := make(chan string, 4)
	w := NewWatcher(path, 20*time.Millisecond, nil, func(p string) { changes <- p })
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Close()

	writeFile(t, dir, "other.json", "[1]")
	select {
	case p := <-changes:
		t.Fatalf("unexpected change for %s", p)
	case <-time.After(100 * time.Millisecond):
	}

	writeFile(t, dir, "accounts.json", "[1]")
	writeFile(t, dir, "accounts.json", "[1, 2]")
	select {
	case p := <-changes:
		if filepath.Base(p) != "accounts.json" {
			t.Errorf("changed path = %s", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change reported")
	}
}
