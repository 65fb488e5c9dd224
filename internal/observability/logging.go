package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// LogConfig selects the handler behind NewLogger.
type LogConfig struct {
	// Level is one of debug, info, warn or error.
	Level string

	// Format is "json" (default) or "text".
	Format string

	// Output defaults to os.Stdout.
	Output    io.Writer
	AddSource bool

	// RedactPatterns are extra regular expressions whose matches are masked,
	// typically the configured account tokens.
	RedactPatterns []string
}

// DefaultRedactPatterns match credentials that may leak into log values.
var DefaultRedactPatterns = []string{
	// Discord user tokens: base64 user id, timestamp, HMAC
	`[A-Za-z0-9_-]{23,28}\.[A-Za-z0-9_-]{6,7}\.[A-Za-z0-9_-]{27,38}`,
	`mfa\.[A-Za-z0-9_-]{20,}`,

	`(?i)(bearer|token|authorization)[\s:=]+["']?([A-Za-z0-9_\-\.]{16,})["']?`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,
}

var sensitiveKeys = map[string]bool{
	"token":         true,
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"auth":          true,
	"authorization": true,
	"api_key":       true,
	"apikey":        true,
}

// LogLevelFromString maps a level name to a slog.Level, defaulting to info.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a slog logger whose attribute values are passed through
// the redactor before they reach the handler.
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Format == "" {
		config.Format = "json"
	}

	redactor := newRedactor(config.RedactPatterns)
	opts := &slog.HandlerOptions{
		Level:       LogLevelFromString(config.Level),
		AddSource:   config.AddSource,
		ReplaceAttr: redactor.replaceAttr,
	}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}
	return slog.New(handler)
}

type redactor struct {
	patterns []*regexp.Regexp
}

func newRedactor(extra []string) *redactor {
	r := &redactor{}
	all := append(append([]string{}, DefaultRedactPatterns...), extra...)
	for _, pattern := range all {
		if re, err := regexp.Compile(pattern); err == nil {
			r.patterns = append(r.patterns, re)
		}
	}
	return r
}

func (r *redactor) replaceAttr(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(strings.ReplaceAll(a.Key, "-", "_"))
	if sensitiveKeys[key] {
		return slog.String(a.Key, redacted)
	}

	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, r.redactString(a.Value.String()))
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, r.redactString(err.Error()))
		}
	}
	return a
}

func (r *redactor) redactString(s string) string {
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}
