package config

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ResolvePath picks the roster path: the explicit flag, then ACCOUNTS_PATH,
// then DefaultPath.
func ResolvePath(flag string) string {
	if p := strings.TrimSpace(flag); p != "" {
		return p
	}
	return envOr(PathEnv, DefaultPath)
}

// Load reads, normalizes and validates a configuration file. Both the full
// document shape and a bare JSON array of accounts are accepted.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadRaw reads a configuration file into a merged raw map with snake_case
// keys, resolving $include directives.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	seen := map[string]bool{}
	return loadRawRecursive(path, seen)
}

// loadRawRecursive loads a config file, resolving $include directives with cycle detection.
func loadRawRecursive(path string, seen map[string]bool) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if seen[absPath] {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	seen[absPath] = true
	defer delete(seen, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	raw, err := parseRawBytes(data, absPath)
	if err != nil {
		return nil, err
	}

	includes, err := extractIncludes(raw)
	if err != nil {
		return nil, err
	}
	expandEnv(raw)

	merged := map[string]any{}
	baseDir := filepath.Dir(absPath)
	for _, inc := range includes {
		if strings.TrimSpace(inc) == "" {
			continue
		}
		incPath := inc
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(baseDir, incPath)
		}
		incRaw, err := loadRawRecursive(incPath, seen)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, incRaw)
	}

	return mergeMaps(merged, raw), nil
}

func parseRawBytes(data []byte, pathHint string) (map[string]any, error) {
	var doc any
	format := strings.ToLower(filepath.Ext(pathHint))
	if format == ".json" || format == ".json5" {
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else {
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		if err := decoder.Decode(&doc); err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if err := decoder.Decode(&struct{}{}); err != io.EOF {
			return nil, fmt.Errorf("failed to parse config: expected single document")
		}
	}

	switch typed := normalizeValue(doc).(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return typed, nil
	case []any:
		return map[string]any{"accounts": typed}, nil
	default:
		return nil, fmt.Errorf("failed to parse config: top level must be a mapping or a list of accounts")
	}
}

// normalizeValue rewrites camelCase keys to snake_case and integral floats to
// integers so JSON rosters decode into the YAML-tagged structs.
func normalizeValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, value := range typed {
			out[snakeCase(key)] = normalizeValue(value)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, value := range typed {
			out[i] = normalizeValue(value)
		}
		return out
	case float64:
		if typed == math.Trunc(typed) && math.Abs(typed) < 1<<53 {
			return int64(typed)
		}
		return typed
	default:
		return v
	}
}

// expandEnv replaces ${NAME} references inside string values. Keys and bare
// $ signs are left untouched.
func expandEnv(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		for key, value := range typed {
			typed[key] = expandEnv(value)
		}
		return typed
	case []any:
		for i, value := range typed {
			typed[i] = expandEnv(value)
		}
		return typed
	case string:
		return envRef.ReplaceAllStringFunc(typed, func(ref string) string {
			return os.Getenv(envRef.FindStringSubmatch(ref)[1])
		})
	default:
		return v
	}
}

func snakeCase(key string) string {
	if key == includeKey {
		return key
	}
	var b strings.Builder
	prevLower := false
	for _, r := range key {
		if unicode.IsUpper(r) {
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
			continue
		}
		b.WriteRune(r)
		prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
	}
	return b.String()
}

func extractIncludes(raw map[string]any) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	var includeVal any
	if val, ok := raw[includeKey]; ok {
		includeVal = val
		delete(raw, includeKey)
	} else if val, ok := raw["include"]; ok {
		includeVal = val
		delete(raw, "include")
	}
	if includeVal == nil {
		return nil, nil
	}

	switch typed := includeVal.(type) {
	case string:
		return []string{typed}, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			value, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("include entries must be strings")
			}
			paths = append(paths, value)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("include must be a string or list of strings")
	}
}

// mergeMaps overlays src onto dst. Nested maps merge; lists are replaced.
func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if valueMap, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeMaps(existing, valueMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// decodeRawConfig decodes the process settings strictly. Each roster entry is
// decoded on its own so a malformed account is reported against that account
// instead of failing the whole load.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	settings := make(map[string]any, len(raw))
	for key, value := range raw {
		if key != "accounts" {
			settings[key] = value
		}
	}
	var cfg Config
	if err := decodeStrict(settings, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	switch entries := raw["accounts"].(type) {
	case nil:
	case []any:
		cfg.Accounts = make([]AccountConfig, 0, len(entries))
		for _, entry := range entries {
			cfg.Accounts = append(cfg.Accounts, decodeAccount(entry))
		}
	default:
		return nil, fmt.Errorf("failed to parse config: accounts must be a list")
	}
	return &cfg, nil
}

// decodeAccount never fails. A bad entry keeps its name and token, for
// reporting and log redaction, and carries the decode error to Identity.
func decodeAccount(entry any) AccountConfig {
	fields, ok := entry.(map[string]any)
	if !ok {
		return AccountConfig{decodeErr: fmt.Errorf("roster entry must be a mapping")}
	}
	var account AccountConfig
	if err := decodeStrict(fields, &account); err != nil {
		name, _ := fields["name"].(string)
		token, _ := fields["token"].(string)
		return AccountConfig{Name: name, Token: token, decodeErr: fmt.Errorf("invalid entry: %w", err)}
	}
	return account
}

func decodeStrict(in any, out any) error {
	payload, err := yaml.Marshal(in)
	if err != nil {
		return err
	}
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil && err != io.EOF {
		return err
	}
	return nil
}
