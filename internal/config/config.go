// Package config implements the run configuration surface: a strict
// INI-style config file (every namespace and key must be registered or
// the run fails fast, with the offending line number reported), an
// optional YAML run manifest, environment variable overrides, and CLI
// flags, composed with CLI > env > file precedence, the same layering the
// teacher's own internal/config.Config applies.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully resolved set of knobs one run needs, independent of
// where each value ultimately came from.
type Config struct {
	RunName         string
	ArchivePath     string
	ModuleName      string
	APIVersion      string
	BoardX          int
	BoardY          int
	BoardZ          int
	CheckpointBatch int
	CheckpointFiles int
	NoBackup        bool
	Restart         bool
	RestartFile     string
	ResetCheckpoints bool
	Blocking        bool
	Stats           bool
	ListenAddr      string
	LogFormat       string
	LogLevel        string
	MetricsAddr     string
	TracingEndpoint string
	S3Bucket        string
	RedisAddr       string
	PostgresDSN     string
	GRPCAddr        string
	DialTimeout     time.Duration
}

// DefaultConfig returns the built-in defaults applied before any file,
// environment, or flag override, mirroring oriys-nova's DefaultConfig.
func DefaultConfig() *Config {
	return &Config{
		RunName:         "mechanic",
		ModuleName:      "core",
		APIVersion:      "1.0",
		BoardX:          1,
		BoardY:          1,
		BoardZ:          1,
		CheckpointBatch: 2048,
		CheckpointFiles: 4,
		ListenAddr:      "0.0.0.0:9000",
		LogFormat:       "text",
		LogLevel:        "info",
		DialTimeout:     5 * time.Second,
	}
}

// iniSection is the set of keys LoadINI recognizes for one
// namespace; unknown keys or namespaces under strict validation are
// fatal errors naming the offending source line, per spec.md §6.2.
type iniSection struct {
	name string
	keys map[string]func(cfg *Config, value string) error
}

func registeredSections() []iniSection {
	return []iniSection{
		{name: "global", keys: map[string]func(cfg *Config, value string) error{
			"module":       func(c *Config, v string) error { c.ModuleName = v; return nil },
			"api_version":  func(c *Config, v string) error { c.APIVersion = v; return nil },
			"archive":      func(c *Config, v string) error { c.ArchivePath = v; return nil },
			"no_backup":    boolSetter(func(c *Config, b bool) { c.NoBackup = b }),
			"restart":      boolSetter(func(c *Config, b bool) { c.Restart = b }),
			"listen":       func(c *Config, v string) error { c.ListenAddr = v; return nil },
		}},
		{name: "board", keys: map[string]func(cfg *Config, value string) error{
			"x": intSetter(func(c *Config, n int) { c.BoardX = n }),
			"y": intSetter(func(c *Config, n int) { c.BoardY = n }),
			"z": intSetter(func(c *Config, n int) { c.BoardZ = n }),
		}},
		{name: "checkpoint", keys: map[string]func(cfg *Config, value string) error{
			"batch_size": intSetter(func(c *Config, n int) { c.CheckpointBatch = n }),
		}},
		{name: "observability", keys: map[string]func(cfg *Config, value string) error{
			"log_format":       func(c *Config, v string) error { c.LogFormat = v; return nil },
			"log_level":        func(c *Config, v string) error { c.LogLevel = v; return nil },
			"metrics_addr":     func(c *Config, v string) error { c.MetricsAddr = v; return nil },
			"tracing_endpoint": func(c *Config, v string) error { c.TracingEndpoint = v; return nil },
		}},
		{name: "remote", keys: map[string]func(cfg *Config, value string) error{
			"s3_bucket":    func(c *Config, v string) error { c.S3Bucket = v; return nil },
			"redis_addr":   func(c *Config, v string) error { c.RedisAddr = v; return nil },
			"postgres_dsn": func(c *Config, v string) error { c.PostgresDSN = v; return nil },
			"grpc_addr":    func(c *Config, v string) error { c.GRPCAddr = v; return nil },
		}},
	}
}

func boolSetter(set func(*Config, bool)) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", v)
		}
		set(c, b)
		return nil
	}
}

func intSetter(set func(*Config, int)) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid integer %q", v)
		}
		set(c, n)
		return nil
	}
}

// LoadINI parses a strict INI-style config file: `[section]` headers and
// `key = value` lines. Any section or key not present in
// registeredSections is a fatal error naming the source file and line
// number, per spec.md §6.2 — there is no silent-ignore path for typos.
func LoadINI(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	sections := registeredSections()
	byName := make(map[string]iniSection, len(sections))
	for _, s := range sections {
		byName[s.name] = s
	}

	section := "global"
	for lineNo, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := strings.TrimSpace(line[1 : len(line)-1])
			if _, ok := byName[name]; !ok {
				return fmt.Errorf("config: %s:%d: unknown section [%s]", path, lineNo+1, name)
			}
			section = name
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("config: %s:%d: malformed line %q", path, lineNo+1, raw)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		sec, ok := byName[section]
		if !ok {
			return fmt.Errorf("config: %s:%d: unknown section [%s]", path, lineNo+1, section)
		}
		setter, ok := sec.keys[key]
		if !ok {
			return fmt.Errorf("config: %s:%d: unknown key %q in section [%s]", path, lineNo+1, key, section)
		}
		if err := setter(cfg, value); err != nil {
			return fmt.Errorf("config: %s:%d: %s.%s: %w", path, lineNo+1, section, key, err)
		}
	}
	return nil
}

// LoadFromEnv applies MECHANIC_*-prefixed overrides, mirroring the
// teacher's internal/config.LoadFromEnv sweep of os.Getenv calls.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("MECHANIC_ARCHIVE"); v != "" {
		cfg.ArchivePath = v
	}
	if v := os.Getenv("MECHANIC_MODULE"); v != "" {
		cfg.ModuleName = v
	}
	if v := os.Getenv("MECHANIC_LISTEN"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("MECHANIC_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("MECHANIC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MECHANIC_NO_BACKUP"); v != "" {
		cfg.NoBackup = parseBool(v)
	}
	if v := os.Getenv("MECHANIC_RESTART"); v != "" {
		cfg.Restart = parseBool(v)
	}
	if v := os.Getenv("MECHANIC_DIAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DialTimeout = d
		}
	}
}

// parseBool mirrors the teacher's lenient env-var boolean parser: only an
// explicit "false"/"0"/"no" is false, everything else is true.
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "false", "0", "no":
		return false
	default:
		return true
	}
}
