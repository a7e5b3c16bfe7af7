// Package config loads treewatch settings from a TOML or YAML file and the
// environment. Command-line flags are layered on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"treewatch/internal/config/keystore"
	"treewatch/internal/fsutil"
	"treewatch/internal/logging"
	"treewatch/internal/pathmatch"
	"treewatch/internal/watcher"
)

type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

var ErrUnsupportedFormat = errors.New("unsupported config file format")

type Config struct {
	Root      string
	Recursive bool
	Debounce  time.Duration
	Include   []string
	Exclude   []string
	MaxDepth  int
	CatchUp   bool
	LogLevel  string
	Format    string
	Listen    string
	Sources   map[string]Source
}

func Default() Config {
	cfg := Config{
		Root:      ".",
		Recursive: true,
		Debounce:  watcher.DefaultDebounce,
		MaxDepth:  fsutil.DefaultMaxDepth,
		CatchUp:   true,
		LogLevel:  string(logging.LevelInfo),
		Format:    FormatText,
		Sources:   make(map[string]Source),
	}
	for _, key := range settingKeys {
		cfg.Sources[key] = SourceDefault
	}
	return cfg
}

var settingKeys = []string{
	"root", "recursive", "debounce", "include", "exclude",
	"max-depth", "catch-up", "log-level", "format", "listen",
}

// Load reads the optional file at path and then applies environment
// overrides from getenv. A nil getenv means os.Getenv.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		store, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := cfg.applyStore(store); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readFile(path string) (keystore.Store, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return keystore.Store{}, fmt.Errorf("read config: %w", err)
	}
	var store keystore.Store
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		store, err = keystore.DecodeTOML(payload)
	case ".yaml", ".yml":
		store, err = keystore.DecodeYAML(payload)
	default:
		return keystore.Store{}, fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}
	if err != nil {
		return keystore.Store{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return store, nil
}

var fileKeys = map[string]string{
	"watch.root":       "root",
	"watch.recursive":  "recursive",
	"watch.debounce":   "debounce",
	"watch.include":    "include",
	"watch.exclude":    "exclude",
	"watch.max-depth":  "max-depth",
	"watch.catch-up":   "catch-up",
	"output.log-level": "log-level",
	"output.format":    "format",
	"server.listen":    "listen",
}

func (cfg *Config) applyStore(store keystore.Store) error {
	for _, key := range store.Keys() {
		if _, ok := fileKeys[key]; !ok {
			return fmt.Errorf("unknown key %q", key)
		}
	}
	if value, ok := store.GetString("watch.root"); ok {
		cfg.Root = strings.TrimSpace(value)
		cfg.Sources["root"] = SourceFile
	}
	if value, ok := store.GetBool("watch.recursive"); ok {
		cfg.Recursive = value
		cfg.Sources["recursive"] = SourceFile
	}
	if value, ok := store.GetString("watch.debounce"); ok {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("watch.debounce: %w", err)
		}
		cfg.Debounce = parsed
		cfg.Sources["debounce"] = SourceFile
	}
	if values, ok := store.GetStrings("watch.include"); ok {
		cfg.Include = values
		cfg.Sources["include"] = SourceFile
	}
	if values, ok := store.GetStrings("watch.exclude"); ok {
		cfg.Exclude = values
		cfg.Sources["exclude"] = SourceFile
	}
	if value, ok := store.GetInt("watch.max-depth"); ok {
		cfg.MaxDepth = int(value)
		cfg.Sources["max-depth"] = SourceFile
	}
	if value, ok := store.GetBool("watch.catch-up"); ok {
		cfg.CatchUp = value
		cfg.Sources["catch-up"] = SourceFile
	}
	if value, ok := store.GetString("output.log-level"); ok {
		cfg.LogLevel = strings.TrimSpace(value)
		cfg.Sources["log-level"] = SourceFile
	}
	if value, ok := store.GetString("output.format"); ok {
		cfg.Format = strings.TrimSpace(value)
		cfg.Sources["format"] = SourceFile
	}
	if value, ok := store.GetString("server.listen"); ok {
		cfg.Listen = strings.TrimSpace(value)
		cfg.Sources["listen"] = SourceFile
	}
	for fileKey, setting := range fileKeys {
		if store.Has(fileKey) && cfg.Sources[setting] != SourceFile {
			return fmt.Errorf("%s: unexpected value type", fileKey)
		}
	}
	return nil
}

func (cfg *Config) applyEnv(getenv func(string) string) error {
	if raw := strings.TrimSpace(getenv("TREEWATCH_ROOT")); raw != "" {
		cfg.Root = raw
		cfg.Sources["root"] = SourceEnv
	}
	if raw := strings.TrimSpace(getenv("TREEWATCH_RECURSIVE")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid TREEWATCH_RECURSIVE: %w", err)
		}
		cfg.Recursive = parsed
		cfg.Sources["recursive"] = SourceEnv
	}
	if raw := strings.TrimSpace(getenv("TREEWATCH_DEBOUNCE")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid TREEWATCH_DEBOUNCE: %w", err)
		}
		cfg.Debounce = parsed
		cfg.Sources["debounce"] = SourceEnv
	}
	if raw := strings.TrimSpace(getenv("TREEWATCH_INCLUDE")); raw != "" {
		cfg.Include = SplitList(raw)
		cfg.Sources["include"] = SourceEnv
	}
	if raw := strings.TrimSpace(getenv("TREEWATCH_EXCLUDE")); raw != "" {
		cfg.Exclude = SplitList(raw)
		cfg.Sources["exclude"] = SourceEnv
	}
	if raw := strings.TrimSpace(getenv("TREEWATCH_MAX_DEPTH")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid TREEWATCH_MAX_DEPTH: %w", err)
		}
		cfg.MaxDepth = parsed
		cfg.Sources["max-depth"] = SourceEnv
	}
	if raw := strings.TrimSpace(getenv("TREEWATCH_LOG_LEVEL")); raw != "" {
		cfg.LogLevel = raw
		cfg.Sources["log-level"] = SourceEnv
	}
	if raw := strings.TrimSpace(getenv("TREEWATCH_FORMAT")); raw != "" {
		cfg.Format = raw
		cfg.Sources["format"] = SourceEnv
	}
	if raw := strings.TrimSpace(getenv("TREEWATCH_LISTEN")); raw != "" {
		cfg.Listen = raw
		cfg.Sources["listen"] = SourceEnv
	}
	return nil
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (cfg Config) Validate() error {
	var problems []error
	if strings.TrimSpace(cfg.Root) == "" {
		problems = append(problems, errors.New("root is required"))
	}
	if cfg.Debounce <= 0 {
		problems = append(problems, fmt.Errorf("debounce must be > 0, got %s", cfg.Debounce))
	}
	if cfg.MaxDepth < 0 {
		problems = append(problems, fmt.Errorf("max-depth must be >= 0, got %d", cfg.MaxDepth))
	}
	if _, ok := logging.ParseLevel(cfg.LogLevel); !ok {
		problems = append(problems, fmt.Errorf("unknown log level %q", cfg.LogLevel))
	}
	if cfg.Format != FormatText && cfg.Format != FormatJSON {
		problems = append(problems, fmt.Errorf("format must be %s or %s, got %q", FormatText, FormatJSON, cfg.Format))
	}
	if _, err := pathmatch.NewGlob(cfg.Include...); err != nil {
		problems = append(problems, fmt.Errorf("include: %w", err))
	}
	if _, err := pathmatch.NewGlob(cfg.Exclude...); err != nil {
		problems = append(problems, fmt.Errorf("exclude: %w", err))
	}
	return errors.Join(problems...)
}

// Level returns the parsed log level, falling back to info.
func (cfg Config) Level() logging.Level {
	level, ok := logging.ParseLevel(cfg.LogLevel)
	if !ok {
		return logging.LevelInfo
	}
	return level
}

// WatchOptions converts the watch settings. Logger, notifier, metrics and
// fatal handling are left for the caller.
func (cfg Config) WatchOptions() (watcher.Options, error) {
	include, err := pathmatch.NewGlob(cfg.Include...)
	if err != nil {
		return watcher.Options{}, fmt.Errorf("include: %w", err)
	}
	exclude, err := pathmatch.NewGlob(cfg.Exclude...)
	if err != nil {
		return watcher.Options{}, fmt.Errorf("exclude: %w", err)
	}
	return watcher.Options{
		Debounce:       cfg.Debounce,
		Include:        include,
		Exclude:        exclude,
		MaxDepth:       cfg.MaxDepth,
		DisableCatchUp: !cfg.CatchUp,
	}, nil
}
