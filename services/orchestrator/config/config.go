// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the orchestrator configuration.
//
// Configuration comes from an optional YAML file, then environment
// overrides, then defaults for anything still unset. Provider keys are only
// ever read from the environment so they never end up in a file written by
// WriteDefault.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/activity"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/filecache"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/files"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/retention"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
)

const (
	DefaultPort                 = 12210
	DefaultOTelEndpoint         = "aleutian-otel-collector:4317"
	DefaultArtifactPreviewChars = 4000
	DefaultMaxFileBytes         = 20 << 20
	DefaultFetchTimeout         = 30 * time.Second
)

// LoggingConfig selects log level, console format and an optional log
// directory.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Dir    string `yaml:"dir"`
}

// FilesConfig controls attachment fetching and validation.
//
// # Fields
//
//   - FetchTimeout: Per-request timeout for http(s) references.
//   - MaxBytes: Largest attachment that will be read.
//   - AllowedHosts: If set, http(s) references must point at one of these.
//   - AllowedTypes: Accepted media types. Empty uses files.DefaultAllowedTypes.
//   - MaxExtractChars: Cap on extracted text per file. Zero means no cap.
//   - GCSCredentialsFile: Enables gs:// references. "default" uses ambient
//     credentials.
//   - S3: Enables s3:// references when Endpoint is set.
type FilesConfig struct {
	FetchTimeout       time.Duration  `yaml:"fetch_timeout"`
	MaxBytes           int64          `yaml:"max_bytes"`
	AllowedHosts       []string       `yaml:"allowed_hosts"`
	AllowedTypes       []string       `yaml:"allowed_types"`
	MaxExtractChars    int            `yaml:"max_extract_chars"`
	GCSCredentialsFile string         `yaml:"gcs_credentials_file"`
	S3                 files.S3Config `yaml:"s3"`
}

// ActivityConfig controls the activity and performance queues and how long
// activity rows are kept.
type ActivityConfig struct {
	QueueSize int              `yaml:"queue_size"`
	Retention retention.Config `yaml:"retention"`

	// SQL persists activity rows next to the chats. Defaults to true.
	SQL *bool `yaml:"sql"`
}

// SQLEnabled reports whether activity rows are written to the store.
func (a ActivityConfig) SQLEnabled() bool { return a.SQL == nil || *a.SQL }

// Config is the full orchestrator configuration.
type Config struct {
	Port         int    `yaml:"port"`
	GinMode      string `yaml:"gin_mode"`
	OTelEndpoint string `yaml:"otel_endpoint"`

	Logging   LoggingConfig    `yaml:"logging"`
	Store     store.Config     `yaml:"store"`
	FileCache filecache.Config `yaml:"file_cache"`
	Files     FilesConfig      `yaml:"files"`

	LLM                  llm.Config `yaml:"llm"`
	TitleModel           string     `yaml:"title_model"`
	ArtifactPreviewChars int        `yaml:"artifact_preview_chars"`

	Activity  ActivityConfig            `yaml:"activity"`
	Influx    activity.InfluxConfig     `yaml:"influx"`
	RateLimit middleware.RateLimitConfig `yaml:"rate_limit"`

	AllowedOrigins []string `yaml:"allowed_origins"`

	// AuthTokens maps bearer tokens to user ids. Empty runs every request
	// as the single local user.
	AuthTokens map[string]string `yaml:"auth_tokens"`
}

// DefaultModels is the catalogue used when the file lists none.
func DefaultModels() []llm.ModelSpec {
	return []llm.ModelSpec{
		{ID: "gemini-2.5-flash", Family: llm.FamilyGemini, SupportsThinking: true},
		{ID: "gemini-2.5-pro", Family: llm.FamilyGemini, SupportsThinking: true},
		{ID: "gpt-4o-mini", Family: llm.FamilyOpenAI},
		{ID: "claude-sonnet-4", Family: llm.FamilyAnthropic, ProviderModel: "claude-sonnet-4-20250514", SupportsThinking: true},
		{ID: "ollama/llama3.2", Family: llm.FamilyOllama, ProviderModel: "llama3.2"},
	}
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return applyConfigDefaults(Config{})
}

// Load reads path, applies environment overrides and defaults, and
// validates the result.
//
// # Description
//
// An empty path skips the file. A path that does not exist is not an
// error: the service runs on environment and defaults, which is how the
// container image starts.
//
// # Inputs
//
//   - path: YAML file, may be empty.
//
// # Outputs
//
//   - Config: Ready to pass to orchestrator.New.
//   - error: Unreadable or malformed file, or a failed Validate.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("failed to read the config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg, os.Getenv)
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteDefault writes the default configuration to path, creating parent
// directories.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// applyEnv overlays environment variables. getenv is injected for tests.
func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("ORCHESTRATOR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := getenv("GIN_MODE"); v != "" {
		cfg.GinMode = v
	}
	if v := getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.OTelEndpoint = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := getenv("CHAT_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = store.Dialect(v)
	}
	if v := getenv("CHAT_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := getenv("FILE_CACHE_BACKEND"); v != "" {
		cfg.FileCache.Backend = filecache.Backend(v)
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		cfg.FileCache.RedisAddr = v
	}
	if v := getenv("INFLUXDB_URL"); v != "" {
		cfg.Influx.URL = v
	}
	if v := getenv("INFLUXDB_TOKEN"); v != "" {
		cfg.Influx.Token = v
	}

	keys := map[llm.Family]string{}
	for k, v := range cfg.LLM.DefaultKeys {
		keys[k] = v
	}
	if v := firstEnv(getenv, "GOOGLE_GENERATIVE_AI_API_KEY", "GOOGLE_API_KEY", "GEMINI_API_KEY"); v != "" {
		keys[llm.FamilyGemini] = v
	}
	if v := getenv("OPENAI_API_KEY"); v != "" {
		keys[llm.FamilyOpenAI] = v
	}
	if v := getenv("ANTHROPIC_API_KEY"); v != "" {
		keys[llm.FamilyAnthropic] = v
	}
	if len(keys) > 0 {
		cfg.LLM.DefaultKeys = keys
	}
	if v := getenv("OLLAMA_BASE_URL"); v != "" {
		cfg.LLM.Endpoints.Ollama = v
	}
}

func firstEnv(getenv func(string) string, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

// applyConfigDefaults fills in zero-valued fields.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = DefaultOTelEndpoint
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = string(logging.FormatAuto)
	}

	storeDef := store.DefaultConfig()
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = storeDef.Driver
	}
	if cfg.Store.DSN == "" && cfg.Store.Driver == store.DialectSQLite {
		cfg.Store.DSN = storeDef.DSN
	}
	if cfg.Store.MaxOpenConns == 0 {
		cfg.Store.MaxOpenConns = storeDef.MaxOpenConns
	}

	cacheDef := filecache.DefaultConfig()
	if cfg.FileCache.Backend == "" {
		cfg.FileCache.Backend = cacheDef.Backend
	}
	if cfg.FileCache.TTL == 0 {
		cfg.FileCache.TTL = cacheDef.TTL
	}
	if cfg.FileCache.Path == "" {
		cfg.FileCache.Path = cacheDef.Path
	}
	if cfg.FileCache.KeyPrefix == "" {
		cfg.FileCache.KeyPrefix = cacheDef.KeyPrefix
	}

	if cfg.Files.FetchTimeout == 0 {
		cfg.Files.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Files.MaxBytes == 0 {
		cfg.Files.MaxBytes = DefaultMaxFileBytes
	}

	if len(cfg.LLM.Models) == 0 {
		cfg.LLM.Models = DefaultModels()
	}
	if cfg.LLM.SystemPrompt == "" {
		cfg.LLM.SystemPrompt = llm.DefaultSystemPrompt
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 5 * time.Minute
	}
	if cfg.TitleModel == "" {
		cfg.TitleModel = cfg.LLM.Models[0].ID
	}
	if cfg.ArtifactPreviewChars == 0 {
		cfg.ArtifactPreviewChars = DefaultArtifactPreviewChars
	}

	if cfg.Activity.QueueSize == 0 {
		cfg.Activity.QueueSize = activity.DefaultQueueSize
	}
	if cfg.Influx.Measurement == "" {
		cfg.Influx.Measurement = activity.DefaultMeasurement
	}
	return cfg
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Store.Driver {
	case store.DialectSQLite:
	case store.DialectPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store: dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unsupported driver %q", c.Store.Driver))
	}
	switch c.FileCache.Backend {
	case filecache.BackendBadger:
	case filecache.BackendRedis:
		if c.FileCache.RedisAddr == "" {
			errs = append(errs, errors.New("file_cache: redis_addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("file_cache: unsupported backend %q", c.FileCache.Backend))
	}

	seen := make(map[string]struct{}, len(c.LLM.Models))
	titleFound := false
	for _, m := range c.LLM.Models {
		if m.ID == "" {
			errs = append(errs, errors.New("llm: model with empty id"))
			continue
		}
		if _, dup := seen[m.ID]; dup {
			errs = append(errs, fmt.Errorf("llm: duplicate model id %q", m.ID))
		}
		seen[m.ID] = struct{}{}
		switch m.Family {
		case llm.FamilyGemini, llm.FamilyOpenAI, llm.FamilyAnthropic, llm.FamilyOllama:
		default:
			errs = append(errs, fmt.Errorf("llm: model %q has unknown family %q", m.ID, m.Family))
		}
		if m.ID == c.TitleModel {
			titleFound = true
		}
	}
	if !titleFound {
		errs = append(errs, fmt.Errorf("title_model %q is not in the model list", c.TitleModel))
	}

	if c.Influx.URL != "" && (c.Influx.Org == "" || c.Influx.Bucket == "") {
		errs = append(errs, errors.New("influx: org and bucket are required when url is set"))
	}
	if c.Activity.QueueSize < 0 {
		errs = append(errs, errors.New("activity: queue_size must not be negative"))
	}
	if c.Activity.Retention.MaxAge < 0 {
		errs = append(errs, errors.New("activity: retention max_age must not be negative"))
	}
	if c.Activity.Retention.Enabled() && !c.Activity.SQLEnabled() {
		errs = append(errs, errors.New("activity: retention needs the sql activity sink"))
	}
	return errors.Join(errs...)
}

// LoggerConfig converts the logging section for pkg/logging.
func (c Config) LoggerConfig(service string) logging.Config {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return logging.Config{
		Level:   level,
		Format:  logging.Format(c.Logging.Format),
		LogDir:  c.Logging.Dir,
		Service: service,
	}
}
