// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/jeranaias/fern/internal/provider"
	"github.com/jeranaias/fern/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete fern configuration.
type Config struct {
	Server  ServerConfig  `toml:"server" json:"server" envPrefix:"SERVER_"`
	Client  ClientConfig  `toml:"client" json:"client" envPrefix:"CLIENT_"`
	Model   ModelConfig   `toml:"model" json:"model" envPrefix:"MODEL_"`
	Logging LoggingConfig `toml:"logging" json:"logging" envPrefix:"LOG_"`

	// Providers holds per-provider overrides keyed by provider name.
	Providers map[string]ProviderConfig `toml:"providers" json:"providers"`
}

// ServerConfig configures `fern serve`.
type ServerConfig struct {
	// Addr is the listen address
	Addr string `toml:"addr" json:"addr" env:"ADDR"`
	// DataDir holds file and sqlite stores (empty = ~/.fern/data)
	DataDir string `toml:"data_dir" json:"data_dir" env:"DATA_DIR"`
	// Store selects the conversation store: "file", "sqlite" or "postgres"
	Store string `toml:"store" json:"store" env:"STORE"`
	// DatabaseURL is the postgres connection string
	DatabaseURL string `toml:"database_url" json:"database_url" env:"DATABASE_URL"`
	// RateLimit is requests per minute per client IP (0 = unlimited)
	RateLimit int `toml:"rate_limit" json:"rate_limit" env:"RATE_LIMIT"`
	RateBurst int `toml:"rate_burst" json:"rate_burst" env:"RATE_BURST"`
}

// ClientConfig configures `fern chat` and `fern ask`.
type ClientConfig struct {
	// ServerURL is the base URL of a running `fern serve`
	ServerURL string `toml:"server_url" json:"server_url" env:"SERVER_URL"`
	// TickMS is the typewriter period in milliseconds
	TickMS int `toml:"tick_ms" json:"tick_ms" env:"TICK_MS"`
	// Slice is the number of runes revealed per tick
	Slice int `toml:"slice" json:"slice" env:"SLICE"`
	// Reasoning asks the model for a short reasoning section by default
	Reasoning bool `toml:"reasoning" json:"reasoning" env:"REASONING"`
}

// ModelConfig holds the default provider, model and sampling parameters.
type ModelConfig struct {
	Provider    string   `toml:"provider" json:"provider" env:"PROVIDER"`
	Name        string   `toml:"name" json:"name" env:"NAME"`
	Temperature *float64 `toml:"temperature,omitempty" json:"temperature,omitempty"`
	TopP        *float64 `toml:"top_p,omitempty" json:"top_p,omitempty"`
}

// LoggingConfig controls logrus output.
type LoggingConfig struct {
	// Level is a logrus level name (debug, info, warn, error)
	Level string `toml:"level" json:"level" env:"LEVEL"`
	// Format is "text" or "json"
	Format string `toml:"format" json:"format" env:"FORMAT"`
}

// ProviderConfig overrides a provider's endpoint or key.
type ProviderConfig struct {
	BaseURL string `toml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKey  string `toml:"api_key,omitempty" json:"api_key,omitempty"`
}

// EnvPrefix prefixes every fern environment override.
const EnvPrefix = "FERN_"

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:      "127.0.0.1:8000",
			Store:     "file",
			RateLimit: 120,
			RateBurst: 20,
		},
		Client: ClientConfig{
			ServerURL: "http://127.0.0.1:8000",
			TickMS:    16,
			Slice:     1,
			Reasoning: false,
		},
		Model: ModelConfig{
			Provider: "openai",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Providers: map[string]ProviderConfig{},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the fern configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "could not determine home directory")
	}
	return filepath.Join(home, ".fern"), nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DataDir returns the directory for local stores.
func (c *Config) DataDir() (string, error) {
	if c.Server.DataDir != "" {
		return c.Server.DataDir, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "data"), nil
}

// ensureSecurePermissions tightens a config file to 0600.
// SECURITY: the file may hold API keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return errors.Wrapf(err, "fix insecure permissions (was %o)", mode)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads the config file at path over the defaults, applies environment
// overrides and validates the result. A missing file yields the defaults.
// An empty path means ConfigPath().
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// LoadFile reads the config file at path over the defaults without
// environment overrides or validation. Editors of the file use it so that
// environment values are never written back.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		p, err := ConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if err := decodeFile(cfg, path); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	cfg.fillDefaults()
	return cfg, nil
}

func decodeFile(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		log.WithError(err).WithField("path", path).Warn("Could not secure config file permissions")
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		log.WithField("keys", strings.Join(keys, ", ")).Warn("Ignoring unknown config keys")
	}
	return nil
}

// ApplyEnv overlays FERN_* environment variables, for example
// FERN_SERVER_ADDR, FERN_MODEL_PROVIDER or FERN_LOG_LEVEL. Unset variables
// leave the current value alone.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return errors.Wrap(err, "parse environment")
	}
	return nil
}

// fillDefaults fills zero values a partial file may leave behind.
func (c *Config) fillDefaults() {
	d := Default()
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.Store == "" {
		c.Server.Store = d.Server.Store
	}
	if c.Client.ServerURL == "" {
		c.Client.ServerURL = d.Client.ServerURL
	}
	if c.Client.TickMS == 0 {
		c.Client.TickMS = d.Client.TickMS
	}
	if c.Client.Slice == 0 {
		c.Client.Slice = d.Client.Slice
	}
	if c.Model.Provider == "" {
		c.Model.Provider = d.Model.Provider
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	c.Model.Provider = strings.ToLower(c.Model.Provider)
	c.Server.Store = strings.ToLower(c.Server.Store)
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes cfg to path as TOML. An empty path means ConfigPath().
// SECURITY: the file is written 0600.
// RELIABILITY: atomic write; a crash leaves either the old or the new file.
func Save(cfg *Config, path string) error {
	if path == "" {
		p, err := ConfigPath()
		if err != nil {
			return err
		}
		path = p
	}

	var buf bytes.Buffer
	buf.WriteString("# fern configuration file\n")
	buf.WriteString("# Environment variables FERN_* override these values.\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return errors.Wrap(err, "encode config")
	}

	if err := util.AtomicWriteFileWithDir(path, buf.Bytes(), 0600, 0700); err != nil {
		return errors.Wrap(err, "write config file")
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every field and returns all violations as ValidateErrors.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server
	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		add("server.addr", "invalid listen address %q, want host:port", c.Server.Addr)
	}
	switch c.Server.Store {
	case "file", "sqlite":
	case "postgres":
		if c.Server.DatabaseURL == "" {
			add("server.database_url", "required when server.store is postgres")
		}
	default:
		add("server.store", "invalid store %q, must be one of: file, sqlite, postgres", c.Server.Store)
	}
	if c.Server.RateLimit < 0 {
		add("server.rate_limit", "must not be negative")
	}
	if c.Server.RateBurst < 0 {
		add("server.rate_burst", "must not be negative")
	}

	// Client
	if u, err := url.Parse(c.Client.ServerURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("client.server_url", "invalid URL %q, want http(s)://host:port", c.Client.ServerURL)
	}
	if c.Client.TickMS < 1 || c.Client.TickMS > 1000 {
		add("client.tick_ms", "must be between 1 and 1000, got %d", c.Client.TickMS)
	}
	if c.Client.Slice < 1 {
		add("client.slice", "must be at least 1, got %d", c.Client.Slice)
	}

	// Model
	if _, ok := provider.Specs[c.Model.Provider]; !ok {
		add("model.provider", "unknown provider %q", c.Model.Provider)
	}
	if t := c.Model.Temperature; t != nil && (*t < 0 || *t > 2) {
		add("model.temperature", "must be between 0 and 2, got %g", *t)
	}
	if p := c.Model.TopP; p != nil && (*p <= 0 || *p > 1) {
		add("model.top_p", "must be in (0, 1], got %g", *p)
	}

	// Logging
	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "invalid level %q", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		add("logging.format", "invalid format %q, must be text or json", c.Logging.Format)
	}

	// Providers
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := provider.Specs[name]; !ok {
			add("providers."+name, "unknown provider")
			continue
		}
		if base := c.Providers[name].BaseURL; base != "" {
			if u, err := url.Parse(base); err != nil || u.Host == "" {
				add("providers."+name+".base_url", "invalid URL %q", base)
			}
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// DERIVED SETTINGS
// =============================================================================

// ProviderSettings converts the [providers] section for provider.Registry.
// The default model is attached to the default provider.
func (c *Config) ProviderSettings() map[string]provider.Settings {
	out := make(map[string]provider.Settings, len(c.Providers)+1)
	for name, p := range c.Providers {
		out[name] = provider.Settings{BaseURL: p.BaseURL, APIKey: p.APIKey}
	}
	s := out[c.Model.Provider]
	s.Model = c.Model.Name
	out[c.Model.Provider] = s
	return out
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a value by its TOML key path, e.g. "client.tick_ms" or
// "providers.openai.base_url".
func (c *Config) Get(key string) (interface{}, error) {
	if name, field, ok := providerKey(key); ok {
		v, err := lookupField(reflect.ValueOf(c.Providers[name]), field)
		if err != nil {
			return nil, errors.Wrapf(err, "get %s", key)
		}
		return v.Interface(), nil
	}
	v, err := lookup(reflect.ValueOf(c).Elem(), key)
	if err != nil {
		return nil, err
	}
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, nil
		}
		return v.Elem().Interface(), nil
	}
	return v.Interface(), nil
}

// Set assigns a value by its TOML key path. String values are converted to
// the field's type.
func (c *Config) Set(key string, value interface{}) error {
	if name, field, ok := providerKey(key); ok {
		if _, known := provider.Specs[name]; !known {
			return errors.Errorf("unknown provider: %s", name)
		}
		p := c.Providers[name]
		v, err := lookupField(reflect.ValueOf(&p).Elem(), field)
		if err != nil {
			return errors.Wrapf(err, "set %s", key)
		}
		if err := setFieldValue(v, value); err != nil {
			return err
		}
		if c.Providers == nil {
			c.Providers = map[string]ProviderConfig{}
		}
		c.Providers[name] = p
		return nil
	}

	v, err := lookup(reflect.ValueOf(c).Elem(), key)
	if err != nil {
		return err
	}
	if !v.CanSet() {
		return errors.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(v, value)
}

func providerKey(key string) (name, field string, ok bool) {
	parts := strings.Split(key, ".")
	if len(parts) != 3 || parts[0] != "providers" {
		return "", "", false
	}
	return strings.ToLower(parts[1]), parts[2], true
}

func lookup(v reflect.Value, key string) (reflect.Value, error) {
	parts := strings.Split(key, ".")
	for i, part := range parts {
		field, err := lookupField(v, part)
		if err != nil {
			return reflect.Value{}, errors.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			if field.Kind() == reflect.Struct || field.Kind() == reflect.Map {
				return reflect.Value{}, errors.Errorf("%s is a section, not a value", key)
			}
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, errors.Errorf("field '%s' is not a section", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, errors.Errorf("invalid key: %s", key)
}

// lookupField finds the field of struct v whose toml tag name is name.
func lookupField(v reflect.Value, name string) (reflect.Value, error) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("toml"), ",")[0]
		if tag == name {
			return v.Field(i), nil
		}
	}
	return reflect.Value{}, errors.Errorf("unknown field: %s", name)
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value interface{}) error {
	if field.Kind() == reflect.Ptr {
		elem := reflect.New(field.Type().Elem())
		if err := setFieldValue(elem.Elem(), value); err != nil {
			return err
		}
		field.Set(elem)
		return nil
	}

	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return errors.Errorf("invalid integer value: %q", strVal)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return errors.Errorf("invalid float value: %q", strVal)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			boolVal, err := strconv.ParseBool(strVal)
			if err != nil {
				return errors.Errorf("invalid boolean value: %q", strVal)
			}
			field.SetBool(boolVal)
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return errors.Errorf("cannot assign %T to %s", value, field.Type())
}

// Keys returns every settable key in dot notation, provider keys excluded.
func Keys() []string {
	var keys []string
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		section := t.Field(i)
		if section.Type.Kind() != reflect.Struct {
			continue
		}
		prefix := section.Tag.Get("toml")
		for j := 0; j < section.Type.NumField(); j++ {
			name := strings.Split(section.Type.Field(j).Tag.Get("toml"), ",")[0]
			keys = append(keys, prefix+"."+name)
		}
	}
	return keys
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Providers = make(map[string]ProviderConfig, len(c.Providers))
	for k, v := range c.Providers {
		clone.Providers[k] = v
	}
	if c.Model.Temperature != nil {
		t := *c.Model.Temperature
		clone.Model.Temperature = &t
	}
	if c.Model.TopP != nil {
		p := *c.Model.TopP
		clone.Model.TopP = &p
	}
	return &clone
}

// String renders the config as JSON with API keys and the database URL
// redacted.
// SECURITY: the result is safe to log.
func (c *Config) String() string {
	safe := c.Clone()
	for name, p := range safe.Providers {
		if p.APIKey != "" {
			p.APIKey = "[REDACTED]"
			safe.Providers[name] = p
		}
	}
	if safe.Server.DatabaseURL != "" {
		safe.Server.DatabaseURL = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}
