// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads depgraph configuration.
//
// Layers, lowest precedence first:
//
//  1. The embedded default.yaml.
//  2. A user YAML file, if one is given. Keys it omits keep their defaults.
//  3. DEPGRAPH_* environment variables, optionally seeded from a .env file.
//
// The merged result is validated once with go-playground/validator.
//
// Thread Safety:
//
//	A loaded *Config is read-only by convention and safe to share.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/depgraph/services/depgraph/namespace"
)

// MaxConfigFileSize caps user config files (1MB).
const MaxConfigFileSize = 1024 * 1024

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DEPGRAPH_"

//go:embed default.yaml
var defaultYAML []byte

// ErrInvalidConfig wraps every load and validation failure.
var ErrInvalidConfig = errors.New("invalid config")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the root configuration document.
type Config struct {
	// ProjectRoot anchors relative store paths, namespace patterns, and
	// internal import resolution.
	ProjectRoot string `yaml:"project_root" validate:"required"`

	Store      StoreConfig           `yaml:"store"`
	Pipeline   PipelineConfig        `yaml:"pipeline"`
	Namespaces []namespace.Namespace `yaml:"namespaces" validate:"dive"`
	Cycles     CyclesConfig          `yaml:"cycles"`
	Inference  InferenceConfig       `yaml:"inference"`
	Logging    LoggingConfig         `yaml:"logging"`
	Telemetry  TelemetryConfig       `yaml:"telemetry"`
	Server     ServerConfig          `yaml:"server"`
}

// StoreConfig configures the badger-backed graph store.
type StoreConfig struct {
	// Path is the badger directory. Empty means <project_root>/.depgraph/store;
	// relative paths resolve against the project root.
	Path           string        `yaml:"path"`
	InMemory       bool          `yaml:"in_memory"`
	SyncWrites     bool          `yaml:"sync_writes"`
	GCInterval     time.Duration `yaml:"gc_interval" validate:"gte=0"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio" validate:"gt=0,lt=1"`
}

// PipelineConfig configures ingestion.
type PipelineConfig struct {
	// Workers bounds batch preparation. 0 means runtime.NumCPU().
	Workers int `yaml:"workers" validate:"gte=0,lte=1024"`
}

// CyclesConfig configures the cycle result cache.
type CyclesConfig struct {
	CacheSize int `yaml:"cache_size" validate:"gte=1,lte=100000"`
}

// InferenceConfig holds inference defaults.
type InferenceConfig struct {
	// MaxHops is used when a request does not set one. 0 is unbounded.
	MaxHops int `yaml:"max_hops" validate:"gte=0"`
}

// LoggingConfig maps onto pkg/logging.Config.
type LoggingConfig struct {
	Level   string `yaml:"level" validate:"oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	JSON    bool   `yaml:"json"`
	Dir     string `yaml:"dir"`
	Service string `yaml:"service"`
}

// TelemetryConfig maps onto telemetry.Config.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name" validate:"required"`
	Environment    string `yaml:"environment"`
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=otlp stdout none"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" validate:"gte=1,lte=65535"`

	// RateLimit is the sustained ingestion requests per second. 0 disables
	// limiting.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	RateBurst int     `yaml:"rate_burst" validate:"gte=0"`

	MaxBodyBytes int64 `yaml:"max_body_bytes" validate:"gt=0"`
}

// Default returns the embedded defaults with no file or environment applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := decode(defaultYAML, cfg); err != nil {
		return nil, fmt.Errorf("%w: embedded defaults: %w", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// Load builds the effective configuration.
//
// Description:
//
//	Starts from the embedded defaults, overlays the YAML file at path (if
//	path is non-empty), applies DEPGRAPH_* environment variables, then
//	validates. Call LoadDotEnv first to seed the environment from a file.
//
// Inputs:
//
//	path - Optional YAML config file.
//
// Outputs:
//
//	*Config - The validated configuration.
//	error - ErrInvalidConfig wrapping the cause.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	if path != "" {
		data, err := readLimited(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv seeds the process environment from .env files. Missing files
// are skipped and existing variables are never overwritten.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("%w: load %s: %w", ErrInvalidConfig, p, err)
		}
	}
	return nil
}

// Validate checks struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// StorePath returns the absolute badger directory.
func (c *Config) StorePath() string {
	p := c.Store.Path
	if p == "" {
		p = filepath.Join(".depgraph", "store")
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.ProjectRoot, p)
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// Workers returns the effective pipeline worker count.
func (c *Config) Workers() int {
	if c.Pipeline.Workers > 0 {
		return c.Pipeline.Workers
	}
	return runtime.NumCPU()
}

func readLimited(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > MaxConfigFileSize {
		return nil, fmt.Errorf("config %s exceeds %d bytes", path, MaxConfigFileSize)
	}
	return data, nil
}

// decode overlays data onto cfg. Unknown keys are rejected so typos do not
// silently fall back to defaults.
func decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// envOverride binds one environment variable to a config field.
type envOverride struct {
	key   string
	apply func(*Config, string) error
}

var envOverrides = []envOverride{
	{"PROJECT_ROOT", func(c *Config, v string) error { c.ProjectRoot = v; return nil }},
	{"STORE_PATH", func(c *Config, v string) error { c.Store.Path = v; return nil }},
	{"STORE_IN_MEMORY", boolField(func(c *Config) *bool { return &c.Store.InMemory })},
	{"STORE_SYNC_WRITES", boolField(func(c *Config) *bool { return &c.Store.SyncWrites })},
	{"PIPELINE_WORKERS", intField(func(c *Config) *int { return &c.Pipeline.Workers })},
	{"CYCLES_CACHE_SIZE", intField(func(c *Config) *int { return &c.Cycles.CacheSize })},
	{"INFERENCE_MAX_HOPS", intField(func(c *Config) *int { return &c.Inference.MaxHops })},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = v; return nil }},
	{"LOG_JSON", boolField(func(c *Config) *bool { return &c.Logging.JSON })},
	{"LOG_DIR", func(c *Config, v string) error { c.Logging.Dir = v; return nil }},
	{"ENV", func(c *Config, v string) error { c.Telemetry.Environment = v; return nil }},
	{"TRACE_EXPORTER", func(c *Config, v string) error { c.Telemetry.TraceExporter = v; return nil }},
	{"METRIC_EXPORTER", func(c *Config, v string) error { c.Telemetry.MetricExporter = v; return nil }},
	{"OTLP_ENDPOINT", func(c *Config, v string) error { c.Telemetry.OTLPEndpoint = v; return nil }},
	{"SERVER_PORT", intField(func(c *Config) *int { return &c.Server.Port })},
	{"SERVER_RATE_LIMIT", func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.Server.RateLimit = f
		return nil
	}},
}

func boolField(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func intField(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, o := range envOverrides {
		v, ok := lookup(EnvPrefix + o.key)
		if !ok {
			continue
		}
		if err := o.apply(cfg, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%w: %s%s: %w", ErrInvalidConfig, EnvPrefix, o.key, err)
		}
	}
	return nil
}
