// Package config provides configuration management for the OPR STAC catalog builder.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation and parse failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// EnvPrefix is prepended to every environment variable the config reads.
const EnvPrefix = "OPR_"

// Config holds the complete configuration. Values come from environment
// defaults, then the YAML document, then dot-notation overrides.
type Config struct {
	Data       DataConfig       `yaml:"data" envPrefix:"DATA_"`
	Output     OutputConfig     `yaml:"output" envPrefix:"OUTPUT_"`
	Assets     AssetsConfig     `yaml:"assets" envPrefix:"ASSETS_"`
	Processing ProcessingConfig `yaml:"processing" envPrefix:"PROCESSING_"`
	Metadata   MetadataConfig   `yaml:"metadata" envPrefix:"METADATA_"`
	Logging    LoggingConfig    `yaml:"logging" envPrefix:"LOG_"`
	Validation ValidationConfig `yaml:"validation" envPrefix:"VALIDATION_"`
	Cache      CacheConfig      `yaml:"cache" envPrefix:"CACHE_"`
	Server     ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Access     AccessConfig     `yaml:"access" envPrefix:"ACCESS_"`
}

// DataConfig locates the source radar data.
type DataConfig struct {
	Root           string       `yaml:"root" env:"ROOT"`
	PrimaryProduct string       `yaml:"primary_product" env:"PRIMARY_PRODUCT"`
	ExtraProducts  []string     `yaml:"extra_products" env:"EXTRA_PRODUCTS"`
	Campaigns      NameFilter   `yaml:"campaigns" envPrefix:"CAMPAIGNS_"`
	Flights        FlightFilter `yaml:"flights" envPrefix:"FLIGHTS_"`
}

// Products returns the primary product followed by the extra products,
// without duplicates.
func (d DataConfig) Products() []string {
	out := []string{d.PrimaryProduct}
	seen := map[string]bool{d.PrimaryProduct: true}
	for _, p := range d.ExtraProducts {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// NameFilter selects names by explicit include and exclude lists.
type NameFilter struct {
	Include []string `yaml:"include" env:"INCLUDE"`
	Exclude []string `yaml:"exclude" env:"EXCLUDE"`
}

// FlightFilter adds a per-campaign cap to NameFilter.
type FlightFilter struct {
	Include        []string `yaml:"include" env:"INCLUDE"`
	Exclude        []string `yaml:"exclude" env:"EXCLUDE"`
	MaxPerCampaign int      `yaml:"max_per_campaign" env:"MAX_PER_CAMPAIGN" envDefault:"0"`
}

// OutputConfig controls what the build writes and where.
type OutputConfig struct {
	Path               string   `yaml:"path" env:"PATH"`
	CatalogID          string   `yaml:"catalog_id" env:"CATALOG_ID"`
	CatalogDescription string   `yaml:"catalog_description" env:"CATALOG_DESCRIPTION"`
	CatalogTitle       string   `yaml:"catalog_title" env:"CATALOG_TITLE"`
	Formats            []string `yaml:"formats" env:"FORMATS" envDefault:"parquet"`
	CollectionsSummary bool     `yaml:"collections_summary" env:"COLLECTIONS_SUMMARY" envDefault:"true"`
	STACVersion        string   `yaml:"stac_version" env:"STAC_VERSION" envDefault:"1.1.0"`
	License            string   `yaml:"license" env:"LICENSE" envDefault:"various"`
	Grouping           string   `yaml:"grouping" env:"GROUPING" envDefault:"flight"`
}

// HasFormat reports whether the named output format is enabled.
func (o OutputConfig) HasFormat(name string) bool {
	for _, f := range o.Formats {
		if f == name {
			return true
		}
	}
	return false
}

// AssetsConfig describes how asset hrefs are derived.
type AssetsConfig struct {
	BaseURL          string `yaml:"base_url" env:"BASE_URL" envDefault:"https://data.cresis.ku.edu/data/rds/"`
	ImagesDir        string `yaml:"images_dir" env:"IMAGES_DIR" envDefault:"images"`
	ThumbnailSuffix  string `yaml:"thumbnail_suffix" env:"THUMBNAIL_SUFFIX" envDefault:"_2echo_picks.jpg"`
	FlightPathSuffix string `yaml:"flight_path_suffix" env:"FLIGHT_PATH_SUFFIX" envDefault:"_0maps.jpg"`
}

// Processing modes.
const (
	ModeSequential  = "sequential"
	ModeParallel    = "parallel"
	ModeDistributed = "distributed"
)

// ProcessingConfig controls the worker pool and failure tolerance.
type ProcessingConfig struct {
	Mode            string        `yaml:"mode" env:"MODE" envDefault:"parallel"`
	NWorkers        int           `yaml:"n_workers" env:"N_WORKERS" envDefault:"4"`
	MemoryLimit     string        `yaml:"memory_limit" env:"MEMORY_LIMIT"`
	ContinueOnError bool          `yaml:"continue_on_error" env:"CONTINUE_ON_ERROR" envDefault:"true"`
	MaxFailureRatio float64       `yaml:"max_failure_ratio" env:"MAX_FAILURE_RATIO" envDefault:"1.0"`
	TeardownTimeout time.Duration `yaml:"teardown_timeout" env:"TEARDOWN_TIMEOUT" envDefault:"30s"`
}

// MemoryLimitBytes parses MemoryLimit. An empty value returns 0.
func (p ProcessingConfig) MemoryLimitBytes() (int64, error) {
	if strings.TrimSpace(p.MemoryLimit) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(p.MemoryLimit)
	if err != nil {
		return 0, fmt.Errorf("parse memory limit %q: %w", p.MemoryLimit, err)
	}
	return int64(n), nil
}

// MetadataConfig controls what is extracted into items.
type MetadataConfig struct {
	Geometry   GeometryConfig   `yaml:"geometry" envPrefix:"GEOMETRY_"`
	Scientific ScientificConfig `yaml:"scientific" envPrefix:"SCIENTIFIC_"`
	Provider   string           `yaml:"provider" env:"PROVIDER"`
}

// GeometryConfig controls track simplification.
type GeometryConfig struct {
	Simplify   bool    `yaml:"simplify" env:"SIMPLIFY" envDefault:"true"`
	ToleranceM float64 `yaml:"tolerance_m" env:"TOLERANCE_M" envDefault:"100"`
}

// EffectiveTolerance returns the tolerance to simplify with, or 0 when
// simplification is disabled.
func (g GeometryConfig) EffectiveTolerance() float64 {
	if !g.Simplify {
		return 0
	}
	return g.ToleranceM
}

// ScientificConfig controls DOI and citation extraction.
type ScientificConfig struct {
	Include bool `yaml:"include" env:"INCLUDE" envDefault:"true"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL" envDefault:"info"`
	Format string `yaml:"format" env:"FORMAT" envDefault:"text"`
	File   string `yaml:"file" env:"FILE"`
}

// ValidationConfig toggles input and output checks.
type ValidationConfig struct {
	StrictDecode  bool `yaml:"strict_decode" env:"STRICT_DECODE" envDefault:"false"`
	ValidateItems bool `yaml:"validate_items" env:"VALIDATE_ITEMS" envDefault:"true"`
	CheckPaths    bool `yaml:"check_paths" env:"CHECK_PATHS" envDefault:"true"`
}

// CacheConfig configures the downloaded-file cache.
type CacheConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED" envDefault:"false"`
	Directory string `yaml:"directory" env:"DIRECTORY"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host            string        `yaml:"host" env:"HOST" envDefault:"0.0.0.0"`
	Port            int           `yaml:"port" env:"PORT" envDefault:"8080"`
	BaseURL         string        `yaml:"base_url" env:"BASE_URL" envDefault:"http://localhost:8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	DefaultLimit    int           `yaml:"default_limit" env:"DEFAULT_LIMIT" envDefault:"10"`
	MaxLimit        int           `yaml:"max_limit" env:"MAX_LIMIT" envDefault:"250"`
	Metrics         bool          `yaml:"metrics" env:"METRICS" envDefault:"true"`
}

// Address returns the server listen address in the format "host:port".
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AccessConfig configures the remote STAC API client.
type AccessConfig struct {
	APIURL  string        `yaml:"api_url" env:"API_URL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT" envDefault:"60s"`
}

// Defaults returns a Config populated from envDefault tags and OPR_*
// environment variables.
func Defaults() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("%w: failed to parse environment: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// Load reads the YAML document at path (may be empty), applies the
// dot-notation overrides, and validates the result for a catalog build.
func Load(path string, overrides []string) (*Config, error) {
	return load(path, overrides, true)
}

// LoadRuntime is Load for commands that do not read source data (serve,
// query, load, aggregate). The build-only required keys are not enforced.
func LoadRuntime(path string, overrides []string) (*Config, error) {
	return load(path, overrides, false)
}

func load(path string, overrides []string, build bool) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read config file: %v", ErrInvalidConfig, err)
		}
		data = b
	}
	cfg, err := decode(data, overrides)
	if err != nil {
		return nil, err
	}
	if build {
		err = cfg.Validate()
	} else {
		err = cfg.ValidateRuntime()
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes an in-memory YAML document with overrides and validates
// it for a catalog build.
func Parse(data []byte, overrides []string) (*Config, error) {
	cfg, err := decode(data, overrides)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, overrides []string) (*Config, error) {
	cfg, err := Defaults()
	if err != nil {
		return nil, err
	}

	doc := map[string]any{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: parse YAML: %v", ErrInvalidConfig, err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
	}

	for _, o := range overrides {
		if err := ApplyOverride(doc, o); err != nil {
			return nil, err
		}
	}

	merged, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: re-encode document: %v", ErrInvalidConfig, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(merged))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// ApplyOverride sets one "section.key=value" override on a decoded YAML
// document. The value is parsed as a YAML scalar or flow sequence, so
// "processing.n_workers=8" yields an int and "data.extra_products=[a,b]"
// a list.
func ApplyOverride(doc map[string]any, override string) error {
	key, raw, ok := strings.Cut(override, "=")
	if !ok {
		return fmt.Errorf("%w: override %q must have the form section.key=value", ErrInvalidConfig, override)
	}
	key = strings.TrimSpace(key)
	parts := strings.Split(key, ".")
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("%w: override %q has an empty key segment", ErrInvalidConfig, override)
		}
	}

	var value any
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
		return fmt.Errorf("%w: override %q: %v", ErrInvalidConfig, override, err)
	}
	if value == nil && strings.TrimSpace(raw) == "" {
		value = ""
	}

	node := doc
	for _, p := range parts[:len(parts)-1] {
		next, exists := node[p]
		if !exists || next == nil {
			child := map[string]any{}
			node[p] = child
			node = child
			continue
		}
		child, isMap := next.(map[string]any)
		if !isMap {
			return fmt.Errorf("%w: override %q: %q is not a section", ErrInvalidConfig, override, p)
		}
		node = child
	}
	node[parts[len(parts)-1]] = value
	return nil
}

// IsOverride reports whether a positional CLI argument is a dot override.
func IsOverride(arg string) bool {
	key, _, ok := strings.Cut(arg, "=")
	return ok && strings.Contains(key, ".") && !strings.ContainsAny(key, " /")
}

// Validate checks that the configuration is valid for a catalog build.
func (c *Config) Validate() error {
	if err := c.validateBuild(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return c.ValidateRuntime()
}

// ValidateRuntime checks every section except the build-only required keys.
func (c *Config) ValidateRuntime() error {
	if err := c.validateRuntime(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c *Config) validateBuild() error {
	required := []struct {
		key, value string
	}{
		{"data.root", c.Data.Root},
		{"data.primary_product", c.Data.PrimaryProduct},
		{"output.path", c.Output.Path},
		{"output.catalog_id", c.Output.CatalogID},
		{"output.catalog_description", c.Output.CatalogDescription},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s is required", r.key)
		}
	}

	if c.Validation.CheckPaths {
		info, err := os.Stat(c.Data.Root)
		if err != nil {
			return fmt.Errorf("data root %q: %v", c.Data.Root, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("data root %q is not a directory", c.Data.Root)
		}
	}

	return nil
}

func (c *Config) validateRuntime() error {
	if c.Data.Flights.MaxPerCampaign < 0 {
		return fmt.Errorf("flights.max_per_campaign must be >= 0, got %d", c.Data.Flights.MaxPerCampaign)
	}

	if len(c.Output.Formats) == 0 {
		return fmt.Errorf("output.formats must list at least one format")
	}
	for _, f := range c.Output.Formats {
		if f != "parquet" && f != "json" {
			return fmt.Errorf("invalid output format %q, must be one of: parquet, json", f)
		}
	}
	if c.Output.Grouping != "flight" && c.Output.Grouping != "campaign" {
		return fmt.Errorf("invalid output grouping %q, must be one of: flight, campaign", c.Output.Grouping)
	}
	if c.Output.STACVersion == "" {
		return fmt.Errorf("STAC version is required")
	}

	validModes := map[string]bool{
		ModeSequential:  true,
		ModeParallel:    true,
		ModeDistributed: true,
	}
	if !validModes[c.Processing.Mode] {
		return fmt.Errorf("invalid processing mode %q, must be one of: sequential, parallel, distributed", c.Processing.Mode)
	}
	if c.Processing.NWorkers < 1 || c.Processing.NWorkers > 128 {
		return fmt.Errorf("processing.n_workers must be between 1 and 128, got %d", c.Processing.NWorkers)
	}
	if c.Processing.MaxFailureRatio < 0 || c.Processing.MaxFailureRatio > 1 {
		return fmt.Errorf("processing.max_failure_ratio must be between 0 and 1, got %g", c.Processing.MaxFailureRatio)
	}
	if c.Processing.TeardownTimeout <= 0 {
		return fmt.Errorf("processing.teardown_timeout must be positive, got %s", c.Processing.TeardownTimeout)
	}
	if _, err := c.Processing.MemoryLimitBytes(); err != nil {
		return err
	}

	if c.Metadata.Geometry.ToleranceM < 0 {
		return fmt.Errorf("metadata.geometry.tolerance_m must be >= 0, got %g", c.Metadata.Geometry.ToleranceM)
	}

	if c.Cache.Enabled && c.Cache.Directory == "" {
		return fmt.Errorf("cache.directory is required when cache.enabled is true")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.DefaultLimit < 1 {
		return fmt.Errorf("default limit must be at least 1, got %d", c.Server.DefaultLimit)
	}
	if c.Server.MaxLimit < c.Server.DefaultLimit {
		return fmt.Errorf("max limit (%d) must be >= default limit (%d)", c.Server.MaxLimit, c.Server.DefaultLimit)
	}

	if c.Access.Timeout <= 0 {
		return fmt.Errorf("access timeout must be positive, got %s", c.Access.Timeout)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, text", c.Logging.Format)
	}

	return nil
}

// WriteYAML writes the effective configuration to path.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
