package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variable overrides,
// e.g. DUMPSYNC_MIRROR_URL, DUMPSYNC_OUT_DIR, DUMPSYNC_LOG_LEVEL.
const EnvPrefix = "DUMPSYNC"

// Config is the top-level configuration for a dumpsync run.
type Config struct {
	// MirrorURL is the base URL file bytes are downloaded from.
	MirrorURL string `yaml:"mirror_url" envconfig:"MIRROR_URL"`

	// MetadataURL is the base URL dump listings are fetched from.
	// Kept separate from MirrorURL so a stale mirror never serves
	// a stale manifest. Defaults to the canonical Wikimedia host.
	MetadataURL string `yaml:"metadata_url" envconfig:"METADATA_URL"`

	// OutDir is the root directory downloaded files are placed under.
	OutDir string `yaml:"out_dir" envconfig:"OUT_DIR"`

	// DBPath is the state database location. Empty means
	// <out_dir>/dumpsync.db.
	DBPath string `yaml:"db_path" envconfig:"DB_PATH"`

	// Dump is the dump name, e.g. "enwiki".
	Dump string `yaml:"dump" envconfig:"DUMP"`

	// Version is an 8-digit dump version (e.g. "20230301") or "latest".
	Version string `yaml:"version" envconfig:"VERSION"`

	// Job is the dump job whose files are downloaded,
	// e.g. "metacurrentdumprecombine".
	Job string `yaml:"job" envconfig:"JOB"`

	// FileRegex optionally restricts the manifest to matching file names.
	FileRegex string `yaml:"file_regex" envconfig:"FILE_REGEX"`

	Concurrency   int  `yaml:"concurrency" envconfig:"CONCURRENCY"`
	RetryAttempts int  `yaml:"retry_attempts" envconfig:"RETRY_ATTEMPTS"`
	AllowEmpty    bool `yaml:"allow_empty_manifest" envconfig:"ALLOW_EMPTY_MANIFEST"`

	LogLevel  string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" envconfig:"LOG_FORMAT"`
}

var versionPattern = regexp.MustCompile(`^\d{8}$`)

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MirrorURL:     "https://dumps.wikimedia.org",
		MetadataURL:   "https://dumps.wikimedia.org",
		OutDir:        "./out",
		Dump:          "enwiki",
		Version:       "latest",
		Job:           "metacurrentdumprecombine",
		Concurrency:   4,
		RetryAttempts: 3,
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// Load reads a config file from the given path and applies
// DUMPSYNC_* environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations.
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"dumpsync.yaml",
		"/etc/dumpsync/dumpsync.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "dumpsync", "dumpsync.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate checks the config for values the pipeline cannot work with.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{"mirror_url": c.MirrorURL, "metadata_url": c.MetadataURL} {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%s must be http or https, got %q", name, raw)
		}
		if u.Host == "" {
			return fmt.Errorf("%s has no host: %q", name, raw)
		}
	}

	if c.OutDir == "" {
		return fmt.Errorf("out_dir is required")
	}
	if c.Dump == "" {
		return fmt.Errorf("dump is required")
	}
	if c.Version != "latest" && !versionPattern.MatchString(c.Version) {
		return fmt.Errorf("version must be 8 digits or \"latest\", got %q", c.Version)
	}
	if c.Job == "" {
		return fmt.Errorf("job is required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be at least 1, got %d", c.RetryAttempts)
	}
	if c.FileRegex != "" {
		if _, err := regexp.Compile(c.FileRegex); err != nil {
			return fmt.Errorf("invalid file_regex: %w", err)
		}
	}
	return nil
}

// StatePath returns the resolved state database path.
func (c *Config) StatePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.OutDir, "dumpsync.db")
}

// DumpDir returns the directory files for the given version land in,
// e.g. <out_dir>/enwiki/20230301.
func (c *Config) DumpDir(version string) string {
	return filepath.Join(c.OutDir, c.Dump, version)
}
