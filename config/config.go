package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the photo search tool.
type Config struct {
	Library   LibraryConfig   `yaml:"library"`
	Index     IndexConfig     `yaml:"index"`
	Search    SearchConfig    `yaml:"search"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Expansion ExpansionConfig `yaml:"expansion"`
	Speech    SpeechConfig    `yaml:"speech"`
	Geocode   GeocodeConfig   `yaml:"geocode"`
	Labels    LabelsConfig    `yaml:"labels"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LibraryConfig describes where photos live.
type LibraryConfig struct {
	Includes  []string `yaml:"includes"`
	Excludes  []string `yaml:"excludes"`
	MaxPhotos int      `yaml:"max_photos"` // 0 = unlimited
	Sidecars  bool     `yaml:"sidecars"`   // read <photo>.json for date and location
}

// IndexConfig holds indexing configuration.
type IndexConfig struct {
	BatchSize   int    `yaml:"batch_size"`
	LegacyCache string `yaml:"legacy_cache"` // JSON array of already-indexed ids
}

// SearchConfig holds ranking configuration.
type SearchConfig struct {
	Threshold     float64       `yaml:"threshold"`
	Limit         int           `yaml:"limit"`
	PenaltyFactor float64       `yaml:"penalty_factor"`
	CacheSize     int           `yaml:"cache_size"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

// EmbeddingConfig holds embedding configuration.
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider"`    // "deterministic", "openai"
	Model      string        `yaml:"model"`       // text model
	ImageModel string        `yaml:"image_model"` // defaults to Model
	BaseURL    string        `yaml:"base_url"`
	APIKeyEnv  string        `yaml:"api_key_env"` // Environment variable for API key
	Dimension  int           `yaml:"dimension"`
	Timeout    time.Duration `yaml:"timeout"`
}

// ExpansionConfig holds query expansion configuration.
type ExpansionConfig struct {
	Provider   string        `yaml:"provider"` // "llm", "keyword", "none"
	Model      string        `yaml:"model"`
	BaseURL    string        `yaml:"base_url"`
	APIKeyEnv  string        `yaml:"api_key_env"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxPhrases int           `yaml:"max_phrases"`
}

// SpeechConfig holds speech-to-text configuration.
type SpeechConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// GeocodeConfig holds reverse geocoding configuration.
type GeocodeConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Endpoint          string        `yaml:"endpoint"`
	UserAgent         string        `yaml:"user_agent"`
	Precision         int           `yaml:"precision"` // decimal places of the cache key
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	Timeout           time.Duration `yaml:"timeout"`
}

// LabelsConfig holds categorization configuration.
type LabelsConfig struct {
	Names    []string `yaml:"names"`
	MinScore float64  `yaml:"min_score"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"` // optional rotating JSON log
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Library: LibraryConfig{
			Includes: []string{"**/*.jpg", "**/*.jpeg", "**/*.png", "**/*.gif", "**/*.bmp", "**/*.tif", "**/*.tiff", "**/*.JPG", "**/*.JPEG", "**/*.PNG"},
			Excludes: []string{"**/.photosearch/**", "**/.git/**", "**/@eaDir/**", "**/.thumbnails/**"},
			Sidecars: true,
		},
		Index: IndexConfig{
			BatchSize:   10,
			LegacyCache: "",
		},
		Search: SearchConfig{
			Threshold:     0.25,
			Limit:         100,
			PenaltyFactor: 1.2,
			CacheSize:     256,
			CacheTTL:      30 * time.Minute,
		},
		Embedding: EmbeddingConfig{
			Provider:  "deterministic",
			Model:     "clip-vit-base-patch32",
			APIKeyEnv: "OPENAI_API_KEY",
			Dimension: 512,
			Timeout:   60 * time.Second,
		},
		Expansion: ExpansionConfig{
			Provider:   "keyword",
			Model:      "gpt-4o-mini",
			APIKeyEnv:  "OPENAI_API_KEY",
			Timeout:    8 * time.Second,
			MaxPhrases: 4,
		},
		Speech: SpeechConfig{
			Enabled:   false,
			Model:     "whisper-1",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Geocode: GeocodeConfig{
			Enabled:           false,
			Endpoint:          "https://nominatim.openstreetmap.org/reverse",
			UserAgent:         "photosearch/1.0",
			Precision:         2,
			RequestsPerSecond: 1,
			CacheTTL:          24 * time.Hour,
			Timeout:           10 * time.Second,
		},
		Labels: LabelsConfig{
			Names:    []string{"beach", "mountains", "city at night", "food", "pets", "people", "documents", "snow"},
			MinScore: 0.2,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Return defaults if no config file
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromDir loads configuration from a library directory (looks for photosearch.yaml).
func LoadFromDir(dir string) (*Config, error) {
	path := filepath.Join(dir, "photosearch.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	path = filepath.Join(DataDir(dir), "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	return DefaultConfig(), nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// DataDir returns the directory holding the index for a library.
func DataDir(dir string) string {
	return filepath.Join(dir, ".photosearch")
}

// IndexDBPath returns the path to the index database.
func IndexDBPath(dir string) string {
	return filepath.Join(DataDir(dir), "index.db")
}

// LegacyCachePath resolves the legacy cache path relative to the library.
// Returns "" when no legacy cache is configured.
func (c *Config) LegacyCachePath(dir string) string {
	if c.Index.LegacyCache == "" {
		return ""
	}
	if filepath.IsAbs(c.Index.LegacyCache) {
		return c.Index.LegacyCache
	}
	return filepath.Join(dir, c.Index.LegacyCache)
}

// EnsureDataDir ensures the .photosearch directory exists.
func EnsureDataDir(dir string) error {
	return os.MkdirAll(DataDir(dir), 0755)
}
