package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Discovery   Discovery   `yaml:"discovery"`
	Timeouts    Timeouts    `yaml:"timeouts"`
	Prefetch    Prefetch    `yaml:"prefetch"`
	LastFM      LastFM      `yaml:"lastfm"`
	MusicBrainz MusicBrainz `yaml:"musicbrainz"`
	Lidarr      Lidarr      `yaml:"lidarr"`
	Library     Library     `yaml:"library"`
	History     History     `yaml:"history"`
	Cache       Cache       `yaml:"cache"`
	Output      Output      `yaml:"output"`
	Server      Server      `yaml:"server"`
	Scheduler   Scheduler   `yaml:"scheduler"`
	Logging     Logging     `yaml:"logging"`
}

type Discovery struct {
	PlaylistSize       int     `yaml:"playlist_size" validate:"gt=0"`
	DownloadRatio      float64 `yaml:"download_ratio" validate:"gte=1"`
	ExclusionMonths    int     `yaml:"exclusion_months" validate:"gte=0"`
	SeedLimit          int     `yaml:"seed_limit" validate:"gt=0"`
	SimilarLimit       int     `yaml:"similar_limit" validate:"gt=0"`
	Strategy           string  `yaml:"strategy" validate:"oneof=tiered two-pass"`
	ImportGraceSeconds int     `yaml:"import_grace_seconds" validate:"gte=0"`
}

type Timeouts struct {
	AbsoluteMinutes int `yaml:"absolute_minutes" validate:"gt=0"`
	ProgressMinutes int `yaml:"progress_minutes" validate:"gt=0"`
	StallMinutes    int `yaml:"stall_minutes" validate:"gt=0"`
}

type Prefetch struct {
	BatchSize   int `yaml:"batch_size" validate:"gt=0"`
	PauseMS     int `yaml:"pause_ms" validate:"gte=0"`
	MaxAttempts int `yaml:"max_attempts" validate:"gt=0"`
	BaseDelayMS int `yaml:"base_delay_ms" validate:"gte=0"`
}

type LastFM struct {
	BaseURL           string  `yaml:"base_url" validate:"url"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gt=0"`
}

type MusicBrainz struct {
	BaseURL           string  `yaml:"base_url" validate:"url"`
	UserAgent         string  `yaml:"user_agent" validate:"required"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gt=0"`
}

type Lidarr struct {
	URL               string `yaml:"url" validate:"omitempty,url"`
	APIKeyEnv         string `yaml:"api_key_env"`
	RootFolder        string `yaml:"root_folder"`
	QualityProfileID  int    `yaml:"quality_profile_id"`
	MetadataProfileID int    `yaml:"metadata_profile_id"`
	DiscoverTag       string `yaml:"discover_tag" validate:"required"`
}

type Library struct {
	MusicDir string `yaml:"music_dir"`
}

type History struct {
	Feeds []Feed `yaml:"feeds" validate:"dive"`
}

type Feed struct {
	URL  string `yaml:"url" validate:"url"`
	User string `yaml:"user"`
}

type Cache struct {
	Dir      string `yaml:"dir"`
	TTLHours int    `yaml:"ttl_hours" validate:"gt=0"`
}

type Output struct {
	DataDir     string `yaml:"data_dir"`
	PlaylistDir string `yaml:"playlist_dir"`
}

type Server struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port" validate:"gt=0,lt=65536"`
	WebhookTokenEnv string `yaml:"webhook_token_env"`
}

// Addr returns the listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type Scheduler struct {
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes" validate:"gt=0"`
	ScanIntervalSeconds  int `yaml:"scan_interval_seconds" validate:"gt=0"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// ConfigDir returns the XDG config directory for discoverweekly.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "discoverweekly")
}

// DataDir returns the XDG data directory for discoverweekly.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "discoverweekly")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/discoverweekly/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'discoverweekly init' to create a default config",
		xdgConfig,
	)
}

// Load reads, parses and validates a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Discovery: Discovery{
			PlaylistSize:       40,
			DownloadRatio:      1.3,
			ExclusionMonths:    6,
			SeedLimit:          10,
			SimilarLimit:       30,
			Strategy:           "tiered",
			ImportGraceSeconds: 60,
		},
		Timeouts: Timeouts{AbsoluteMinutes: 120, ProgressMinutes: 30, StallMinutes: 60},
		Prefetch: Prefetch{BatchSize: 3, PauseMS: 1000, MaxAttempts: 3, BaseDelayMS: 500},
		LastFM: LastFM{
			BaseURL:           "https://ws.audioscrobbler.com/2.0/",
			APIKeyEnv:         "LASTFM_API_KEY",
			RequestsPerSecond: 4,
		},
		MusicBrainz: MusicBrainz{
			BaseURL:           "https://musicbrainz.org/ws/2",
			UserAgent:         "discoverweekly/1.0 ( https://github.com/TobiSchelling/discoverweekly )",
			RequestsPerSecond: 1,
		},
		Lidarr: Lidarr{
			APIKeyEnv:         "LIDARR_API_KEY",
			QualityProfileID:  1,
			MetadataProfileID: 1,
			DiscoverTag:       "discover",
		},
		Cache:     Cache{TTLHours: 168},
		Server:    Server{Host: "127.0.0.1", Port: 8000, WebhookTokenEnv: "DISCOVERWEEKLY_WEBHOOK_TOKEN"},
		Scheduler: Scheduler{SweepIntervalMinutes: 5, ScanIntervalSeconds: 30},
		Logging:   Logging{Level: "info", Format: "console"},
	}
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// GetCacheDir returns the provider cache directory.
func (c *Config) GetCacheDir() string {
	if c.Cache.Dir != "" {
		return c.Cache.Dir
	}
	return filepath.Join(c.GetDataDir(), "cache")
}

// ImportGrace is the settle delay before a batch leaves downloading.
func (d Discovery) ImportGrace() time.Duration {
	return time.Duration(d.ImportGraceSeconds) * time.Second
}

// TTL returns the provider cache entry lifetime.
func (c Cache) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
