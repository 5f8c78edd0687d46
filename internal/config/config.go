package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig   BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Transcription TranscriptionConfig       `json:"transcription" yaml:"transcription"`
	Converter     ConverterConfig           `json:"converter" yaml:"converter"`
	Budget        BudgetConfig              `json:"budget" yaml:"budget"`
	Redis         RedisConfig               `json:"redis" yaml:"redis"`
	Databases     map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Archive       ArchiveConfig             `json:"archive" yaml:"archive"`
	Notify        NotifyConfig              `json:"notify" yaml:"notify"`
}

// BasicConfig holds intake, worker and lifecycle settings. Durations are in the unit named by the field.
type BasicConfig struct {
	ServerAddress        string `json:"server_address" yaml:"server_address"`
	UploadDir            string `json:"upload_dir" yaml:"upload_dir"`
	MaxConcurrentUploads int    `json:"max_concurrent_uploads" yaml:"max_concurrent_uploads"`
	MaxUploadBytes       int64  `json:"max_upload_bytes" yaml:"max_upload_bytes"`
	MinWorkers           int    `json:"min_workers" yaml:"min_workers"`
	MaxWorkers           int    `json:"max_workers" yaml:"max_workers"`
	QueueSize            int    `json:"queue_size" yaml:"queue_size"`
	WorkerIdleTimeout    int    `json:"worker_idle_timeout" yaml:"worker_idle_timeout"`     // seconds
	SweepInterval        int    `json:"sweep_interval" yaml:"sweep_interval"`               // seconds
	TempFileTTL          int    `json:"temp_file_ttl" yaml:"temp_file_ttl"`                 // minutes
	JobRetention         int    `json:"job_retention" yaml:"job_retention"`                 // minutes
	ShutdownTimeout      int    `json:"shutdown_timeout" yaml:"shutdown_timeout"`           // seconds
	ReleaseOnRead        bool   `json:"release_on_read" yaml:"release_on_read"`             // drop terminal jobs once polled
	RateLimitPerMinute   int    `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"` // 0 disables, needs redis
	LedgerDatabase       string `json:"ledger_database" yaml:"ledger_database"`             // key into Databases, empty disables
	MetricsEnabled       bool   `json:"metrics_enabled" yaml:"metrics_enabled"`
}

type TranscriptionConfig struct {
	Provider       string `json:"provider" yaml:"provider"` // "openai" or "gemini"
	BaseURL        string `json:"base_url" yaml:"base_url"`
	APIKey         string `json:"api_key" yaml:"api_key"`
	Model          string `json:"model" yaml:"model"`
	Language       string `json:"language" yaml:"language"`
	RequestTimeout int    `json:"request_timeout" yaml:"request_timeout"` // seconds
	MaxAttempts    int    `json:"max_attempts" yaml:"max_attempts"`
	MaxFileBytes   int64  `json:"max_file_bytes" yaml:"max_file_bytes"`
}

type ConverterConfig struct {
	FFmpegPath  string `json:"ffmpeg_path" yaml:"ffmpeg_path"`
	FFprobePath string `json:"ffprobe_path" yaml:"ffprobe_path"`
	Codec       string `json:"codec" yaml:"codec"`
	Bitrate     string `json:"bitrate" yaml:"bitrate"`
	Channels    int    `json:"channels" yaml:"channels"`
	SampleRate  int    `json:"sample_rate" yaml:"sample_rate"`
	Timeout     int    `json:"timeout" yaml:"timeout"` // seconds
}

type BudgetConfig struct {
	PerMinuteRate  float64 `json:"per_minute_rate" yaml:"per_minute_rate"`
	DailyCeiling   float64 `json:"daily_ceiling" yaml:"daily_ceiling"`
	MonthlyCeiling float64 `json:"monthly_ceiling" yaml:"monthly_ceiling"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"dbname" yaml:"dbname"`
	Params   string `json:"params" yaml:"params"`
}

type ArchiveConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
}

type NotifyConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	URL        string `json:"url" yaml:"url"`
	Exchange   string `json:"exchange" yaml:"exchange"`
	RoutingKey string `json:"routing_key" yaml:"routing_key"`
}

// Load reads configuration from the provided path (defaults to config.json).
// A .env file next to the working directory is loaded first so secrets can
// come from the environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if !filepath.IsAbs(cfg.BasicConfig.UploadDir) {
		cfg.BasicConfig.UploadDir = filepath.Join(filepath.Dir(absPath), cfg.BasicConfig.UploadDir)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AUDIOSCRIBE_API_KEY"); v != "" {
		c.Transcription.APIKey = v
	}
	if v := os.Getenv("AUDIOSCRIBE_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("AUDIOSCRIBE_ADDR"); v != "" {
		c.BasicConfig.ServerAddress = v
	}
}

// Default returns a config with every default applied, used by tests and local runs.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8090"
	}
	if b.UploadDir == "" {
		b.UploadDir = "./data/uploads"
	}
	if b.MaxConcurrentUploads <= 0 {
		b.MaxConcurrentUploads = 10
	}
	if b.MaxUploadBytes <= 0 {
		b.MaxUploadBytes = 100 << 20
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 1
	}
	if b.MaxWorkers <= 0 {
		b.MaxWorkers = 4
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 64
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = 30
	}
	if b.SweepInterval <= 0 {
		b.SweepInterval = 300
	}
	if b.TempFileTTL <= 0 {
		b.TempFileTTL = 60
	}
	if b.JobRetention <= 0 {
		b.JobRetention = 60
	}
	if b.ShutdownTimeout <= 0 {
		b.ShutdownTimeout = 30
	}

	t := &c.Transcription
	if t.Provider == "" {
		t.Provider = "openai"
	}
	if t.BaseURL == "" && t.Provider == "openai" {
		t.BaseURL = "https://api.openai.com/v1"
	}
	if t.Model == "" {
		if t.Provider == "gemini" {
			t.Model = "gemini-2.0-flash"
		} else {
			t.Model = "whisper-1"
		}
	}
	if t.RequestTimeout <= 0 {
		t.RequestTimeout = 600
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 5
	}
	if t.MaxFileBytes <= 0 {
		t.MaxFileBytes = 25 << 20
	}

	v := &c.Converter
	if v.FFmpegPath == "" {
		v.FFmpegPath = "ffmpeg"
	}
	if v.FFprobePath == "" {
		v.FFprobePath = "ffprobe"
	}
	if v.Codec == "" {
		v.Codec = "libmp3lame"
	}
	if v.Bitrate == "" {
		v.Bitrate = "64k"
	}
	if v.Channels <= 0 {
		v.Channels = 1
	}
	if v.SampleRate <= 0 {
		v.SampleRate = 16000
	}
	if v.Timeout <= 0 {
		v.Timeout = 300
	}

	if c.Budget.PerMinuteRate <= 0 {
		c.Budget.PerMinuteRate = 0.006
	}
	if c.Budget.DailyCeiling <= 0 {
		c.Budget.DailyCeiling = 10
	}
	if c.Budget.MonthlyCeiling <= 0 {
		c.Budget.MonthlyCeiling = 100
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "127.0.0.1"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Notify.Exchange == "" {
		c.Notify.Exchange = "notify.exchange"
	}
	if c.Notify.RoutingKey == "" {
		c.Notify.RoutingKey = "transcription.completed"
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.Transcription.Provider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("transcription provider %q not supported", c.Transcription.Provider)
	}
	if c.Transcription.MaxAttempts > 10 {
		return fmt.Errorf("transcription max_attempts must be at most 10, got %d", c.Transcription.MaxAttempts)
	}
	if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
		return fmt.Errorf("max_workers (%d) must be >= min_workers (%d)", c.BasicConfig.MaxWorkers, c.BasicConfig.MinWorkers)
	}
	if c.BasicConfig.LedgerDatabase != "" {
		if _, ok := c.Databases[c.BasicConfig.LedgerDatabase]; !ok {
			return fmt.Errorf("ledger_database %q has no databases entry", c.BasicConfig.LedgerDatabase)
		}
	}
	if c.Archive.Enabled && (c.Archive.Endpoint == "" || c.Archive.Bucket == "") {
		return fmt.Errorf("archive endpoint and bucket must be configured")
	}
	if c.Notify.Enabled && c.Notify.URL == "" {
		return fmt.Errorf("notify url must be configured")
	}
	return nil
}
