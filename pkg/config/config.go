package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type LLMConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Model             string        `yaml:"model"`
	EmbeddingModel    string        `yaml:"embedding_model"`
	MaxTokens         int           `yaml:"max_tokens"`
	Temperature       float64       `yaml:"temperature"`
	TopP              float64       `yaml:"top_p"`
	ContextWindow     int           `yaml:"context_window"`
	Threads           int           `yaml:"threads"`
	MaxRetries        int           `yaml:"max_retries"`
	FirstTokenTimeout time.Duration `yaml:"first_token_timeout"`
}

type DatabaseConfig struct {
	URL         string `yaml:"url"`
	TablePrefix string `yaml:"table_prefix"`
	VectorDim   int    `yaml:"vector_dim"`
	SearchLimit int    `yaml:"search_limit"`
}

type IngestConfig struct {
	ChunkSize       int   `yaml:"chunk_size"`
	ChunkOverlap    int   `yaml:"chunk_overlap"`
	MaxContentBytes int64 `yaml:"max_content_bytes"`
}

type FetcherConfig struct {
	RateLimit float64       `yaml:"rate_limit"`
	Timeout   time.Duration `yaml:"timeout"`
}

type ThermalConfig struct {
	ZonePath       string        `yaml:"zone_path"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	Samples        int           `yaml:"samples"`
	AlertCelsius   float64       `yaml:"alert_celsius"`
	HaltCelsius    float64       `yaml:"halt_celsius"`
	ResumeCelsius  float64       `yaml:"resume_celsius"`
	ReducedThreads int           `yaml:"reduced_threads"`
}

type ResourcesConfig struct {
	DataDir       string `yaml:"data_dir"`
	MinFreeRAMMB  uint64 `yaml:"min_free_ram_mb"`
	MinFreeDiskMB uint64 `yaml:"min_free_disk_mb"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type UIConfig struct {
	Streaming bool `yaml:"streaming"`
}

type Config struct {
	LLM       LLMConfig       `yaml:"llm"`
	Database  DatabaseConfig  `yaml:"database"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Fetcher   FetcherConfig   `yaml:"fetcher"`
	Thermal   ThermalConfig   `yaml:"thermal"`
	Resources ResourcesConfig `yaml:"resources"`
	Logging   LoggingConfig   `yaml:"logging"`
	UI        UIConfig        `yaml:"ui"`
}

// LoadConfig reads a yaml config, merges environment overrides and fills
// defaults. With an empty path it probes the usual locations and falls back
// to pure defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/guide/config.yaml"),
			"/etc/guide/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	config := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	mergeWithEnv(config)
	applyDefaults(config)

	return config, nil
}

func applyDefaults(config *Config) {
	if config.LLM.BaseURL == "" {
		config.LLM.BaseURL = "http://localhost:11434"
	}
	if config.LLM.Model == "" {
		config.LLM.Model = "mistral"
	}
	if config.LLM.EmbeddingModel == "" {
		config.LLM.EmbeddingModel = "nomic-embed-text:latest"
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 512
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.7
	}
	if config.LLM.TopP == 0 {
		config.LLM.TopP = 0.9
	}
	if config.LLM.ContextWindow == 0 {
		config.LLM.ContextWindow = 2048
	}
	if config.LLM.MaxRetries == 0 {
		config.LLM.MaxRetries = 3
	}
	if config.LLM.FirstTokenTimeout == 0 {
		config.LLM.FirstTokenTimeout = 60 * time.Second
	}

	if config.Database.TablePrefix == "" {
		config.Database.TablePrefix = "guide"
	}
	if config.Database.VectorDim == 0 {
		config.Database.VectorDim = 768
	}
	if config.Database.SearchLimit == 0 {
		config.Database.SearchLimit = 5
	}

	if config.Ingest.ChunkSize == 0 {
		config.Ingest.ChunkSize = 512
	}
	if config.Ingest.ChunkOverlap == 0 {
		config.Ingest.ChunkOverlap = 50
	}
	if config.Ingest.MaxContentBytes == 0 {
		config.Ingest.MaxContentBytes = 10 << 20
	}

	if config.Fetcher.RateLimit == 0 {
		config.Fetcher.RateLimit = 2.0
	}
	if config.Fetcher.Timeout == 0 {
		config.Fetcher.Timeout = 30 * time.Second
	}

	if config.Thermal.SampleInterval == 0 {
		config.Thermal.SampleInterval = 30 * time.Second
	}
	if config.Thermal.Samples == 0 {
		config.Thermal.Samples = 3
	}
	if config.Thermal.AlertCelsius == 0 {
		config.Thermal.AlertCelsius = 75.0
	}
	if config.Thermal.HaltCelsius == 0 {
		config.Thermal.HaltCelsius = 85.0
	}
	if config.Thermal.ResumeCelsius == 0 {
		config.Thermal.ResumeCelsius = 70.0
	}
	if config.Thermal.ReducedThreads == 0 {
		config.Thermal.ReducedThreads = 2
	}

	if config.Resources.DataDir == "" {
		config.Resources.DataDir = "data"
	}
	if config.Resources.MinFreeRAMMB == 0 {
		config.Resources.MinFreeRAMMB = 256
	}
	if config.Resources.MinFreeDiskMB == 0 {
		config.Resources.MinFreeDiskMB = 512
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "text"
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
}
