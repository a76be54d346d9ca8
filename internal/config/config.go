package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	LLM      LLM            `yaml:"llm"`
	Pipeline Pipeline       `yaml:"pipeline"`
	Context  ContextDefault `yaml:"context"`
	Serp     Serp           `yaml:"serp"`
	Trends   Trends         `yaml:"trends"`
	Import   Import         `yaml:"import"`
	Auth     Auth           `yaml:"auth"`
	Output   Output         `yaml:"output"`
	Server   Server         `yaml:"server"`
	Logging  Logging        `yaml:"logging"`
}

type LLM struct {
	Provider          string        `yaml:"provider"`
	Model             string        `yaml:"model"`
	BaseURL           string        `yaml:"base_url"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	OllamaURL         string        `yaml:"ollama_url"`
	OllamaModel       string        `yaml:"ollama_model"`
	Temperature       float64       `yaml:"temperature"`
	TopP              float64       `yaml:"top_p"`
	ClusterMaxTokens  int           `yaml:"cluster_max_tokens"`
	AnalysisMaxTokens int           `yaml:"analysis_max_tokens"`
	Timeout           time.Duration `yaml:"timeout"`
	Breaker           Breaker       `yaml:"breaker"`
}

type Breaker struct {
	// MaxFailures is raised to twice the batch size when it does not exceed it.
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

type Pipeline struct {
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	StandaloneMinVolume int           `yaml:"standalone_min_volume"`
	BatchSize           int           `yaml:"batch_size"`
	RateInterval        time.Duration `yaml:"rate_interval"`
	CallTimeout         time.Duration `yaml:"call_timeout"`
}

// ContextDefault seeds the business context of newly created projects.
type ContextDefault struct {
	ConversionRate    float64 `yaml:"conversion_rate"`
	AverageOrderValue float64 `yaml:"average_order_value"`
	Language          string  `yaml:"language"`
}

type Serp struct {
	BaseURL   string        `yaml:"base_url"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Domain    string        `yaml:"domain"`
	Country   string        `yaml:"gl"`
	Language  string        `yaml:"hl"`
	Device    string        `yaml:"device"`
	Timeout   time.Duration `yaml:"timeout"`
}

type Trends struct {
	Feeds []Feed `yaml:"feeds"`
}

type Feed struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

type Import struct {
	WatchDir string `yaml:"watch_dir"`
}

type Auth struct {
	AdminEmail string `yaml:"admin_email"`
	AdminName  string `yaml:"admin_name"`
	// AdminPasswordEnv names the environment variable holding the bootstrap password.
	AdminPasswordEnv string `yaml:"admin_password_env"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
	// AllowedOrigins may call the JSON API from a browser.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Logging struct {
	Level   string `yaml:"level"`
	Verbose bool   `yaml:"verbose"`
}

// ConfigDir returns the XDG config directory for kwplanner.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "kwplanner")
}

// DataDir returns the XDG data directory for kwplanner.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "kwplanner")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/kwplanner/config.yaml > ./config.yaml
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
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'kwplanner init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		LLM: LLM{
			Provider:          "openai",
			Model:             "mixtral-8x7b-32768",
			BaseURL:           "https://api.groq.com/openai/v1",
			APIKeyEnv:         "GROQ_API_KEY",
			OllamaURL:         "http://localhost:11434",
			OllamaModel:       "qwen2.5:7b",
			Temperature:       0.3,
			TopP:              0.9,
			ClusterMaxTokens:  1000,
			AnalysisMaxTokens: 4000,
			Timeout:           120 * time.Second,
			Breaker: Breaker{
				MaxFailures: 10,
				OpenTimeout: 30 * time.Second,
			},
		},
		Pipeline: Pipeline{
			SimilarityThreshold: 0.3,
			StandaloneMinVolume: 1000,
			BatchSize:           5,
			RateInterval:        time.Second,
			CallTimeout:         60 * time.Second,
		},
		Context: ContextDefault{
			ConversionRate:    2,
			AverageOrderValue: 125,
			Language:          "pt",
		},
		Serp: Serp{
			BaseURL:   "https://api.spaceserp.com/google/search",
			APIKeyEnv: "SPACESERP_API_KEY",
			Domain:    "google.pt",
			Country:   "pt",
			Language:  "pt",
			Device:    "desktop",
			Timeout:   30 * time.Second,
		},
		Auth: Auth{
			AdminName:        "Administrator",
			AdminPasswordEnv: "KWPLANNER_ADMIN_PASSWORD",
		},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Pipeline.SimilarityThreshold < 0 || c.Pipeline.SimilarityThreshold > 1 {
		return fmt.Errorf("pipeline.similarity_threshold must be within [0,1], got %v", c.Pipeline.SimilarityThreshold)
	}
	if c.Pipeline.BatchSize < 1 {
		return fmt.Errorf("pipeline.batch_size must be positive, got %d", c.Pipeline.BatchSize)
	}
	if c.Pipeline.RateInterval < 0 {
		return fmt.Errorf("pipeline.rate_interval must not be negative")
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

// GetWatchDir returns the import drop directory, defaulting to <data dir>/inbox.
func (c *Config) GetWatchDir() string {
	if c.Import.WatchDir != "" {
		return c.Import.WatchDir
	}
	return filepath.Join(c.GetDataDir(), "inbox")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
