package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides, e.g. RESEARCH_LLM_API_KEY
const EnvPrefix = "RESEARCH"

// Config contains all configuration for the research service
type Config struct {
	LLM          LLMConfig          `json:"llm" yaml:"llm" mapstructure:"llm" validate:"required"`
	Agent        AgentConfig        `json:"agent" yaml:"agent" mapstructure:"agent" validate:"required"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator" mapstructure:"orchestrator" validate:"required"`
	Tools        []ToolConfig       `json:"tools" yaml:"tools" mapstructure:"tools" validate:"dive"`
	Redis        RedisConfig        `json:"redis" yaml:"redis" mapstructure:"redis"`
	Server       ServerConfig       `json:"server" yaml:"server" mapstructure:"server" validate:"required"`

	// Logging
	LogLevel  string `json:"log_level" yaml:"log_level" mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `json:"log_format" yaml:"log_format" mapstructure:"log_format" validate:"oneof=json console"`
}

// LLMConfig configuration for the language model endpoint
type LLMConfig struct {
	Provider          string      `json:"provider" yaml:"provider" mapstructure:"provider" validate:"required,oneof=openai vllm ollama"`
	Model             string      `json:"model" yaml:"model" mapstructure:"model" validate:"required"`
	BaseURL           string      `json:"base_url,omitempty" yaml:"base_url,omitempty" mapstructure:"base_url" validate:"omitempty,url"`
	APIKey            string      `json:"api_key,omitempty" yaml:"api_key,omitempty" mapstructure:"api_key"`
	OrgID             string      `json:"org_id,omitempty" yaml:"org_id,omitempty" mapstructure:"org_id"`
	Temperature       float32     `json:"temperature" yaml:"temperature" mapstructure:"temperature" validate:"min=0,max=2"`
	TopP              float32     `json:"top_p" yaml:"top_p" mapstructure:"top_p" validate:"min=0,max=1"`
	MaxTokens         int         `json:"max_tokens" yaml:"max_tokens" mapstructure:"max_tokens" validate:"min=0"`
	Timeout           float64     `json:"timeout" yaml:"timeout" mapstructure:"timeout" validate:"min=1,max=3600"`
	RequestsPerSecond float64     `json:"requests_per_second" yaml:"requests_per_second" mapstructure:"requests_per_second" validate:"min=0"`
	Retry             RetryConfig `json:"retry" yaml:"retry" mapstructure:"retry"`
}

// RetryConfig controls retries of failed model calls
type RetryConfig struct {
	Attempts  int     `json:"attempts" yaml:"attempts" mapstructure:"attempts" validate:"min=1,max=10"`
	BaseDelay float64 `json:"base_delay" yaml:"base_delay" mapstructure:"base_delay" validate:"min=0"`
	MaxDelay  float64 `json:"max_delay" yaml:"max_delay" mapstructure:"max_delay" validate:"min=0"`
}

// AgentConfig bounds reasoning runs. Times are in seconds, 0 means unlimited.
type AgentConfig struct {
	MaxRounds        int     `json:"max_rounds" yaml:"max_rounds" mapstructure:"max_rounds" validate:"min=1,max=500"`
	MaxTime          float64 `json:"max_time" yaml:"max_time" mapstructure:"max_time" validate:"min=0"`
	MaxContextTokens int     `json:"max_context_tokens" yaml:"max_context_tokens" mapstructure:"max_context_tokens" validate:"min=0"`

	SubtaskMaxRounds        int     `json:"subtask_max_rounds" yaml:"subtask_max_rounds" mapstructure:"subtask_max_rounds" validate:"min=1,max=500"`
	SubtaskMaxTime          float64 `json:"subtask_max_time" yaml:"subtask_max_time" mapstructure:"subtask_max_time" validate:"min=0"`
	SubtaskMaxContextTokens int     `json:"subtask_max_context_tokens" yaml:"subtask_max_context_tokens" mapstructure:"subtask_max_context_tokens" validate:"min=0"`

	Planning         bool    `json:"planning" yaml:"planning" mapstructure:"planning"`
	PreviewChars     int     `json:"preview_chars" yaml:"preview_chars" mapstructure:"preview_chars" validate:"min=1"`
	AnswerChunkSize  int     `json:"answer_chunk_size" yaml:"answer_chunk_size" mapstructure:"answer_chunk_size" validate:"min=1"`
	AnswerChunkDelay float64 `json:"answer_chunk_delay" yaml:"answer_chunk_delay" mapstructure:"answer_chunk_delay" validate:"min=0,max=5"`
}

// OrchestratorConfig configuration for distributed jobs
type OrchestratorConfig struct {
	// Backend is "local" for an in-process pool and hub, "redis" for workers and pub/sub
	Backend             string  `json:"backend" yaml:"backend" mapstructure:"backend" validate:"oneof=local redis"`
	MaxParallelSubtasks int     `json:"max_parallel_subtasks" yaml:"max_parallel_subtasks" mapstructure:"max_parallel_subtasks" validate:"min=1,max=32"`
	JobTimeout          float64 `json:"job_timeout" yaml:"job_timeout" mapstructure:"job_timeout" validate:"min=1"`
	WorkerConcurrency   int     `json:"worker_concurrency" yaml:"worker_concurrency" mapstructure:"worker_concurrency" validate:"min=1,max=128"`
	ResultTTL           float64 `json:"result_ttl" yaml:"result_ttl" mapstructure:"result_ttl" validate:"min=0"`
	HubBuffer           int     `json:"hub_buffer" yaml:"hub_buffer" mapstructure:"hub_buffer" validate:"min=1"`
}

// ToolConfig describes a remote tool endpoint
type ToolConfig struct {
	Name        string  `json:"name" yaml:"name" mapstructure:"name" validate:"required"`
	Description string  `json:"description" yaml:"description" mapstructure:"description"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint" validate:"required,url"`
	Timeout     float64 `json:"timeout" yaml:"timeout" mapstructure:"timeout" validate:"min=0"`
}

// RedisConfig configuration for the Redis queue and event channels
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr" mapstructure:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty" mapstructure:"password"`
	DB       int    `json:"db" yaml:"db" mapstructure:"db" validate:"min=0,max=15"`
	Prefix   string `json:"prefix" yaml:"prefix" mapstructure:"prefix" validate:"required"`
}

// ServerConfig configuration for the HTTP API
type ServerConfig struct {
	Host            string  `json:"host" yaml:"host" mapstructure:"host"`
	Port            int     `json:"port" yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout     float64 `json:"read_timeout" yaml:"read_timeout" mapstructure:"read_timeout" validate:"min=0"`
	ShutdownTimeout float64 `json:"shutdown_timeout" yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"min=0"`
	StreamTimeout   float64 `json:"stream_timeout" yaml:"stream_timeout" mapstructure:"stream_timeout" validate:"min=0"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:          "ollama",
			Model:             "llama3.2",
			BaseURL:           "http://localhost:11434/v1",
			Temperature:       0.6,
			TopP:              0.95,
			MaxTokens:         0,
			Timeout:           300.0,
			RequestsPerSecond: 0,
			Retry: RetryConfig{
				Attempts:  3,
				BaseDelay: 0.5,
				MaxDelay:  10,
			},
		},
		Agent: AgentConfig{
			MaxRounds:               30,
			MaxTime:                 900,
			MaxContextTokens:        110000,
			SubtaskMaxRounds:        15,
			SubtaskMaxTime:          300,
			SubtaskMaxContextTokens: 64000,
			Planning:                true,
			PreviewChars:            500,
			AnswerChunkSize:         64,
			AnswerChunkDelay:        0.01,
		},
		Orchestrator: OrchestratorConfig{
			Backend:             "local",
			MaxParallelSubtasks: 5,
			JobTimeout:          600,
			WorkerConcurrency:   4,
			ResultTTL:           3600,
			HubBuffer:           256,
		},
		Tools: []ToolConfig{},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			DB:     0,
			Prefix: "research",
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30,
			ShutdownTimeout: 15,
			StreamTimeout:   900,
		},
		LogLevel:  "info",
		LogFormat: "console",
	}
}

// LoadConfigFromFile loads configuration from a JSON or YAML file over the
// defaults, then applies RESEARCH_* environment overrides. An empty path
// loads defaults and environment only.
func LoadConfigFromFile(path string) (*Config, error) {
	v := viper.New()

	defaults, err := json.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal defaults: %v", err)
	}
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to read defaults: %v", err)
	}

	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", path)
		}
		v.SetConfigFile(path)
		v.SetConfigType(configType(path))
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %v", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %v", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LoadConfigFromMap loads configuration from a map over the defaults
func LoadConfigFromMap(configMap map[string]interface{}) (*Config, error) {
	config := DefaultConfig()

	// Round-trip through JSON so map keys follow the json tags
	jsonData, err := json.Marshal(configMap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config map: %v", err)
	}

	if err := json.Unmarshal(jsonData, config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %v", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.LLM.Provider == "openai" && c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required for the openai provider")
	}
	if c.Orchestrator.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required for the redis backend")
	}
	if c.LLM.Retry.MaxDelay > 0 && c.LLM.Retry.MaxDelay < c.LLM.Retry.BaseDelay {
		return fmt.Errorf("llm.retry.max_delay must not be below base_delay")
	}

	seen := make(map[string]bool, len(c.Tools))
	for _, tool := range c.Tools {
		if seen[tool.Name] {
			return fmt.Errorf("duplicate tool name: %s", tool.Name)
		}
		seen[tool.Name] = true
	}

	return nil
}

// SaveToFile saves the configuration as YAML, or JSON for a .json path
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	if configType(path) == "json" {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %v", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %v", err)
	}

	return nil
}

// String returns a string representation of the config (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c

	if configCopy.LLM.APIKey != "" {
		configCopy.LLM.APIKey = strings.Repeat("*", len(configCopy.LLM.APIKey))
	}
	if configCopy.Redis.Password != "" {
		configCopy.Redis.Password = strings.Repeat("*", len(configCopy.Redis.Password))
	}

	data, _ := json.MarshalIndent(configCopy, "", "  ")
	return string(data)
}

// Addr returns the listen address of the HTTP server
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Seconds converts a seconds value from the config to a duration
func Seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func configType(path string) string {
	switch ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")); ext {
	case "yml", "yaml", "":
		return "yaml"
	default:
		return ext
	}
}
