package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported LLM and embedding providers.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

// Config holds all configuration values.
type Config struct {
	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// LLM
	LLMProvider     string
	LLMModel        string
	EmbedProvider   string
	EmbedModel      string
	EmbedDimension  int
	OllamaHost      string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	AWSRegion       string
	RequestTimeout  time.Duration
	DefaultLanguage string

	// Events
	RedisAddr    string
	RedisChannel string

	// Worker process
	ServerPort        int
	WorkerID          string // owner recorded on claimed runs; keep stable across restarts
	WorkerConcurrency int
	PollInterval      time.Duration

	// Logging
	LogFile  string
	LogLevel slog.Level

	// Pipeline knobs, overlaid from ConfigFile then env.
	ConfigFile string
	Pipeline   Pipeline
}

// Pipeline is the tunable surface of the extraction pipeline.
type Pipeline struct {
	MessageThreshold    int     `yaml:"message_threshold"`
	LookbackHours       int     `yaml:"lookback_hours"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	BatchSize           int     `yaml:"batch_size"`
	TimeGapSeconds      int     `yaml:"time_gap_seconds"`
	MaxBatchSize        int     `yaml:"max_batch_size"`
	GroupByThread       bool    `yaml:"group_by_thread"`
	GroupByChannel      bool    `yaml:"group_by_channel"`

	SemanticSearchThreshold     float64 `yaml:"semantic_search_threshold"`
	DuplicateDetectionThreshold float64 `yaml:"duplicate_detection_threshold"`
	ExplorationThreshold        float64 `yaml:"exploration_threshold"`

	Retry Retry `yaml:"retry"`
}

// Retry configures the bounded retry policy around external calls.
type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	MinDelay    time.Duration `yaml:"min_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// DefaultPipeline returns the built-in pipeline settings.
func DefaultPipeline() Pipeline {
	return Pipeline{
		MessageThreshold:            10,
		LookbackHours:               24,
		ConfidenceThreshold:         0.7,
		BatchSize:                   50,
		TimeGapSeconds:              600,
		MaxBatchSize:                500,
		GroupByThread:               true,
		GroupByChannel:              true,
		SemanticSearchThreshold:     0.65,
		DuplicateDetectionThreshold: 0.95,
		ExplorationThreshold:        0.50,
		Retry: Retry{
			MaxAttempts: 3,
			MinDelay:    2 * time.Second,
			MaxDelay:    60 * time.Second,
		},
	}
}

// TimeGap returns the channel grouping gap as a duration.
func (p Pipeline) TimeGap() time.Duration {
	return time.Duration(p.TimeGapSeconds) * time.Second
}

// Lookback returns the message selection window as a duration.
func (p Pipeline) Lookback() time.Duration {
	return time.Duration(p.LookbackHours) * time.Hour
}

// Validate rejects settings the pipeline cannot run with.
func (p Pipeline) Validate() error {
	var errs []error
	for name, v := range map[string]float64{
		"confidence_threshold":          p.ConfidenceThreshold,
		"semantic_search_threshold":     p.SemanticSearchThreshold,
		"duplicate_detection_threshold": p.DuplicateDetectionThreshold,
		"exploration_threshold":         p.ExplorationThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be in [0,1], got %g", name, v))
		}
	}
	if p.ExplorationThreshold > p.SemanticSearchThreshold {
		errs = append(errs, errors.New("exploration_threshold must not exceed semantic_search_threshold"))
	}
	if p.SemanticSearchThreshold > p.DuplicateDetectionThreshold {
		errs = append(errs, errors.New("semantic_search_threshold must not exceed duplicate_detection_threshold"))
	}
	for name, v := range map[string]int{
		"message_threshold":  p.MessageThreshold,
		"lookback_hours":     p.LookbackHours,
		"batch_size":         p.BatchSize,
		"time_gap_seconds":   p.TimeGapSeconds,
		"max_batch_size":     p.MaxBatchSize,
		"retry.max_attempts": p.Retry.MaxAttempts,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if p.Retry.MinDelay > p.Retry.MaxDelay {
		errs = append(errs, errors.New("retry.min_delay must not exceed retry.max_delay"))
	}
	return errors.Join(errs...)
}

// Load reads configuration from environment variables, overlaying the optional
// YAML file named by ATOMGRAPH_CONFIG onto the pipeline defaults first.
func Load() (Config, error) {
	cfg := Config{
		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "knowledge"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "atomgraph"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		LLMProvider:     getEnv("LLM_PROVIDER", "ollama"),
		LLMModel:        getEnv("LLM_MODEL", "llama3.1"),
		EmbedProvider:   getEnv("EMBED_PROVIDER", "openai"),
		EmbedModel:      getEnv("EMBED_MODEL", "text-embedding-3-small"),
		EmbedDimension:  getEnvInt("EMBED_DIMENSION", 1536),
		OllamaHost:      getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		AWSRegion:       getEnv("AWS_REGION", "us-east-1"),
		RequestTimeout:  getEnvDuration("ATOMGRAPH_REQUEST_TIMEOUT", 120*time.Second),
		DefaultLanguage: getEnv("ATOMGRAPH_LANGUAGE", "en"),

		RedisAddr:    getEnv("REDIS_ADDR", ""),
		RedisChannel: getEnv("REDIS_CHANNEL", "atomgraph:events"),

		ServerPort:        getEnvInt("ATOMGRAPH_SERVER_PORT", 8484),
		WorkerID:          getEnv("ATOMGRAPH_WORKER_ID", "worker"),
		WorkerConcurrency: getEnvInt("ATOMGRAPH_WORKER_CONCURRENCY", 2),
		PollInterval:      getEnvDuration("ATOMGRAPH_POLL_INTERVAL", 2*time.Second),

		LogFile:  getEnv("ATOMGRAPH_LOG_FILE", "/tmp/atomgraph.log"),
		LogLevel: parseLogLevel(getEnv("ATOMGRAPH_LOG_LEVEL", "INFO")),

		ConfigFile: getEnv("ATOMGRAPH_CONFIG", ""),
		Pipeline:   DefaultPipeline(),
	}

	if cfg.ConfigFile != "" {
		data, err := os.ReadFile(cfg.ConfigFile)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := cfg.Pipeline.UnmarshalYAMLBytes(data); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", cfg.ConfigFile, err)
		}
	}
	cfg.Pipeline.applyEnv()

	if err := cfg.Pipeline.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid pipeline config: %w", err)
	}
	return cfg, nil
}

// UnmarshalYAMLBytes overlays YAML onto p. Keys absent from data keep their value.
func (p *Pipeline) UnmarshalYAMLBytes(data []byte) error {
	var doc struct {
		Pipeline *Pipeline `yaml:"pipeline"`
	}
	doc.Pipeline = p
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (p *Pipeline) applyEnv() {
	p.MessageThreshold = getEnvInt("ATOMGRAPH_MESSAGE_THRESHOLD", p.MessageThreshold)
	p.LookbackHours = getEnvInt("ATOMGRAPH_LOOKBACK_HOURS", p.LookbackHours)
	p.ConfidenceThreshold = getEnvFloat("ATOMGRAPH_CONFIDENCE_THRESHOLD", p.ConfidenceThreshold)
	p.BatchSize = getEnvInt("ATOMGRAPH_BATCH_SIZE", p.BatchSize)
	p.TimeGapSeconds = getEnvInt("ATOMGRAPH_TIME_GAP_SECONDS", p.TimeGapSeconds)
	p.MaxBatchSize = getEnvInt("ATOMGRAPH_MAX_BATCH_SIZE", p.MaxBatchSize)
	p.GroupByThread = getEnvBool("ATOMGRAPH_GROUP_BY_THREAD", p.GroupByThread)
	p.GroupByChannel = getEnvBool("ATOMGRAPH_GROUP_BY_CHANNEL", p.GroupByChannel)
	p.SemanticSearchThreshold = getEnvFloat("ATOMGRAPH_SEMANTIC_SEARCH_THRESHOLD", p.SemanticSearchThreshold)
	p.DuplicateDetectionThreshold = getEnvFloat("ATOMGRAPH_DUPLICATE_DETECTION_THRESHOLD", p.DuplicateDetectionThreshold)
	p.ExplorationThreshold = getEnvFloat("ATOMGRAPH_EXPLORATION_THRESHOLD", p.ExplorationThreshold)
	p.Retry.MaxAttempts = getEnvInt("ATOMGRAPH_RETRY_MAX_ATTEMPTS", p.Retry.MaxAttempts)
	p.Retry.MinDelay = getEnvDuration("ATOMGRAPH_RETRY_MIN_DELAY", p.Retry.MinDelay)
	p.Retry.MaxDelay = getEnvDuration("ATOMGRAPH_RETRY_MAX_DELAY", p.Retry.MaxDelay)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
