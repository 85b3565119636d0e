package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the lodestone retrieval service configuration.
type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	Database    DatabaseConfig    `yaml:"database"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Chunking    ChunkingConfig    `yaml:"chunking"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
	Auth        AuthConfig        `yaml:"auth"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// DatabaseConfig holds key-value store connection settings.
type DatabaseConfig struct {
	Addrs            []string `yaml:"addrs"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	DB               int      `yaml:"db"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// VectorStoreConfig holds vector database settings.
type VectorStoreConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"api_key"`
	UseTLS     bool   `yaml:"use_tls"`
	Collection string `yaml:"collection"`
	Dimensions int    `yaml:"dimensions"`
}

// EmbeddingConfig holds embedding settings.
type EmbeddingConfig struct {
	Providers   map[string]ProviderConfig   `yaml:"providers"`
	Vectorizers map[string]VectorizerConfig `yaml:"vectorizers"`
	// DefaultVectorizer names the vectorizer used for ingestion and
	// query embedding.
	DefaultVectorizer string `yaml:"default_vectorizer"`
	// CacheTTLSec bounds how long embedding vectors stay cached by
	// content hash. 0 = no expiry.
	CacheTTLSec int `yaml:"cache_ttl_sec"`
}

// BudgetConfig holds embedding token budget settings.
type BudgetConfig struct {
	DailyTokenLimit      int64   `yaml:"daily_token_limit"`       // 0 = unlimited
	MonthlyTokenLimit    int64   `yaml:"monthly_token_limit"`     // 0 = unlimited
	CostPerMillionTokens float64 `yaml:"cost_per_million_tokens"` // for the dashboard
	Action               string  `yaml:"action"`                  // "reject" | "warn" (default)
}

// ProviderConfig holds embedding provider settings.
type ProviderConfig struct {
	APIKey  string       `yaml:"api_key"`
	BaseURL string       `yaml:"base_url"`
	Budget  BudgetConfig `yaml:"budget"`
}

// VectorizerConfig holds vectorizer settings.
type VectorizerConfig struct {
	Provider            string `yaml:"provider"`
	Model               string `yaml:"model"`
	Dimensions          int    `yaml:"dimensions"`
	DocumentInstruction string `yaml:"document_instruction"`
	QueryInstruction    string `yaml:"query_instruction"`
}

// RetrievalConfig tunes the query-time pipeline.
type RetrievalConfig struct {
	TopK           int     `yaml:"top_k"`
	LexicalWeight  float64 `yaml:"lexical_weight"`
	VectorWeight   float64 `yaml:"vector_weight"`
	Deduplicate    bool    `yaml:"deduplicate"`
	DedupThreshold float64 `yaml:"dedup_threshold"`

	MMR       MMRConfig       `yaml:"mmr"`
	Rerank    RerankConfig    `yaml:"rerank"`
	Threshold ThresholdConfig `yaml:"threshold"`
	WebSearch WebSearchConfig `yaml:"web_search"`
	Budget    ContextBudget   `yaml:"context_budget"`
}

// MMRConfig tunes the diversity filter.
type MMRConfig struct {
	Enabled bool    `yaml:"enabled"`
	Lambda  float64 `yaml:"lambda"`
}

// RerankConfig tunes the reranker.
type RerankConfig struct {
	Strategy  string  `yaml:"strategy"` // score_based, none
	Relevance float64 `yaml:"relevance_weight"`
	Authority float64 `yaml:"authority_weight"`
	Freshness float64 `yaml:"freshness_weight"`
	Original  float64 `yaml:"original_weight"`
}

// ThresholdConfig tunes adaptive threshold selection.
type ThresholdConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Default      float64 `yaml:"default"`
	MinThreshold float64 `yaml:"min_threshold"`
	MaxThreshold float64 `yaml:"max_threshold"`
	MinResults   int     `yaml:"min_results"`
	MaxResults   int     `yaml:"max_results"`
	Percentile   float64 `yaml:"percentile"`
}

// WebSearchConfig tunes the optional web-search branch.
type WebSearchConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxResults int  `yaml:"max_results"`
}

// ContextBudget tunes token budgeting for the assembled context.
type ContextBudget struct {
	Model           string  `yaml:"model"`
	ResponseReserve int     `yaml:"response_reserve"`
	DocumentRatio   float64 `yaml:"document_ratio"`
	WebRatio        float64 `yaml:"web_ratio"`
}

// ChunkingConfig overrides the per-document-type chunking profiles. A zero
// section keeps the built-in profiles; per-request options still win.
type ChunkingConfig struct {
	MaxTokens          int    `yaml:"max_tokens"`
	MinTokens          int    `yaml:"min_tokens"`
	OverlapTokens      int    `yaml:"overlap_tokens"`
	Strategy           string `yaml:"strategy"` // sentence, semantic
	FallbackToSentence bool   `yaml:"fallback_to_sentence"`
	Encoding           string `yaml:"encoding"`
}

// IsZero reports whether the chunking section was left unset.
func (c ChunkingConfig) IsZero() bool {
	return c == ChunkingConfig{}
}

// ResilienceConfig tunes breakers and retries shared by all dependencies.
type ResilienceConfig struct {
	FailureThreshold    int `yaml:"failure_threshold"`
	MonitoringWindowSec int `yaml:"monitoring_window_sec"`
	ResetTimeoutSec     int `yaml:"reset_timeout_sec"`
	HalfOpenMaxCalls    int `yaml:"half_open_max_calls"`
	CallTimeoutSec      int `yaml:"call_timeout_sec"`

	MaxRetries     int `yaml:"max_retries"`
	InitialDelayMs int `yaml:"initial_delay_ms"`
	MaxDelayMs     int `yaml:"max_delay_ms"`
}

// AuthConfig holds API authentication settings. An empty key list disables
// authentication.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 30
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.VectorStore.Port <= 0 {
		c.VectorStore.Port = 6334
	}
	if c.VectorStore.Collection == "" {
		c.VectorStore.Collection = "lodestone_chunks"
	}
	if c.VectorStore.Dimensions <= 0 {
		c.VectorStore.Dimensions = 1536
	}
	if c.Retrieval.TopK <= 0 {
		c.Retrieval.TopK = 10
	}
	if c.Retrieval.LexicalWeight <= 0 && c.Retrieval.VectorWeight <= 0 {
		c.Retrieval.LexicalWeight = 0.3
		c.Retrieval.VectorWeight = 0.7
	}
	if c.Retrieval.DedupThreshold <= 0 {
		c.Retrieval.DedupThreshold = 0.9
	}
	if c.Retrieval.MMR.Lambda <= 0 {
		c.Retrieval.MMR.Lambda = 0.7
	}
	if c.Retrieval.Rerank.Strategy == "" {
		c.Retrieval.Rerank.Strategy = "score_based"
	}
	if c.Retrieval.WebSearch.MaxResults <= 0 {
		c.Retrieval.WebSearch.MaxResults = 5
	}
	if c.Retrieval.Budget.Model == "" {
		c.Retrieval.Budget.Model = "gpt-4o"
	}
	if c.Retrieval.Budget.DocumentRatio <= 0 && c.Retrieval.Budget.WebRatio <= 0 {
		c.Retrieval.Budget.DocumentRatio = 0.7
		c.Retrieval.Budget.WebRatio = 0.3
	}
	if c.Resilience.FailureThreshold <= 0 {
		c.Resilience.FailureThreshold = 5
	}
	if c.Resilience.MonitoringWindowSec <= 0 {
		c.Resilience.MonitoringWindowSec = 60
	}
	if c.Resilience.ResetTimeoutSec <= 0 {
		c.Resilience.ResetTimeoutSec = 30
	}
	if c.Resilience.HalfOpenMaxCalls <= 0 {
		c.Resilience.HalfOpenMaxCalls = 3
	}
	if c.Resilience.CallTimeoutSec <= 0 {
		c.Resilience.CallTimeoutSec = 10
	}
	if c.Resilience.MaxRetries <= 0 {
		c.Resilience.MaxRetries = 3
	}
	if c.Resilience.InitialDelayMs <= 0 {
		c.Resilience.InitialDelayMs = 100
	}
	if c.Resilience.MaxDelayMs <= 0 {
		c.Resilience.MaxDelayMs = 2000
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if len(c.Database.Addrs) == 0 {
		return fmt.Errorf("database.addrs is required")
	}
	if c.Embedding.DefaultVectorizer != "" {
		if _, ok := c.Embedding.Vectorizers[c.Embedding.DefaultVectorizer]; !ok {
			return fmt.Errorf("embedding.default_vectorizer %q is not defined", c.Embedding.DefaultVectorizer)
		}
	}
	for name, v := range c.Embedding.Vectorizers {
		if _, ok := c.Embedding.Providers[v.Provider]; !ok {
			return fmt.Errorf("embedding.vectorizers.%s references unknown provider %q", name, v.Provider)
		}
	}
	for name, p := range c.Embedding.Providers {
		switch p.Budget.Action {
		case "", "warn", "reject":
			// ok
		default:
			return fmt.Errorf(
				"embedding.providers.%s.budget.action must be \"warn\" or \"reject\", got %q",
				name, p.Budget.Action,
			)
		}
	}
	switch c.Retrieval.Rerank.Strategy {
	case "score_based", "none":
		// ok
	default:
		return fmt.Errorf("retrieval.rerank.strategy must be \"score_based\" or \"none\", got %q",
			c.Retrieval.Rerank.Strategy)
	}
	switch c.Chunking.Strategy {
	case "", "sentence", "semantic":
		// empty keeps the per-type profile strategy
	default:
		return fmt.Errorf("chunking.strategy must be \"sentence\" or \"semantic\", got %q",
			c.Chunking.Strategy)
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
