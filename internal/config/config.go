package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Features holds feature flags loaded from features.yaml. The struct is
// immutable after load; hot reload swaps the whole value (see Watcher).
type Features struct {
	System1 struct {
		EnableCache  bool `mapstructure:"enable_cache"`
		CacheTTL     int  `mapstructure:"cache_ttl"`
		CacheMaxSize int  `mapstructure:"cache_max_size"`
	} `mapstructure:"system1"`
	Routing struct {
		ComplexityAnalysis bool `mapstructure:"complexity_analysis"`
		SmartRouting       bool `mapstructure:"smart_routing"`
	} `mapstructure:"routing"`
	ContextEngineering struct {
		AppendOnlyContext bool `mapstructure:"append_only_context"`
		CompressKeepLast  int  `mapstructure:"compress_keep_last"`
	} `mapstructure:"context_engineering"`
	Observability struct {
		Metrics struct {
			Enabled bool `mapstructure:"enabled"`
			Port    int  `mapstructure:"port"`
		} `mapstructure:"metrics"`
		Logging struct {
			Level  string `mapstructure:"level"`
			Format string `mapstructure:"format"`
		} `mapstructure:"logging"`
	} `mapstructure:"observability"`
}

// LoadFeatures loads features.yaml from CONFIG_PATH or ./config/features.yaml.
// A missing file yields defaults rather than an error.
func LoadFeatures() (*Features, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/features.yaml"
	}
	var f Features
	v := viper.New()
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
			return &f, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &f, nil
}

// SearchConfig holds the search executor dials.
type SearchConfig struct {
	Primary                  string        `mapstructure:"primary"`
	FallbackChain            []string      `mapstructure:"fallback_chain"`
	MaxResults               int           `mapstructure:"max_results"`
	Timeout                  time.Duration `mapstructure:"timeout"`
	ParallelSearches         int           `mapstructure:"parallel_searches"`
	ParallelStrategy         string        `mapstructure:"parallel_strategy"` // batch | race | hybrid
	URLsPerQuery             int           `mapstructure:"urls_per_query"`
	QueriesFirstIteration    int           `mapstructure:"queries_first_iteration"`
	QueriesFollowupIteration int           `mapstructure:"queries_followup_iteration"`
	MaxTotalQueries          int           `mapstructure:"max_total_queries"`
}

// DefaultSearchConfig returns the documented defaults.
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		Primary:                  "tavily",
		FallbackChain:            []string{"duckduckgo", "model"},
		MaxResults:               10,
		Timeout:                  30 * time.Second,
		ParallelSearches:         3,
		ParallelStrategy:         "batch",
		URLsPerQuery:             3,
		QueriesFirstIteration:    5,
		QueriesFollowupIteration: 3,
		MaxTotalQueries:          15,
	}
}

// Config is the process-wide configuration, constructed once at startup and
// passed by value to the subsystems that need it.
type Config struct {
	// Provider credentials and model selection.
	LLMModel        string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	AnthropicModel  string
	GeminiAPIKey    string
	GeminiModel     string

	// Search provider credentials.
	TavilyAPIKey string
	ExaAPIKey    string
	SerperAPIKey string
	BraveAPIKey  string
	SearxNGURL   string
	CohereAPIKey string

	// Sandbox.
	SandboxURL              string
	SandboxComputeTimeout   time.Duration
	SandboxMaxChartFailures int

	// Research loop.
	MaxIterations int
	Search        SearchConfig

	// Artefact directory for report bundles and research data.
	LogDir string

	// Infrastructure endpoints.
	TemporalHostPort string
	RedisURL         string
	DatabaseURL      string
	HTTPAddr         string

	// Cost dials (tracked externally; carried for metadata only).
	DailyBudgetUSD   float64
	MonthlyBudgetUSD float64

	Features *Features
}

// FromEnv builds the configuration from environment variables, with documented
// defaults for everything optional.
func FromEnv() (*Config, error) {
	features, err := LoadFeatures()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		LLMModel:        getenv("LLM_MODEL", "gpt-4o"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  getenv("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
		GeminiAPIKey:    firstNonEmpty(os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_API_KEY")),
		GeminiModel:     getenv("GEMINI_MODEL", "gemini-2.0-flash"),

		TavilyAPIKey: os.Getenv("TAVILY_API_KEY"),
		ExaAPIKey:    os.Getenv("EXA_API_KEY"),
		SerperAPIKey: os.Getenv("SERPER_API_KEY"),
		BraveAPIKey:  os.Getenv("BRAVE_API_KEY"),
		SearxNGURL:   os.Getenv("SEARXNG_URL"),
		CohereAPIKey: os.Getenv("COHERE_API_KEY"),

		SandboxURL:              os.Getenv("SANDBOX_URL"),
		SandboxComputeTimeout:   time.Duration(getenvInt("SANDBOX_COMPUTE_TIMEOUT", 60)) * time.Second,
		SandboxMaxChartFailures: getenvInt("SANDBOX_MAX_CHART_FAILURES", 2),

		MaxIterations: getenvInt("MAX_ITERATIONS", 3),
		Search:        DefaultSearchConfig(),

		LogDir: getenv("LOG_DIR", "logs"),

		TemporalHostPort: getenv("TEMPORAL_HOST_PORT", "localhost:7233"),
		RedisURL:         os.Getenv("REDIS_URL"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		HTTPAddr:         getenv("HTTP_ADDR", ":8080"),

		DailyBudgetUSD:   getenvFloat("DAILY_BUDGET", 0),
		MonthlyBudgetUSD: getenvFloat("MONTHLY_BUDGET", 0),

		Features: features,
	}

	if chain, err := LoadSearchChain(); err == nil && chain != nil {
		chain.Apply(&cfg.Search)
	}

	if v := getenvInt("MAX_TOTAL_QUERIES", 0); v > 0 {
		cfg.Search.MaxTotalQueries = v
	}
	return cfg, nil
}

// ProviderOrder returns the configured LLM providers in fallback order.
func (c *Config) ProviderOrder() []string {
	var order []string
	if c.OpenAIAPIKey != "" {
		order = append(order, "openai")
	}
	if c.AnthropicAPIKey != "" {
		order = append(order, "anthropic")
	}
	if c.GeminiAPIKey != "" {
		order = append(order, "gemini")
	}
	return order
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
