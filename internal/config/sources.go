package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SearchChainConfig is the on-disk search provider configuration. It overlays
// the built-in defaults; zero values leave the default untouched.
type SearchChainConfig struct {
	Primary          string   `yaml:"primary"`
	FallbackChain    []string `yaml:"fallback_chain"`
	MaxResults       int      `yaml:"max_results"`
	TimeoutSeconds   int      `yaml:"timeout_seconds"`
	ParallelSearches int      `yaml:"parallel_searches"`
	ParallelStrategy string   `yaml:"parallel_strategy"`
	URLsPerQuery     int      `yaml:"urls_per_query"`
	Budget           struct {
		FirstIteration    int `yaml:"first_iteration"`
		FollowupIteration int `yaml:"followup_iteration"`
		MaxTotal          int `yaml:"max_total"`
	} `yaml:"budget"`
}

// LoadSearchChain reads the search chain config from SEARCH_CONFIG_PATH or
// config/search.yaml. A missing file is not an error; nil is returned.
func LoadSearchChain() (*SearchChainConfig, error) {
	path := os.Getenv("SEARCH_CONFIG_PATH")
	if path == "" {
		path = "config/search.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read search config: %w", err)
	}
	var cfg SearchChainConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse search config: %w", err)
	}
	return &cfg, nil
}

// Apply overlays non-zero fields onto dst.
func (c *SearchChainConfig) Apply(dst *SearchConfig) {
	if c.Primary != "" {
		dst.Primary = c.Primary
	}
	if len(c.FallbackChain) > 0 {
		dst.FallbackChain = c.FallbackChain
	}
	if c.MaxResults > 0 {
		dst.MaxResults = c.MaxResults
	}
	if c.TimeoutSeconds > 0 {
		dst.Timeout = time.Duration(c.TimeoutSeconds) * time.Second
	}
	if c.ParallelSearches > 0 {
		dst.ParallelSearches = c.ParallelSearches
	}
	if c.ParallelStrategy != "" {
		dst.ParallelStrategy = c.ParallelStrategy
	}
	if c.URLsPerQuery > 0 {
		dst.URLsPerQuery = c.URLsPerQuery
	}
	if c.Budget.FirstIteration > 0 {
		dst.QueriesFirstIteration = c.Budget.FirstIteration
	}
	if c.Budget.FollowupIteration > 0 {
		dst.QueriesFollowupIteration = c.Budget.FollowupIteration
	}
	if c.Budget.MaxTotal > 0 {
		dst.MaxTotalQueries = c.Budget.MaxTotal
	}
}
