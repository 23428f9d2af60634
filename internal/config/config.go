package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Configuration errors are fatal at startup: the gateway must not come up in
// a state where it would degrade silently.
var (
	ErrMissingSigningSecret = errors.New("signing secret is not configured (set TUTOR_SIGNING_SECRET)")
	ErrMissingAPIKey        = errors.New("upstream API key is not configured (set OPENAI_API_KEY)")
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// such as "500ms" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the gateway configuration, loaded from an optional YAML file with
// environment overrides on top. Secrets come from the environment only.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Models   ModelsConfig   `yaml:"models"`
	Memory   MemoryConfig   `yaml:"memory"`
	Research ResearchConfig `yaml:"research"`
	Stats    StatsConfig    `yaml:"stats"`

	// SigningSecret signs memory tokens. Environment only, never YAML.
	SigningSecret string `yaml:"-"`
	// APIKey authenticates against the upstream completion service.
	APIKey string `yaml:"-"`
	// BaseURL overrides the upstream endpoint (tests, regional deployments).
	BaseURL string `yaml:"-"`
}

// ServerConfig tunes the HTTP server.
type ServerConfig struct {
	Addr         string   `yaml:"addr"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// ModelsConfig selects upstream models per role.
type ModelsConfig struct {
	Chat     string `yaml:"chat"`
	Aux      string `yaml:"aux"`
	Research string `yaml:"research"`
	Search   string `yaml:"search"`
}

// MemoryConfig tunes conversation compaction.
type MemoryConfig struct {
	MaxHistoryTurns    int `yaml:"max_history_turns"`
	BudgetTokens       int `yaml:"budget_tokens"`
	CondenseMaxChars   int `yaml:"condense_max_chars"`
	SummaryHardCeiling int `yaml:"summary_hard_ceiling"`
	SummaryTargetChars int `yaml:"summary_target_chars"`
}

// ResearchConfig tunes the deep-research pipeline.
type ResearchConfig struct {
	PollInterval    Duration `yaml:"poll_interval"`
	PollBudget      Duration `yaml:"poll_budget"`
	ParagraphPacing Duration `yaml:"paragraph_pacing"`
	CacheTTL        Duration `yaml:"cache_ttl"`
	CacheCap        int      `yaml:"cache_cap"`
	MaxRetries      int      `yaml:"max_retries"`
}

// StatsConfig tunes the monitoring store.
type StatsConfig struct {
	DBPath string `yaml:"db_path"`
}

// Load builds the configuration: defaults, then the YAML file (when path is
// non-empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         DefaultAddr,
			ReadTimeout:  Duration(DefaultServerReadTimeout),
			WriteTimeout: Duration(DefaultServerWriteTimeout),
		},
		Models: ModelsConfig{
			Chat:     DefaultChatModel,
			Aux:      DefaultAuxModel,
			Research: DefaultResearchModel,
			Search:   DefaultSearchModel,
		},
		Memory: MemoryConfig{
			MaxHistoryTurns:    DefaultMaxHistoryTurns,
			BudgetTokens:       DefaultBudgetTokens,
			CondenseMaxChars:   DefaultCondenseMaxChars,
			SummaryHardCeiling: DefaultSummaryHardCeiling,
			SummaryTargetChars: DefaultSummaryTargetChars,
		},
		Research: ResearchConfig{
			PollInterval:    Duration(DefaultPollInterval),
			PollBudget:      Duration(DefaultPollBudget),
			ParagraphPacing: Duration(DefaultParagraphPacing),
			CacheTTL:        Duration(DefaultResearchCacheTTL),
			CacheCap:        DefaultResearchCacheCap,
			MaxRetries:      DefaultMaxRetries,
		},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TUTOR_SIGNING_SECRET"); v != "" {
		cfg.SigningSecret = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("TUTOR_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("TUTOR_STATS_DB"); v != "" {
		cfg.Stats.DBPath = v
	}
}

// Validate enforces the required configuration surface. Called once at
// startup; a failure is fatal.
func (c *Config) Validate() error {
	if c.SigningSecret == "" {
		return ErrMissingSigningSecret
	}
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}
