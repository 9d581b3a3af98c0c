package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"timeweave/internal/store"
)

type ProjectConfig struct {
	Project    string           `yaml:"project"`
	Version    int              `yaml:"version"`
	Database   DatabaseConfig   `yaml:"database"`
	Resolution ResolutionConfig `yaml:"resolution"`
	Temporal   TemporalConfig   `yaml:"temporal"`
	Portal     PortalConfig     `yaml:"portal"`
	Generator  GeneratorConfig  `yaml:"generator"`
	Query      QueryConfig      `yaml:"query"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type DatabaseConfig struct {
	// DSN selects the backend by scheme: memory://, sqlite://, postgres:// or badger://.
	DSN string `yaml:"dsn"`
}

type ResolutionConfig struct {
	FrequentAccessThreshold int     `yaml:"frequent_access_threshold"`
	CentralNodeThreshold    float64 `yaml:"central_node_threshold"`
	CriticalEventThreshold  float64 `yaml:"critical_event_threshold"`
	GraphKnowledgeLimit     int     `yaml:"graph_knowledge_limit"`
	Parallelism             int     `yaml:"parallelism"`
	VectorDims              int     `yaml:"vector_dims"`
}

type TemporalConfig struct {
	Mode                  string       `yaml:"mode"`
	NarrativeArc          NarrativeArc `yaml:"narrative_arc"`
	DramaticTension       float64      `yaml:"dramatic_tension"`
	PlannedTimepoints     int          `yaml:"planned_timepoints"`
	CycleLength           int          `yaml:"cycle_length"`
	ProphecyAccuracy      float64      `yaml:"prophecy_accuracy"`
	EnableCounterfactuals *bool        `yaml:"enable_counterfactuals"`
}

// NarrativeArc holds the fractional progress at which each act ends.
type NarrativeArc struct {
	Setup   float64 `yaml:"setup"`
	Rising  float64 `yaml:"rising"`
	Climax  float64 `yaml:"climax"`
	Falling float64 `yaml:"falling"`
}

type PortalConfig struct {
	MaxDepth          int           `yaml:"max_depth"`
	BeamWidth         int           `yaml:"beam_width"`
	MaxExpansions     int           `yaml:"max_expansions"`
	CandidatesPerNode int           `yaml:"candidates_per_node"`
	MinPlausibility   float64       `yaml:"min_plausibility"`
	TimeLimit         time.Duration `yaml:"time_limit"`
}

type GeneratorConfig struct {
	Provider          string        `yaml:"provider"`
	Model             string        `yaml:"model"`
	BaseURL           string        `yaml:"base_url"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
}

type QueryConfig struct {
	// CacheEntries bounds the result cache. A negative value disables it.
	CacheEntries int64         `yaml:"cache_entries"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// CounterfactualsEnabled reports whether timelines may be branched. It defaults to true.
func (t TemporalConfig) CounterfactualsEnabled() bool {
	return t.EnableCounterfactuals == nil || *t.EnableCounterfactuals
}

// APIKey reads the generator key from the configured environment variable.
func (g GeneratorConfig) APIKey() string {
	return os.Getenv(g.APIKeyEnv)
}

func LoadProjectConfig(path string) (*ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	var cfg ProjectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyDefaults(&cfg)
	if err := validateProjectConfig(&cfg); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *ProjectConfig) {
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "sqlite://timeweave.db"
	}

	r := &cfg.Resolution
	if r.FrequentAccessThreshold == 0 {
		r.FrequentAccessThreshold = 5
	}
	if r.CentralNodeThreshold == 0 {
		r.CentralNodeThreshold = 0.6
	}
	if r.CriticalEventThreshold == 0 {
		r.CriticalEventThreshold = 0.7
	}
	if r.GraphKnowledgeLimit == 0 {
		r.GraphKnowledgeLimit = 12
	}
	if r.Parallelism == 0 {
		r.Parallelism = 4
	}
	if r.VectorDims == 0 {
		r.VectorDims = 16
	}

	t := &cfg.Temporal
	if t.Mode == "" {
		t.Mode = string(store.ModePearl)
	}
	if t.NarrativeArc == (NarrativeArc{}) {
		t.NarrativeArc = NarrativeArc{Setup: 0.2, Rising: 0.5, Climax: 0.7, Falling: 0.85}
	}
	if t.DramaticTension == 0 {
		t.DramaticTension = 0.5
	}
	if t.PlannedTimepoints == 0 {
		t.PlannedTimepoints = 10
	}
	if t.ProphecyAccuracy == 0 {
		t.ProphecyAccuracy = 0.5
	}

	p := &cfg.Portal
	if p.MaxDepth == 0 {
		p.MaxDepth = 4
	}
	if p.BeamWidth == 0 {
		p.BeamWidth = 3
	}
	if p.MaxExpansions == 0 {
		p.MaxExpansions = 40
	}
	if p.CandidatesPerNode == 0 {
		p.CandidatesPerNode = 3
	}
	if p.MinPlausibility == 0 {
		p.MinPlausibility = 0.3
	}

	g := &cfg.Generator
	if g.Provider == "" {
		g.Provider = "openai"
	}
	if g.APIKeyEnv == "" {
		switch strings.ToLower(g.Provider) {
		case "gemini":
			g.APIKeyEnv = "GEMINI_API_KEY"
		default:
			g.APIKeyEnv = "OPENAI_API_KEY"
		}
	}
	if g.Timeout == 0 {
		g.Timeout = 60 * time.Second
	}
	if g.RequestsPerSecond == 0 {
		g.RequestsPerSecond = 2
	}
	if g.Burst == 0 {
		g.Burst = 4
	}
	if g.MaxAttempts == 0 {
		g.MaxAttempts = 3
	}
	if g.InitialBackoff == 0 {
		g.InitialBackoff = 500 * time.Millisecond
	}

	if cfg.Query.CacheEntries == 0 {
		cfg.Query.CacheEntries = 1024
	}
	if cfg.Query.CacheTTL == 0 {
		cfg.Query.CacheTTL = 30 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
}

func validateProjectConfig(cfg *ProjectConfig) error {
	if strings.TrimSpace(cfg.Project) == "" {
		return fmt.Errorf("project name is required")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported version: %d", cfg.Version)
	}

	if _, err := store.ParseDSN(cfg.Database.DSN); err != nil {
		return err
	}

	r := cfg.Resolution
	if r.FrequentAccessThreshold < 0 {
		return fmt.Errorf("resolution frequent_access_threshold must not be negative")
	}
	for name, v := range map[string]float64{
		"central_node_threshold":   r.CentralNodeThreshold,
		"critical_event_threshold": r.CriticalEventThreshold,
		"dramatic_tension":         cfg.Temporal.DramaticTension,
		"prophecy_accuracy":        cfg.Temporal.ProphecyAccuracy,
		"min_plausibility":         cfg.Portal.MinPlausibility,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0, 1], got %v", name, v)
		}
	}
	if r.Parallelism < 1 {
		return fmt.Errorf("resolution parallelism must be positive")
	}
	if r.VectorDims < 1 {
		return fmt.Errorf("resolution vector_dims must be positive")
	}

	if _, err := store.ParseTemporalMode(cfg.Temporal.Mode); err != nil {
		return err
	}
	a := cfg.Temporal.NarrativeArc
	if !(0 < a.Setup && a.Setup < a.Rising && a.Rising < a.Climax && a.Climax < a.Falling && a.Falling < 1) {
		return fmt.Errorf("narrative_arc boundaries must increase strictly within (0, 1)")
	}
	if cfg.Temporal.CycleLength < 0 {
		return fmt.Errorf("temporal cycle_length must not be negative")
	}

	p := cfg.Portal
	if p.MaxDepth < 1 || p.BeamWidth < 1 || p.MaxExpansions < 1 || p.CandidatesPerNode < 1 {
		return fmt.Errorf("portal search bounds must be positive")
	}

	switch strings.ToLower(cfg.Generator.Provider) {
	case "openai", "gemini":
	default:
		return fmt.Errorf("unknown generator provider: %s", cfg.Generator.Provider)
	}
	if cfg.Generator.MaxAttempts < 1 {
		return fmt.Errorf("generator max_attempts must be positive")
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("unknown logging format: %s", cfg.Logging.Format)
	}

	return nil
}
