// Package planner turns a goal string into a validated artifact graph. Three
// strategies share one contract: Sequential produces a linear chain,
// ContractFirst puts interface artifacts ahead of implementations, and
// Harmonic generates several candidate plans in parallel, scores them, and
// optionally refines the winner. Strategy selection is a configuration
// value, not runtime polymorphism; construct the planner you configured.
package planner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"sunwell.dev/sunwell/runtime/graph"
	"sunwell.dev/sunwell/runtime/hooks"
	"sunwell.dev/sunwell/runtime/model"
	"sunwell.dev/sunwell/runtime/telemetry"
)

// ErrPlanningFailed reports that no variance produced a valid plan. Callers
// may retry with a different variance strategy or fall back to the
// sequential planner.
var ErrPlanningFailed = errors.New("planner: no valid plan candidates")

// Strategy selects the planning algorithm.
type Strategy string

const (
	// StrategySequential produces a linear chain of artifacts.
	StrategySequential Strategy = "sequential"

	// StrategyContractFirst fronts interface artifacts before
	// implementations.
	StrategyContractFirst Strategy = "contract_first"

	// StrategyHarmonic generates candidates in parallel and selects by
	// score.
	StrategyHarmonic Strategy = "harmonic"
)

// Variance selects how harmonic candidates differ from each other.
type Variance string

const (
	// VariancePrompting varies the planner persona across candidates.
	VariancePrompting Variance = "prompting"

	// VarianceTemperature fixes the prompt and varies sampling temperature.
	VarianceTemperature Variance = "temperature"

	// VarianceTemplate substitutes a remembered plan template when one
	// matches the goal with high confidence, skipping generation entirely.
	VarianceTemplate Variance = "template"
)

// Scoring selects the candidate metric set.
type Scoring string

const (
	// ScoringV1 uses the structural metrics only.
	ScoringV1 Scoring = "v1"

	// ScoringV2 adds parallel work ratio, wave variance, keyword coverage
	// and convergence.
	ScoringV2 Scoring = "v2"

	// ScoringAuto picks v2 for keyword-rich goals, v1 otherwise.
	ScoringAuto Scoring = "auto"
)

const (
	// DefaultCandidates is the number of harmonic candidates generated when
	// the config does not say otherwise.
	DefaultCandidates = 3

	// DefaultMaxArtifacts caps the size of a single plan. Oversized
	// candidates are discarded.
	DefaultMaxArtifacts = 20

	// DefaultMaxTokens bounds plan generation output.
	DefaultMaxTokens = 4096

	// DefaultTemperature is the sampling temperature when variance does not
	// dictate one.
	DefaultTemperature float32 = 0.7

	// TemplateConfidenceThreshold is the minimum memory-template confidence
	// for the template fast path to bypass generation.
	TemplateConfidenceThreshold = 0.8
)

type (
	// Context carries the planning inputs beyond the goal string.
	Context struct {
		// SessionID keys all emitted events.
		SessionID string

		// ProjectSummary is prepended to the planning prompt when present.
		ProjectSummary string

		// Constraints are hard requirements the plan must respect, one per
		// line in the prompt.
		Constraints []string

		// ExternalInputs name inputs that exist before the run. Requires
		// entries naming them resolve without a producer.
		ExternalInputs []string
	}

	// Config parameterizes planner construction. Zero values select
	// defaults. The file form is YAML; see LoadConfig.
	Config struct {
		// Strategy selects the planning algorithm. Empty means sequential.
		Strategy Strategy `yaml:"strategy"`

		// Model is the provider-specific model identifier.
		Model string `yaml:"model"`

		// Candidates is the harmonic candidate count.
		Candidates int `yaml:"candidates"`

		// Variance selects the harmonic candidate variance mechanism.
		Variance Variance `yaml:"variance"`

		// Scoring selects the metric set.
		Scoring Scoring `yaml:"scoring"`

		// RefinementRounds is how many times the harmonic winner is
		// re-prompted with weakness feedback. Refinements are accepted only
		// on score improvement.
		RefinementRounds int `yaml:"refinement_rounds"`

		// MaxArtifacts caps plan size; larger candidates are discarded.
		MaxArtifacts int `yaml:"max_artifacts"`

		// MaxTokens bounds generation output.
		MaxTokens int `yaml:"max_tokens"`

		// Temperature is the sampling temperature outside temperature
		// variance.
		Temperature float32 `yaml:"temperature"`

		// Personas override the built-in persona hints for prompting
		// variance, cycled across candidates.
		Personas []string `yaml:"personas"`

		// Temperatures override the spread used by temperature variance,
		// cycled across candidates.
		Temperatures []float32 `yaml:"temperatures"`
	}

	// Planner is the shared planning contract.
	Planner interface {
		Plan(ctx context.Context, goal string, pctx Context) (*graph.Graph, error)
	}

	// Option customizes planner construction.
	Option func(*base)

	// base carries the ambient dependencies every strategy shares.
	base struct {
		client    model.Client
		cfg       Config
		bus       hooks.Bus
		log       telemetry.Logger
		metrics   telemetry.Metrics
		templates TemplateSource
		now       func() time.Time
	}
)

// WithBus sets the event bus.
func WithBus(b hooks.Bus) Option {
	return func(p *base) { p.bus = b }
}

// WithLogger sets the structured logger.
func WithLogger(log telemetry.Logger) Option {
	return func(p *base) { p.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(p *base) { p.metrics = m }
}

// WithTemplateSource sets the memory-backed template source consulted by
// template variance.
func WithTemplateSource(src TemplateSource) Option {
	return func(p *base) { p.templates = src }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *base) { p.now = now }
}

func newBase(client model.Client, cfg Config, opts ...Option) base {
	if cfg.Candidates <= 0 {
		cfg.Candidates = DefaultCandidates
	}
	if cfg.MaxArtifacts <= 0 {
		cfg.MaxArtifacts = DefaultMaxArtifacts
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.Variance == "" {
		cfg.Variance = VariancePrompting
	}
	if cfg.Scoring == "" {
		cfg.Scoring = ScoringAuto
	}
	b := base{
		client:  client,
		cfg:     cfg,
		bus:     hooks.NewBus(),
		log:     telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// New constructs the planner selected by cfg.Strategy.
func New(client model.Client, cfg Config, opts ...Option) (Planner, error) {
	switch cfg.Strategy {
	case StrategySequential, "":
		return NewSequential(client, cfg, opts...), nil
	case StrategyContractFirst:
		return NewContractFirst(client, cfg, opts...), nil
	case StrategyHarmonic:
		return NewHarmonic(client, cfg, opts...), nil
	default:
		return nil, fmt.Errorf("planner: unknown strategy %q", cfg.Strategy)
	}
}

// LoadConfig reads a YAML planner configuration file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("planner: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("planner: parse config %s: %w", path, err)
	}
	return cfg, nil
}
