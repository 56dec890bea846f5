// Package recovery classifies failures into the error taxonomy and supplies
// the retry machinery (strategies, jittered backoff) the executor's recovery
// loop runs on. Classification is by error kind, not concrete type: any error
// in the chain exposing ErrorKind() string participates.
package recovery

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Strategy is a recovery decision for a failed operation.
type Strategy string

const (
	// StrategyRetry repeats the same operation after backoff.
	StrategyRetry Strategy = "retry"

	// StrategyRetryDifferent repeats with a changed approach (different
	// model, prompt, or tool).
	StrategyRetryDifferent Strategy = "retry_different"

	// StrategyEscalate hands the failure to the caller or operator.
	StrategyEscalate Strategy = "escalate"

	// StrategyAbort stops work on the artifact; dependents are skipped.
	StrategyAbort Strategy = "abort"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRetry, StrategyRetryDifferent, StrategyEscalate, StrategyAbort:
		return true
	}
	return false
}

// Category is the top-level error taxonomy bucket. It decides the
// propagation policy: structural errors fail fast, execution errors enter
// the recovery loop, data errors are logged and skipped, cancellations are
// expected flow.
type Category string

const (
	// CategoryStructural covers graph construction defects: duplicate IDs,
	// cycles, dangling dependencies, file conflicts. No retry is sensible.
	CategoryStructural Category = "structural"

	// CategoryLimit covers depth and concurrency limit violations; callers
	// recover by reducing fan-out or waiting.
	CategoryLimit Category = "limit"

	// CategoryExecution covers tool, model and validation failures
	// recoverable via the reasoner.
	CategoryExecution Category = "execution"

	// CategoryData covers corrupt cache rows, malformed journal entries and
	// unreadable persistence files. Logged, then execution continues.
	CategoryData Category = "data"

	// CategoryCancellation covers operations stopped via their cancellation
	// token. Not logged as errors.
	CategoryCancellation Category = "cancellation"
)

// DefaultMaxFixAttempts bounds the validation auto-fix loop before an
// artifact is marked failed.
const DefaultMaxFixAttempts = 3

// kinder is implemented by every typed error in the codebase.
type kinder interface {
	error
	ErrorKind() string
}

// Kind extracts the stable error kind from anywhere in the chain, or ""
// when no typed error is present.
func Kind(err error) string {
	var k kinder
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return ""
}

// Classify maps an error chain onto its taxonomy category. Unknown errors
// classify as execution errors so they enter the recovery loop rather than
// being silently dropped.
func Classify(err error) Category {
	if err == nil {
		return CategoryExecution
	}
	if errors.Is(err, context.Canceled) {
		return CategoryCancellation
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryExecution
	}
	switch Kind(err) {
	case "duplicate_artifact_id", "invalid_artifact", "cycle_detected",
		"dangling_dependency", "file_conflict":
		return CategoryStructural
	case "spawn_depth_exceeded", "concurrency_limit_exceeded":
		return CategoryLimit
	case "malformed_entry", "corrupt_entry", "snapshot_unreadable":
		return CategoryData
	}
	return CategoryExecution
}

// DefaultStrategy is the rule-based strategy per category, used by the
// reasoner fallback when no model decision is available.
func DefaultStrategy(cat Category) Strategy {
	switch cat {
	case CategoryStructural, CategoryCancellation:
		return StrategyAbort
	case CategoryLimit, CategoryData:
		return StrategyEscalate
	default:
		return StrategyRetry
	}
}

// Backoff computes full-jitter exponential delays: each attempt draws
// uniformly from [0, min(Cap, Base*Multiplier^attempt)). Full jitter
// decorrelates retry storms across parallel subagents.
type Backoff struct {
	// Base is the attempt-zero ceiling.
	Base time.Duration
	// Cap bounds the ceiling growth.
	Cap time.Duration
	// Multiplier is the per-attempt growth factor.
	Multiplier float64

	// rng overrides the random source, for tests.
	rng func(n int64) int64
}

// DefaultBackoff returns the standard executor retry curve: 500ms base,
// 30s cap, doubling.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       500 * time.Millisecond,
		Cap:        30 * time.Second,
		Multiplier: 2,
	}
}

// Delay returns the jittered delay for the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	cap := b.Cap
	if cap <= 0 {
		cap = 30 * time.Second
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	ceiling := float64(base)
	for i := 0; i < attempt; i++ {
		ceiling *= mult
		if ceiling >= float64(cap) {
			ceiling = float64(cap)
			break
		}
	}
	n := int64(ceiling)
	if n <= 0 {
		return 0
	}
	draw := b.rng
	if draw == nil {
		draw = rand.Int64N
	}
	return time.Duration(draw(n))
}

// Sleep waits out the jittered delay for the attempt, returning early with
// the context error on cancellation.
func (b Backoff) Sleep(ctx context.Context, attempt int) error {
	d := b.Delay(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
