// Package gates runs the validators that score a proposed handoff.
package gates

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"govline/internal/domain"
	"govline/internal/metrics"
)

const (
	ModeBlocking = "blocking"
	ModeAdvisory = "advisory"
)

// DegradedScore is the fixed outcome of a gate that errored, panicked or timed out.
const DegradedScore = 70

const defaultTimeout = 10 * time.Second

// Input is everything a gate may look at. Gates must not mutate state.
type Input struct {
	Directive   domain.Directive
	FromPhase   string
	ToPhase     string
	HandoffType string
	Narrative   domain.Narrative
}

type Gate interface {
	Name() string
	Mode() string
	// Weight is the gate's share of the composite. Zero counts as 1.
	Weight() float64
	Evaluate(ctx context.Context, in Input) (domain.GateResult, error)
}

type Result struct {
	OverallPassed bool                `json:"overall_passed"`
	Score         int                 `json:"score"`
	GateResults   []domain.GateResult `json:"gate_results"`
	Warnings      []string            `json:"warnings"`
}

type Pipeline struct {
	Gates   []Gate
	Timeout time.Duration
	Logger  *zap.Logger
}

func (p Pipeline) logger() *zap.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return zap.NewNop()
}

func (p Pipeline) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return defaultTimeout
}

// Evaluate runs every gate concurrently. A failing gate never fails the
// pipeline; it degrades to an advisory result instead. Results keep
// registration order.
func (p Pipeline) Evaluate(ctx context.Context, in Input) Result {
	results := make([]domain.GateResult, len(p.Gates))
	g, gctx := errgroup.WithContext(ctx)
	for i, gate := range p.Gates {
		g.Go(func() error {
			results[i] = p.run(gctx, gate, in)
			return nil
		})
	}
	_ = g.Wait()
	return Compose(results)
}

type outcome struct {
	res domain.GateResult
	err error
}

func (p Pipeline) run(ctx context.Context, gate Gate, in Input) domain.GateResult {
	start := time.Now()
	gctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := gate.Evaluate(gctx, in)
		ch <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-ch:
	case <-gctx.Done():
		out = outcome{err: gctx.Err()}
	}
	metrics.GateDuration.WithLabelValues(gate.Name()).Observe(time.Since(start).Seconds())

	if out.err != nil {
		return p.degrade(gate, in, out.err)
	}
	res := finish(gate, out.res)
	outcomeLabel := "passed"
	if !res.Passed {
		outcomeLabel = "failed"
	}
	metrics.GateEvaluations.WithLabelValues(gate.Name(), outcomeLabel).Inc()
	p.logger().Debug("gate evaluated",
		zap.String("gate", res.Name),
		zap.String("directive_id", in.Directive.ID),
		zap.Bool("passed", res.Passed),
		zap.Int("score", res.Score))
	return res
}

func (p Pipeline) degrade(gate Gate, in Input, cause error) domain.GateResult {
	err := domain.GateDegradedError{Gate: gate.Name(), Cause: cause}
	metrics.GateEvaluations.WithLabelValues(gate.Name(), "degraded").Inc()
	p.logger().Warn("gate degraded",
		zap.String("gate", gate.Name()),
		zap.String("directive_id", in.Directive.ID),
		zap.Error(cause))
	return domain.GateResult{
		Name:     gate.Name(),
		Mode:     ModeAdvisory,
		Passed:   true,
		Score:    DegradedScore,
		MaxScore: 100,
		Weight:   gate.Weight(),
		Degraded: true,
		Issues:   []string{},
		Warnings: []string{err.Error()},
	}
}

func finish(gate Gate, res domain.GateResult) domain.GateResult {
	res.Name = gate.Name()
	res.Mode = gate.Mode()
	res.Weight = gate.Weight()
	if res.MaxScore <= 0 {
		res.MaxScore = 100
	}
	if res.Issues == nil {
		res.Issues = []string{}
	}
	if res.Warnings == nil {
		res.Warnings = []string{}
	}
	if res.Mode == ModeAdvisory {
		res.Warnings = append(res.Warnings, res.Issues...)
		res.Issues = []string{}
		res.Passed = true
	}
	return res
}

// Compose folds gate results into the composite: the weighted mean of
// normalized scores, failing only when a blocking gate failed.
func Compose(results []domain.GateResult) Result {
	out := Result{OverallPassed: true, GateResults: results, Warnings: []string{}}
	if len(results) == 0 {
		out.Score = 100
		return out
	}
	var sum, total float64
	for _, r := range results {
		w := r.Weight
		if w <= 0 {
			w = 1
		}
		sum += w * float64(domain.NormalizedScore(r.Score, r.MaxScore))
		total += w
		if r.Mode == ModeBlocking && !r.Passed {
			out.OverallPassed = false
		}
		for _, msg := range r.Warnings {
			out.Warnings = append(out.Warnings, r.Name+": "+msg)
		}
	}
	out.Score = domain.ClampPercent(int(sum/total + 0.5))
	return out
}
