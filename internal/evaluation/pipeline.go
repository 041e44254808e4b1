package evaluation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/claimrelay/internal/circuit"
	"github.com/austindbirch/claimrelay/internal/config"
	"github.com/austindbirch/claimrelay/internal/tracing"
)

// ErrFirmNotFound means the firm-data source answered but has no firm for the CRD number
var ErrFirmNotFound = errors.New("firm not found")

type FirmFetcher interface {
	FetchFirm(ctx context.Context, crdNumber string) (FirmData, error)
}

type RuleEvaluator interface {
	Evaluate(ctx context.Context, claim Claim, firm FirmData, mode Mode) (Report, error)
}

// Pipeline fetches firm data and evaluates it, each dependency behind its own breaker
type Pipeline struct {
	firms    FirmFetcher
	rules    RuleEvaluator
	breakers *circuit.Registry
	timeout  time.Duration
	now      func() time.Time
}

func NewPipeline(firms FirmFetcher, rules RuleEvaluator, breakers *circuit.Registry, timeout time.Duration) *Pipeline {
	return &Pipeline{firms: firms, rules: rules, breakers: breakers, timeout: timeout, now: time.Now}
}

// NewPipelineFromConfig reads firm data over HTTP and applies the remote evaluator when
// EvaluatorURL is set, the built-in rules otherwise
func NewPipelineFromConfig(cfg config.Evaluation, breakers *circuit.Registry) *Pipeline {
	var rules RuleEvaluator = NewLocalEvaluator()
	if cfg.EvaluatorURL != "" {
		rules = NewHTTPEvaluator(cfg.EvaluatorURL, cfg.Timeout)
	}
	return NewPipeline(NewHTTPFirmFetcher(cfg.FirmDataURL, cfg.Timeout), rules, breakers, cfg.Timeout)
}

// Evaluate runs the full pipeline for one claim. A firm the source does not know is not
// an error; it yields a non-compliant report.
func (p *Pipeline) Evaluate(ctx context.Context, claim Claim, mode Mode) (Report, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	ctx, span := tracing.StartSpan(ctx, "evaluation.pipeline",
		attribute.String("reference_id", claim.ReferenceID),
		attribute.String("mode", string(mode)),
	)
	defer span.End()

	firm, err := p.fetch(ctx, claim.CRDNumber)
	if errors.Is(err, ErrFirmNotFound) {
		tracing.AddSpanEvent(ctx, "evaluation.firm_not_found")
		return NotFoundReport(claim, mode, p.now()), nil
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Report{}, fmt.Errorf("fetch firm %s: %w", claim.CRDNumber, err)
	}

	var report Report
	err = p.breakers.Get(circuit.DependencyEvaluator).Execute(func() error {
		var evalErr error
		report, evalErr = p.rules.Evaluate(ctx, claim, firm, mode)
		return evalErr
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Report{}, fmt.Errorf("evaluate claim: %w", err)
	}
	tracing.AddSpanEvent(ctx, "evaluation.complete",
		attribute.Bool("overall_compliance", report.FinalEvaluation.OverallCompliance))
	return report, nil
}

func (p *Pipeline) fetch(ctx context.Context, crd string) (FirmData, error) {
	done, err := p.breakers.Get(circuit.DependencyFirmData).Allow()
	if err != nil {
		return FirmData{}, err
	}
	firm, err := p.firms.FetchFirm(ctx, crd)
	// a definitive "not found" means the dependency is healthy
	done(err == nil || errors.Is(err, ErrFirmNotFound))
	return firm, err
}
