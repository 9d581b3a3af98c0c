package generator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"timeweave/internal/scene"
	"timeweave/internal/store"
)

var tracer = otel.Tracer("timeweave/generator")

type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	JitterFactor   float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

type ResilientConfig struct {
	// Timeout bounds a single attempt. Zero means no per-attempt timeout.
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Retry             RetryConfig
}

// Resilient wraps a Generator with a shared rate limit, per-attempt timeouts and retry with
// jittered exponential backoff. Every failure it returns matches ErrGeneratorFailure.
type Resilient struct {
	next    Generator
	limiter *rate.Limiter
	cfg     ResilientConfig
	logger  *zap.Logger
}

var _ Generator = (*Resilient)(nil)

func NewResilient(next Generator, cfg ResilientConfig, logger *zap.Logger) *Resilient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retry.BackoffFactor < 1 {
		cfg.Retry.BackoffFactor = 1
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := max(cfg.Burst, 1)
	return &Resilient{next: next, limiter: rate.NewLimiter(limit, burst), cfg: cfg, logger: logger}
}

func call[T any](ctx context.Context, r *Resilient, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, "generator."+op)
	defer span.End()

	attempts := 0
	out, err := backoff.Retry(ctx, func() (T, error) {
		if err := r.limiter.Wait(ctx); err != nil {
			var zero T
			return zero, backoff.Permanent(err)
		}
		attempts++
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		}
		defer cancel()
		return fn(attemptCtx)
	},
		backoff.WithBackOff(r.backOff()),
		backoff.WithMaxTries(uint(r.cfg.Retry.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Debug("generator attempt failed",
				zap.String("op", op),
				zap.Int("attempt", attempts),
				zap.Duration("wait", wait),
				zap.Error(err))
		}),
	)
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err == nil {
		return out, nil
	}

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		r.logger.Warn("generator timed out", zap.String("op", op), zap.Duration("timeout", r.cfg.Timeout))
	}
	var zero T
	return zero, r.failed(span, op, err)
}

// backOff is built per call; ExponentialBackOff keeps state between attempts.
func (r *Resilient) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.Retry.InitialBackoff
	b.MaxInterval = max(r.cfg.Retry.MaxBackoff, r.cfg.Retry.InitialBackoff)
	b.Multiplier = r.cfg.Retry.BackoffFactor
	b.RandomizationFactor = max(r.cfg.Retry.JitterFactor, 0)
	return b
}

func (r *Resilient) failed(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return fail(op, err)
}

func (r *Resilient) GenerateEntityDetail(ctx context.Context, req DetailRequest) (*Detail, error) {
	return call(ctx, r, "generate_entity_detail", func(ctx context.Context) (*Detail, error) {
		return r.next.GenerateEntityDetail(ctx, req)
	})
}

func (r *Resilient) GenerateSceneSpecification(ctx context.Context, prompt string, hints map[string]string) (*scene.Specification, error) {
	return call(ctx, r, "generate_scene_specification", func(ctx context.Context) (*scene.Specification, error) {
		return r.next.GenerateSceneSpecification(ctx, prompt, hints)
	})
}

func (r *Resilient) ScoreAntecedentPlausibility(ctx context.Context, candidate, target *store.Timepoint) (float64, error) {
	return call(ctx, r, "score_antecedent_plausibility", func(ctx context.Context) (float64, error) {
		return r.next.ScoreAntecedentPlausibility(ctx, candidate, target)
	})
}

func (r *Resilient) SynthesizeInteraction(ctx context.Context, entities []*store.Entity, tp *store.Timepoint, hints map[string]string) (*Interaction, error) {
	return call(ctx, r, "synthesize_interaction", func(ctx context.Context) (*Interaction, error) {
		return r.next.SynthesizeInteraction(ctx, entities, tp, hints)
	})
}

func (r *Resilient) ProposeAntecedents(ctx context.Context, of, target *store.Timepoint, n int) ([]Antecedent, error) {
	return call(ctx, r, "propose_antecedents", func(ctx context.Context) ([]Antecedent, error) {
		return r.next.ProposeAntecedents(ctx, of, target, n)
	})
}
