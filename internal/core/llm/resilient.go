package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/markdave123-py/Lexa/internal/core"
)

// RetryPolicy bounds every call to an external model backend.
type RetryPolicy struct {
	Attempts  int           // total tries, including the first
	BaseDelay time.Duration // delay before the second try, doubled afterwards
	MaxDelay  time.Duration
	Timeout   time.Duration // per try
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 200 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	return p
}

// delay is the wait before retry number attempt (0-based), exponential and capped.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// call runs fn under the policy. Failures matching unavailable, or a per-try
// timeout, are retried; timeouts are reported as unavailable. Cancellation of
// ctx itself stops immediately.
func call(ctx context.Context, p RetryPolicy, logger *slog.Logger, op string, unavailable error, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(p.delay(attempt - 1))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		tryCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		err := fn(tryCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, unavailable) {
			err = fmt.Errorf("%w: %s timed out: %w", unavailable, op, err)
		}
		if !errors.Is(err, unavailable) {
			return err
		}

		lastErr = err
		logger.Warn("model backend call failed", "op", op, "attempt", attempt+1, "max_attempts", p.Attempts, "error", err)
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, p.Attempts, lastErr)
}

// ResilientEmbedder decorates an EmbeddingProvider with per-call timeouts,
// bounded retries, an optional rate limit and output validation.
type ResilientEmbedder struct {
	inner   core.EmbeddingProvider
	policy  RetryPolicy
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewResilientEmbedder wraps inner. A nil limiter disables rate limiting.
func NewResilientEmbedder(inner core.EmbeddingProvider, policy RetryPolicy, limiter *rate.Limiter, logger *slog.Logger) *ResilientEmbedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResilientEmbedder{inner: inner, policy: policy.withDefaults(), limiter: limiter, logger: logger}
}

// NewLimiter builds a limiter allowing rps requests per second. rps <= 0 means no limit.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	burst := max(1, int(rps))
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func (r *ResilientEmbedder) Dimensions() int { return r.inner.Dimensions() }

func (r *ResilientEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var out [][]float32
	err := call(ctx, r.policy, r.logger, "embed", core.ErrEmbeddingUnavailable, func(ctx context.Context) error {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%w: rate limit wait: %w", core.ErrEmbeddingUnavailable, err)
			}
		}
		vecs, err := r.inner.EmbedTexts(ctx, texts)
		if err != nil {
			return err
		}
		if len(vecs) != len(texts) {
			return fmt.Errorf("%w: got %d vectors for %d texts", core.ErrEmbeddingUnavailable, len(vecs), len(texts))
		}
		out = vecs
		return nil
	})
	if err != nil {
		return nil, err
	}

	want := r.inner.Dimensions()
	for _, v := range out {
		if len(v) != want {
			return nil, core.DimensionError(want, len(v))
		}
	}
	return out, nil
}

// ResilientLLM decorates an LLMProvider with per-call timeouts and bounded retries.
type ResilientLLM struct {
	inner  core.LLMProvider
	policy RetryPolicy
	logger *slog.Logger
}

func NewResilientLLM(inner core.LLMProvider, policy RetryPolicy, logger *slog.Logger) *ResilientLLM {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResilientLLM{inner: inner, policy: policy.withDefaults(), logger: logger}
}

func (r *ResilientLLM) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var answer string
	err := call(ctx, r.policy, r.logger, "generate", core.ErrGenerationFailure, func(ctx context.Context) error {
		out, err := r.inner.Generate(ctx, systemPrompt, userPrompt)
		if err != nil {
			return err
		}
		answer = out
		return nil
	})
	return answer, err
}

var (
	_ core.EmbeddingProvider = (*ResilientEmbedder)(nil)
	_ core.LLMProvider       = (*ResilientLLM)(nil)
)
