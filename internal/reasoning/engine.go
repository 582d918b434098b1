package reasoning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// ModelSet names the concrete model for each tier plus the fallback
// used when a tier is exhausted.
type ModelSet struct {
	Fast     string
	Capable  string
	Fallback string
}

// Engine wraps a Client with tier routing and bounded retry. The
// agent loop talks to an Engine, never to a provider directly.
type Engine struct {
	client Client
	router *Router
	models ModelSet
	logger *slog.Logger

	maxAttempts int
	baseDelay   time.Duration
}

// NewEngine creates an engine over the given client.
func NewEngine(client Client, router *Router, models ModelSet, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		client:      client,
		router:      router,
		models:      models,
		logger:      logger,
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
	}
}

// ModelFor resolves a tier to its configured model name.
func (e *Engine) ModelFor(tier Tier) string {
	if tier == TierFast {
		return e.models.Fast
	}
	return e.models.Capable
}

// RouteModel classifies the query and returns the model to use.
func (e *Engine) RouteModel(query string, needsTools bool) string {
	tier, _ := e.router.Route(query, needsTools)
	return e.ModelFor(tier)
}

// Complete sends a chat request with retry. Transient failures are
// retried with exponential backoff and jitter; after the attempts are
// exhausted the fallback model gets one shot. Auth failures and
// malformed requests abort immediately.
func (e *Engine) Complete(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	resp, err := e.attemptWithRetry(ctx, model, messages, tools, callback)
	if err == nil {
		return resp, nil
	}
	if isFatal(err) || ctx.Err() != nil {
		return nil, err
	}

	if e.models.Fallback == "" || e.models.Fallback == model {
		return nil, err
	}

	e.logger.Warn("falling back",
		"model", model,
		"fallback", e.models.Fallback,
		"error", err,
	)
	resp, fbErr := e.client.ChatStream(ctx, e.models.Fallback, messages, tools, callback)
	if fbErr != nil {
		// Report the original failure; the fallback error joins it.
		return nil, errors.Join(err, fbErr)
	}
	return resp, nil
}

func (e *Engine) attemptWithRetry(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	var lastErr error

	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := e.backoff(attempt)
			e.logger.Debug("retrying completion",
				"model", model,
				"attempt", attempt+1,
				"delay", delay,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := e.client.ChatStream(ctx, model, messages, tools, callback)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if isFatal(err) {
			return nil, err
		}
		if !isRetryable(err) {
			return nil, err
		}
		// A stream that died mid-flight may have emitted tokens
		// already; callers persist partial text themselves.
	}
	return nil, fmt.Errorf("completion failed after %d attempts: %w", e.maxAttempts, lastErr)
}

// backoff returns the delay before the given attempt, exponential with
// up to 25% jitter.
func (e *Engine) backoff(attempt int) time.Duration {
	delay := e.baseDelay << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(delay / 4)))
	return delay + jitter
}

// Ping checks the underlying client.
func (e *Engine) Ping(ctx context.Context) error {
	return e.client.Ping(ctx)
}

func isFatal(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Fatal()
	}
	return false
}

func isRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	// Network-level failures without a status code are worth a retry.
	return true
}
