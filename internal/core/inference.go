package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"lexivion.com/docsearch/internal/apperr"
)

// InferencePool runs model calls with bounded concurrency, an optional rate
// limit and a per-call timeout. Calls are never retried here.
type InferencePool struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	timeout time.Duration
}

// NewInferencePool returns a pool of workers slots. perSecond <= 0 disables
// rate limiting, timeout <= 0 disables the per-call deadline.
func NewInferencePool(workers int, timeout time.Duration, perSecond float64) *InferencePool {
	if workers <= 0 {
		workers = 1
	}
	p := &InferencePool{
		sem:     semaphore.NewWeighted(int64(workers)),
		timeout: timeout,
	}
	if perSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), max(1, int(perSecond)))
	}
	return p
}

// Do runs fn on a pool slot. A call that outlives the timeout returns a
// transient error immediately; fn keeps its slot until it actually returns.
func (p *InferencePool) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if p.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}

	done := make(chan error, 1)
	go func() {
		defer p.sem.Release(1)
		if p.limiter != nil {
			if err := p.limiter.Wait(callCtx); err != nil {
				done <- err
				return
			}
		}
		done <- fn(callCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		err = callCtx.Err()
	}
	cancel()

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		// The caller gave up; that is not an upstream failure.
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		log.Printf("Inference call %s timed out after %s", op, p.timeout)
		return apperr.Transient(op, fmt.Errorf("timed out after %s: %w", p.timeout, err))
	case apperr.KindOf(err) != apperr.KindInternal:
		return err
	default:
		return apperr.Transient(op, err)
	}
}

// embedBatchSize is the largest batch sent in one embedding request.
const embedBatchSize = 100

// EmbedAll embeds texts in batches on the pool and returns the vectors in
// input order. Every vector must have length dim.
func EmbedAll(ctx context.Context, pool *InferencePool, embedder TextEmbedder, texts []string, dim int) ([][]float32, error) {
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(texts); start += embedBatchSize {
		end := min(start+embedBatchSize, len(texts))
		g.Go(func() error {
			var vecs [][]float32
			err := pool.Do(gctx, "embed text", func(ctx context.Context) error {
				var err error
				vecs, err = embedder.EmbedTexts(ctx, texts[start:end])
				return err
			})
			if err != nil {
				return err
			}
			if len(vecs) != end-start {
				return fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), end-start)
			}
			for i, v := range vecs {
				if len(v) != dim {
					return apperr.DimensionMismatch("embed text", dim, len(v))
				}
				out[start+i] = v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
