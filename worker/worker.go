// Package worker applies oracle verdicts taken from the verdict queue.
package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"go-tweetescrow/model"
	"go-tweetescrow/verification"

	"github.com/pkg/errors"
)

const (
	MaxRetries = 3
	blockFor   = 2 * time.Second
)

type VerdictSource interface {
	DequeueVerdict(ctx context.Context, blockFor time.Duration) (*model.VerificationResult, error)
	EnqueueVerdict(ctx context.Context, result model.VerificationResult) error
}

type Resolver interface {
	Resolve(ctx context.Context, correlationToken string, verdict model.Verdict) (*model.Task, error)
}

type Pool struct {
	source   VerdictSource
	resolver Resolver
	backoff  func(attempt int) time.Duration
}

func NewPool(source VerdictSource, resolver Resolver) *Pool {
	return &Pool{
		source:   source,
		resolver: resolver,
		backoff:  Backoff,
	}
}

// Backoff doubles the delay with every attempt, starting at 2s.
func Backoff(attempt int) time.Duration {
	return time.Second * time.Duration(1<<attempt)
}

func (p *Pool) Start(ctx context.Context, workerCount int, wg *sync.WaitGroup) {
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					log.Printf("[worker %d] shutting down", id)
					return
				default:
					result, err := p.source.DequeueVerdict(ctx, blockFor)
					if err != nil {
						if ctx.Err() != nil {
							continue
						}
						log.Printf("[worker %d] dequeue error: %v", id, err)
						continue
					}
					if result == nil {
						continue
					}

					p.process(ctx, id, result)
				}
			}
		}(i + 1)
	}
}

func (p *Pool) process(ctx context.Context, id int, result *model.VerificationResult) {
	task, err := p.resolver.Resolve(ctx, result.CorrelationToken, result.Verdict)
	switch {
	case err == nil:
		log.Printf("[worker %d] verdict %s applied to task %d (now %s)", id, result.CorrelationToken, task.ID, task.Status)
	case permanent(err):
		log.Printf("[worker %d] dropping verdict %s: %v", id, result.CorrelationToken, err)
	case result.Attempt < MaxRetries:
		result.Attempt++
		delay := p.backoff(result.Attempt)
		log.Printf("[worker %d] Retrying verdict %s in %v (attempt %d): %v", id, result.CorrelationToken, delay, result.Attempt, err)

		retry := *result
		time.AfterFunc(delay, func() {
			if err := p.source.EnqueueVerdict(context.Background(), retry); err != nil {
				log.Printf("[worker %d] Failed to re-enqueue verdict %s: %v", id, retry.CorrelationToken, err)
			}
		})
	default:
		log.Printf("[worker %d] verdict %s failed after %d retries: %v", id, result.CorrelationToken, result.Attempt, err)
	}
}

// permanent reports errors that a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, verification.ErrAlreadyResolved) ||
		errors.Is(err, verification.ErrUnknownCorrelation) ||
		errors.Is(err, verification.ErrInvalidVerdict)
}
