package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"go-tweetescrow/model"
	"go-tweetescrow/verification"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSource struct {
	ch chan model.VerificationResult
}

func newChanSource() *chanSource {
	return &chanSource{ch: make(chan model.VerificationResult, 16)}
}

func (s *chanSource) DequeueVerdict(ctx context.Context, blockFor time.Duration) (*model.VerificationResult, error) {
	select {
	case r := <-s.ch:
		return &r, nil
	case <-time.After(blockFor):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *chanSource) EnqueueVerdict(_ context.Context, r model.VerificationResult) error {
	s.ch <- r
	return nil
}

type scriptedResolver struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	// failures is how many leading calls fail with fail[token]; zero means always.
	failures int
}

func (r *scriptedResolver) Resolve(_ context.Context, token string, _ model.Verdict) (*model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[token]++
	if err, ok := r.fail[token]; ok && (r.failures == 0 || r.calls[token] <= r.failures) {
		return nil, err
	}
	return &model.Task{ID: 1, Status: model.StatusFulfilled}, nil
}

func (r *scriptedResolver) count(token string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[token]
}

func runPool(t *testing.T, source VerdictSource, resolver Resolver) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	p := NewPool(source, resolver)
	p.backoff = func(int) time.Duration { return time.Millisecond }
	p.Start(ctx, 2, &wg)

	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func TestWorkerAppliesVerdict(t *testing.T) {
	source := newChanSource()
	resolver := &scriptedResolver{calls: map[string]int{}, fail: map[string]error{}}
	runPool(t, source, resolver)

	require.NoError(t, source.EnqueueVerdict(context.Background(), model.VerificationResult{CorrelationToken: "a", Verdict: model.VerdictVerified}))

	require.Eventually(t, func() bool { return resolver.count("a") == 1 }, time.Second, 5*time.Millisecond)
}

func TestWorkerRetriesTransientErrors(t *testing.T) {
	source := newChanSource()
	resolver := &scriptedResolver{
		calls:    map[string]int{},
		fail:     map[string]error{"a": errors.New("database unavailable")},
		failures: 2,
	}
	runPool(t, source, resolver)

	require.NoError(t, source.EnqueueVerdict(context.Background(), model.VerificationResult{CorrelationToken: "a", Verdict: model.VerdictVerified}))

	require.Eventually(t, func() bool { return resolver.count("a") == 3 }, time.Second, 5*time.Millisecond)
}

func TestWorkerGivesUpAfterMaxRetries(t *testing.T) {
	source := newChanSource()
	resolver := &scriptedResolver{
		calls: map[string]int{},
		fail:  map[string]error{"a": errors.New("database unavailable")},
	}
	runPool(t, source, resolver)

	require.NoError(t, source.EnqueueVerdict(context.Background(), model.VerificationResult{CorrelationToken: "a", Verdict: model.VerdictVerified}))

	require.Eventually(t, func() bool { return resolver.count("a") == MaxRetries+1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, MaxRetries+1, resolver.count("a"))
}

func TestWorkerDropsPermanentErrors(t *testing.T) {
	source := newChanSource()
	resolver := &scriptedResolver{
		calls: map[string]int{},
		fail: map[string]error{
			"dup":     errors.Wrap(verification.ErrAlreadyResolved, "dup"),
			"unknown": verification.ErrUnknownCorrelation,
		},
	}
	runPool(t, source, resolver)

	ctx := context.Background()
	require.NoError(t, source.EnqueueVerdict(ctx, model.VerificationResult{CorrelationToken: "dup", Verdict: model.VerdictVerified}))
	require.NoError(t, source.EnqueueVerdict(ctx, model.VerificationResult{CorrelationToken: "unknown", Verdict: model.VerdictVerified}))

	require.Eventually(t, func() bool {
		return resolver.count("dup") == 1 && resolver.count("unknown") == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, resolver.count("dup"))
	assert.Equal(t, 1, resolver.count("unknown"))
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, Backoff(1))
	assert.Equal(t, 8*time.Second, Backoff(3))
}
