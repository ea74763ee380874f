// Package queue carries verification traffic to and from the oracle over
// Redis lists.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"go-tweetescrow/model"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	RequestsKey = "tweetescrow:verification:requests"
	VerdictsKey = "tweetescrow:verification:verdicts"
	noncePrefix = "tweetescrow:nonce:"
)

type Redis struct {
	client *redis.Client
}

func NewRedis(ctx context.Context, addr string) (*Redis, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	err := client.Ping(ctx).Err()
	if err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", addr)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// RequestVerification pushes a request for the oracle.
func (r *Redis) RequestVerification(ctx context.Context, req model.VerificationRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrap(r.client.LPush(ctx, RequestsKey, data).Err(), "push verification request")
}

// EnqueueVerdict pushes an oracle verdict. The oracle side uses it to answer,
// the worker pool to retry a verdict it could not apply.
func (r *Redis) EnqueueVerdict(ctx context.Context, result model.VerificationResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrap(r.client.LPush(ctx, VerdictsKey, data).Err(), "push verdict")
}

// DequeueVerdict blocks up to blockFor for the next verdict. It returns nil
// and no error when the wait timed out.
func (r *Redis) DequeueVerdict(ctx context.Context, blockFor time.Duration) (*model.VerificationResult, error) {
	result, err := r.client.BRPop(ctx, blockFor, VerdictsKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "pop verdict")
	}

	if len(result) != 2 {
		return nil, errors.Errorf("unexpected BRPOP result: %v", result)
	}

	var verdict model.VerificationResult

	err = json.Unmarshal([]byte(result[1]), &verdict)
	if err != nil {
		return nil, errors.Wrapf(err, "decode verdict %q", result[1])
	}

	return &verdict, nil
}

// CancelRequests drops requests for taskID the oracle has not picked up yet
// and reports how many were removed.
func (r *Redis) CancelRequests(ctx context.Context, taskID int64) (int, error) {
	entries, err := r.client.LRange(ctx, RequestsKey, 0, -1).Result()
	if err != nil {
		return 0, errors.Wrap(err, "failed to fetch queue entries")
	}

	removed := 0
	for _, entry := range entries {
		var req model.VerificationRequest
		if err := json.Unmarshal([]byte(entry), &req); err != nil {
			continue
		}

		if req.TaskID == taskID {
			n, err := r.client.LRem(ctx, RequestsKey, 1, entry).Result()
			if err != nil {
				return removed, errors.Wrapf(err, "remove request for task %d", taskID)
			}
			removed += int(n)
		}
	}

	return removed, nil
}

// Claim records nonce for caller until ttl passes. It reports false when the
// pair is already recorded, so a signed request is accepted once across every
// API process sharing this Redis.
func (r *Redis) Claim(ctx context.Context, caller common.Address, nonce string, ttl time.Duration) (bool, error) {
	fresh, err := r.client.SetNX(ctx, noncePrefix+caller.Hex()+":"+nonce, 1, ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "claim nonce")
	}
	return fresh, nil
}
