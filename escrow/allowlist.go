package escrow

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// AddToken makes token eligible as a reward currency for future tasks. It is
// owner-only and idempotent; the result reports whether token was new.
func (e *Engine) AddToken(ctx context.Context, caller, token common.Address) (bool, error) {
	if err := e.RequireOwner(caller); err != nil {
		return false, err
	}
	if token == (common.Address{}) {
		return false, errors.Wrap(ErrInvalidArgument, "zero token address")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	added, err := e.store.AddToken(ctx, token)
	if err != nil {
		return false, err
	}
	if added {
		logf("token %s added to allowlist", token.Hex())
	}
	return added, nil
}

// SeedTokens installs the initial allowlist at startup.
func (e *Engine) SeedTokens(ctx context.Context, tokens []common.Address) error {
	for _, token := range tokens {
		if _, err := e.AddToken(ctx, e.owner, token); err != nil {
			return errors.Wrapf(err, "seed token %s", token.Hex())
		}
	}
	return nil
}

// ListTokens returns the allowlist in insertion order.
func (e *Engine) ListTokens(ctx context.Context) ([]common.Address, error) {
	return e.store.ListTokens(ctx)
}
