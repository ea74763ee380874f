package escrow

import (
	"context"

	"go-tweetescrow/model"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Custody is the amount of token held for pending tasks plus collected fees.
func (e *Engine) Custody(ctx context.Context, token common.Address) (*uint256.Int, error) {
	b, err := e.store.Balances(ctx, token)
	if err != nil {
		return nil, err
	}
	return b.Custody, nil
}

// ProtocolBalance is the sum of fees of settled tasks in token. A fee is
// deposited with the reward but only counts once its task is withdrawn or
// refunded; it is never returned to the sponsor.
func (e *Engine) ProtocolBalance(ctx context.Context, token common.Address) (*uint256.Int, error) {
	b, err := e.store.Balances(ctx, token)
	if err != nil {
		return nil, err
	}
	return b.Protocol, nil
}

func (e *Engine) Balances(ctx context.Context, token common.Address) (model.Balances, error) {
	return e.store.Balances(ctx, token)
}

type Reconciliation struct {
	Token     common.Address
	Journal   *uint256.Int
	OnLedger  *uint256.Int
	Shortfall bool
}

// Reconcile compares the custody journal with what the asset ledger reports
// for the custody account. Surplus is tolerated, a shortfall is logged.
func (e *Engine) Reconcile(ctx context.Context, token common.Address) (Reconciliation, error) {
	b, err := e.store.Balances(ctx, token)
	if err != nil {
		return Reconciliation{}, err
	}
	onLedger, err := e.assets.BalanceOf(ctx, token, e.assets.Custody())
	if err != nil {
		return Reconciliation{}, err
	}
	r := Reconciliation{
		Token:     token,
		Journal:   b.Custody,
		OnLedger:  onLedger,
		Shortfall: onLedger.Lt(b.Custody),
	}
	if r.Shortfall {
		logf("custody shortfall for %s: journal=%s ledger=%s", token.Hex(), b.Custody.Dec(), onLedger.Dec())
	}
	return r, nil
}
