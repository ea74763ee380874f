// Package ledger adapts fungible-asset ledgers (ERC-20 style) to the escrow
// engine. The engine only sees the AssetLedger interface.
package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrReverted              = errors.New("transaction reverted")
)

// AssetLedger is bound to a custody account: TransferFrom pulls into it using
// an allowance granted by holder, Transfer pays out of it.
type AssetLedger interface {
	TransferFrom(ctx context.Context, token, holder, dest common.Address, amount *uint256.Int) error
	Transfer(ctx context.Context, token, dest common.Address, amount *uint256.Int) error
	BalanceOf(ctx context.Context, token, holder common.Address) (*uint256.Int, error)
	Custody() common.Address
}
