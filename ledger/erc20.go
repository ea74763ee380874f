package ledger

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

const erc20ABI = `[
  {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

const defaultReceiptPoll = 2 * time.Second

// ERC20 drives real token contracts through an Ethereum JSON-RPC endpoint.
// The custody account is the address of the signing key.
type ERC20 struct {
	client      *ethclient.Client
	abi         abi.ABI
	auth        *bind.TransactOpts
	receiptPoll time.Duration
}

func DialERC20(ctx context.Context, rpcURL, keyHex string, chainID int64) (*ERC20, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, errors.Wrap(err, "parse erc20 abi")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "load custody key")
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(chainID))
	if err != nil {
		return nil, errors.Wrap(err, "build transactor")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", rpcURL)
	}
	return &ERC20{client: client, abi: parsed, auth: auth, receiptPoll: defaultReceiptPoll}, nil
}

func (e *ERC20) Custody() common.Address { return e.auth.From }

func (e *ERC20) Close() { e.client.Close() }

func (e *ERC20) contract(token common.Address) *bind.BoundContract {
	return bind.NewBoundContract(token, e.abi, e.client, e.client, e.client)
}

func (e *ERC20) BalanceOf(ctx context.Context, token, holder common.Address) (*uint256.Int, error) {
	var out []interface{}
	if err := e.contract(token).Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", holder); err != nil {
		return nil, errors.Wrapf(err, "balanceOf %s on %s", holder.Hex(), token.Hex())
	}
	if len(out) != 1 {
		return nil, errors.Errorf("balanceOf returned %d values", len(out))
	}
	raw, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.Errorf("balanceOf returned %T", out[0])
	}
	balance, overflow := uint256.FromBig(raw)
	if overflow {
		return nil, errors.Errorf("balance %s overflows uint256", raw)
	}
	return balance, nil
}

func (e *ERC20) TransferFrom(ctx context.Context, token, holder, dest common.Address, amount *uint256.Int) error {
	return e.send(ctx, token, "transferFrom", holder, dest, amount.ToBig())
}

func (e *ERC20) Transfer(ctx context.Context, token, dest common.Address, amount *uint256.Int) error {
	return e.send(ctx, token, "transfer", dest, amount.ToBig())
}

func (e *ERC20) send(ctx context.Context, token common.Address, method string, args ...interface{}) error {
	opts := *e.auth
	opts.Context = ctx
	tx, err := e.contract(token).Transact(&opts, method, args...)
	if err != nil {
		return errors.Wrapf(err, "%s on %s", method, token.Hex())
	}
	receipt, err := e.waitMined(ctx, tx.Hash())
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return errors.Wrapf(ErrReverted, "%s tx %s", method, tx.Hash().Hex())
	}
	return nil
}

func (e *ERC20) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(e.receiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := e.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, errors.Wrapf(err, "receipt for %s", hash.Hex())
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "waiting for %s", hash.Hex())
		case <-ticker.C:
		}
	}
}
