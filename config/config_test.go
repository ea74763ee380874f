package config

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	owner   = "0x1111111111111111111111111111111111111111"
	custody = "0x2222222222222222222222222222222222222222"
	tokenA  = "0x3333333333333333333333333333333333333333"
)

func TestParseDefaults(t *testing.T) {
	t.Setenv("TWEETESCROW_ESCROW_OWNER_ADDRESS", owner)
	t.Setenv("TWEETESCROW_LEDGER_CUSTODY_ADDRESS", custody)
	t.Setenv("TWEETESCROW_ESCROW_ALLOWED_TOKENS", tokenA)

	conf, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, ":8080", conf.ServerAddr)
	assert.Equal(t, 5, conf.WorkerCount)
	assert.Equal(t, uint64(100), conf.Escrow.FeeBps)
	assert.Equal(t, LedgerMemory, conf.Ledger.Backend)
	assert.Equal(t, 5*time.Minute, conf.Auth.MaxSkew)
	assert.Equal(t, time.Duration(0), conf.Escrow.RefundAfter)
	assert.Equal(t, common.HexToAddress(owner), conf.Owner())
	assert.Equal(t, []common.Address{common.HexToAddress(tokenA)}, conf.Tokens())

	seeds, err := conf.LedgerSeeds()
	require.NoError(t, err)
	assert.Empty(t, seeds)
}

func TestParseLedgerSeed(t *testing.T) {
	t.Setenv("TWEETESCROW_ESCROW_OWNER_ADDRESS", owner)
	t.Setenv("TWEETESCROW_LEDGER_CUSTODY_ADDRESS", custody)
	t.Setenv("TWEETESCROW_LEDGER_SEED", owner+":"+tokenA+":1000000000000000000000, "+custody+":"+tokenA+":0")

	conf, err := Parse()
	require.NoError(t, err)

	seeds, err := conf.LedgerSeeds()
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	assert.Equal(t, common.HexToAddress(owner), seeds[0].Holder)
	assert.Equal(t, common.HexToAddress(tokenA), seeds[0].Token)
	assert.Equal(t, uint256.MustFromDecimal("1000000000000000000000"), seeds[0].Amount)
	assert.True(t, seeds[1].Amount.IsZero())
}

func TestParseRejects(t *testing.T) {
	t.Run("missing owner", func(t *testing.T) {
		t.Setenv("TWEETESCROW_ESCROW_OWNER_ADDRESS", "")
		t.Setenv("TWEETESCROW_LEDGER_CUSTODY_ADDRESS", custody)
		_, err := Parse()
		require.Error(t, err)
	})

	t.Run("fee above 100%", func(t *testing.T) {
		t.Setenv("TWEETESCROW_ESCROW_OWNER_ADDRESS", owner)
		t.Setenv("TWEETESCROW_LEDGER_CUSTODY_ADDRESS", custody)
		t.Setenv("TWEETESCROW_ESCROW_FEE_BPS", "10001")
		_, err := Parse()
		require.Error(t, err)
	})

	for name, seed := range map[string]string{
		"seed missing amount": owner + ":" + tokenA,
		"seed bad holder":     "nobody:" + tokenA + ":5",
		"seed bad amount":     owner + ":" + tokenA + ":-5",
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv("TWEETESCROW_ESCROW_OWNER_ADDRESS", owner)
			t.Setenv("TWEETESCROW_LEDGER_CUSTODY_ADDRESS", custody)
			t.Setenv("TWEETESCROW_LEDGER_SEED", seed)
			_, err := Parse()
			require.Error(t, err)
		})
	}

	t.Run("seed on erc20", func(t *testing.T) {
		t.Setenv("TWEETESCROW_ESCROW_OWNER_ADDRESS", owner)
		t.Setenv("TWEETESCROW_LEDGER_BACKEND", LedgerERC20)
		t.Setenv("TWEETESCROW_LEDGER_RPC_URL", "http://localhost:8545")
		t.Setenv("TWEETESCROW_LEDGER_CUSTODY_KEY", "00")
		t.Setenv("TWEETESCROW_LEDGER_SEED", owner+":"+tokenA+":5")
		_, err := Parse()
		require.Error(t, err)
	})

	t.Run("erc20 without key", func(t *testing.T) {
		t.Setenv("TWEETESCROW_ESCROW_OWNER_ADDRESS", owner)
		t.Setenv("TWEETESCROW_LEDGER_BACKEND", LedgerERC20)
		t.Setenv("TWEETESCROW_LEDGER_RPC_URL", "http://localhost:8545")
		_, err := Parse()
		require.Error(t, err)
	})
}
