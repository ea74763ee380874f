package ledger

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/stretchr/testify/require"
)

func TestERC20ABIPacksTransfers(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	require.NoError(t, err)

	data, err := parsed.Pack("transferFrom", holder, custody, big.NewInt(1))
	require.NoError(t, err)
	// selector + three 32-byte words
	require.Len(t, data, 4+3*32)

	data, err = parsed.Pack("transfer", payee, big.NewInt(1))
	require.NoError(t, err)
	require.Len(t, data, 4+2*32)

	_, ok := parsed.Methods["balanceOf"]
	require.True(t, ok)
}
