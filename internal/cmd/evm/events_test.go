package evm

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEscrowCreated(t *testing.T) {
	contract := common.HexToAddress("0x00000000000000000000000000000000000000e5")
	payer := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	ev := EscrowABI.Events["EscrowCreated"]

	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(500_000_000), big.NewInt(1_700_000_000))
	require.NoError(t, err)

	logs := []*types.Log{
		{Address: common.HexToAddress("0x99"), Topics: []common.Hash{ev.ID}},
		{
			Address: contract,
			Topics:  []common.Hash{ev.ID, common.BigToHash(big.NewInt(42)), common.BytesToHash(payer.Bytes()), common.BytesToHash(payer.Bytes())},
			Data:    data,
		},
	}

	got, err := ParseEscrowCreated(contract, logs)
	require.NoError(t, err)
	assert.Equal(t, "42", got.EscrowId.String())
	assert.Equal(t, payer, got.Payer)
	assert.Equal(t, "500000000", got.Amount.String())

	_, err = ParseEscrowCreated(contract, logs[:1])
	assert.ErrorIs(t, err, ErrNoCreatedEvent)
}

func TestCallPacking(t *testing.T) {
	call := CreateEscrowCall(CreateEscrowParams{
		Payer:      common.HexToAddress("0x01"),
		Payee:      common.HexToAddress("0x01"),
		Amount:     big.NewInt(500_000_000),
		Deadline:   big.NewInt(1_700_000_000),
		Vertical:   "real_estate",
		Clabe:      "646180157000000004",
		Conditions: `{"custody_days":30}`,
		Token:      common.HexToAddress("0xa1"),
	})
	packed, err := EscrowABI.Pack(call.Method, call.Args...)
	require.NoError(t, err)
	assert.Equal(t, EscrowABI.Methods["createEscrow"].ID, packed[:4])

	_, err = EscrowABI.Pack("resolveDispute", ResolveDisputeCall(big.NewInt(1), true).Args...)
	assert.NoError(t, err)
	_, err = ERC20ABI.Pack("approve", ApproveCall(common.HexToAddress("0xe5"), big.NewInt(1)).Args...)
	assert.NoError(t, err)
	assert.Equal(t, "released", StateReleased.String())
}
