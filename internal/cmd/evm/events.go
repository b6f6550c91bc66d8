package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type EscrowCreated struct {
	EscrowId *big.Int
	Payer    common.Address
	Payee    common.Address
	Amount   *big.Int
	Deadline *big.Int
}

// ParseEscrowCreated returns the first EscrowCreated log emitted by contract.
func ParseEscrowCreated(contract common.Address, logs []*types.Log) (*EscrowCreated, error) {
	ev := EscrowABI.Events["EscrowCreated"]
	for _, l := range logs {
		if l.Address != contract || len(l.Topics) == 0 || l.Topics[0] != ev.ID {
			continue
		}
		var out EscrowCreated
		if len(l.Data) > 0 {
			if err := EscrowABI.UnpackIntoInterface(&out, ev.Name, l.Data); err != nil {
				return nil, fmt.Errorf("failed to unpack EscrowCreated: %w", err)
			}
		}
		var indexed abi.Arguments
		for _, arg := range ev.Inputs {
			if arg.Indexed {
				indexed = append(indexed, arg)
			}
		}
		if err := abi.ParseTopics(&out, indexed, l.Topics[1:]); err != nil {
			return nil, fmt.Errorf("failed to parse EscrowCreated topics: %w", err)
		}
		return &out, nil
	}
	return nil, ErrNoCreatedEvent
}
