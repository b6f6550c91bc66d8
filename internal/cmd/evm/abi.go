package evm

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const escrowABIJSON = `[
 {"type":"function","name":"createEscrow","stateMutability":"nonpayable",
  "inputs":[{"name":"payer","type":"address"},{"name":"payee","type":"address"},{"name":"amount","type":"uint256"},
   {"name":"deadline","type":"uint256"},{"name":"vertical","type":"string"},{"name":"clabe","type":"string"},
   {"name":"conditions","type":"string"},{"name":"token","type":"address"}],
  "outputs":[{"name":"escrowId","type":"uint256"}]},
 {"type":"function","name":"fundEscrow","stateMutability":"nonpayable",
  "inputs":[{"name":"escrowId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"release","stateMutability":"nonpayable",
  "inputs":[{"name":"escrowId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"dispute","stateMutability":"nonpayable",
  "inputs":[{"name":"escrowId","type":"uint256"},{"name":"reason","type":"string"}],"outputs":[]},
 {"type":"function","name":"resolveDispute","stateMutability":"nonpayable",
  "inputs":[{"name":"escrowId","type":"uint256"},{"name":"inFavorOfSeller","type":"bool"}],"outputs":[]},
 {"type":"function","name":"escrows","stateMutability":"view",
  "inputs":[{"name":"escrowId","type":"uint256"}],
  "outputs":[{"name":"payer","type":"address"},{"name":"payee","type":"address"},{"name":"token","type":"address"},
   {"name":"amount","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"status","type":"uint8"}]},
 {"type":"event","name":"EscrowCreated","anonymous":false,
  "inputs":[{"name":"escrowId","type":"uint256","indexed":true},{"name":"payer","type":"address","indexed":true},
   {"name":"payee","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},
   {"name":"deadline","type":"uint256","indexed":false}]},
 {"type":"event","name":"EscrowFunded","anonymous":false,
  "inputs":[{"name":"escrowId","type":"uint256","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
 {"type":"event","name":"EscrowReleased","anonymous":false,
  "inputs":[{"name":"escrowId","type":"uint256","indexed":true},{"name":"to","type":"address","indexed":true},
   {"name":"amount","type":"uint256","indexed":false}]},
 {"type":"event","name":"DisputeRaised","anonymous":false,
  "inputs":[{"name":"escrowId","type":"uint256","indexed":true},{"name":"by","type":"address","indexed":true},
   {"name":"reason","type":"string","indexed":false}]},
 {"type":"event","name":"DisputeResolved","anonymous":false,
  "inputs":[{"name":"escrowId","type":"uint256","indexed":true},{"name":"inFavorOfSeller","type":"bool","indexed":false}]}
]`

const erc20ABIJSON = `[
 {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"allowance","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"approve","stateMutability":"nonpayable",
  "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"transfer","stateMutability":"nonpayable",
  "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"event","name":"Transfer","anonymous":false,
  "inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},
   {"name":"value","type":"uint256","indexed":false}]}
]`

var (
	EscrowABI = mustParse(escrowABIJSON)
	ERC20ABI  = mustParse(erc20ABIJSON)
)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// EscrowState mirrors the contract's status enum.
type EscrowState uint8

const (
	StateNone EscrowState = iota
	StateCreated
	StateFunded
	StateActive
	StateReleased
	StateDisputed
	StateRefunded
)

func (s EscrowState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateFunded:
		return "funded"
	case StateActive:
		return "active"
	case StateReleased:
		return "released"
	case StateDisputed:
		return "disputed"
	case StateRefunded:
		return "refunded"
	}
	return "none"
}

// Target selects which contract a Call goes to.
type Target int

const (
	TargetEscrow Target = iota
	TargetToken
)

// Call is one state-changing contract method invocation.
type Call struct {
	Target Target
	Method string
	Args   []any
}

type CreateEscrowParams struct {
	Payer      common.Address
	Payee      common.Address
	Amount     *big.Int
	Deadline   *big.Int
	Vertical   string
	Clabe      string
	Conditions string
	Token      common.Address
}

func CreateEscrowCall(p CreateEscrowParams) Call {
	return Call{Target: TargetEscrow, Method: "createEscrow",
		Args: []any{p.Payer, p.Payee, p.Amount, p.Deadline, p.Vertical, p.Clabe, p.Conditions, p.Token}}
}

func FundEscrowCall(id *big.Int) Call {
	return Call{Target: TargetEscrow, Method: "fundEscrow", Args: []any{id}}
}

func ReleaseCall(id *big.Int) Call {
	return Call{Target: TargetEscrow, Method: "release", Args: []any{id}}
}

func DisputeCall(id *big.Int, reason string) Call {
	return Call{Target: TargetEscrow, Method: "dispute", Args: []any{id, reason}}
}

func ResolveDisputeCall(id *big.Int, inFavorOfSeller bool) Call {
	return Call{Target: TargetEscrow, Method: "resolveDispute", Args: []any{id, inFavorOfSeller}}
}

func ApproveCall(spender common.Address, amount *big.Int) Call {
	return Call{Target: TargetToken, Method: "approve", Args: []any{spender, amount}}
}

func TransferCall(to common.Address, amount *big.Int) Call {
	return Call{Target: TargetToken, Method: "transfer", Args: []any{to, amount}}
}
