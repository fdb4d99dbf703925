package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// htlcABI is the interface of the swap HTLC contract. A lock with
// maxFills > 0 accepts partial fills; the first fill or redeem reveals the
// preimage and later fills may repeat it.
const htlcABI = `[
{"type":"function","name":"lock","stateMutability":"payable","inputs":[
	{"name":"id","type":"bytes32"},{"name":"resolver","type":"address"},{"name":"hashlock","type":"bytes32"},
	{"name":"hashAlg","type":"uint8"},{"name":"timelock","type":"uint64"},{"name":"maxFills","type":"uint32"}],"outputs":[]},
{"type":"function","name":"lockToken","stateMutability":"nonpayable","inputs":[
	{"name":"id","type":"bytes32"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},
	{"name":"resolver","type":"address"},{"name":"hashlock","type":"bytes32"},{"name":"hashAlg","type":"uint8"},
	{"name":"timelock","type":"uint64"},{"name":"maxFills","type":"uint32"}],"outputs":[]},
{"type":"function","name":"fill","stateMutability":"nonpayable","inputs":[
	{"name":"id","type":"bytes32"},{"name":"amount","type":"uint256"},{"name":"preimage","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"redeem","stateMutability":"nonpayable","inputs":[
	{"name":"id","type":"bytes32"},{"name":"preimage","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[
	{"name":"id","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"getLock","stateMutability":"view","inputs":[{"name":"id","type":"bytes32"}],"outputs":[
	{"name":"initiator","type":"address"},{"name":"resolver","type":"address"},{"name":"token","type":"address"},
	{"name":"amount","type":"uint256"},{"name":"filled","type":"uint256"},{"name":"fillCount","type":"uint32"},
	{"name":"maxFills","type":"uint32"},{"name":"hashlock","type":"bytes32"},{"name":"timelock","type":"uint64"},
	{"name":"preimage","type":"bytes32"},{"name":"state","type":"uint8"}]},
{"type":"event","name":"Locked","anonymous":false,"inputs":[
	{"name":"id","type":"bytes32","indexed":true},{"name":"initiator","type":"address","indexed":true},
	{"name":"resolver","type":"address","indexed":true},{"name":"token","type":"address","indexed":false},
	{"name":"amount","type":"uint256","indexed":false},{"name":"hashlock","type":"bytes32","indexed":false},
	{"name":"timelock","type":"uint64","indexed":false}]},
{"type":"event","name":"Filled","anonymous":false,"inputs":[
	{"name":"id","type":"bytes32","indexed":true},{"name":"filler","type":"address","indexed":true},
	{"name":"amount","type":"uint256","indexed":false},{"name":"remaining","type":"uint256","indexed":false},
	{"name":"preimage","type":"bytes32","indexed":false}]},
{"type":"event","name":"Redeemed","anonymous":false,"inputs":[
	{"name":"id","type":"bytes32","indexed":true},{"name":"resolver","type":"address","indexed":true},
	{"name":"amount","type":"uint256","indexed":false},{"name":"preimage","type":"bytes32","indexed":false}]},
{"type":"event","name":"Refunded","anonymous":false,"inputs":[
	{"name":"id","type":"bytes32","indexed":true},{"name":"initiator","type":"address","indexed":true},
	{"name":"amount","type":"uint256","indexed":false}]}
]`

const erc20ABI = `[
{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
	{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"allowance","stateMutability":"view","inputs":[
	{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	htlcContractABI  = mustParseABI(htlcABI)
	erc20ContractABI = mustParseABI(erc20ABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid contract abi: %v", err))
	}
	return parsed
}

// LockState mirrors the contract's lock state enum.
type LockState uint8

const (
	LockEmpty LockState = iota
	LockActive
	LockRedeemed
	LockRefunded
)

func (s LockState) String() string {
	switch s {
	case LockEmpty:
		return "empty"
	case LockActive:
		return "active"
	case LockRedeemed:
		return "redeemed"
	case LockRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Hash algorithm codes understood by the contract.
const (
	hashAlgSHA256    uint8 = 0
	hashAlgKeccak256 uint8 = 1
)

// LockView is the decoded result of getLock.
type LockView struct {
	Initiator common.Address
	Resolver  common.Address
	Token     common.Address
	Amount    *big.Int
	Filled    *big.Int
	FillCount uint32
	MaxFills  uint32
	Hashlock  [32]byte
	Timelock  uint64
	Preimage  [32]byte
	State     uint8
}

// LockID maps a swap id onto the contract's bytes32 key.
func LockID(swapID string) common.Hash {
	return crypto.Keccak256Hash([]byte(swapID))
}

func hashAlgCode(name string) (uint8, error) {
	switch name {
	case "", "sha256":
		return hashAlgSHA256, nil
	case "keccak256":
		return hashAlgKeccak256, nil
	}
	return 0, fmt.Errorf("unsupported hash algorithm %q", name)
}

// decodedLog is a contract event reduced to the fields the adapter reads.
type decodedLog struct {
	Name     string
	ID       common.Hash
	Actor    common.Address
	Amount   *big.Int
	Remain   *big.Int
	Preimage [32]byte
	TxHash   common.Hash
	Block    uint64
}

// parseLog decodes a contract event log.
func parseLog(l types.Log) (*decodedLog, error) {
	if len(l.Topics) < 3 {
		return nil, fmt.Errorf("log has %d topics", len(l.Topics))
	}
	ev, err := htlcContractABI.EventByID(l.Topics[0])
	if err != nil {
		return nil, err
	}

	values := make(map[string]interface{})
	if err := ev.Inputs.NonIndexed().UnpackIntoMap(values, l.Data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ev.Name, err)
	}

	out := &decodedLog{
		Name:   ev.Name,
		ID:     l.Topics[1],
		Actor:  common.BytesToAddress(l.Topics[2].Bytes()),
		TxHash: l.TxHash,
		Block:  l.BlockNumber,
	}
	if v, ok := values["amount"].(*big.Int); ok {
		out.Amount = v
	}
	if v, ok := values["remaining"].(*big.Int); ok {
		out.Remain = v
	}
	if v, ok := values["preimage"].([32]byte); ok {
		out.Preimage = v
	}
	return out, nil
}
