package htlc

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ABI is the interface of the hashed-timelock contract. Hashlocks are
// sha256 of the preimage; timelocks are unix seconds.
const ABI = `[
	{"type":"function","name":"newContract","stateMutability":"payable",
	 "inputs":[{"name":"_receiver","type":"address"},{"name":"_hashlock","type":"bytes32"},{"name":"_timelock","type":"uint256"}],
	 "outputs":[{"name":"contractId","type":"bytes32"}]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable",
	 "inputs":[{"name":"_contractId","type":"bytes32"},{"name":"_preimage","type":"bytes32"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"refund","stateMutability":"nonpayable",
	 "inputs":[{"name":"_contractId","type":"bytes32"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"getContract","stateMutability":"view",
	 "inputs":[{"name":"_contractId","type":"bytes32"}],
	 "outputs":[
		{"name":"sender","type":"address"},
		{"name":"receiver","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"hashlock","type":"bytes32"},
		{"name":"timelock","type":"uint256"},
		{"name":"withdrawn","type":"bool"},
		{"name":"refunded","type":"bool"},
		{"name":"preimage","type":"bytes32"}]},
	{"type":"event","name":"HTLCNew","anonymous":false,
	 "inputs":[
		{"name":"contractId","type":"bytes32","indexed":true},
		{"name":"sender","type":"address","indexed":true},
		{"name":"receiver","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"hashlock","type":"bytes32","indexed":false},
		{"name":"timelock","type":"uint256","indexed":false}]},
	{"type":"event","name":"HTLCWithdraw","anonymous":false,
	 "inputs":[{"name":"contractId","type":"bytes32","indexed":true}]},
	{"type":"event","name":"HTLCRefund","anonymous":false,
	 "inputs":[{"name":"contractId","type":"bytes32","indexed":true}]}
]`

// ErrNotNewContract is returned by ParseNewContract for any other log.
var ErrNotNewContract = errors.New("log is not an HTLCNew event")

var parsedABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(ABI))
	if err != nil {
		panic(fmt.Sprintf("htlc: invalid ABI: %v", err))
	}
	return parsed
}

// ParsedABI returns the parsed contract ABI.
func ParsedABI() abi.ABI {
	return parsedABI
}

// Topics of the contract events.
var (
	TopicNew      = parsedABI.Events["HTLCNew"].ID
	TopicWithdraw = parsedABI.Events["HTLCWithdraw"].ID
	TopicRefund   = parsedABI.Events["HTLCRefund"].ID
)

// ContractState is the lifecycle state of one HTLC contract.
type ContractState uint8

const (
	StateEmpty ContractState = iota
	StateActive
	StateWithdrawn
	StateRefunded
)

func (s ContractState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateActive:
		return "active"
	case StateWithdrawn:
		return "withdrawn"
	case StateRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Contract is the on-chain record returned by getContract.
type Contract struct {
	Sender    common.Address
	Receiver  common.Address
	Amount    *big.Int
	Hashlock  [32]byte
	Timelock  *big.Int
	Withdrawn bool
	Refunded  bool
	Preimage  [32]byte
}

// Exists reports whether the contract id is known to the contract.
func (c *Contract) Exists() bool {
	return c.Sender != (common.Address{})
}

// State derives the lifecycle state.
func (c *Contract) State() ContractState {
	switch {
	case !c.Exists():
		return StateEmpty
	case c.Withdrawn:
		return StateWithdrawn
	case c.Refunded:
		return StateRefunded
	default:
		return StateActive
	}
}

// NewContractEvent is a decoded HTLCNew log.
type NewContractEvent struct {
	ContractId [32]byte
	Sender     common.Address
	Receiver   common.Address
	Amount     *big.Int
	Hashlock   [32]byte
	Timelock   *big.Int
	Raw        types.Log
}

// ComputeContractID returns the id the contract assigns to a lock:
// keccak256(sender ‖ receiver ‖ amount ‖ hashlock ‖ timelock), packed.
func ComputeContractID(sender, receiver common.Address, amount *big.Int, hashlock [32]byte, timelock *big.Int) [32]byte {
	return crypto.Keccak256Hash(
		sender.Bytes(),
		receiver.Bytes(),
		common.BigToHash(amount).Bytes(),
		hashlock[:],
		common.BigToHash(timelock).Bytes(),
	)
}

// ParseNewContract decodes an HTLCNew log.
func ParseNewContract(log types.Log) (*NewContractEvent, error) {
	ev := parsedABI.Events["HTLCNew"]
	if len(log.Topics) == 0 || log.Topics[0] != ev.ID {
		return nil, ErrNotNewContract
	}
	out := &NewContractEvent{Raw: log}
	if err := parsedABI.UnpackIntoInterface(out, "HTLCNew", log.Data); err != nil {
		return nil, fmt.Errorf("failed to unpack HTLCNew: %w", err)
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopics(out, indexed, log.Topics[1:]); err != nil {
		return nil, fmt.Errorf("failed to parse HTLCNew topics: %w", err)
	}
	return out, nil
}

func unpackContract(out []interface{}) (*Contract, error) {
	if len(out) != 8 {
		return nil, fmt.Errorf("getContract returned %d values", len(out))
	}
	return &Contract{
		Sender:    *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		Receiver:  *abi.ConvertType(out[1], new(common.Address)).(*common.Address),
		Amount:    *abi.ConvertType(out[2], new(*big.Int)).(**big.Int),
		Hashlock:  *abi.ConvertType(out[3], new([32]byte)).(*[32]byte),
		Timelock:  *abi.ConvertType(out[4], new(*big.Int)).(**big.Int),
		Withdrawn: *abi.ConvertType(out[5], new(bool)).(*bool),
		Refunded:  *abi.ConvertType(out[6], new(bool)).(*bool),
		Preimage:  *abi.ConvertType(out[7], new([32]byte)).(*[32]byte),
	}, nil
}
