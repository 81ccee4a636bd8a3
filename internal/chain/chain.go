// Package chain defines the two supported ledgers and the adapter contract
// the swap engine drives them through.
package chain

import (
	"fmt"
	"strings"

	"github.com/klingon-exchange/bridge-relay/internal/apperr"
)

// ID identifies a supported ledger.
type ID string

const (
	Ethereum ID = "ethereum"
	Stellar  ID = "stellar"
)

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// Type represents the lock primitive a ledger offers.
type Type string

const (
	TypeEVM              Type = "evm"               // HTLC smart contract
	TypeClaimableBalance Type = "claimable_balance" // native balance with claim predicates
)

// ErrUnsupportedChain is returned for chain IDs outside the registry.
var ErrUnsupportedChain = apperr.New(apperr.KindValidation, "unsupported chain")

// Params contains the parameters of one ledger.
type Params struct {
	ID          ID
	Name        string
	Type        Type
	Decimals    uint8  // 18 for ETH, 7 for XLM
	NativeAsset string // ETH, XLM

	// EVMChainID is set for EVM networks.
	EVMChainID uint64

	// SupportsAssets is true when non-native assets can be locked.
	SupportsAssets bool
}

// IsNative reports whether token names the chain's native asset.
// An empty token means native.
func (p *Params) IsNative(token string) bool {
	return token == "" || strings.EqualFold(token, p.NativeAsset) || strings.EqualFold(token, "native")
}

var registry = make(map[ID]map[Network]*Params)

// Register adds chain params to the registry.
func Register(id ID, network Network, params *Params) {
	if registry[id] == nil {
		registry[id] = make(map[Network]*Params)
	}
	registry[id][network] = params
}

// Get returns chain params for an ID and network.
func Get(id ID, network Network) (*Params, bool) {
	nets, ok := registry[id]
	if !ok {
		return nil, false
	}
	params, ok := nets[network]
	return params, ok
}

// Decimals returns the native precision of a chain.
func Decimals(id ID) uint8 {
	if p, ok := Get(id, Mainnet); ok {
		return p.Decimals
	}
	return 0
}

// ParseID validates a chain name.
func ParseID(s string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := registry[id]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedChain, s)
	}
	return id, nil
}

// IsSupported returns true if the chain is registered.
func IsSupported(id ID) bool {
	_, ok := registry[id]
	return ok
}

// List returns all registered chain IDs.
func List() []ID {
	ids := make([]ID, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	return ids
}
