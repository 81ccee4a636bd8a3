package config

import "github.com/stellar/go/network"

// EVMNetwork describes a known EVM network the relay can be pointed at.
type EVMNetwork struct {
	ChainID uint64
	Name    string
	Testnet bool
}

var evmNetworks = map[uint64]EVMNetwork{
	1:        {ChainID: 1, Name: "ethereum"},
	11155111: {ChainID: 11155111, Name: "sepolia", Testnet: true},
	17000:    {ChainID: 17000, Name: "holesky", Testnet: true},
	1337:     {ChainID: 1337, Name: "dev", Testnet: true},
	31337:    {ChainID: 31337, Name: "anvil", Testnet: true},
}

// LookupEVMNetwork returns the network for a chain ID.
func LookupEVMNetwork(chainID uint64) (EVMNetwork, bool) {
	n, ok := evmNetworks[chainID]
	return n, ok
}

// Stellar network passphrases.
const (
	StellarPublicPassphrase  = network.PublicNetworkPassphrase
	StellarTestnetPassphrase = network.TestNetworkPassphrase
)
