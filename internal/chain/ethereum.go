package chain

func init() {
	Register(Ethereum, Mainnet, &Params{
		ID:          Ethereum,
		Name:        "Ethereum",
		Type:        TypeEVM,
		Decimals:    18,
		NativeAsset: "ETH",
		EVMChainID:  1,
	})

	Register(Ethereum, Testnet, &Params{
		ID:          Ethereum,
		Name:        "Ethereum Sepolia",
		Type:        TypeEVM,
		Decimals:    18,
		NativeAsset: "ETH",
		EVMChainID:  11155111,
	})
}
