package chain

func init() {
	Register(Stellar, Mainnet, &Params{
		ID:             Stellar,
		Name:           "Stellar",
		Type:           TypeClaimableBalance,
		Decimals:       7,
		NativeAsset:    "XLM",
		SupportsAssets: true,
	})

	Register(Stellar, Testnet, &Params{
		ID:             Stellar,
		Name:           "Stellar Testnet",
		Type:           TypeClaimableBalance,
		Decimals:       7,
		NativeAsset:    "XLM",
		SupportsAssets: true,
	})
}
