package config

// Vault captures the governance policy knobs of the capital engine. USD
// thresholds are decimal strings; an empty string or "0" disables the
// trigger.
type Vault struct {
	VaultBufferBps           uint64 `toml:"VaultBufferBps"`
	RedeemFeeBps             uint64 `toml:"RedeemFeeBps"`
	MaxSupplyDiffBps         uint64 `toml:"MaxSupplyDiffBps"`
	TrusteeFeeBps            uint64 `toml:"TrusteeFeeBps"`
	SwapSlippageBps          uint64 `toml:"SwapSlippageBps"`
	AutoAllocateThresholdUSD string `toml:"AutoAllocateThresholdUSD"`
	RebaseThresholdUSD       string `toml:"RebaseThresholdUSD"`
}

// Asset is a collateral token supported at boot.
type Asset struct {
	Symbol   string `toml:"Symbol"`
	Decimals uint8  `toml:"Decimals"`
}

// SwapToken is a reward token the vault converts into collateral.
type SwapToken struct {
	Symbol   string `toml:"Symbol"`
	Decimals uint8  `toml:"Decimals"`
}

// Pauses records circuit breakers engaged at boot.
type Pauses struct {
	Capital bool `toml:"Capital"`
	Rebase  bool `toml:"Rebase"`
}

// Params bundles the protocol parameters enforced by ValidateParams.
type Params struct {
	Vault      Vault       `toml:"vault"`
	Assets     []Asset     `toml:"assets"`
	SwapTokens []SwapToken `toml:"swap_tokens"`
	SwapTarget string      `toml:"SwapTarget"`
	Pauses     Pauses      `toml:"pauses"`
}
