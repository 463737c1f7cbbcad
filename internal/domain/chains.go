package domain

// SupportedChains maps chain ID to network name for every chain the engine
// will validate transactions on.
var SupportedChains = map[int64]string{
	1:        "ethereum",
	137:      "polygon",
	42161:    "arbitrum",
	8453:     "base",
	11155111: "sepolia",
}

// MainnetChains are the chains gated by the autopilot mainnet toggle.
var MainnetChains = map[int64]bool{
	1:     true,
	137:   true,
	42161: true,
	8453:  true,
}

// DefaultGasThresholdsGwei are per-chain gas ceilings, in gwei, above which
// the circuit breaker trips for that chain.
var DefaultGasThresholdsGwei = map[int64]float64{
	1:        200,
	137:      500,
	42161:    10,
	8453:     5,
	11155111: 1000,
}

// ChainVolatility weights crisis priority by how jumpy each chain's
// conditions tend to be. Unknown chains use 1.0.
var ChainVolatility = map[int64]float64{
	1:     1.0,
	137:   1.2,
	42161: 1.1,
	8453:  1.1,
}

// ChainName returns the network name or "unknown".
func ChainName(chainID int64) string {
	if name, ok := SupportedChains[chainID]; ok {
		return name
	}
	return "unknown"
}

// IsSupportedChain reports whether the engine operates on chainID.
func IsSupportedChain(chainID int64) bool {
	_, ok := SupportedChains[chainID]
	return ok
}
