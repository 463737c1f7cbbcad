package domain

import "context"

// SignatureVerifier checks a user's signed authorization for a spend. The
// production implementation verifies an EIP-712 payload against the user's
// wallet; tests inject fakes. Implementations must fail closed: any doubt
// means not authorized.
type SignatureVerifier interface {
	VerifySpendAuthorization(ctx context.Context, walletAddress string, payload []byte, signature string) (bool, error)
}

// DenyAllVerifier rejects every authorization. It is the default wiring when
// no verifier is configured so that missing configuration can never widen
// spend authority.
type DenyAllVerifier struct{}

func (DenyAllVerifier) VerifySpendAuthorization(context.Context, string, []byte, string) (bool, error) {
	return false, nil
}

// TransactionRelay submits prepared transactions to the chain. The engine
// never holds keys; the relay either forwards to a session-key signer or
// returns the payload for wallet co-signing.
type TransactionRelay interface {
	Submit(ctx context.Context, chainID int64, payload []byte) (txHash string, err error)
}

// NotificationSender delivers user-facing alerts. Delivery failures must
// never block the decision path that raised the alert.
type NotificationSender interface {
	Send(ctx context.Context, userID string, alert Alert) error
}

// GasPriceSource reports the current gas price for a chain, in gwei.
type GasPriceSource interface {
	GasPriceGwei(ctx context.Context, chainID int64) (float64, error)
}

// PriceSource reports oracle prices for assets, used by the oracle risk
// monitor for peg and freshness checks.
type PriceSource interface {
	AssetPrice(ctx context.Context, symbol string) (price float64, ageSeconds float64, err error)
}
