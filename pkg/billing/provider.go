package billing

import (
	"context"
	"fmt"

	"github.com/flowra/ramarket/pkg/config"
)

// Provider is the capability set the broker consumes from a settlement
// backend. Implementations must make every operation idempotent with respect
// to repeated calls carrying the same payment id, and must serialize
// verify/authorize/settle per payment id so concurrent settlement attempts
// yield exactly one success.
type Provider interface {
	// CreateQuote returns a non-binding fee estimate for the given amount.
	CreateQuote(ctx context.Context, p QuoteParams) (*Quote, error)

	// CreatePaymentChallenge allocates a fresh payment id, records it as
	// pending, and returns the challenge plus the URL where the proof is to
	// be submitted. The challenge carries an expiry.
	CreatePaymentChallenge(ctx context.Context, p ChallengeParams) (*PaymentRequest, error)

	// VerifyPayment checks a payer-supplied proof. Unknown payment ids and
	// malformed proofs yield Valid=false, never an error. Verification after
	// the challenge expiry fails with a PaymentError carrying CodeExpired.
	// The first valid proof is recorded immutably; later differing proofs
	// leave state unchanged.
	VerifyPayment(ctx context.Context, proof Proof) (*VerifyResult, error)

	// AuthorizePayment pre-authorizes the payment when the supplied amount
	// matches the challenged amount within the provider's tolerance. It
	// reports Authorized=false without mutating state otherwise.
	AuthorizePayment(ctx context.Context, p AuthorizeParams) (*Authorization, error)

	// SettlePayment moves funds for an authorized payment and returns the
	// Settlement record. It fails with ErrNotAuthorized when the payment has
	// not been authorized and with a PaymentError carrying
	// CodeAlreadyProcessed when it has already settled. Settlement is
	// irreversible; callers must not treat it as abortable mid-flight.
	SettlePayment(ctx context.Context, p SettleParams) (*Settlement, error)

	// RecordUsage forwards one metering record for bookkeeping.
	RecordUsage(ctx context.Context, rec MeteringRecord) error

	// ProcessSettlement settles a batch of usage records for a rental,
	// returning a single Settlement whose amount is the sum of record costs.
	ProcessSettlement(ctx context.Context, rentalID string, records []MeteringRecord) (*Settlement, error)
}

// Constructor builds a Provider from the runtime configuration. External
// settlement backends register one under their provider name.
type Constructor func(cfg *config.Config) (Provider, error)

var external = map[config.Provider]Constructor{}

// Register installs a constructor for an externally supplied provider
// implementation. Call it from the embedding deployment before New.
func Register(name config.Provider, fn Constructor) {
	external[name] = fn
}

// New returns the billing provider selected by cfg.BillingProvider. The mock
// provider is built in; any other backend must have been registered.
func New(cfg *config.Config) (Provider, error) {
	if fn, ok := external[cfg.BillingProvider]; ok {
		return fn(cfg)
	}
	if cfg.BillingProvider == config.ProviderMock {
		return NewMockProvider(), nil
	}
	return nil, fmt.Errorf("billing provider %q is not registered", cfg.BillingProvider)
}
