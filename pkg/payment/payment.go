package payment

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway failures are wrapped around one of these sentinels so callers can
// branch with errors.Is without knowing which provider produced them.
var (
	ErrGatewayAuth      = errors.New("gateway authentication failed")
	ErrGatewayRejected  = errors.New("gateway rejected the request")
	ErrGatewayTransport = errors.New("gateway unreachable")
)

// Credentials is the resolved gateway configuration for one scope.
type Credentials struct {
	Environment      string // sandbox | production | stub
	ConsumerKey      string
	ConsumerSecret   string
	Passkey          string
	Shortcode        string
	AccountReference string
}

type PushRequest struct {
	Amount           decimal.Decimal
	PayerReference   string // MSISDN, 2547XXXXXXXX
	AccountReference string
	Description      string
	CallbackURL      string
}

type PushResponse struct {
	Accepted                  bool
	CheckoutRequestID         string
	ProviderMerchantRequestID string
	ProviderMessage           string
}

// GatewayClient sends push-payment prompts and queries their outcome.
type GatewayClient interface {
	Push(ctx context.Context, creds Credentials, req PushRequest) (*PushResponse, error)
	// Query returns nil while the provider still reports the push as in progress.
	Query(ctx context.Context, creds Credentials, checkoutRequestID string) (CallbackResult, error)
}

// CallbackResult is either a SuccessResult or a FailureResult.
type CallbackResult interface {
	CheckoutID() string
	isCallbackResult()
}

// SuccessResult.AmountReported is false when the provider did not report an
// amount, which is the case for status query answers.
type SuccessResult struct {
	CheckoutRequestID string
	MerchantRequestID string
	Amount            decimal.Decimal
	AmountReported    bool
	ReceiptNumber     string
	PayerReference    string
	PaidAt            time.Time
}

type FailureResult struct {
	CheckoutRequestID string
	MerchantRequestID string
	ReasonCode        int
	ReasonText        string
}

func (r SuccessResult) CheckoutID() string { return r.CheckoutRequestID }
func (r FailureResult) CheckoutID() string { return r.CheckoutRequestID }

func (SuccessResult) isCallbackResult() {}
func (FailureResult) isCallbackResult() {}
