package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SandboxClient accepts every push without calling out. Used for local
// development with MPESA_ENVIRONMENT=stub; callbacks are then posted by hand.
type SandboxClient struct {
	mu      sync.Mutex
	results map[string]CallbackResult
}

func NewSandboxClient() *SandboxClient {
	return &SandboxClient{results: make(map[string]CallbackResult)}
}

func (s *SandboxClient) Push(ctx context.Context, creds Credentials, req PushRequest) (*PushResponse, error) {
	if req.PayerReference == "" {
		return nil, fmt.Errorf("%w: missing payer reference", ErrGatewayRejected)
	}
	id := uuid.NewString()
	return &PushResponse{
		Accepted:                  true,
		CheckoutRequestID:         fmt.Sprintf("ws_CO_%s_%s", time.Now().Format("02012006150405"), id[:8]),
		ProviderMerchantRequestID: "sbx-" + id[:13],
		ProviderMessage:           "Success. Request accepted for processing",
	}, nil
}

// Settle records the outcome Query will report for a checkout id.
func (s *SandboxClient) Settle(result CallbackResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.CheckoutID()] = result
}

func (s *SandboxClient) Query(ctx context.Context, creds Credentials, checkoutRequestID string) (CallbackResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[checkoutRequestID], nil
}
