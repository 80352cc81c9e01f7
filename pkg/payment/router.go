package payment

import "context"

// EnvironmentRouter sends stub-environment credentials to the sandbox client
// and everything else to the live client.
type EnvironmentRouter struct {
	Live GatewayClient
	Stub GatewayClient
}

func (r *EnvironmentRouter) pick(creds Credentials) GatewayClient {
	if creds.Environment == "stub" && r.Stub != nil {
		return r.Stub
	}
	return r.Live
}

func (r *EnvironmentRouter) Push(ctx context.Context, creds Credentials, req PushRequest) (*PushResponse, error) {
	return r.pick(creds).Push(ctx, creds, req)
}

func (r *EnvironmentRouter) Query(ctx context.Context, creds Credentials, checkoutRequestID string) (CallbackResult, error) {
	return r.pick(creds).Query(ctx, creds, checkoutRequestID)
}
