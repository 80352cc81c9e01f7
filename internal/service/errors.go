package service

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidWebhookToken covers every callback authentication failure: an
	// unknown scope, a missing secret or a token that does not match.
	ErrInvalidWebhookToken  = errors.New("invalid webhook token")
	ErrScopeMismatch        = errors.New("callback scope does not own transaction")
	ErrGatewayNotConfigured = errors.New("mobile money gateway not configured")
	ErrUnknownScope         = errors.New("unknown gateway settings scope")
	ErrNotReplayable        = errors.New("callback event is not replayable")
)

// ValidationError rejects an initiation request before any row is written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// GatewayError carries the id of the payment that was recorded as failed.
type GatewayError struct {
	PaymentID string
	Err       error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment %s: %v", e.PaymentID, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }
