package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"propdesk/internal/domain"
	"propdesk/internal/models"
	"propdesk/internal/repository"
	"propdesk/pkg/payment"
	"propdesk/pkg/phone"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var ErrForbidden = errors.New("not allowed to pay for this tenant")

type InitiateRequest struct {
	TenantID        string          `json:"tenant_id" validate:"required,max=36"`
	PaymentMethodID string          `json:"payment_method_id" validate:"required,max=36"`
	Amount          decimal.Decimal `json:"amount"`
	Type            string          `json:"type" validate:"omitempty,oneof=rent deposit fee other"`
	Description     string          `json:"description" validate:"max=255"`

	// Caller identity, filled from the access token.
	InitiatedBy    string `json:"-"`
	OrganizationID string `json:"-"`
}

type InitiateResult struct {
	PaymentID         string `json:"payment_id"`
	TransactionID     string `json:"transaction_id"`
	CheckoutRequestID string `json:"checkout_request_id"`
	Status            string `json:"status"`
	CustomerMessage   string `json:"customer_message,omitempty"`
}

type PaymentRequestInitiator struct {
	db         *gorm.DB
	payments   *repository.PaymentRepository
	txns       *repository.ProviderTransactionRepository
	tenants    *repository.TenantRepository
	methods    *repository.PaymentMethodRepository
	properties *repository.PropertyRepository
	settings   *SettingsResolver
	gateway    payment.GatewayClient
	currency   string
	validate   *validator.Validate
	retryDelay time.Duration
	logger     logrus.FieldLogger
}

type InitiatorDeps struct {
	DB         *gorm.DB
	Payments   *repository.PaymentRepository
	Txns       *repository.ProviderTransactionRepository
	Tenants    *repository.TenantRepository
	Methods    *repository.PaymentMethodRepository
	Properties *repository.PropertyRepository
	Settings   *SettingsResolver
	Gateway    payment.GatewayClient
}

func NewPaymentRequestInitiator(deps InitiatorDeps, currency string, logger logrus.FieldLogger) *PaymentRequestInitiator {
	if currency == "" {
		currency = "KES"
	}
	return &PaymentRequestInitiator{
		db:         deps.DB,
		payments:   deps.Payments,
		txns:       deps.Txns,
		tenants:    deps.Tenants,
		methods:    deps.Methods,
		properties: deps.Properties,
		settings:   deps.Settings,
		gateway:    deps.Gateway,
		currency:   currency,
		validate:   validator.New(),
		retryDelay: 200 * time.Millisecond,
		logger:     logger.WithField("component", "initiator"),
	}
}

type preparedPush struct {
	tenant   *models.Tenant
	msisdn   string
	settings *ResolvedSettings
}

// Initiate validates the request, records a pending payment with its
// provider transaction, and sends the push prompt. Validation failures write
// nothing. A gateway failure leaves both rows failed and returns a
// *GatewayError naming the payment.
func (s *PaymentRequestInitiator) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	prep, err := s.prepare(ctx, &req)
	if err != nil {
		return nil, err
	}

	p := &models.Payment{
		TenantID:    prep.tenant.ID,
		Amount:      req.Amount,
		Currency:    s.currency,
		Method:      domain.PaymentMethodMobileMoney,
		Type:        req.Type,
		Status:      domain.PaymentStatusPending,
		Description: req.Description,
		InitiatedBy: req.InitiatedBy,
	}
	accountRef := prep.settings.Credentials.AccountReference
	t := &models.ProviderTransaction{
		Provider:          domain.ProviderMpesa,
		SettingsScope:     prep.settings.ScopeKey,
		MerchantRequestID: "pd-" + uuid.NewString(),
		Status:            domain.TxnStatusInitiated,
		PayerReference:    prep.msisdn,
		AccountReference:  accountRef,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.payments.WithTx(tx).Create(ctx, p); err != nil {
			return err
		}
		t.PaymentID = p.ID
		return s.txns.WithTx(tx).Create(ctx, t)
	})
	if err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}
	log := s.logger.WithFields(logrus.Fields{"payment_id": p.ID, "scope": prep.settings.ScopeKey})

	desc := req.Description
	if desc == "" {
		desc = "Payment " + p.Type
	}
	resp, err := s.gateway.Push(ctx, prep.settings.Credentials, payment.PushRequest{
		Amount:           req.Amount,
		PayerReference:   prep.msisdn,
		AccountReference: accountRef,
		Description:      truncate(desc, 13),
		CallbackURL:      prep.settings.CallbackURL(),
	})
	if err == nil && (resp == nil || !resp.Accepted || resp.CheckoutRequestID == "") {
		err = fmt.Errorf("%w: push not accepted", payment.ErrGatewayRejected)
	}
	if err != nil {
		log.WithError(err).Warn("stk push failed")
		if ferr := s.failInitiated(context.WithoutCancel(ctx), t.ID, p.ID, err); ferr != nil {
			log.WithError(ferr).Error("record push failure")
		}
		return nil, &GatewayError{PaymentID: p.ID, Err: err}
	}

	if err := s.recordAcknowledged(ctx, t.ID, resp); err != nil {
		log.WithError(err).WithFields(logrus.Fields{"anomaly": true, "checkout_request_id": resp.CheckoutRequestID}).
			Error("push acknowledged but not recorded as pending")
		return nil, fmt.Errorf("record checkout id %s for payment %s: %w", resp.CheckoutRequestID, p.ID, err)
	}
	log.WithField("checkout_request_id", resp.CheckoutRequestID).Info("stk push sent")
	return &InitiateResult{
		PaymentID:         p.ID,
		TransactionID:     t.ID,
		CheckoutRequestID: resp.CheckoutRequestID,
		Status:            domain.PaymentStatusPending,
		CustomerMessage:   resp.ProviderMessage,
	}, nil
}

func (s *PaymentRequestInitiator) prepare(ctx context.Context, req *InitiateRequest) (*preparedPush, error) {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, invalid(verrs[0].Field(), "failed "+verrs[0].Tag()+" validation")
		}
		return nil, invalid("", err.Error())
	}
	if req.Type == "" {
		req.Type = domain.PaymentTypeRent
	}
	if !req.Amount.IsPositive() {
		return nil, invalid("amount", "must be greater than zero")
	}
	if !req.Amount.Equal(req.Amount.Truncate(0)) {
		return nil, invalid("amount", "mobile money amounts must be whole units")
	}

	tenant, err := s.tenants.GetByID(ctx, req.TenantID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, invalid("tenant_id", "tenant not found")
	}
	if err != nil {
		return nil, err
	}
	if tenant.Status != domain.TenantStatusActive {
		return nil, invalid("tenant_id", "tenant is not active")
	}
	property, err := s.properties.GetByID(ctx, tenant.PropertyID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	var orgID string
	if property != nil {
		orgID = property.OrganizationID
	}
	if req.OrganizationID != "" && req.OrganizationID != orgID {
		return nil, ErrForbidden
	}

	method, err := s.methods.GetForTenant(ctx, req.PaymentMethodID, tenant.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, invalid("payment_method_id", "payment method not found for tenant")
	}
	if err != nil {
		return nil, err
	}
	if method.Kind != domain.PaymentMethodMobileMoney {
		return nil, invalid("payment_method_id", "payment method is not mobile money")
	}
	if !method.Active {
		return nil, invalid("payment_method_id", "payment method is inactive")
	}
	msisdn, err := phone.NormalizeMSISDN(method.PayerReference, phone.DefaultRegion)
	if err != nil {
		return nil, invalid("payment_method_id", "payer phone number is invalid")
	}

	settings, err := s.settings.Resolve(ctx, tenant.PropertyID, orgID)
	if errors.Is(err, ErrGatewayNotConfigured) {
		return nil, invalid("", "mobile money is not configured for this property")
	}
	if err != nil {
		return nil, err
	}
	return &preparedPush{tenant: tenant, msisdn: msisdn, settings: settings}, nil
}

const markPendingAttempts = 3

// recordAcknowledged writes the gateway's checkout id once the push is out. The
// write outlives the request context. When it cannot move the row to pending,
// the checkout id is still attached so the callback can be matched and reviewed.
func (s *PaymentRequestInitiator) recordAcknowledged(ctx context.Context, txnID string, resp *payment.PushResponse) error {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 0; attempt < markPendingAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * s.retryDelay)
		}
		err = s.txns.MarkPending(ctx, txnID, resp.CheckoutRequestID, resp.ProviderMerchantRequestID, resp.ProviderMessage)
		if err == nil || errors.Is(err, repository.ErrStaleStatus) {
			break
		}
	}
	if err == nil {
		return nil
	}
	reason := "push acknowledged but not recorded as pending: " + err.Error()
	if aerr := s.txns.AttachCheckoutID(ctx, txnID, resp.CheckoutRequestID, resp.ProviderMerchantRequestID, reason); aerr != nil {
		s.logger.WithError(aerr).WithField("transaction_id", txnID).Error("attach checkout id")
	}
	return err
}

func (s *PaymentRequestInitiator) failInitiated(ctx context.Context, txnID, paymentID string, cause error) error {
	reason := "Unable to send payment prompt"
	if errors.Is(cause, payment.ErrGatewayRejected) {
		reason = "Payment request rejected by provider"
	}
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := s.txns.WithTx(tx).Transition(ctx, txnID, domain.TxnStatusInitiated, map[string]interface{}{
			"status":           domain.TxnStatusFailed,
			"provider_message": truncate(cause.Error(), 255),
			"result_desc":      reason,
			"completed_at":     now,
			"updated_at":       now,
		})
		if err != nil {
			return err
		}
		return s.payments.WithTx(tx).MarkFailed(ctx, paymentID, reason)
	})
}
