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

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type OutcomeKind string

const (
	OutcomeApplied   OutcomeKind = "applied"
	OutcomeDuplicate OutcomeKind = "duplicate"
	OutcomeUnmatched OutcomeKind = "unmatched"
)

type Outcome struct {
	Kind          OutcomeKind
	TransactionID string
	PaymentID     string
	Status        string // transaction status after the call
	NeedsReview   bool
}

// ReconciliationEngine applies a gateway result to its transaction, payment
// and tenant ledger exactly once.
type ReconciliationEngine struct {
	db         *gorm.DB
	payments   *repository.PaymentRepository
	txns       *repository.ProviderTransactionRepository
	tenants    *repository.TenantRepository
	ledger     *repository.LedgerRepository
	properties *repository.PropertyRepository
	receipts   ReceiptGenerator
	notifier   NotificationDispatcher
	events     EventPublisher
	locker     Locker // optional
	policy     string
	logger     logrus.FieldLogger
}

type EngineDeps struct {
	DB         *gorm.DB
	Payments   *repository.PaymentRepository
	Txns       *repository.ProviderTransactionRepository
	Tenants    *repository.TenantRepository
	Ledger     *repository.LedgerRepository
	Properties *repository.PropertyRepository
	Receipts   ReceiptGenerator
	Notifier   NotificationDispatcher
	Events     EventPublisher
	Locker     Locker
}

func NewReconciliationEngine(deps EngineDeps, amountPolicy string, logger logrus.FieldLogger) *ReconciliationEngine {
	if amountPolicy != domain.AmountPolicyConfirmed {
		amountPolicy = domain.AmountPolicyRequested
	}
	events := deps.Events
	if events == nil {
		events = NoopPublisher{}
	}
	return &ReconciliationEngine{
		db:         deps.DB,
		payments:   deps.Payments,
		txns:       deps.Txns,
		tenants:    deps.Tenants,
		ledger:     deps.Ledger,
		properties: deps.Properties,
		receipts:   deps.Receipts,
		notifier:   deps.Notifier,
		events:     events,
		locker:     deps.Locker,
		policy:     amountPolicy,
		logger:     logger.WithField("component", "reconciler"),
	}
}

// committed is what the post-commit effects need to know about an applied result.
type committed struct {
	payment     models.Payment
	tenant      *models.Tenant
	success     bool
	applied     decimal.Decimal
	receiptNo   string
	reason      string
	needsReview bool
	checkoutID  string
}

// Reconcile applies result under row locks. scopeKey is the settings scope
// that authenticated the delivery; the empty key is reserved for internal
// callers (sweeper, replay) that resolved the transaction themselves. raw is
// stored as the last callback payload when non-nil.
func (e *ReconciliationEngine) Reconcile(ctx context.Context, scopeKey string, result payment.CallbackResult, raw []byte) (*Outcome, error) {
	checkoutID := result.CheckoutID()
	log := e.logger.WithField("checkout_request_id", checkoutID)

	if e.locker != nil {
		release, err := e.locker.Obtain(ctx, "checkout:"+checkoutID)
		if err != nil {
			log.WithError(err).Warn("checkout lock unavailable, relying on row locks")
		} else {
			defer release()
		}
	}

	out := &Outcome{}
	var done *committed
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txns := e.txns.WithTx(tx)
		payments := e.payments.WithTx(tx)

		t, err := txns.LockByCheckoutID(ctx, checkoutID)
		if errors.Is(err, repository.ErrNotFound) {
			out.Kind = OutcomeUnmatched
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock transaction: %w", err)
		}
		if scopeKey != "" && t.SettingsScope != scopeKey {
			return ErrScopeMismatch
		}
		out.TransactionID, out.PaymentID, out.Status = t.ID, t.PaymentID, t.Status

		p, err := payments.LockByID(ctx, t.PaymentID)
		if err != nil {
			return fmt.Errorf("lock payment %s: %w", t.PaymentID, err)
		}
		if t.Status != domain.TxnStatusPending || p.Status != domain.PaymentStatusPending {
			out.Kind = OutcomeDuplicate
			if sr, ok := result.(payment.SuccessResult); ok && failedLocally(t) {
				out.NeedsReview = true
				return e.flagLateSuccess(ctx, tx, t, sr, raw)
			}
			return nil
		}

		switch r := result.(type) {
		case payment.SuccessResult:
			done, err = e.applySuccess(ctx, tx, t, p, r, raw)
		case payment.FailureResult:
			done, err = e.applyFailure(ctx, tx, t, p, r, raw)
		default:
			err = fmt.Errorf("unsupported callback result %T", result)
		}
		if err != nil {
			return err
		}
		out.Kind = OutcomeApplied
		out.Status = domain.TxnStatusFailed
		if done.success {
			out.Status = domain.TxnStatusSuccess
		}
		out.NeedsReview = done.needsReview
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrScopeMismatch) {
			log.WithFields(logrus.Fields{"anomaly": true, "scope": scopeKey}).Warn("callback scope does not own transaction")
			return nil, err
		}
		log.WithError(err).Error("reconciliation rolled back")
		return nil, err
	}

	switch out.Kind {
	case OutcomeUnmatched:
		log.WithFields(logrus.Fields{"anomaly": true, "scope": scopeKey}).Warn("callback for unknown checkout request id")
	case OutcomeDuplicate:
		if out.NeedsReview {
			log.WithFields(logrus.Fields{"anomaly": true, "payment_id": out.PaymentID}).
				Warn("provider confirmed a payment that was already failed locally")
			break
		}
		log.WithFields(logrus.Fields{"payment_id": out.PaymentID, "status": out.Status}).Info("duplicate callback ignored")
	case OutcomeApplied:
		log.WithFields(logrus.Fields{"payment_id": out.PaymentID, "status": out.Status}).Info("callback applied")
		e.afterCommit(context.WithoutCancel(ctx), done)
	}
	return out, nil
}

func (e *ReconciliationEngine) applySuccess(ctx context.Context, tx *gorm.DB, t *models.ProviderTransaction, p *models.Payment, r payment.SuccessResult, raw []byte) (*committed, error) {
	applied := p.Amount
	var reviewReason string
	if r.AmountReported && !r.Amount.Equal(p.Amount) {
		reviewReason = fmt.Sprintf("confirmed amount %s differs from requested %s", r.Amount.StringFixed(2), p.Amount.StringFixed(2))
		if e.policy == domain.AmountPolicyConfirmed {
			applied = r.Amount
		}
		e.logger.WithFields(logrus.Fields{
			"anomaly":             true,
			"payment_id":          p.ID,
			"checkout_request_id": r.CheckoutRequestID,
			"policy":              e.policy,
		}).Warn(reviewReason)
	}

	tenant, err := e.tenants.WithTx(tx).LockByID(ctx, p.TenantID)
	if err != nil {
		return nil, fmt.Errorf("lock tenant %s: %w", p.TenantID, err)
	}
	balance := tenant.Balance.Sub(applied)
	if err := e.tenants.WithTx(tx).SetBalance(ctx, tenant.ID, balance); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}
	err = e.ledger.WithTx(tx).Create(ctx, &models.LedgerEntry{
		TenantID:     tenant.ID,
		PaymentID:    p.ID,
		Kind:         domain.LedgerKindPayment,
		Amount:       applied.Neg(),
		BalanceAfter: balance,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger entry: %w", err)
	}

	now := time.Now().UTC()
	paidAt := r.PaidAt
	if paidAt.IsZero() {
		paidAt = now
	}
	updates := map[string]interface{}{
		"status":           domain.TxnStatusSuccess,
		"result_code":      0,
		"result_desc":      "success",
		"receipt_number":   r.ReceiptNumber,
		"provider_paid_at": paidAt,
		"completed_at":     now,
		"updated_at":       now,
	}
	if r.AmountReported {
		updates["confirmed_amount"] = decimal.NewNullDecimal(r.Amount)
	}
	if reviewReason != "" {
		updates["needs_review"] = true
		updates["review_reason"] = truncate(reviewReason, 255)
	}
	if raw != nil {
		updates["raw_callback"] = datatypes.JSON(raw)
	}
	if err := e.txns.WithTx(tx).Transition(ctx, t.ID, domain.TxnStatusPending, updates); err != nil {
		return nil, fmt.Errorf("transaction status: %w", err)
	}
	if err := e.payments.WithTx(tx).MarkCompleted(ctx, p.ID, now); err != nil {
		return nil, fmt.Errorf("payment status: %w", err)
	}

	p.Status = domain.PaymentStatusCompleted
	p.CompletedAt = &now
	tenant.Balance = balance
	return &committed{
		payment:     *p,
		tenant:      tenant,
		success:     true,
		applied:     applied,
		receiptNo:   r.ReceiptNumber,
		needsReview: reviewReason != "",
		checkoutID:  r.CheckoutRequestID,
	}, nil
}

func (e *ReconciliationEngine) applyFailure(ctx context.Context, tx *gorm.DB, t *models.ProviderTransaction, p *models.Payment, r payment.FailureResult, raw []byte) (*committed, error) {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":       domain.TxnStatusFailed,
		"result_code":  r.ReasonCode,
		"result_desc":  truncate(r.ReasonText, 255),
		"completed_at": now,
		"updated_at":   now,
	}
	if raw != nil {
		updates["raw_callback"] = datatypes.JSON(raw)
	}
	if err := e.txns.WithTx(tx).Transition(ctx, t.ID, domain.TxnStatusPending, updates); err != nil {
		return nil, fmt.Errorf("transaction status: %w", err)
	}
	if err := e.payments.WithTx(tx).MarkFailed(ctx, p.ID, r.ReasonText); err != nil {
		return nil, fmt.Errorf("payment status: %w", err)
	}
	p.Status = domain.PaymentStatusFailed
	p.FailureReason = r.ReasonText
	return &committed{payment: *p, reason: r.ReasonText, checkoutID: r.CheckoutRequestID}, nil
}

// failedLocally reports whether t was failed by this service rather than by the provider.
func failedLocally(t *models.ProviderTransaction) bool {
	return t.Status == domain.TxnStatusFailed && t.ResultCode != nil && *t.ResultCode == localFailureCode
}

// flagLateSuccess keeps the provider's confirmation on a locally failed
// transaction for an operator to settle; the payment stays failed.
func (e *ReconciliationEngine) flagLateSuccess(ctx context.Context, tx *gorm.DB, t *models.ProviderTransaction, r payment.SuccessResult, raw []byte) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"needs_review":   true,
		"review_reason":  truncate("provider confirmed payment "+r.ReceiptNumber+" after it was failed locally", 255),
		"receipt_number": r.ReceiptNumber,
		"updated_at":     now,
	}
	if !r.PaidAt.IsZero() {
		updates["provider_paid_at"] = r.PaidAt
	}
	if r.AmountReported {
		updates["confirmed_amount"] = decimal.NewNullDecimal(r.Amount)
	}
	if raw != nil {
		updates["raw_callback"] = datatypes.JSON(raw)
	}
	if err := e.txns.WithTx(tx).Transition(ctx, t.ID, domain.TxnStatusFailed, updates); err != nil {
		return fmt.Errorf("flag late success: %w", err)
	}
	return nil
}

// afterCommit runs the side effects of an applied result. Failures are logged;
// the financial commit already stands.
func (e *ReconciliationEngine) afterCommit(ctx context.Context, c *committed) {
	log := e.logger.WithFields(logrus.Fields{"payment_id": c.payment.ID, "checkout_request_id": c.checkoutID})

	tenant := c.tenant
	if tenant == nil {
		t, err := e.tenants.GetByID(ctx, c.payment.TenantID)
		if err != nil {
			log.WithError(err).Warn("load tenant for notifications")
		} else {
			tenant = t
		}
	}

	ev := PaymentEvent{
		PaymentID:         c.payment.ID,
		TenantID:          c.payment.TenantID,
		Amount:            c.payment.Amount.StringFixed(2),
		Currency:          c.payment.Currency,
		CheckoutRequestID: c.checkoutID,
		OccurredAt:        time.Now().UTC(),
	}

	if c.success {
		ev.Type = EventPaymentCompleted
		ev.Amount = c.applied.StringFixed(2)
		ev.ReceiptNumber = c.receiptNo
		ev.NeedsReview = c.needsReview

		payload := map[string]interface{}{
			"payment_id":     c.payment.ID,
			"amount":         c.applied.StringFixed(2),
			"currency":       c.payment.Currency,
			"receipt_number": c.receiptNo,
		}
		if e.receipts != nil {
			rc, err := e.receipts.Generate(ctx, &c.payment, c.applied, c.receiptNo)
			if err != nil {
				log.WithError(err).Warn("receipt generation failed")
			} else {
				payload["receipt"] = rc.Number
				if rc.DocumentURL != "" {
					payload["receipt_url"] = rc.DocumentURL
				}
			}
		}
		if e.notifier != nil && tenant != nil {
			e.notifier.Notify(ctx, tenant.UserID, domain.NotifyPaymentConfirmed, payload)
			if admin := e.propertyAdmin(ctx, tenant.PropertyID); admin != "" {
				e.notifier.Notify(ctx, admin, domain.NotifyPaymentReceived, map[string]interface{}{
					"payment_id": c.payment.ID,
					"tenant_id":  tenant.ID,
					"tenant":     tenant.Name,
					"amount":     c.applied.StringFixed(2),
					"currency":   c.payment.Currency,
				})
			}
		}
	} else {
		ev.Type = EventPaymentFailed
		ev.Reason = c.reason
		if e.notifier != nil && tenant != nil {
			e.notifier.Notify(ctx, tenant.UserID, domain.NotifyPaymentFailed, map[string]interface{}{
				"payment_id": c.payment.ID,
				"reason":     c.reason,
			})
		}
	}

	if err := e.events.Publish(ctx, ev); err != nil {
		log.WithError(err).Warn("publish payment event failed")
	}
}

func (e *ReconciliationEngine) propertyAdmin(ctx context.Context, propertyID string) string {
	if e.properties == nil || propertyID == "" {
		return ""
	}
	p, err := e.properties.GetByID(ctx, propertyID)
	if err != nil {
		e.logger.WithError(err).WithField("property_id", propertyID).Warn("load property admin")
		return ""
	}
	return p.AdminUserID
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
