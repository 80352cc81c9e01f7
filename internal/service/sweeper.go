package service

import (
	"context"
	"errors"
	"time"

	"propdesk/config"
	"propdesk/internal/domain"
	"propdesk/internal/models"
	"propdesk/internal/repository"
	"propdesk/pkg/payment"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	reasonUnacknowledged = "Payment prompt was not acknowledged"
	reasonExpired        = "expired awaiting confirmation"
	// localFailureCode marks failures decided locally rather than by the provider.
	localFailureCode = -1
)

type SweepReport struct {
	InitiatedFailed int `json:"initiated_failed"`
	Recovered       int `json:"recovered"`
	Queried         int `json:"queried"`
	Resolved        int `json:"resolved"`
	Expired         int `json:"expired"`
	Replayed        int `json:"replayed"`
}

// Sweeper resolves transactions whose callback never arrived.
type Sweeper struct {
	db       *gorm.DB
	txns     *repository.ProviderTransactionRepository
	payments *repository.PaymentRepository
	settings *SettingsResolver
	gateway  payment.GatewayClient
	engine   *ReconciliationEngine
	receiver *CallbackReceiver
	cfg      config.SweeperConfig
	now      func() time.Time
	logger   logrus.FieldLogger
}

type SweeperDeps struct {
	DB       *gorm.DB
	Txns     *repository.ProviderTransactionRepository
	Payments *repository.PaymentRepository
	Settings *SettingsResolver
	Gateway  payment.GatewayClient
	Engine   *ReconciliationEngine
	Receiver *CallbackReceiver
}

func NewSweeper(deps SweeperDeps, cfg config.SweeperConfig, logger logrus.FieldLogger) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		db:       deps.DB,
		txns:     deps.Txns,
		payments: deps.Payments,
		settings: deps.Settings,
		gateway:  deps.Gateway,
		engine:   deps.Engine,
		receiver: deps.Receiver,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.WithField("component", "sweeper"),
	}
}

// Start schedules Run on the configured cron spec. Overlapping runs are skipped.
func (s *Sweeper) Start() (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(s.logger))))
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
		defer cancel()
		if _, err := s.Run(ctx); err != nil {
			config.LogError(s.logger, "sweeper", "Run", "scheduled sweep", nil, err)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	s.logger.WithField("schedule", s.cfg.Schedule).Info("sweeper started")
	return c, nil
}

func (s *Sweeper) Run(ctx context.Context) (*SweepReport, error) {
	rep := &SweepReport{}
	if err := s.sweepInitiated(ctx, rep); err != nil {
		return rep, err
	}
	if s.receiver != nil {
		n, err := s.receiver.ReplayUnmatched(ctx, s.cfg.BatchSize)
		if err != nil {
			return rep, err
		}
		rep.Replayed += n
	}
	if err := s.sweepPending(ctx, rep); err != nil {
		return rep, err
	}
	s.logger.WithFields(logrus.Fields{
		"initiated_failed": rep.InitiatedFailed,
		"recovered":        rep.Recovered,
		"queried":          rep.Queried,
		"resolved":         rep.Resolved,
		"expired":          rep.Expired,
		"replayed":         rep.Replayed,
	}).Info("sweep finished")
	return rep, nil
}

// sweepInitiated settles pushes that never reached pending. A row that holds a
// checkout id, or that an unmatched success callback can be tied to, was
// acknowledged by the gateway and is moved to pending for review instead.
func (s *Sweeper) sweepInitiated(ctx context.Context, rep *SweepReport) error {
	list, err := s.txns.ListStale(ctx, domain.TxnStatusInitiated, s.now().Add(-s.cfg.InitiatedGrace), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return nil
	}
	var orphans []unmatchedSuccess
	if s.receiver != nil {
		if orphans, err = s.receiver.unmatchedSuccesses(ctx, s.cfg.BatchSize); err != nil {
			return err
		}
	}
	for i := range list {
		t := &list[i]
		log := s.logger.WithFields(logrus.Fields{"transaction_id": t.ID, "payment_id": t.PaymentID})
		checkoutID, reason := "", ""
		if t.CheckoutRequestID != nil {
			checkoutID, reason = *t.CheckoutRequestID, "acknowledged push was not recorded as pending"
		} else if idx := s.matchOrphan(ctx, t, orphans); idx >= 0 {
			checkoutID, reason = orphans[idx].result.CheckoutRequestID, "checkout id recovered from an unmatched callback"
			orphans = append(orphans[:idx], orphans[idx+1:]...)
		}
		if checkoutID != "" {
			if s.reopenAcknowledged(ctx, t, checkoutID, reason) {
				log.WithFields(logrus.Fields{"anomaly": true, "checkout_request_id": checkoutID}).Warn(reason)
				rep.Recovered++
				if s.receiver != nil {
					rep.Replayed += s.receiver.replayByCheckoutID(ctx, checkoutID)
				}
				continue
			}
		}

		now := s.now().UTC()
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			err := s.txns.WithTx(tx).Transition(ctx, t.ID, domain.TxnStatusInitiated, map[string]interface{}{
				"status":       domain.TxnStatusFailed,
				"result_code":  localFailureCode,
				"result_desc":  reasonUnacknowledged,
				"completed_at": now,
				"updated_at":   now,
			})
			if err != nil {
				return err
			}
			return s.payments.WithTx(tx).MarkFailed(ctx, t.PaymentID, reasonUnacknowledged)
		})
		if errors.Is(err, repository.ErrStaleStatus) {
			continue
		}
		if err != nil {
			return err
		}
		rep.InitiatedFailed++
	}
	return nil
}

// matchOrphan returns the index of an unmatched success callback from the
// transaction's payer for its payment amount, received after it was created.
func (s *Sweeper) matchOrphan(ctx context.Context, t *models.ProviderTransaction, orphans []unmatchedSuccess) int {
	if len(orphans) == 0 || t.PayerReference == "" {
		return -1
	}
	p, err := s.payments.GetByID(ctx, t.PaymentID)
	if err != nil {
		return -1
	}
	for i, o := range orphans {
		if o.result.PayerReference == t.PayerReference && o.result.AmountReported &&
			o.result.Amount.Equal(p.Amount) && !o.createdAt.Before(t.CreatedAt) {
			return i
		}
	}
	return -1
}

// reopenAcknowledged moves an initiated transaction to pending under checkoutID and flags it.
func (s *Sweeper) reopenAcknowledged(ctx context.Context, t *models.ProviderTransaction, checkoutID, reason string) bool {
	err := s.txns.Transition(ctx, t.ID, domain.TxnStatusInitiated, map[string]interface{}{
		"status":              domain.TxnStatusPending,
		"checkout_request_id": checkoutID,
		"needs_review":        true,
		"review_reason":       reason,
		"updated_at":          s.now().UTC(),
	})
	if err != nil && !errors.Is(err, repository.ErrStaleStatus) {
		// The checkout id may already belong to another transaction.
		s.logger.WithError(err).WithField("transaction_id", t.ID).Warn("recover acknowledged push")
	}
	return err == nil
}

func (s *Sweeper) sweepPending(ctx context.Context, rep *SweepReport) error {
	list, err := s.txns.ListStale(ctx, domain.TxnStatusPending, s.now().Add(-s.cfg.PendingAfter), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for i := range list {
		t := &list[i]
		if t.CheckoutRequestID == nil {
			continue
		}
		log := s.logger.WithFields(logrus.Fields{"checkout_request_id": *t.CheckoutRequestID, "payment_id": t.PaymentID})
		result, answered := s.query(ctx, t, log)
		rep.Queried++
		if !answered {
			continue
		}
		expired := false
		if result == nil && t.CreatedAt.Before(s.now().Add(-s.cfg.ExpireAfter)) {
			result = payment.FailureResult{
				CheckoutRequestID: *t.CheckoutRequestID,
				ReasonCode:        localFailureCode,
				ReasonText:        reasonExpired,
			}
			expired = true
		}
		if result == nil {
			continue
		}
		out, err := s.engine.Reconcile(ctx, t.SettingsScope, result, nil)
		if err != nil {
			log.WithError(err).Warn("sweeper reconcile failed")
			continue
		}
		if out.Kind != OutcomeApplied {
			continue
		}
		if expired {
			rep.Expired++
		} else {
			rep.Resolved++
		}
	}
	return nil
}

// query asks the gateway for the final state. answered is false when the
// gateway could not be asked or failed to answer; a nil result with answered
// set means the provider still reports the push as unresolved.
func (s *Sweeper) query(ctx context.Context, t *models.ProviderTransaction, log logrus.FieldLogger) (payment.CallbackResult, bool) {
	if err := s.txns.TouchPolled(ctx, t.ID, s.now().UTC()); err != nil {
		log.WithError(err).Warn("record poll time")
	}
	settings, err := s.settings.ByScopeKey(ctx, t.SettingsScope)
	if err != nil {
		log.WithError(err).Warn("settings for pending transaction unavailable")
		return nil, false
	}
	result, err := s.gateway.Query(ctx, settings.Credentials, *t.CheckoutRequestID)
	if err != nil {
		log.WithError(err).Warn("status query failed")
		return nil, false
	}
	return result, true
}
