package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"propdesk/internal/domain"
	"propdesk/internal/models"
	"propdesk/internal/repository"
	"propdesk/pkg/payment"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

const maxCallbackBody = 1 << 20

type ReceiveResult struct {
	EventID string
	Status  string
	Outcome *Outcome
}

// CallbackReceiver authenticates gateway callbacks, records them durably and
// hands them to the reconciliation engine.
type CallbackReceiver struct {
	settings *SettingsResolver
	events   *repository.CallbackEventRepository
	engine   *ReconciliationEngine
	logger   logrus.FieldLogger
}

func NewCallbackReceiver(settings *SettingsResolver, events *repository.CallbackEventRepository, engine *ReconciliationEngine, logger logrus.FieldLogger) *CallbackReceiver {
	return &CallbackReceiver{settings: settings, events: events, engine: engine, logger: logger.WithField("component", "callback_receiver")}
}

// Authenticate checks token against the webhook secret of scopeKey.
func (r *CallbackReceiver) Authenticate(ctx context.Context, scopeKey, token string) (*ResolvedSettings, error) {
	s, err := r.settings.ByScopeKey(ctx, scopeKey)
	if errors.Is(err, ErrUnknownScope) || errors.Is(err, ErrGatewayNotConfigured) {
		return nil, ErrInvalidWebhookToken
	}
	if err != nil {
		return nil, err
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.WebhookSecret)) != 1 {
		return nil, ErrInvalidWebhookToken
	}
	return s, nil
}

// Receive authenticates before reading body. Once authenticated, processing
// failures are recorded on the callback event and not returned; only a failed
// audit write or a scope mismatch is reported to the caller.
func (r *CallbackReceiver) Receive(ctx context.Context, scopeKey, token string, body io.Reader, remoteAddr string) (*ReceiveResult, error) {
	if _, err := r.Authenticate(ctx, scopeKey, token); err != nil {
		if errors.Is(err, ErrInvalidWebhookToken) {
			r.logger.WithFields(logrus.Fields{"scope": scopeKey, "remote_addr": remoteAddr}).Warn("callback rejected: invalid token")
		}
		return nil, err
	}
	payload, err := io.ReadAll(io.LimitReader(body, maxCallbackBody))
	if err != nil {
		return nil, fmt.Errorf("read callback body: %w", err)
	}

	ev := &models.CallbackEvent{
		Provider:   domain.ProviderMpesa,
		Scope:      scopeKey,
		Payload:    storablePayload(payload),
		Status:     domain.CallbackStatusReceived,
		RemoteAddr: remoteAddr,
	}
	if err := r.events.Create(ctx, ev); err != nil {
		return nil, fmt.Errorf("record callback: %w", err)
	}

	res := r.process(ctx, ev.ID, scopeKey, payload)
	if errors.Is(res.err, ErrScopeMismatch) {
		return nil, res.err
	}
	return &ReceiveResult{EventID: ev.ID, Status: res.status, Outcome: res.outcome}, nil
}

// ReplayCallback re-runs a stored callback that was never applied.
func (r *CallbackReceiver) ReplayCallback(ctx context.Context, eventID string) (*ReceiveResult, error) {
	ev, err := r.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	switch ev.Status {
	case domain.CallbackStatusReceived, domain.CallbackStatusFailed, domain.CallbackStatusUnmatched:
	default:
		return nil, fmt.Errorf("%w: status %s", ErrNotReplayable, ev.Status)
	}
	res := r.process(ctx, ev.ID, ev.Scope, []byte(ev.Payload))
	return &ReceiveResult{EventID: ev.ID, Status: res.status, Outcome: res.outcome}, res.err
}

// maxUnmatchedReplays bounds automatic retries of one unmatched callback. Events
// past it stay unmatched and remain in the review queue.
const maxUnmatchedReplays = 10

// ReplayUnmatched retries unmatched callbacks, oldest first. A callback can beat
// the initiator's write of the checkout id; once that write lands the retry applies it.
func (r *CallbackReceiver) ReplayUnmatched(ctx context.Context, limit int) (int, error) {
	list, err := r.events.ListReplayable(ctx, domain.CallbackStatusUnmatched, maxUnmatchedReplays, limit)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, ev := range list {
		log := r.logger.WithField("event_id", ev.ID)
		attempts, err := r.events.IncrementReplayAttempts(ctx, ev.ID)
		if err != nil {
			log.WithError(err).Warn("count replay attempt")
			continue
		}
		res, err := r.ReplayCallback(ctx, ev.ID)
		if err != nil {
			log.WithError(err).Warn("replay unmatched callback")
			continue
		}
		switch {
		case res.Status == domain.CallbackStatusApplied:
			applied++
		case res.Status == domain.CallbackStatusUnmatched && attempts >= maxUnmatchedReplays:
			log.WithFields(logrus.Fields{"anomaly": true, "checkout_request_id": ev.CheckoutRequestID}).
				Warn("unmatched callback retired from automatic replay")
		}
	}
	return applied, nil
}

// replayByCheckoutID re-runs the unmatched callbacks stored for one checkout id,
// regardless of how often they were retried.
func (r *CallbackReceiver) replayByCheckoutID(ctx context.Context, checkoutID string) int {
	list, err := r.events.ListByCheckoutID(ctx, checkoutID)
	if err != nil {
		r.logger.WithError(err).WithField("checkout_request_id", checkoutID).Warn("load callbacks for checkout id")
		return 0
	}
	applied := 0
	for _, ev := range list {
		if ev.Status != domain.CallbackStatusUnmatched {
			continue
		}
		res, err := r.ReplayCallback(ctx, ev.ID)
		if err == nil && res.Status == domain.CallbackStatusApplied {
			applied++
		}
	}
	return applied
}

type unmatchedSuccess struct {
	eventID   string
	createdAt time.Time
	result    payment.SuccessResult
}

// unmatchedSuccesses decodes the most recent unmatched success callbacks.
func (r *CallbackReceiver) unmatchedSuccesses(ctx context.Context, limit int) ([]unmatchedSuccess, error) {
	list, err := r.events.ListByStatus(ctx, domain.CallbackStatusUnmatched, limit)
	if err != nil {
		return nil, err
	}
	var out []unmatchedSuccess
	for _, ev := range list {
		res, err := payment.ParseSTKCallback([]byte(ev.Payload))
		if err != nil {
			continue
		}
		if ok, isSuccess := res.(payment.SuccessResult); isSuccess {
			out = append(out, unmatchedSuccess{eventID: ev.ID, createdAt: ev.CreatedAt, result: ok})
		}
	}
	return out, nil
}

type processResult struct {
	status  string
	outcome *Outcome
	err     error
}

func (r *CallbackReceiver) process(ctx context.Context, eventID, scopeKey string, payload []byte) processResult {
	log := r.logger.WithFields(logrus.Fields{"event_id": eventID, "scope": scopeKey})
	var res processResult
	var checkoutID string

	result, err := payment.ParseSTKCallback(payload)
	if err != nil {
		log.WithError(err).WithField("anomaly", true).Warn("malformed callback")
		res = processResult{status: domain.CallbackStatusInvalid, err: err}
	} else {
		checkoutID = result.CheckoutID()
		out, err := r.engine.Reconcile(ctx, scopeKey, result, payload)
		switch {
		case errors.Is(err, ErrScopeMismatch):
			res = processResult{status: domain.CallbackStatusInvalid, err: err}
		case err != nil:
			res = processResult{status: domain.CallbackStatusFailed, err: err}
		default:
			res = processResult{status: outcomeStatus(out.Kind), outcome: out}
		}
	}

	var errMsg string
	if res.err != nil {
		errMsg = res.err.Error()
	}
	if err := r.events.MarkProcessed(context.WithoutCancel(ctx), eventID, checkoutID, res.status, errMsg); err != nil {
		log.WithError(err).Error("update callback event status")
	}
	return res
}

func outcomeStatus(k OutcomeKind) string {
	switch k {
	case OutcomeApplied:
		return domain.CallbackStatusApplied
	case OutcomeDuplicate:
		return domain.CallbackStatusDuplicate
	default:
		return domain.CallbackStatusUnmatched
	}
}

// storablePayload keeps non-JSON bodies storable in a JSON column.
func storablePayload(body []byte) datatypes.JSON {
	if json.Valid(body) {
		return datatypes.JSON(body)
	}
	wrapped, _ := json.Marshal(map[string]string{"unparsed": string(body), "received_at": time.Now().UTC().Format(time.RFC3339)})
	return datatypes.JSON(wrapped)
}
