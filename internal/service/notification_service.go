package service

import (
	"context"
	"encoding/json"

	"propdesk/config"
	"propdesk/internal/domain"
	"propdesk/internal/models"
	"propdesk/internal/repository"

	"github.com/sirupsen/logrus"
)

// NotificationDispatcher delivers a notification to a user. Delivery is
// best-effort and never reports failure to the caller.
type NotificationDispatcher interface {
	Notify(ctx context.Context, userID, kind string, payload map[string]interface{})
}

// Broadcaster pushes a live message to a user's open connections.
type Broadcaster interface {
	BroadcastToUser(userID string, payload interface{})
}

type NotificationService struct {
	repo   *repository.NotificationRepository
	fcm    *FCMService // optional
	live   Broadcaster // optional
	logger logrus.FieldLogger
}

func NewNotificationService(repo *repository.NotificationRepository, fcm *FCMService, live Broadcaster, logger logrus.FieldLogger) *NotificationService {
	return &NotificationService{repo: repo, fcm: fcm, live: live, logger: logger.WithField("component", "notifications")}
}

var notificationCopy = map[string][2]string{
	domain.NotifyPaymentConfirmed: {"Payment confirmed", "Your payment was received. Thank you."},
	domain.NotifyPaymentReceived:  {"Payment received", "A tenant payment has been confirmed."},
	domain.NotifyPaymentFailed:    {"Payment failed", "Your payment did not go through."},
}

// Notify stores the notification, then fans it out to FCM and live sockets.
func (s *NotificationService) Notify(ctx context.Context, userID, kind string, payload map[string]interface{}) {
	if userID == "" {
		return
	}
	title, body := kind, ""
	if c, ok := notificationCopy[kind]; ok {
		title, body = c[0], c[1]
	}
	if reason, ok := payload["reason"].(string); ok && kind == domain.NotifyPaymentFailed && reason != "" {
		body = reason
	}
	var dataJSON string
	if payload != nil {
		b, _ := json.Marshal(payload)
		dataJSON = string(b)
	}
	n := &models.Notification{
		UserID: userID,
		Type:   kind,
		Title:  title,
		Body:   body,
		Data:   dataJSON,
	}
	if err := s.repo.Create(ctx, n); err != nil {
		config.LogError(s.logger, "notifications", "Notify", "persist notification", logrus.Fields{"user_id": userID, "kind": kind}, err)
	}
	if s.live != nil {
		s.live.BroadcastToUser(userID, map[string]interface{}{
			"type":         "notification",
			"notification": n,
			"payload":      payload,
		})
	}
	if err := s.fcm.SendToUser(ctx, userID, kind, title, body, payload); err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Warn("push notification failed")
	}
}
