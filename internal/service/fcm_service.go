package service

import (
	"context"
	"encoding/json"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// FCMService sends push notifications via Firebase Cloud Messaging. Devices
// subscribe to their user's topic, so no device tokens are stored here.
type FCMService struct {
	client *messaging.Client
	logger logrus.FieldLogger
}

// NewFCMService returns nil if Firebase is not configured.
func NewFCMService(serviceAccountPath string, logger logrus.FieldLogger) *FCMService {
	if serviceAccountPath == "" {
		return nil
	}
	logger = logger.WithField("component", "fcm")
	ctx := context.Background()
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(serviceAccountPath))
	if err != nil {
		logger.WithError(err).Error("init firebase app")
		return nil
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		logger.WithError(err).Error("init messaging client")
		return nil
	}
	return &FCMService{client: client, logger: logger}
}

func UserTopic(userID string) string { return "user-" + userID }

// SendToUser pushes to the user's topic. FCM requires string data values.
func (s *FCMService) SendToUser(ctx context.Context, userID, kind, title, body string, data map[string]interface{}) error {
	if s == nil || userID == "" {
		return nil
	}
	dataStr := map[string]string{"type": kind}
	for k, v := range data {
		switch val := v.(type) {
		case string:
			dataStr[k] = val
		case fmt.Stringer:
			dataStr[k] = val.String()
		default:
			b, _ := json.Marshal(v)
			dataStr[k] = string(b)
		}
	}
	msg := &messaging.Message{
		Topic: UserTopic(userID),
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: dataStr,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Sound: "default",
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{Sound: "default"},
			},
		},
	}
	if _, err := s.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("fcm send: %w", err)
	}
	return nil
}
