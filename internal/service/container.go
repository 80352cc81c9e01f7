package service

import (
	"context"
	"fmt"

	"propdesk/config"
	"propdesk/internal/repository"
	"propdesk/pkg/cloudinary"
	"propdesk/pkg/payment"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Infra holds the optional outside collaborators. Nil members disable the
// feature that uses them.
type Infra struct {
	Redis   *redis.Client
	Cloud   cloudinary.Client
	Events  EventPublisher
	Live    Broadcaster
	Gateway payment.GatewayClient
}

type Repositories struct {
	Payments       *repository.PaymentRepository
	Txns           *repository.ProviderTransactionRepository
	Tenants        *repository.TenantRepository
	Properties     *repository.PropertyRepository
	Methods        *repository.PaymentMethodRepository
	GatewaySetting *repository.GatewaySettingRepository
	CallbackEvents *repository.CallbackEventRepository
	Ledger         *repository.LedgerRepository
	Receipts       *repository.ReceiptRepository
	Notifications  *repository.NotificationRepository
}

func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Payments:       repository.NewPaymentRepository(db),
		Txns:           repository.NewProviderTransactionRepository(db),
		Tenants:        repository.NewTenantRepository(db),
		Properties:     repository.NewPropertyRepository(db),
		Methods:        repository.NewPaymentMethodRepository(db),
		GatewaySetting: repository.NewGatewaySettingRepository(db),
		CallbackEvents: repository.NewCallbackEventRepository(db),
		Ledger:         repository.NewLedgerRepository(db),
		Receipts:       repository.NewReceiptRepository(db),
		Notifications:  repository.NewNotificationRepository(db),
	}
}

type Services struct {
	Repos         *Repositories
	Settings      *SettingsResolver
	Notifications *NotificationService
	Receipts      *ReceiptService
	Engine        *ReconciliationEngine
	Initiator     *PaymentRequestInitiator
	Receiver      *CallbackReceiver
	Sweeper       *Sweeper
	Review        *ReviewService
}

func NewServices(cfg *config.Config, db *gorm.DB, infra Infra, logger logrus.FieldLogger) *Services {
	repos := NewRepositories(db)
	gateway := infra.Gateway
	if gateway == nil {
		gateway = &payment.EnvironmentRouter{
			Live: payment.NewDarajaClient(cfg.Mpesa.HTTPTimeout, logger),
			Stub: payment.NewSandboxClient(),
		}
	}
	var locker Locker
	if infra.Redis != nil {
		locker = NewRedisLocker(infra.Redis, cfg.Redis.LockTTL)
	}

	settings := NewSettingsResolver(repos.GatewaySetting, cfg.Mpesa, infra.Redis, cfg.Redis.SettingsTTL, logger)
	fcm := NewFCMService(cfg.Firebase.ServiceAccountPath, logger)
	notifications := NewNotificationService(repos.Notifications, fcm, infra.Live, logger)
	receipts := NewReceiptService(repos.Receipts, infra.Cloud, cfg.Cloudinary.Folder, logger)
	engine := NewReconciliationEngine(EngineDeps{
		DB:         db,
		Payments:   repos.Payments,
		Txns:       repos.Txns,
		Tenants:    repos.Tenants,
		Ledger:     repos.Ledger,
		Properties: repos.Properties,
		Receipts:   receipts,
		Notifier:   notifications,
		Events:     infra.Events,
		Locker:     locker,
	}, cfg.Payment.AmountMismatchPolicy, logger)
	initiator := NewPaymentRequestInitiator(InitiatorDeps{
		DB:         db,
		Payments:   repos.Payments,
		Txns:       repos.Txns,
		Tenants:    repos.Tenants,
		Methods:    repos.Methods,
		Properties: repos.Properties,
		Settings:   settings,
		Gateway:    gateway,
	}, cfg.Payment.Currency, logger)
	receiver := NewCallbackReceiver(settings, repos.CallbackEvents, engine, logger)
	sweeper := NewSweeper(SweeperDeps{
		DB:       db,
		Txns:     repos.Txns,
		Payments: repos.Payments,
		Settings: settings,
		Gateway:  gateway,
		Engine:   engine,
		Receiver: receiver,
	}, cfg.Sweeper, logger)

	return &Services{
		Repos:         repos,
		Settings:      settings,
		Notifications: notifications,
		Receipts:      receipts,
		Engine:        engine,
		Initiator:     initiator,
		Receiver:      receiver,
		Sweeper:       sweeper,
		Review:        NewReviewService(repos.Txns, repos.CallbackEvents),
	}
}

// NewEventPublisher builds the publisher selected by EVENTS_DRIVER.
func NewEventPublisher(ctx context.Context, cfg config.EventsConfig) (EventPublisher, error) {
	switch cfg.Driver {
	case "", "none":
		return NoopPublisher{}, nil
	case "kafka":
		return NewKafkaPublisher(cfg.KafkaBrokers, cfg.Topic)
	case "pubsub":
		return NewPubSubPublisher(ctx, cfg.PubSubProject, cfg.Topic)
	default:
		return nil, fmt.Errorf("unknown events driver %q", cfg.Driver)
	}
}
