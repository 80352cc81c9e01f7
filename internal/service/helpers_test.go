package service

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"propdesk/config"
	"propdesk/internal/database"
	"propdesk/internal/domain"
	"propdesk/internal/models"
	"propdesk/pkg/payment"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testWebhookSecret = "default-webhook-secret"

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "propdesk.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// sqlite allows one writer; a single connection serialises the tests' goroutines.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type sentNotification struct {
	UserID  string
	Kind    string
	Payload map[string]interface{}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Notify(ctx context.Context, userID, kind string, payload map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{UserID: userID, Kind: kind, Payload: payload})
}

func (n *recordingNotifier) all() []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentNotification(nil), n.sent...)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []PaymentEvent
}

func (r *recordingEvents) Publish(ctx context.Context, ev PaymentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEvents) Close() error { return nil }

func (r *recordingEvents) all() []PaymentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PaymentEvent(nil), r.events...)
}

// fakeGateway accepts pushes with sequential checkout ids unless pushErr is set.
type fakeGateway struct {
	mu       sync.Mutex
	pushErr  error
	pushes   []payment.PushRequest
	creds    []payment.Credentials
	results  map[string]payment.CallbackResult
	queryErr error
	queries  int
	// onPush runs before a push is answered, outside the lock.
	onPush func()
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{results: make(map[string]payment.CallbackResult)}
}

func (g *fakeGateway) Push(ctx context.Context, creds payment.Credentials, req payment.PushRequest) (*payment.PushResponse, error) {
	if g.onPush != nil {
		g.onPush()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes = append(g.pushes, req)
	g.creds = append(g.creds, creds)
	if g.pushErr != nil {
		return nil, g.pushErr
	}
	return &payment.PushResponse{
		Accepted:                  true,
		CheckoutRequestID:         fmt.Sprintf("ws_CO_%d", len(g.pushes)),
		ProviderMerchantRequestID: fmt.Sprintf("29115-%d", len(g.pushes)),
		ProviderMessage:           "Success. Request accepted for processing",
	}, nil
}

func (g *fakeGateway) Query(ctx context.Context, creds payment.Credentials, checkoutRequestID string) (payment.CallbackResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries++
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	return g.results[checkoutRequestID], nil
}

func (g *fakeGateway) pushCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pushes)
}

type fixture struct {
	db        *gorm.DB
	cfg       *config.Config
	repos     *Repositories
	notifier  *recordingNotifier
	events    *recordingEvents
	gateway   *fakeGateway
	settings  *SettingsResolver
	receipts  *ReceiptService
	engine    *ReconciliationEngine
	receiver  *CallbackReceiver
	initiator *PaymentRequestInitiator

	property *models.Property
	tenant   *models.Tenant
	method   *models.PaymentMethod
}

func testConfig() *config.Config {
	return &config.Config{
		Mpesa: config.MpesaConfig{
			Environment:      "stub",
			Shortcode:        "174379",
			AccountReference: "RENT",
			WebhookSecret:    testWebhookSecret,
			CallbackBaseURL:  "https://api.propdesk.test",
		},
		Payment: config.PaymentConfig{Currency: "KES", AmountMismatchPolicy: domain.AmountPolicyRequested},
		Sweeper: config.SweeperConfig{
			InitiatedGrace: 0,
			PendingAfter:   0,
			ExpireAfter:    24 * time.Hour,
			BatchSize:      50,
		},
	}
}

func newFixture(t *testing.T, policy string) *fixture {
	t.Helper()
	db := newTestDB(t)
	cfg := testConfig()
	log := testLogger()
	repos := NewRepositories(db)
	f := &fixture{
		db:       db,
		cfg:      cfg,
		repos:    repos,
		notifier: &recordingNotifier{},
		events:   &recordingEvents{},
		gateway:  newFakeGateway(),
	}
	f.settings = NewSettingsResolver(repos.GatewaySetting, cfg.Mpesa, nil, 0, log)
	f.receipts = NewReceiptService(repos.Receipts, nil, "receipts", log)
	f.engine = NewReconciliationEngine(EngineDeps{
		DB:         db,
		Payments:   repos.Payments,
		Txns:       repos.Txns,
		Tenants:    repos.Tenants,
		Ledger:     repos.Ledger,
		Properties: repos.Properties,
		Receipts:   f.receipts,
		Notifier:   f.notifier,
		Events:     f.events,
	}, policy, log)
	f.receiver = NewCallbackReceiver(f.settings, repos.CallbackEvents, f.engine, log)
	f.initiator = NewPaymentRequestInitiator(InitiatorDeps{
		DB:         db,
		Payments:   repos.Payments,
		Txns:       repos.Txns,
		Tenants:    repos.Tenants,
		Methods:    repos.Methods,
		Properties: repos.Properties,
		Settings:   f.settings,
		Gateway:    f.gateway,
	}, cfg.Payment.Currency, log)

	ctx := context.Background()
	f.property = &models.Property{OrganizationID: "org-1", AdminUserID: "admin-user", Name: "Riverside Court"}
	if err := repos.Properties.Create(ctx, f.property); err != nil {
		t.Fatalf("seed property: %v", err)
	}
	f.tenant = &models.Tenant{
		PropertyID: f.property.ID,
		UserID:     "tenant-user",
		Name:       "Amina Otieno",
		Status:     domain.TenantStatusActive,
		Balance:    decimal.NewFromInt(1500),
	}
	if err := repos.Tenants.Create(ctx, f.tenant); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	f.method = &models.PaymentMethod{
		TenantID:       f.tenant.ID,
		Kind:           domain.PaymentMethodMobileMoney,
		PayerReference: "0712345678",
		Label:          "Safaricom",
		Active:         true,
	}
	if err := repos.Methods.Create(ctx, f.method); err != nil {
		t.Fatalf("seed payment method: %v", err)
	}
	return f
}

// pendingPayment records a payment whose push was acknowledged with checkoutID.
func (f *fixture) pendingPayment(t *testing.T, amount int64, checkoutID string) (*models.Payment, *models.ProviderTransaction) {
	t.Helper()
	ctx := context.Background()
	p := &models.Payment{
		TenantID: f.tenant.ID,
		Amount:   decimal.NewFromInt(amount),
		Currency: "KES",
		Method:   domain.PaymentMethodMobileMoney,
		Type:     domain.PaymentTypeRent,
		Status:   domain.PaymentStatusPending,
	}
	if err := f.repos.Payments.Create(ctx, p); err != nil {
		t.Fatalf("create payment: %v", err)
	}
	id := checkoutID
	txn := &models.ProviderTransaction{
		PaymentID:         p.ID,
		Provider:          domain.ProviderMpesa,
		SettingsScope:     domain.SettingsScopeDefault,
		MerchantRequestID: "pd-" + uuid.NewString(),
		CheckoutRequestID: &id,
		Status:            domain.TxnStatusPending,
		PayerReference:    "254712345678",
	}
	if err := f.repos.Txns.Create(ctx, txn); err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	return p, txn
}

func (f *fixture) reloadTxn(t *testing.T, id string) *models.ProviderTransaction {
	t.Helper()
	txn, err := f.repos.Txns.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("reload transaction: %v", err)
	}
	return txn
}

func (f *fixture) reloadPayment(t *testing.T, id string) *models.Payment {
	t.Helper()
	p, err := f.repos.Payments.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("reload payment: %v", err)
	}
	return p
}

func (f *fixture) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	tn, err := f.repos.Tenants.GetByID(context.Background(), f.tenant.ID)
	if err != nil {
		t.Fatalf("reload tenant: %v", err)
	}
	return tn.Balance
}

func (f *fixture) count(t *testing.T, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	q := f.db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func successCallback(checkoutID string, amount int64, receipt string) []byte {
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{
		"MerchantRequestID":"29115-34620561-1",
		"CheckoutRequestID":%q,
		"ResultCode":0,
		"ResultDesc":"The service request is processed successfully.",
		"CallbackMetadata":{"Item":[
			{"Name":"Amount","Value":%d},
			{"Name":"MpesaReceiptNumber","Value":%q},
			{"Name":"TransactionDate","Value":20240105143015},
			{"Name":"PhoneNumber","Value":254712345678}
		]}}}}`, checkoutID, amount, receipt))
}

func failureCallback(checkoutID string, code int, desc string) []byte {
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{
		"MerchantRequestID":"29115-34620561-1",
		"CheckoutRequestID":%q,
		"ResultCode":%d,
		"ResultDesc":%q}}}`, checkoutID, code, desc))
}
