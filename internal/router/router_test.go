package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"propdesk/config"
	"propdesk/internal/auth"
	"propdesk/internal/database"
	"propdesk/internal/domain"
	"propdesk/internal/models"
	"propdesk/internal/service"
	"propdesk/internal/ws"
	"propdesk/pkg/payment"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const webhookSecret = "router-test-webhook-secret"

type downGateway struct{}

func (downGateway) Push(context.Context, payment.Credentials, payment.PushRequest) (*payment.PushResponse, error) {
	return nil, fmt.Errorf("%w: connection refused", payment.ErrGatewayTransport)
}

func (downGateway) Query(context.Context, payment.Credentials, string) (payment.CallbackResult, error) {
	return nil, nil
}

type testServer struct {
	engine *gin.Engine
	cfg    *config.Config
	svc    *service.Services
	tenant *models.Tenant
	method *models.PaymentMethod
}

func newTestServer(t *testing.T, gateway payment.GatewayClient) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "router.db")), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := &config.Config{
		Server: config.ServerConfig{Env: "test"},
		JWT:    config.JWTConfig{AccessSecret: "router-test-jwt", AccessExpiry: time.Minute, Issuer: "propdesk"},
		Mpesa: config.MpesaConfig{
			Environment:      "stub",
			Shortcode:        "174379",
			AccountReference: "RENT",
			WebhookSecret:    webhookSecret,
			CallbackBaseURL:  "https://api.propdesk.test",
		},
		Payment: config.PaymentConfig{Currency: "KES", AmountMismatchPolicy: domain.AmountPolicyRequested},
		Sweeper: config.SweeperConfig{PendingAfter: time.Minute, InitiatedGrace: time.Minute, ExpireAfter: 24 * time.Hour, BatchSize: 10},
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	hub := ws.NewHub()
	svc := service.NewServices(cfg, db, service.Infra{Live: hub, Gateway: gateway}, log)

	ctx := context.Background()
	prop := &models.Property{OrganizationID: "org-1", AdminUserID: "admin-user", Name: "Riverside Court"}
	if err := svc.Repos.Properties.Create(ctx, prop); err != nil {
		t.Fatalf("seed property: %v", err)
	}
	tenant := &models.Tenant{PropertyID: prop.ID, UserID: "tenant-user", Name: "Amina Otieno", Status: domain.TenantStatusActive, Balance: decimal.NewFromInt(1500)}
	if err := svc.Repos.Tenants.Create(ctx, tenant); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	method := &models.PaymentMethod{TenantID: tenant.ID, Kind: domain.PaymentMethodMobileMoney, PayerReference: "0712345678", Active: true}
	if err := svc.Repos.Methods.Create(ctx, method); err != nil {
		t.Fatalf("seed method: %v", err)
	}
	return &testServer{engine: Setup(cfg, svc, hub, log), cfg: cfg, svc: svc, tenant: tenant, method: method}
}

func (s *testServer) token(t *testing.T, userID, tenantID, role string) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken(&s.cfg.JWT, userID, "org-1", tenantID, role)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return tok
}

func (s *testServer) do(method, path, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func successBody(checkoutID string) []byte {
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"29115-1","CheckoutRequestID":%q,"ResultCode":0,"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[{"Name":"Amount","Value":500},{"Name":"MpesaReceiptNumber","Value":"ABCD1234"},{"Name":"TransactionDate","Value":20240105143015},{"Name":"PhoneNumber","Value":254712345678}]}}}}`, checkoutID))
}

func TestPaymentRoundTrip(t *testing.T) {
	s := newTestServer(t, nil)
	tenantTok := s.token(t, "tenant-user", s.tenant.ID, domain.RoleTenant)

	body, _ := json.Marshal(map[string]interface{}{"payment_method_id": s.method.ID, "amount": 500})
	w := s.do(http.MethodPost, "/api/v1/payments/mobile-money", tenantTok, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("initiate status = %d body=%s", w.Code, w.Body)
	}
	var started service.InitiateResult
	if err := json.Unmarshal(w.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if started.CheckoutRequestID == "" {
		t.Fatal("no checkout request id")
	}

	w = s.do(http.MethodPost, "/api/v1/webhooks/mpesa/default?token=wrong", "", successBody(started.CheckoutRequestID))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d", w.Code)
	}

	w = s.do(http.MethodPost, "/api/v1/webhooks/mpesa/default?token="+webhookSecret, "", successBody(started.CheckoutRequestID))
	if w.Code != http.StatusOK {
		t.Fatalf("callback status = %d body=%s", w.Code, w.Body)
	}
	var ack map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &ack); err != nil || ack["ResultCode"] != float64(0) {
		t.Errorf("ack = %s", w.Body)
	}

	w = s.do(http.MethodGet, "/api/v1/payments/"+started.PaymentID, tenantTok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var got struct {
		Payment     models.Payment `json:"payment"`
		Transaction struct {
			Status        string `json:"status"`
			ReceiptNumber string `json:"receipt_number"`
		} `json:"transaction"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode payment: %v", err)
	}
	if got.Payment.Status != domain.PaymentStatusCompleted || got.Transaction.Status != domain.TxnStatusSuccess || got.Transaction.ReceiptNumber != "ABCD1234" {
		t.Errorf("payment = %s txn = %+v", got.Payment.Status, got.Transaction)
	}

	w = s.do(http.MethodGet, "/api/v1/notifications", tenantTok, nil)
	if w.Code != http.StatusOK {
		t.Errorf("notifications status = %d", w.Code)
	}
}

func TestInitiateErrors(t *testing.T) {
	s := newTestServer(t, nil)
	tenantTok := s.token(t, "tenant-user", s.tenant.ID, domain.RoleTenant)

	w := s.do(http.MethodPost, "/api/v1/payments/mobile-money", "", []byte(`{}`))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d", w.Code)
	}

	body, _ := json.Marshal(map[string]interface{}{"payment_method_id": s.method.ID, "amount": 0})
	if w = s.do(http.MethodPost, "/api/v1/payments/mobile-money", tenantTok, body); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("zero amount status = %d body=%s", w.Code, w.Body)
	}

	body, _ = json.Marshal(map[string]interface{}{"tenant_id": "someone-else", "payment_method_id": s.method.ID, "amount": 500})
	if w = s.do(http.MethodPost, "/api/v1/payments/mobile-money", tenantTok, body); w.Code != http.StatusForbidden {
		t.Errorf("other tenant status = %d", w.Code)
	}
}

func TestInitiateGatewayDown(t *testing.T) {
	s := newTestServer(t, downGateway{})
	staffTok := s.token(t, "staff-user", "", domain.RoleStaff)

	body, _ := json.Marshal(map[string]interface{}{"tenant_id": s.tenant.ID, "payment_method_id": s.method.ID, "amount": 500})
	w := s.do(http.MethodPost, "/api/v1/payments/mobile-money", staffTok, body)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d body=%s", w.Code, w.Body)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	id, _ := resp["payment_id"].(string)
	p, err := s.svc.Repos.Payments.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("payment %q not recorded: %v", id, err)
	}
	if p.Status != domain.PaymentStatusFailed {
		t.Errorf("payment status = %s", p.Status)
	}
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodGet, "/api/v1/admin/payments/review", s.token(t, "staff-user", "", domain.RoleStaff), nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("staff status = %d", w.Code)
	}
	admin := s.token(t, "admin-user", "", domain.RoleAdmin)
	if w = s.do(http.MethodGet, "/api/v1/admin/payments/review", admin, nil); w.Code != http.StatusOK {
		t.Errorf("admin review status = %d", w.Code)
	}
	if w = s.do(http.MethodPost, "/api/v1/admin/payments/sweep", admin, nil); w.Code != http.StatusOK {
		t.Errorf("admin sweep status = %d body=%s", w.Code, w.Body)
	}
	if w = s.do(http.MethodPost, "/api/v1/admin/callbacks/missing/replay", admin, nil); w.Code != http.StatusNotFound {
		t.Errorf("replay missing status = %d", w.Code)
	}

	body := []byte(`{"scope":"organization","scope_id":"org-1","environment":"stub"}`)
	w = s.do(http.MethodPut, "/api/v1/admin/gateway-settings", admin, body)
	if w.Code != http.StatusOK {
		t.Fatalf("save settings status = %d body=%s", w.Code, w.Body)
	}
	var saved map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &saved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if url, _ := saved["callback_url"].(string); url == "" {
		t.Errorf("callback url missing: %s", w.Body)
	}
}
