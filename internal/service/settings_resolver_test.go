package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"propdesk/internal/domain"
	"propdesk/internal/models"
)

func seedSettings(t *testing.T, f *fixture, scope, scopeID, secret string) *models.GatewaySetting {
	t.Helper()
	row := &models.GatewaySetting{
		Scope:          scope,
		ScopeID:        scopeID,
		Environment:    "sandbox",
		ConsumerKey:    "key-" + scope,
		ConsumerSecret: "secret-" + scope,
		Passkey:        "passkey",
		Shortcode:      "600" + scope[:1],
		WebhookSecret:  secret,
		Active:         true,
	}
	if err := f.repos.GatewaySetting.Create(context.Background(), row); err != nil {
		t.Fatalf("seed %s settings: %v", scope, err)
	}
	return row
}

func TestResolvePrecedence(t *testing.T) {
	f := newFixture(t, domain.AmountPolicyRequested)
	ctx := context.Background()

	s, err := f.settings.Resolve(ctx, f.property.ID, "org-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.ScopeKey != domain.SettingsScopeDefault {
		t.Errorf("scope key = %q, want config defaults", s.ScopeKey)
	}

	global := seedSettings(t, f, domain.SettingsScopeGlobal, "", "global-secret")
	if s, _ = f.settings.Resolve(ctx, f.property.ID, "org-1"); s.ScopeKey != global.ID {
		t.Errorf("scope key = %q, want global row", s.ScopeKey)
	}

	org := seedSettings(t, f, domain.SettingsScopeOrganization, "org-1", "org-secret")
	if s, _ = f.settings.Resolve(ctx, f.property.ID, "org-1"); s.ScopeKey != org.ID {
		t.Errorf("scope key = %q, want organization row", s.ScopeKey)
	}

	prop := seedSettings(t, f, domain.SettingsScopeProperty, f.property.ID, "property-secret")
	s, err = f.settings.Resolve(ctx, f.property.ID, "org-1")
	if err != nil || s.ScopeKey != prop.ID {
		t.Fatalf("scope key = %v (%v), want property row", s, err)
	}
	if s.Credentials.ConsumerKey != "key-property" || s.WebhookSecret != "property-secret" {
		t.Errorf("credentials = %+v", s.Credentials)
	}
	if !strings.Contains(s.CallbackURL(), "/api/v1/webhooks/mpesa/"+prop.ID+"?token=property-secret") {
		t.Errorf("callback url = %q", s.CallbackURL())
	}

	// Other properties of the organization still get the organization row.
	if s, _ = f.settings.Resolve(ctx, "another-property", "org-1"); s.ScopeKey != org.ID {
		t.Errorf("sibling property scope = %q, want organization row", s.ScopeKey)
	}
}

func TestResolveSkipsIncompleteRows(t *testing.T) {
	f := newFixture(t, domain.AmountPolicyRequested)
	ctx := context.Background()
	org := seedSettings(t, f, domain.SettingsScopeOrganization, "org-1", "org-secret")

	incomplete := &models.GatewaySetting{
		Scope:         domain.SettingsScopeProperty,
		ScopeID:       f.property.ID,
		Environment:   "production",
		WebhookSecret: "no-credentials",
		Active:        true,
	}
	if err := f.repos.GatewaySetting.Create(ctx, incomplete); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s, err := f.settings.Resolve(ctx, f.property.ID, "org-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.ScopeKey != org.ID {
		t.Errorf("scope key = %q, want organization row", s.ScopeKey)
	}
}

func TestResolveNotConfigured(t *testing.T) {
	f := newFixture(t, domain.AmountPolicyRequested)
	cfg := f.cfg.Mpesa
	cfg.WebhookSecret = ""
	r := NewSettingsResolver(f.repos.GatewaySetting, cfg, nil, 0, testLogger())
	if _, err := r.Resolve(context.Background(), f.property.ID, "org-1"); !errors.Is(err, ErrGatewayNotConfigured) {
		t.Errorf("err = %v, want ErrGatewayNotConfigured", err)
	}
}

func TestByScopeKey(t *testing.T) {
	f := newFixture(t, domain.AmountPolicyRequested)
	ctx := context.Background()
	row := seedSettings(t, f, domain.SettingsScopeProperty, f.property.ID, "property-secret")

	s, err := f.settings.ByScopeKey(ctx, row.ID)
	if err != nil || s.WebhookSecret != "property-secret" {
		t.Fatalf("ByScopeKey = %+v, %v", s, err)
	}
	if s, err = f.settings.ByScopeKey(ctx, domain.SettingsScopeDefault); err != nil || s.WebhookSecret != testWebhookSecret {
		t.Fatalf("default scope = %+v, %v", s, err)
	}
	if _, err := f.settings.ByScopeKey(ctx, "missing"); !errors.Is(err, ErrUnknownScope) {
		t.Errorf("missing scope err = %v", err)
	}

	if err := f.db.Model(&models.GatewaySetting{}).Where("id = ?", row.ID).Update("active", false).Error; err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := f.settings.ByScopeKey(ctx, row.ID); !errors.Is(err, ErrUnknownScope) {
		t.Errorf("inactive scope err = %v, want ErrUnknownScope", err)
	}
}

func TestSaveSettingsKeepsScopeKey(t *testing.T) {
	f := newFixture(t, domain.AmountPolicyRequested)
	ctx := context.Background()

	first, err := f.settings.Save(ctx, SaveSettingsRequest{
		Scope:          domain.SettingsScopeOrganization,
		ScopeID:        "org-1",
		Environment:    "sandbox",
		ConsumerKey:    "ck",
		ConsumerSecret: "cs",
		Passkey:        "pk",
		Shortcode:      "174379",
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(first.WebhookSecret) < 24 {
		t.Errorf("generated secret %q too short", first.WebhookSecret)
	}

	second, err := f.settings.Save(ctx, SaveSettingsRequest{
		Scope:          domain.SettingsScopeOrganization,
		ScopeID:        "org-1",
		Environment:    "sandbox",
		ConsumerKey:    "ck-rotated",
		ConsumerSecret: "cs",
		Passkey:        "pk",
		Shortcode:      "174379",
	})
	if err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if second.ScopeKey != first.ScopeKey {
		t.Errorf("scope key changed from %q to %q", first.ScopeKey, second.ScopeKey)
	}
	if second.Credentials.ConsumerKey != "ck-rotated" {
		t.Errorf("consumer key = %q", second.Credentials.ConsumerKey)
	}
	if n := f.count(t, &models.GatewaySetting{}, ""); n != 1 {
		t.Errorf("settings rows = %d, want 1", n)
	}

	_, err = f.settings.Save(ctx, SaveSettingsRequest{Scope: "planet", Environment: "sandbox"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("err = %v, want *ValidationError", err)
	}
}

func TestSaveSettingsKeepsWebhookSecretForSentPushes(t *testing.T) {
	f := newFixture(t, domain.AmountPolicyRequested)
	ctx := context.Background()
	req := SaveSettingsRequest{
		Scope:          domain.SettingsScopeOrganization,
		ScopeID:        "org-1",
		Environment:    "sandbox",
		ConsumerKey:    "ck",
		ConsumerSecret: "cs",
		Passkey:        "pk",
		Shortcode:      "174379",
	}
	first, err := f.settings.Save(ctx, req)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	p, txn := f.pendingPayment(t, 500, "ws_org")
	if err := f.db.Model(&models.ProviderTransaction{}).Where("id = ?", txn.ID).Update("settings_scope", first.ScopeKey).Error; err != nil {
		t.Fatalf("move txn to org scope: %v", err)
	}

	req.ConsumerKey = "ck-rotated"
	second, err := f.settings.Save(ctx, req)
	if err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if second.WebhookSecret != first.WebhookSecret {
		t.Fatalf("secret rotated by an update that did not set one")
	}

	res, err := f.receiver.Receive(ctx, first.ScopeKey, first.WebhookSecret,
		bytes.NewReader(successCallback("ws_org", 500, "ORGS0001")), "196.201.214.200")
	if err != nil {
		t.Fatalf("Receive with the secret from the push: %v", err)
	}
	if res.Status != domain.CallbackStatusApplied {
		t.Errorf("callback status = %s", res.Status)
	}
	if pay := f.reloadPayment(t, p.ID); pay.Status != domain.PaymentStatusCompleted {
		t.Errorf("payment = %s", pay.Status)
	}

	req.WebhookSecret = "operator-chosen-secret-000001"
	third, err := f.settings.Save(ctx, req)
	if err != nil {
		t.Fatalf("third Save: %v", err)
	}
	if third.WebhookSecret != "operator-chosen-secret-000001" {
		t.Errorf("explicit secret not stored: %q", third.WebhookSecret)
	}
}
