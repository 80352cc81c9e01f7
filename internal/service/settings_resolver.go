package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"propdesk/config"
	"propdesk/internal/domain"
	"propdesk/internal/models"
	"propdesk/internal/repository"
	"propdesk/pkg/payment"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ResolvedSettings are the gateway credentials that apply to one payment,
// together with the scope key that identifies them in webhook URLs.
type ResolvedSettings struct {
	ScopeKey        string              `json:"scope_key"`
	Scope           string              `json:"scope"`
	Credentials     payment.Credentials `json:"credentials"`
	WebhookSecret   string              `json:"webhook_secret"`
	CallbackBaseURL string              `json:"callback_base_url"`
}

// CallbackURL is where the gateway posts the outcome of a push sent with these settings.
func (s *ResolvedSettings) CallbackURL() string {
	return strings.TrimRight(s.CallbackBaseURL, "/") +
		"/api/v1/webhooks/mpesa/" + url.PathEscape(s.ScopeKey) +
		"?token=" + url.QueryEscape(s.WebhookSecret)
}

type SettingsResolver struct {
	repo     *repository.GatewaySettingRepository
	defaults config.MpesaConfig
	rdb      *redis.Client // optional
	ttl      time.Duration
	logger   logrus.FieldLogger
}

func NewSettingsResolver(repo *repository.GatewaySettingRepository, defaults config.MpesaConfig, rdb *redis.Client, ttl time.Duration, logger logrus.FieldLogger) *SettingsResolver {
	return &SettingsResolver{
		repo:     repo,
		defaults: defaults,
		rdb:      rdb,
		ttl:      ttl,
		logger:   logger.WithField("component", "settings_resolver"),
	}
}

// Resolve picks the most specific active settings: property, then
// organization, then the global row, then the process configuration.
func (r *SettingsResolver) Resolve(ctx context.Context, propertyID, organizationID string) (*ResolvedSettings, error) {
	cacheKey := "propdesk:gw:resolve:" + propertyID + ":" + organizationID
	if s, ok := r.cached(ctx, cacheKey); ok {
		return s, nil
	}
	candidates := []struct{ scope, id string }{
		{domain.SettingsScopeProperty, propertyID},
		{domain.SettingsScopeOrganization, organizationID},
		{domain.SettingsScopeGlobal, ""},
	}
	for _, c := range candidates {
		if c.scope != domain.SettingsScopeGlobal && c.id == "" {
			continue
		}
		row, err := r.repo.FindActive(ctx, c.scope, c.id)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if s := r.fromRow(row); s != nil {
			r.store(ctx, cacheKey, s)
			return s, nil
		}
	}
	s := r.fromDefaults()
	if s == nil {
		return nil, ErrGatewayNotConfigured
	}
	r.store(ctx, cacheKey, s)
	return s, nil
}

// ByScopeKey returns the settings that own a webhook URL.
func (r *SettingsResolver) ByScopeKey(ctx context.Context, key string) (*ResolvedSettings, error) {
	if key == domain.SettingsScopeDefault {
		if s := r.fromDefaults(); s != nil {
			return s, nil
		}
		return nil, ErrGatewayNotConfigured
	}
	cacheKey := "propdesk:gw:key:" + key
	if s, ok := r.cached(ctx, cacheKey); ok {
		return s, nil
	}
	row, err := r.repo.GetByID(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUnknownScope
	}
	if err != nil {
		return nil, err
	}
	if !row.Active {
		return nil, ErrUnknownScope
	}
	s := r.fromRow(row)
	if s == nil {
		return nil, ErrGatewayNotConfigured
	}
	r.store(ctx, cacheKey, s)
	return s, nil
}

type SaveSettingsRequest struct {
	Scope            string `json:"scope" validate:"required,oneof=property organization global"`
	ScopeID          string `json:"scope_id" validate:"required_unless=Scope global,max=36"`
	Environment      string `json:"environment" validate:"required,oneof=sandbox production stub"`
	ConsumerKey      string `json:"consumer_key" validate:"required_unless=Environment stub"`
	ConsumerSecret   string `json:"consumer_secret" validate:"required_unless=Environment stub"`
	Passkey          string `json:"passkey" validate:"required_unless=Environment stub"`
	Shortcode        string `json:"shortcode" validate:"required_unless=Environment stub,max=20"`
	AccountReference string `json:"account_reference" validate:"max=12"`
	// WebhookSecret keeps the stored secret when empty; a new row gets a generated one.
	WebhookSecret string `json:"webhook_secret" validate:"omitempty,min=24,max=128"`
	Active        *bool  `json:"active"`
}

// Save stores settings for one scope and drops cached resolutions. It returns
// the resolved form so the caller can show the callback URL.
func (r *SettingsResolver) Save(ctx context.Context, req SaveSettingsRequest) (*ResolvedSettings, error) {
	if err := settingsValidator.Struct(req); err != nil {
		return nil, invalid("", err.Error())
	}
	if req.Scope == domain.SettingsScopeGlobal {
		req.ScopeID = ""
	}
	secret := req.WebhookSecret
	if secret == "" {
		// Pushes already sent carry the stored secret in their callback URL.
		existing, err := r.repo.FindByScope(ctx, req.Scope, req.ScopeID)
		switch {
		case err == nil && existing.WebhookSecret != "":
			secret = existing.WebhookSecret
		case err == nil, errors.Is(err, repository.ErrNotFound):
			secret = randomSecret()
		default:
			return nil, err
		}
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	row, err := r.repo.Upsert(ctx, &models.GatewaySetting{
		Scope:            req.Scope,
		ScopeID:          req.ScopeID,
		Environment:      req.Environment,
		ConsumerKey:      req.ConsumerKey,
		ConsumerSecret:   req.ConsumerSecret,
		Passkey:          req.Passkey,
		Shortcode:        req.Shortcode,
		AccountReference: req.AccountReference,
		WebhookSecret:    secret,
		Active:           active,
	})
	if err != nil {
		return nil, err
	}
	r.invalidate(ctx)
	s := r.fromRow(row)
	if s == nil {
		return nil, ErrGatewayNotConfigured
	}
	return s, nil
}

func (r *SettingsResolver) invalidate(ctx context.Context) {
	if r.rdb == nil {
		return
	}
	iter := r.rdb.Scan(ctx, 0, "propdesk:gw:*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		r.logger.WithError(err).Warn("settings cache scan failed")
	}
	if len(keys) > 0 {
		if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
			r.logger.WithError(err).Warn("settings cache invalidation failed")
		}
	}
}

var settingsValidator = validator.New()

func randomSecret() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// fromRow returns nil for rows that cannot authenticate a push or a callback.
func (r *SettingsResolver) fromRow(row *models.GatewaySetting) *ResolvedSettings {
	env := row.Environment
	if env == "" {
		env = r.defaults.Environment
	}
	if row.WebhookSecret == "" || (env != "stub" && (row.ConsumerKey == "" || row.Shortcode == "")) {
		return nil
	}
	return &ResolvedSettings{
		ScopeKey: row.ID,
		Scope:    row.Scope,
		Credentials: payment.Credentials{
			Environment:      env,
			ConsumerKey:      row.ConsumerKey,
			ConsumerSecret:   row.ConsumerSecret,
			Passkey:          row.Passkey,
			Shortcode:        row.Shortcode,
			AccountReference: row.AccountReference,
		},
		WebhookSecret:   row.WebhookSecret,
		CallbackBaseURL: r.defaults.CallbackBaseURL,
	}
}

func (r *SettingsResolver) fromDefaults() *ResolvedSettings {
	d := r.defaults
	if d.WebhookSecret == "" || (d.Environment != "stub" && (d.ConsumerKey == "" || d.Shortcode == "")) {
		return nil
	}
	return &ResolvedSettings{
		ScopeKey: domain.SettingsScopeDefault,
		Scope:    domain.SettingsScopeDefault,
		Credentials: payment.Credentials{
			Environment:      d.Environment,
			ConsumerKey:      d.ConsumerKey,
			ConsumerSecret:   d.ConsumerSecret,
			Passkey:          d.Passkey,
			Shortcode:        d.Shortcode,
			AccountReference: d.AccountReference,
		},
		WebhookSecret:   d.WebhookSecret,
		CallbackBaseURL: d.CallbackBaseURL,
	}
}

func (r *SettingsResolver) cached(ctx context.Context, key string) (*ResolvedSettings, bool) {
	if r.rdb == nil {
		return nil, false
	}
	val, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.WithError(err).Warn("settings cache read failed")
		}
		return nil, false
	}
	var s ResolvedSettings
	if err := json.Unmarshal(val, &s); err != nil {
		return nil, false
	}
	return &s, true
}

func (r *SettingsResolver) store(ctx context.Context, key string, s *ResolvedSettings) {
	if r.rdb == nil || r.ttl <= 0 {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := r.rdb.Set(ctx, key, data, r.ttl).Err(); err != nil {
		r.logger.WithError(err).Warn("settings cache write failed")
	}
}
