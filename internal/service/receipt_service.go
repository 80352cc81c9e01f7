package service

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"propdesk/internal/models"
	"propdesk/internal/repository"
	"propdesk/pkg/cloudinary"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ReceiptGenerator issues the receipt for a completed payment. amount is what
// was applied to the tenant ledger.
type ReceiptGenerator interface {
	Generate(ctx context.Context, p *models.Payment, amount decimal.Decimal, providerReceipt string) (*models.Receipt, error)
}

var receiptTmpl = template.Must(template.New("receipt").Parse(`RECEIPT {{.Number}}
Date:        {{.Date}}
Payment:     {{.PaymentID}}
Tenant:      {{.TenantID}}
Type:        {{.Type}}
Amount:      {{.Currency}} {{.Amount}}
M-Pesa ref:  {{.ProviderReceipt}}
`))

type ReceiptService struct {
	repo   *repository.ReceiptRepository
	store  cloudinary.Client // optional
	folder string
	logger logrus.FieldLogger
}

func NewReceiptService(repo *repository.ReceiptRepository, store cloudinary.Client, folder string, logger logrus.FieldLogger) *ReceiptService {
	return &ReceiptService{repo: repo, store: store, folder: folder, logger: logger.WithField("component", "receipts")}
}

// Generate is idempotent per payment: a second call returns the existing receipt.
func (s *ReceiptService) Generate(ctx context.Context, p *models.Payment, amount decimal.Decimal, providerReceipt string) (*models.Receipt, error) {
	if existing, err := s.repo.GetByPaymentID(ctx, p.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	now := time.Now().UTC()
	rc := &models.Receipt{
		PaymentID: p.ID,
		Number:    receiptNumber(now),
		Amount:    amount,
	}
	if err := s.repo.Create(ctx, rc); err != nil {
		// Lost a race with another writer for the same payment.
		if existing, gerr := s.repo.GetByPaymentID(ctx, p.ID); gerr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create receipt: %w", err)
	}
	if s.store != nil {
		url, err := s.upload(ctx, rc, p, providerReceipt, now)
		if err != nil {
			s.logger.WithError(err).WithField("payment_id", p.ID).Warn("receipt document upload failed")
		} else if err := s.repo.SetDocumentURL(ctx, rc.ID, url); err == nil {
			rc.DocumentURL = url
		}
	}
	return rc, nil
}

func (s *ReceiptService) upload(ctx context.Context, rc *models.Receipt, p *models.Payment, providerReceipt string, at time.Time) (string, error) {
	var buf bytes.Buffer
	err := receiptTmpl.Execute(&buf, map[string]string{
		"Number":          rc.Number,
		"Date":            at.Format(time.RFC1123),
		"PaymentID":       p.ID,
		"TenantID":        p.TenantID,
		"Type":            p.Type,
		"Currency":        p.Currency,
		"Amount":          rc.Amount.StringFixed(2),
		"ProviderReceipt": providerReceipt,
	})
	if err != nil {
		return "", err
	}
	return s.store.UploadDocument(ctx, &buf, s.folder, strings.ToLower(rc.Number)+".txt")
}

func receiptNumber(at time.Time) string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("RCT-%s-%s", at.Format("20060102"), strings.ToUpper(hex.EncodeToString(b)))
}
