package service

import (
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"testing"

	"propdesk/internal/domain"

	"github.com/shopspring/decimal"
)

type memoryStore struct {
	uploads map[string]string
	err     error
}

func (m *memoryStore) UploadDocument(ctx context.Context, file io.Reader, folder, publicID string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	b, err := io.ReadAll(file)
	if err != nil {
		return "", err
	}
	m.uploads[folder+"/"+publicID] = string(b)
	return "https://res.cloudinary.test/raw/upload/" + folder + "/" + publicID, nil
}

var receiptNumberPattern = regexp.MustCompile(`^RCT-\d{8}-[0-9A-F]{8}$`)

func TestGenerateReceipt(t *testing.T) {
	f := newFixture(t, domain.AmountPolicyRequested)
	ctx := context.Background()
	p, _ := f.pendingPayment(t, 500, "ws_1")
	store := &memoryStore{uploads: map[string]string{}}
	svc := NewReceiptService(f.repos.Receipts, store, "receipts", testLogger())

	rc, err := svc.Generate(ctx, p, p.Amount, "ABCD1234")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !receiptNumberPattern.MatchString(rc.Number) {
		t.Errorf("receipt number %q", rc.Number)
	}
	if !strings.HasPrefix(rc.DocumentURL, "https://res.cloudinary.test/") {
		t.Errorf("document url = %q", rc.DocumentURL)
	}
	if len(store.uploads) != 1 {
		t.Fatalf("uploads = %d", len(store.uploads))
	}
	for _, doc := range store.uploads {
		if !strings.Contains(doc, "KES 500.00") || !strings.Contains(doc, "ABCD1234") {
			t.Errorf("document = %q", doc)
		}
	}

	again, err := svc.Generate(ctx, p, p.Amount, "ABCD1234")
	if err != nil {
		t.Fatalf("second Generate: %v", err)
	}
	if again.Number != rc.Number || len(store.uploads) != 1 {
		t.Errorf("second receipt %q, uploads %d; want the first one reused", again.Number, len(store.uploads))
	}
}

func TestGenerateReceiptUploadFailureKeepsReceipt(t *testing.T) {
	f := newFixture(t, domain.AmountPolicyRequested)
	p, _ := f.pendingPayment(t, 500, "ws_1")
	svc := NewReceiptService(f.repos.Receipts, &memoryStore{err: errors.New("cloudinary down")}, "receipts", testLogger())

	rc, err := svc.Generate(context.Background(), p, p.Amount, "ABCD1234")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if rc.Number == "" || rc.DocumentURL != "" {
		t.Errorf("receipt = %+v", rc)
	}
}

func TestGenerateReceiptUsesAppliedAmount(t *testing.T) {
	f := newFixture(t, domain.AmountPolicyConfirmed)
	p, _ := f.pendingPayment(t, 500, "ws_short")
	store := &memoryStore{uploads: map[string]string{}}
	svc := NewReceiptService(f.repos.Receipts, store, "receipts", testLogger())

	rc, err := svc.Generate(context.Background(), p, decimal.NewFromInt(450), "SHRT0001")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !rc.Amount.Equal(decimal.NewFromInt(450)) {
		t.Errorf("receipt amount = %s", rc.Amount)
	}
	for _, doc := range store.uploads {
		if !strings.Contains(doc, "KES 450.00") || strings.Contains(doc, "500.00") {
			t.Errorf("document = %q", doc)
		}
	}
}
