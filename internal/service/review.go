package service

import (
	"context"
	"fmt"
	"io"

	"propdesk/internal/domain"
	"propdesk/internal/models"
	"propdesk/internal/repository"

	"github.com/xuri/excelize/v2"
)

type ReviewQueue struct {
	Transactions       []models.ProviderTransaction `json:"transactions"`
	UnmatchedCallbacks []models.CallbackEvent       `json:"unmatched_callbacks"`
}

// ReviewService lists reconciliation anomalies for operators.
type ReviewService struct {
	txns   *repository.ProviderTransactionRepository
	events *repository.CallbackEventRepository
	limit  int
}

func NewReviewService(txns *repository.ProviderTransactionRepository, events *repository.CallbackEventRepository) *ReviewService {
	return &ReviewService{txns: txns, events: events, limit: 500}
}

func (s *ReviewService) ListForReview(ctx context.Context) (*ReviewQueue, error) {
	txns, err := s.txns.ListNeedsReview(ctx, s.limit)
	if err != nil {
		return nil, err
	}
	events, err := s.events.ListByStatus(ctx, domain.CallbackStatusUnmatched, s.limit)
	if err != nil {
		return nil, err
	}
	return &ReviewQueue{Transactions: txns, UnmatchedCallbacks: events}, nil
}

const (
	sheetTransactions = "Flagged transactions"
	sheetCallbacks    = "Unmatched callbacks"
)

// ExportReview writes the review queue as an xlsx workbook.
func (s *ReviewService) ExportReview(ctx context.Context, w io.Writer) error {
	q, err := s.ListForReview(ctx)
	if err != nil {
		return err
	}
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetTransactions); err != nil {
		return err
	}
	txnRows := [][]interface{}{{"Transaction", "Payment", "Checkout request", "Status", "Confirmed amount", "Receipt", "Reason", "Updated"}}
	for _, t := range q.Transactions {
		checkout := ""
		if t.CheckoutRequestID != nil {
			checkout = *t.CheckoutRequestID
		}
		confirmed := ""
		if t.ConfirmedAmount.Valid {
			confirmed = t.ConfirmedAmount.Decimal.StringFixed(2)
		}
		txnRows = append(txnRows, []interface{}{t.ID, t.PaymentID, checkout, t.Status, confirmed, t.ReceiptNumber, t.ReviewReason, t.UpdatedAt.UTC().Format("2006-01-02 15:04:05")})
	}
	if err := writeRows(f, sheetTransactions, txnRows); err != nil {
		return err
	}

	if _, err := f.NewSheet(sheetCallbacks); err != nil {
		return err
	}
	cbRows := [][]interface{}{{"Event", "Scope", "Checkout request", "Received", "Remote address", "Error"}}
	for _, e := range q.UnmatchedCallbacks {
		cbRows = append(cbRows, []interface{}{e.ID, e.Scope, e.CheckoutRequestID, e.CreatedAt.UTC().Format("2006-01-02 15:04:05"), e.RemoteAddr, e.Error})
	}
	if err := writeRows(f, sheetCallbacks, cbRows); err != nil {
		return err
	}
	return f.Write(w)
}

func writeRows(f *excelize.File, sheet string, rows [][]interface{}) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("%s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
