package payment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrMalformedCallback = errors.New("malformed stk callback")

// Daraja reports TransactionDate in East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

type stkCallbackEnvelope struct {
	Body struct {
		StkCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type stkCallback struct {
	MerchantRequestID string          `json:"MerchantRequestID"`
	CheckoutRequestID string          `json:"CheckoutRequestID"`
	ResultCode        json.Number     `json:"ResultCode"`
	ResultDesc        string          `json:"ResultDesc"`
	CallbackMetadata  *stkCallbackMeta `json:"CallbackMetadata"`
}

type stkCallbackMeta struct {
	Item []struct {
		Name  string      `json:"Name"`
		Value interface{} `json:"Value"`
	} `json:"Item"`
}

// ParseSTKCallback decodes a Daraja STK push callback body into a typed result.
func ParseSTKCallback(body []byte) (CallbackResult, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var env stkCallbackEnvelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	cb := env.Body.StkCallback
	if cb == nil {
		return nil, fmt.Errorf("%w: missing Body.stkCallback", ErrMalformedCallback)
	}
	if strings.TrimSpace(cb.CheckoutRequestID) == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", ErrMalformedCallback)
	}
	code64, err := cb.ResultCode.Int64()
	if err != nil {
		return nil, fmt.Errorf("%w: ResultCode %q", ErrMalformedCallback, cb.ResultCode)
	}
	code := int(code64)
	if code != 0 {
		return FailureResult{
			CheckoutRequestID: cb.CheckoutRequestID,
			MerchantRequestID: cb.MerchantRequestID,
			ReasonCode:        code,
			ReasonText:        ReasonForCode(code, cb.ResultDesc),
		}, nil
	}

	res := SuccessResult{
		CheckoutRequestID: cb.CheckoutRequestID,
		MerchantRequestID: cb.MerchantRequestID,
	}
	if cb.CallbackMetadata != nil {
		for _, it := range cb.CallbackMetadata.Item {
			switch it.Name {
			case "Amount":
				amt, err := decimalValue(it.Value)
				if err != nil {
					return nil, fmt.Errorf("%w: Amount: %v", ErrMalformedCallback, err)
				}
				res.Amount = amt
				res.AmountReported = true
			case "MpesaReceiptNumber":
				res.ReceiptNumber = stringValue(it.Value)
			case "PhoneNumber":
				res.PayerReference = stringValue(it.Value)
			case "TransactionDate":
				if t, err := time.ParseInLocation("20060102150405", stringValue(it.Value), eat); err == nil {
					res.PaidAt = t.UTC()
				}
			}
		}
	}
	if !res.AmountReported || res.ReceiptNumber == "" {
		return nil, fmt.Errorf("%w: success without Amount or MpesaReceiptNumber", ErrMalformedCallback)
	}
	if res.PaidAt.IsZero() {
		res.PaidAt = time.Now().UTC()
	}
	return res, nil
}

func decimalValue(v interface{}) (decimal.Decimal, error) {
	switch x := v.(type) {
	case json.Number:
		return decimal.NewFromString(x.String())
	case string:
		return decimal.NewFromString(strings.TrimSpace(x))
	default:
		return decimal.Zero, fmt.Errorf("unexpected type %T", v)
	}
}

func stringValue(v interface{}) string {
	switch x := v.(type) {
	case json.Number:
		return x.String()
	case string:
		return x
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
