package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func testCreds() Credentials {
	return Credentials{
		Environment:    "sandbox",
		ConsumerKey:    "ck",
		ConsumerSecret: "cs",
		Passkey:        "pk",
		Shortcode:      "174379",
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// darajaStub serves the token endpoint and delegates everything else to h.
func darajaStub(t *testing.T, tokenStatus int, h http.HandlerFunc) (*httptest.Server, *int32) {
	t.Helper()
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		if u, p, ok := r.BasicAuth(); !ok || u != "ck" || p != "cs" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if tokenStatus != http.StatusOK {
			w.WriteHeader(tokenStatus)
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"tok123","expires_in":"3599"}`))
	})
	mux.HandleFunc("/", h)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &tokenCalls
}

func TestDarajaPush(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		var got stkPushReq
		srv, tokenCalls := darajaStub(t, http.StatusOK, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/mpesa/stkpush/v1/processrequest" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			if r.Header.Get("Authorization") != "Bearer tok123" {
				t.Errorf("authorization = %q", r.Header.Get("Authorization"))
			}
			_ = json.NewDecoder(r.Body).Decode(&got)
			_, _ = w.Write([]byte(`{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1","ResponseCode":"0","ResponseDescription":"Success","CustomerMessage":"Success. Request accepted for processing"}`))
		})
		c := NewDarajaClient(5*time.Second, quietLogger())
		c.BaseURL = srv.URL

		req := PushRequest{Amount: decimal.NewFromInt(500), PayerReference: "254708374149", CallbackURL: "https://x/cb"}
		for i := 0; i < 2; i++ {
			res, err := c.Push(context.Background(), testCreds(), req)
			if err != nil {
				t.Fatalf("Push: %v", err)
			}
			if !res.Accepted || res.CheckoutRequestID != "ws_CO_1" {
				t.Fatalf("unexpected response %+v", res)
			}
		}
		if got.Amount != 500 || got.PartyB != "174379" || got.TransactionType != "CustomerPayBillOnline" {
			t.Errorf("unexpected push body %+v", got)
		}
		if got.Password != stkPassword("174379", "pk", got.Timestamp) {
			t.Errorf("password does not match shortcode+passkey+timestamp")
		}
		if n := atomic.LoadInt32(tokenCalls); n != 1 {
			t.Errorf("token fetched %d times, want 1", n)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		srv, _ := darajaStub(t, http.StatusOK, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"requestId":"r","errorCode":"400.002.02","errorMessage":"Bad Request - Invalid PhoneNumber"}`))
		})
		c := NewDarajaClient(5*time.Second, quietLogger())
		c.BaseURL = srv.URL
		_, err := c.Push(context.Background(), testCreds(), PushRequest{Amount: decimal.NewFromInt(1), PayerReference: "1"})
		if !errors.Is(err, ErrGatewayRejected) {
			t.Fatalf("expected ErrGatewayRejected, got %v", err)
		}
	})

	t.Run("auth failure", func(t *testing.T) {
		srv, _ := darajaStub(t, http.StatusBadRequest, func(w http.ResponseWriter, r *http.Request) {
			t.Error("push must not be sent without a token")
		})
		c := NewDarajaClient(5*time.Second, quietLogger())
		c.BaseURL = srv.URL
		_, err := c.Push(context.Background(), testCreds(), PushRequest{Amount: decimal.NewFromInt(1), PayerReference: "1"})
		if !errors.Is(err, ErrGatewayAuth) {
			t.Fatalf("expected ErrGatewayAuth, got %v", err)
		}
	})

	t.Run("transport failure", func(t *testing.T) {
		srv, _ := darajaStub(t, http.StatusOK, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		c := NewDarajaClient(5*time.Second, quietLogger())
		c.BaseURL = srv.URL
		_, err := c.Push(context.Background(), testCreds(), PushRequest{Amount: decimal.NewFromInt(1), PayerReference: "1"})
		if !errors.Is(err, ErrGatewayTransport) {
			t.Fatalf("expected ErrGatewayTransport, got %v", err)
		}
	})

	t.Run("unreachable host", func(t *testing.T) {
		c := NewDarajaClient(time.Second, quietLogger())
		c.BaseURL = "http://127.0.0.1:1"
		_, err := c.Push(context.Background(), testCreds(), PushRequest{Amount: decimal.NewFromInt(1), PayerReference: "1"})
		if !errors.Is(err, ErrGatewayTransport) {
			t.Fatalf("expected ErrGatewayTransport, got %v", err)
		}
	})
}

func TestDarajaQuery(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, res CallbackResult)
	}{
		{
			name:   "still processing",
			status: http.StatusInternalServerError,
			body:   `{"requestId":"r","errorCode":"500.001.1001","errorMessage":"The transaction is being processed"}`,
			check: func(t *testing.T, res CallbackResult) {
				if res != nil {
					t.Fatalf("expected nil result, got %#v", res)
				}
			},
		},
		{
			name:   "completed",
			status: http.StatusOK,
			body:   `{"ResponseCode":"0","MerchantRequestID":"m","CheckoutRequestID":"ws_9","ResultCode":"0","ResultDesc":"processed"}`,
			check: func(t *testing.T, res CallbackResult) {
				if _, ok := res.(SuccessResult); !ok {
					t.Fatalf("expected SuccessResult, got %T", res)
				}
			},
		},
		{
			name:   "cancelled",
			status: http.StatusOK,
			body:   `{"ResponseCode":"0","MerchantRequestID":"m","CheckoutRequestID":"ws_9","ResultCode":"1032","ResultDesc":"Request cancelled by user"}`,
			check: func(t *testing.T, res CallbackResult) {
				f, ok := res.(FailureResult)
				if !ok || f.ReasonCode != 1032 {
					t.Fatalf("expected 1032 failure, got %#v", res)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := darajaStub(t, http.StatusOK, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			c := NewDarajaClient(5*time.Second, quietLogger())
			c.BaseURL = srv.URL
			res, err := c.Query(context.Background(), testCreds(), "ws_9")
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			tt.check(t, res)
		})
	}
}

func TestDarajaRotatedSecretGetsNewToken(t *testing.T) {
	srv, tokenCalls := darajaStub(t, http.StatusOK, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1","ResponseCode":"0","ResponseDescription":"Success"}`))
	})
	c := NewDarajaClient(5*time.Second, quietLogger())
	c.BaseURL = srv.URL
	req := PushRequest{Amount: decimal.NewFromInt(500), PayerReference: "254708374149", CallbackURL: "https://x/cb"}

	if _, err := c.Push(context.Background(), testCreds(), req); err != nil {
		t.Fatalf("Push: %v", err)
	}
	rotated := testCreds()
	rotated.ConsumerSecret = "cs-rotated"
	_, err := c.Push(context.Background(), rotated, req)
	if !errors.Is(err, ErrGatewayAuth) {
		t.Fatalf("err = %v, want the token endpoint to see the rotated secret", err)
	}
	if n := atomic.LoadInt32(tokenCalls); n != 2 {
		t.Errorf("token calls = %d, want 2", n)
	}
}
