package payment

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const (
	DarajaSandboxURL    = "https://sandbox.safaricom.co.ke"
	DarajaProductionURL = "https://api.safaricom.co.ke"
)

// Daraja answers a status query for an unfinished push with this error code.
const darajaStillProcessing = "500.001.1001"

// DarajaClient implements GatewayClient against Safaricom's M-Pesa Express API.
type DarajaClient struct {
	// BaseURL overrides the environment-derived host when set.
	BaseURL string
	client  *http.Client
	logger  logrus.FieldLogger

	mu     sync.Mutex
	tokens map[string]oauth2.TokenSource
}

func NewDarajaClient(timeout time.Duration, logger logrus.FieldLogger) *DarajaClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DarajaClient{
		client: &http.Client{Timeout: timeout},
		logger: logger.WithField("component", "daraja"),
		tokens: make(map[string]oauth2.TokenSource),
	}
}

func (c *DarajaClient) baseURL(creds Credentials) string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	if creds.Environment == "production" {
		return DarajaProductionURL
	}
	return DarajaSandboxURL
}

// tokenSource returns a cached, self-refreshing token source per credential
// set. A rotated consumer secret gets a new source.
func (c *DarajaClient) tokenSource(creds Credentials) oauth2.TokenSource {
	base := c.baseURL(creds)
	sum := sha256.Sum256([]byte(creds.ConsumerSecret))
	key := base + "|" + creds.ConsumerKey + "|" + hex.EncodeToString(sum[:8])
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.tokens[key]; ok {
		return ts
	}
	ts := oauth2.ReuseTokenSource(nil, &darajaTokenSource{
		url:    base + "/oauth/v1/generate?grant_type=client_credentials",
		key:    creds.ConsumerKey,
		secret: creds.ConsumerSecret,
		client: c.client,
	})
	c.tokens[key] = ts
	return ts
}

type darajaTokenSource struct {
	url    string
	key    string
	secret string
	client *http.Client
}

type darajaTokenResp struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (s *darajaTokenSource) Token() (*oauth2.Token, error) {
	req, err := http.NewRequest(http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(s.key, s.secret)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: token: %v", ErrGatewayTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: token endpoint returned %d", ErrGatewayAuth, resp.StatusCode)
	}
	var out darajaTokenResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: token decode: %v", ErrGatewayAuth, err)
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrGatewayAuth)
	}
	secs, _ := strconv.Atoi(out.ExpiresIn)
	if secs <= 0 {
		secs = 3599
	}
	return &oauth2.Token{
		AccessToken: out.AccessToken,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Duration(secs) * time.Second),
	}, nil
}

type stkPushReq struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResp struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkQueryReq struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResp struct {
	ResponseCode        string      `json:"ResponseCode"`
	ResponseDescription string      `json:"ResponseDescription"`
	MerchantRequestID   string      `json:"MerchantRequestID"`
	CheckoutRequestID   string      `json:"CheckoutRequestID"`
	ResultCode          json.Number `json:"ResultCode"`
	ResultDesc          string      `json:"ResultDesc"`
}

type darajaErrorResp struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func stkPassword(shortcode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
}

func stkTimestamp(now time.Time) string {
	return now.In(eat).Format("20060102150405")
}

func (c *DarajaClient) Push(ctx context.Context, creds Credentials, req PushRequest) (*PushResponse, error) {
	ts := stkTimestamp(time.Now())
	accountRef := req.AccountReference
	if accountRef == "" {
		accountRef = creds.AccountReference
	}
	body := stkPushReq{
		BusinessShortCode: creds.Shortcode,
		Password:          stkPassword(creds.Shortcode, creds.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            req.Amount.IntPart(),
		PartyA:            req.PayerReference,
		PartyB:            creds.Shortcode,
		PhoneNumber:       req.PayerReference,
		CallBackURL:       req.CallbackURL,
		AccountReference:  accountRef,
		TransactionDesc:   req.Description,
	}
	var out stkPushResp
	status, raw, err := c.post(ctx, creds, "/mpesa/stkpush/v1/processrequest", body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, rejection(status, raw)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode push response: %v", ErrGatewayTransport, err)
	}
	if out.ResponseCode != "0" || out.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: %s %s", ErrGatewayRejected, out.ResponseCode, out.ResponseDescription)
	}
	c.logger.WithFields(logrus.Fields{
		"checkout_request_id": out.CheckoutRequestID,
		"merchant_request_id": out.MerchantRequestID,
	}).Info("stk push accepted")
	return &PushResponse{
		Accepted:                  true,
		CheckoutRequestID:         out.CheckoutRequestID,
		ProviderMerchantRequestID: out.MerchantRequestID,
		ProviderMessage:           out.CustomerMessage,
	}, nil
}

func (c *DarajaClient) Query(ctx context.Context, creds Credentials, checkoutRequestID string) (CallbackResult, error) {
	ts := stkTimestamp(time.Now())
	body := stkQueryReq{
		BusinessShortCode: creds.Shortcode,
		Password:          stkPassword(creds.Shortcode, creds.Passkey, ts),
		Timestamp:         ts,
		CheckoutRequestID: checkoutRequestID,
	}
	status, raw, err := c.post(ctx, creds, "/mpesa/stkpushquery/v1/query", body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		var e darajaErrorResp
		if json.Unmarshal(raw, &e) == nil && e.ErrorCode == darajaStillProcessing {
			return nil, nil
		}
		return nil, rejection(status, raw)
	}
	var out stkQueryResp
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode query response: %v", ErrGatewayTransport, err)
	}
	code, err := out.ResultCode.Int64()
	if err != nil {
		return nil, nil
	}
	if code == 0 {
		return SuccessResult{
			CheckoutRequestID: checkoutRequestID,
			MerchantRequestID: out.MerchantRequestID,
			PaidAt:            time.Now().UTC(),
		}, nil
	}
	return FailureResult{
		CheckoutRequestID: checkoutRequestID,
		MerchantRequestID: out.MerchantRequestID,
		ReasonCode:        int(code),
		ReasonText:        ReasonForCode(int(code), out.ResultDesc),
	}, nil
}

func (c *DarajaClient) post(ctx context.Context, creds Credentials, path string, body interface{}) (int, []byte, error) {
	tok, err := c.tokenSource(creds).Token()
	if err != nil {
		if errors.Is(err, ErrGatewayTransport) || errors.Is(err, ErrGatewayAuth) {
			return 0, nil, err
		}
		return 0, nil, fmt.Errorf("%w: %v", ErrGatewayAuth, err)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL(creds)+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tok.SetAuthHeader(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrGatewayTransport, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read body: %v", ErrGatewayTransport, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return 0, nil, fmt.Errorf("%w: %s returned %d", ErrGatewayAuth, path, resp.StatusCode)
	}
	return resp.StatusCode, raw, nil
}

func rejection(status int, raw []byte) error {
	if status >= 500 {
		return fmt.Errorf("%w: status %d", ErrGatewayTransport, status)
	}
	var e darajaErrorResp
	if json.Unmarshal(raw, &e) == nil && e.ErrorMessage != "" {
		return fmt.Errorf("%w: %s %s", ErrGatewayRejected, e.ErrorCode, e.ErrorMessage)
	}
	return fmt.Errorf("%w: status %d", ErrGatewayRejected, status)
}
