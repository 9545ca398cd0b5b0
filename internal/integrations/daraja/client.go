// Package daraja is a minimal client for the Safaricom Daraja API: OAuth
// client-credentials token management and the Lipa Na M-Pesa STK push call.
package daraja

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const timestampLayout = "20060102150405"

// Daraja timestamps, both in the password tuple and in callback metadata,
// are Nairobi time.
var eatZone = time.FixedZone("EAT", 3*60*60)

type Config struct {
	BaseURL   string
	Shortcode string
	Passkey   string
}

type Client struct {
	baseURL    string
	shortcode  string
	passkey    string
	httpClient *http.Client
	tokens     *TokenManager
	limiter    *rate.Limiter
	now        func() time.Time
	logger     *slog.Logger
}

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daraja api status %d: %s", e.StatusCode, e.Body)
}

// STKPushRequest carries the fields of one push-payment prompt.
type STKPushRequest struct {
	Amount           int64
	PhoneNumber      string
	CallbackURL      string
	AccountReference string
	TransactionDesc  string
}

type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkPushRequestBody struct {
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

func NewClient(cfg Config, tm *TokenManager, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://sandbox.safaricom.co.ke"
	}
	return &Client{
		baseURL:    baseURL,
		shortcode:  strings.TrimSpace(cfg.Shortcode),
		passkey:    strings.TrimSpace(cfg.Passkey),
		httpClient: httpClient,
		tokens:     tm,
		limiter:    rate.NewLimiter(rate.Limit(5), 5),
		now:        time.Now,
		logger:     logger,
	}
}

// STKPush sends one push-payment prompt to the buyer's phone. The provider
// reports the final outcome later, asynchronously, to the callback URL.
func (c *Client) STKPush(ctx context.Context, in STKPushRequest) (STKPushResponse, error) {
	var out STKPushResponse
	timestamp := c.now().In(eatZone).Format(timestampLayout)
	body := stkPushRequestBody{
		BusinessShortCode: c.shortcode,
		Password:          Password(c.shortcode, c.passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            in.Amount,
		PartyA:            strings.TrimSpace(in.PhoneNumber),
		PartyB:            c.shortcode,
		PhoneNumber:       strings.TrimSpace(in.PhoneNumber),
		CallBackURL:       in.CallbackURL,
		AccountReference:  in.AccountReference,
		TransactionDesc:   in.TransactionDesc,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return out, err
	}

	raw, err := c.do(ctx, http.MethodPost, "/mpesa/stkpush/v1/processrequest", payload)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode stk push response: %w", err)
	}
	if out.ResponseCode != "0" {
		return out, fmt.Errorf("stk push rejected: code=%s desc=%s", out.ResponseCode, out.ResponseDescription)
	}
	return out, nil
}

// Password derives the STK push password: base64(shortcode + passkey + timestamp).
func Password(shortcode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
}

func (c *Client) do(ctx context.Context, method, pathPart string, payload []byte) ([]byte, error) {
	if c.tokens == nil {
		return nil, fmt.Errorf("daraja token manager is required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if len(payload) > 0 {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+pathPart, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if len(payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return body, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if c.logger != nil {
		c.logger.Debug("daraja_api_response", "method", method, "path", pathPart, "status", resp.StatusCode)
	}
	return body, nil
}
