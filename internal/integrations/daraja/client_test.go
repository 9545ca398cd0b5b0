package daraja

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// TestSTKPushRequestShape verifies the push request body and auth wiring
// against a fake provider.
func TestSTKPushRequestShape(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			user, pass, ok := r.BasicAuth()
			if !ok || user != "key" || pass != "secret" {
				t.Fatalf("unexpected basic auth: %s:%s", user, pass)
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "test-access",
				"expires_in":   "3599",
			})
		case "/mpesa/stkpush/v1/processrequest":
			if got := r.Header.Get("Authorization"); got != "Bearer test-access" {
				t.Fatalf("unexpected auth header: %s", got)
			}
			var body map[string]interface{}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if body["BusinessShortCode"] != "174379" || body["PartyB"] != "174379" {
				t.Fatalf("unexpected shortcode fields: %#v", body)
			}
			if body["TransactionType"] != "CustomerPayBillOnline" {
				t.Fatalf("unexpected transaction type: %#v", body["TransactionType"])
			}
			if body["PhoneNumber"] != "254712345678" || body["PartyA"] != "254712345678" {
				t.Fatalf("unexpected phone fields: %#v", body)
			}
			// Clock is pinned to 12:00 UTC; the push timestamp must be
			// Nairobi time (UTC+3).
			wantPassword := Password("174379", "passkey", "20260211150000")
			if body["Password"] != wantPassword || body["Timestamp"] != "20260211150000" {
				t.Fatalf("unexpected password/timestamp: %#v", body)
			}
			if !strings.Contains(body["CallBackURL"].(string), "type=VIP") {
				t.Fatalf("callback url missing echo params: %#v", body["CallBackURL"])
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"MerchantRequestID":   "29115-34620561-1",
				"CheckoutRequestID":   "ws_CO_191220191020363925",
				"ResponseCode":        "0",
				"ResponseDescription": "Success. Request accepted for processing",
				"CustomerMessage":     "Success. Request accepted for processing",
			})
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	tm := NewTokenManager(TokenManagerConfig{
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		TokenURL:       srv.URL + "/oauth/v1/generate?grant_type=client_credentials",
	}, srv.Client())

	client := NewClient(Config{
		BaseURL:   srv.URL,
		Shortcode: "174379",
		Passkey:   "passkey",
	}, tm, srv.Client(), nil)
	client.now = func() time.Time { return time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC) }

	resp, err := client.STKPush(context.Background(), STKPushRequest{
		Amount:           2000,
		PhoneNumber:      " 254712345678 ",
		CallbackURL:      "https://example.com/api/payments/callback?type=VIP&qty=1",
		AccountReference: "GATE-1",
		TransactionDesc:  "VIP ticket",
	})
	if err != nil {
		t.Fatalf("stk push: %v", err)
	}
	if resp.CheckoutRequestID != "ws_CO_191220191020363925" || resp.MerchantRequestID != "29115-34620561-1" {
		t.Fatalf("unexpected response: %#v", resp)
	}
}

func TestSTKPushSurfacesAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/oauth") {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "t", "expires_in": "3599"})
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errorCode":"404.001.03","errorMessage":"Invalid Access Token"}`))
	}))
	defer srv.Close()

	tm := NewTokenManager(TokenManagerConfig{ConsumerKey: "k", ConsumerSecret: "s", TokenURL: srv.URL + "/oauth/v1/generate"}, srv.Client())
	client := NewClient(Config{BaseURL: srv.URL, Shortcode: "174379", Passkey: "pk"}, tm, srv.Client(), nil)

	_, err := client.STKPush(context.Background(), STKPushRequest{Amount: 100, PhoneNumber: "254700000000", CallbackURL: "https://example.com/cb"})
	var apiErr *APIError
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected APIError with 401, got %v", err)
	}
}

func TestTokenManagerCachesUntilExpiry(t *testing.T) {
	t.Parallel()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok", "expires_in": "3599"})
	}))
	defer srv.Close()

	tm := NewTokenManager(TokenManagerConfig{ConsumerKey: "k", ConsumerSecret: "s", TokenURL: srv.URL}, srv.Client())
	current := time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC)
	tm.now = func() time.Time { return current }

	for i := 0; i < 3; i++ {
		if _, err := tm.AccessToken(context.Background()); err != nil {
			t.Fatalf("access token: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one refresh while fresh, got %d", calls)
	}

	current = current.Add(time.Hour)
	if _, err := tm.AccessToken(context.Background()); err != nil {
		t.Fatalf("access token after expiry: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected refresh after expiry, got %d calls", calls)
	}
}

func TestTokenManagerRequiresCredentials(t *testing.T) {
	t.Parallel()

	tm := NewTokenManager(TokenManagerConfig{}, nil)
	if _, err := tm.AccessToken(context.Background()); err == nil {
		t.Fatalf("expected missing credentials to fail")
	}
}
