package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"tiketi/internal/catalog"
	"tiketi/internal/config"
	"tiketi/internal/integrations/daraja"
	"tiketi/internal/models"
	"tiketi/internal/repository"
)

type fakeStore struct {
	mu sync.Mutex

	savedTxns    []models.Transaction
	savedTickets [][]models.Ticket
	saveIssued   bool
	saveErr      error

	verifyTicket models.Ticket
	verifyErr    error

	byReceipt map[string][]models.Ticket

	reports    []models.TransactionReport
	reportsErr error
}

func (s *fakeStore) SaveTransactionWithTickets(_ context.Context, txn models.Transaction, tickets []models.Ticket) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return false, s.saveErr
	}
	s.savedTxns = append(s.savedTxns, txn)
	s.savedTickets = append(s.savedTickets, tickets)
	return s.saveIssued, nil
}

func (s *fakeStore) VerifyTicket(context.Context, string) (models.Ticket, error) {
	return s.verifyTicket, s.verifyErr
}

func (s *fakeStore) TicketsByReceipt(_ context.Context, receipt string) ([]models.Ticket, error) {
	return s.byReceipt[receipt], nil
}

func (s *fakeStore) ListTransactionReports(context.Context) ([]models.TransactionReport, error) {
	return s.reports, s.reportsErr
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.savedTxns)
}

func (s *fakeStore) lastSave() (models.Transaction, []models.Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.savedTxns)
	return s.savedTxns[n-1], s.savedTickets[n-1]
}

type fakePayments struct {
	lastRequest daraja.STKPushRequest
	response    daraja.STKPushResponse
	err         error
}

func (p *fakePayments) STKPush(_ context.Context, req daraja.STKPushRequest) (daraja.STKPushResponse, error) {
	p.lastRequest = req
	return p.response, p.err
}

type fakeMailer struct {
	to      string
	receipt string
	tickets []models.Ticket
	err     error
}

func (m *fakeMailer) SendTicketReceipt(to, receipt string, tickets []models.Ticket) error {
	m.to = to
	m.receipt = receipt
	m.tickets = tickets
	return m.err
}

func newTestHandler(store Store, payments PaymentInitiator, mailer ReceiptMailer) *Handler {
	cfg := &config.Config{
		Daraja: config.DarajaConfig{CallbackBaseURL: "https://tickets.example.com"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, payments, mailer, catalog.Default(), cfg, logger)
}

func postJSON(t *testing.T, handler http.HandlerFunc, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

// waitForSaves polls the fake store until the background callback
// processing lands, since the handler acks before persisting.
func waitForSaves(t *testing.T, store *fakeStore, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.saveCount() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("store saw %d saves, want %d", store.saveCount(), want)
}

func TestInitiatePaymentRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing phone", `{"ticketType":"Regular","email":"a@b.com"}`},
		{"bad email", `{"phone":"254712345678","ticketType":"Regular","email":"nope"}`},
		{"unknown type", `{"phone":"254712345678","ticketType":"Platinum","email":"a@b.com"}`},
		{"bundle with quantity", `{"phone":"254712345678","ticketType":"Family4","quantity":2,"email":"a@b.com"}`},
		{"negative quantity", `{"phone":"254712345678","ticketType":"Regular","quantity":-1,"email":"a@b.com"}`},
		{"not json", `plain text`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			h := newTestHandler(store, &fakePayments{}, nil)

			rec := postJSON(t, h.InitiatePayment, "/api/payments/initiate", tt.body)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400; body %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestInitiatePaymentSendsSTKPush(t *testing.T) {
	payments := &fakePayments{
		response: daraja.STKPushResponse{
			MerchantRequestID: "mr-1",
			CheckoutRequestID: "cr-1",
			ResponseCode:      "0",
		},
	}
	h := newTestHandler(&fakeStore{}, payments, nil)

	body := `{"phone":"254712345678","ticketType":"Regular","quantity":3,"accountReference":"DISCO","email":"buyer@example.com"}`
	rec := postJSON(t, h.InitiatePayment, "/api/payments/initiate", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "STK push sent") {
		t.Fatalf("body = %q, want STK push acknowledgment", rec.Body.String())
	}

	got := payments.lastRequest
	if got.Amount != 3000 {
		t.Errorf("Amount = %d, want 3000 for three Regular tickets", got.Amount)
	}
	if got.PhoneNumber != "254712345678" {
		t.Errorf("PhoneNumber = %q", got.PhoneNumber)
	}
	if got.AccountReference != "DISCO" {
		t.Errorf("AccountReference = %q, want DISCO", got.AccountReference)
	}
	for _, fragment := range []string{
		"https://tickets.example.com/api/payments/callback?",
		"type=Regular",
		"qty=3",
		"ref=DISCO",
		"email=buyer%40example.com",
	} {
		if !strings.Contains(got.CallbackURL, fragment) {
			t.Errorf("CallbackURL = %q, missing %q", got.CallbackURL, fragment)
		}
	}
}

func TestInitiatePaymentWithoutProvider(t *testing.T) {
	h := newTestHandler(&fakeStore{}, nil, nil)

	body := `{"phone":"254712345678","ticketType":"Regular","email":"a@b.com"}`
	rec := postJSON(t, h.InitiatePayment, "/api/payments/initiate", body)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestInitiatePaymentSurfacesProviderFailure(t *testing.T) {
	payments := &fakePayments{err: &daraja.APIError{StatusCode: 503, Body: "down"}}
	h := newTestHandler(&fakeStore{}, payments, nil)

	body := `{"phone":"254712345678","ticketType":"VIP","email":"a@b.com"}`
	rec := postJSON(t, h.InitiatePayment, "/api/payments/initiate", body)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

const successCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "mr-1",
      "CheckoutRequestID": "cr-1",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 6000.00},
          {"Name": "MpesaReceiptNumber", "Value": "SBH13TYQZX"},
          {"Name": "TransactionDate", "Value": 20260211143005},
          {"Name": "PhoneNumber", "Value": 254712345678}
        ]
      }
    }
  }
}`

const failedCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "mr-2",
      "CheckoutRequestID": "cr-2",
      "ResultCode": 1032,
      "ResultDesc": "Request cancelled by user"
    }
  }
}`

func TestPaymentCallbackRejectsMalformedBody(t *testing.T) {
	for _, body := range []string{`not json`, `{"Body":{}}`, `{"Body":{"stkCallback":null}}`} {
		store := &fakeStore{}
		h := newTestHandler(store, nil, nil)

		rec := postJSON(t, h.PaymentCallback, "/api/payments/callback", body)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
		if store.saveCount() != 0 {
			t.Errorf("body %q: persisted %d transactions, want none", body, store.saveCount())
		}
	}
}

func TestPaymentCallbackAcksThenIssuesBatch(t *testing.T) {
	store := &fakeStore{saveIssued: true}
	h := newTestHandler(store, nil, nil)

	target := "/api/payments/callback?type=Family4&qty=1&ref=FAM&email=buyer%40example.com"
	rec := postJSON(t, h.PaymentCallback, target, successCallback)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var ack callbackAck
	if err := json.NewDecoder(rec.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.ResultCode != 0 || ack.ResultDesc != "Accepted" {
		t.Fatalf("ack = %+v", ack)
	}

	waitForSaves(t, store, 1)
	txn, tickets := store.lastSave()

	if txn.MpesaReceipt != "SBH13TYQZX" {
		t.Errorf("MpesaReceipt = %q", txn.MpesaReceipt)
	}
	if txn.Amount != 6000 {
		t.Errorf("Amount = %d, want 6000", txn.Amount)
	}
	if txn.Phone != "254712345678" {
		t.Errorf("Phone = %q", txn.Phone)
	}
	if txn.TicketType != "Family4" || txn.BuyerEmail != "buyer@example.com" {
		t.Errorf("params not threaded through: %+v", txn)
	}
	if txn.PaidAt == nil {
		t.Error("PaidAt not set from transaction date")
	}
	if txn.CreatedAt.IsZero() {
		t.Error("transaction persisted without an ingestion timestamp")
	}

	if len(tickets) != 4 {
		t.Fatalf("issued %d tickets, want 4 for a Family4 unit", len(tickets))
	}
	seen := map[string]bool{}
	for _, tk := range tickets {
		if seen[tk.Code] {
			t.Fatalf("duplicate code %s in batch", tk.Code)
		}
		seen[tk.Code] = true
		if tk.MpesaReceipt != "SBH13TYQZX" || tk.TransactionID != txn.ID {
			t.Errorf("ticket not linked to transaction: %+v", tk)
		}
		if !strings.HasPrefix(tk.QRPayload, "data:image/png;base64,") {
			t.Errorf("QRPayload = %.40q, want inline PNG", tk.QRPayload)
		}
		if tk.CreatedAt.IsZero() {
			t.Errorf("ticket %s persisted without an issuance timestamp", tk.Code)
		}
	}
}

func TestPaymentCallbackFailureRecordsTransactionOnly(t *testing.T) {
	store := &fakeStore{}
	h := newTestHandler(store, nil, nil)

	rec := postJSON(t, h.PaymentCallback, "/api/payments/callback?type=VIP&qty=1", failedCallback)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; failure is still acked", rec.Code)
	}

	waitForSaves(t, store, 1)
	txn, tickets := store.lastSave()

	if txn.ResultCode != 1032 {
		t.Errorf("ResultCode = %d, want 1032", txn.ResultCode)
	}
	if txn.Succeeded() {
		t.Error("failed payment reported as succeeded")
	}
	if txn.CreatedAt.IsZero() {
		t.Error("failed payment persisted without an ingestion timestamp")
	}
	if len(tickets) != 0 {
		t.Errorf("issued %d tickets for a failed payment", len(tickets))
	}
}

func TestVerifyTicketOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		ticket     models.Ticket
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "fresh ticket",
			ticket:     models.Ticket{Code: "TKT-AB12CD34"},
			wantStatus: http.StatusOK,
			wantBody:   "Ticket TKT-AB12CD34 verified and marked used. Welcome!",
		},
		{
			name:       "unknown code",
			err:        repository.ErrTicketNotFound,
			wantStatus: http.StatusOK,
			wantBody:   "Invalid ticket code.",
		},
		{
			name:       "already used",
			err:        repository.ErrTicketAlreadyUsed,
			wantStatus: http.StatusOK,
			wantBody:   "Ticket already used.",
		},
		{
			name:       "storage failure",
			err:        errors.New("connection reset"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{verifyTicket: tt.ticket, verifyErr: tt.err}
			h := newTestHandler(store, nil, nil)

			rec := postJSON(t, h.VerifyTicket, "/api/tickets/verify", `{"ticketCode":"TKT-AB12CD34"}`)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && strings.TrimSpace(rec.Body.String()) != tt.wantBody {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestVerifyTicketRateLimited(t *testing.T) {
	store := &fakeStore{verifyErr: repository.ErrTicketNotFound}
	h := newTestHandler(store, nil, nil)

	var last *httptest.ResponseRecorder
	for i := 0; i < 40; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/tickets/verify", strings.NewReader(`{"ticketCode":"TKT-NOPE0000"}`))
		req.RemoteAddr = "10.0.0.7:1234"
		last = httptest.NewRecorder()
		h.VerifyTicket(last, req)
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status after 40 requests = %d, want 429", last.Code)
	}
	if strings.TrimSpace(last.Body.String()) != "Too many requests." {
		t.Fatalf("body = %q", last.Body.String())
	}
}

func TestSendReceiptEmail(t *testing.T) {
	batch := []models.Ticket{
		{Code: "TKT-AAAA1111", BuyerEmail: "buyer@example.com", MpesaReceipt: "SBH13TYQZX"},
		{Code: "TKT-BBBB2222", BuyerEmail: "buyer@example.com", MpesaReceipt: "SBH13TYQZX"},
	}

	t.Run("sends to buyer on record", func(t *testing.T) {
		store := &fakeStore{byReceipt: map[string][]models.Ticket{"SBH13TYQZX": batch}}
		mailer := &fakeMailer{}
		h := newTestHandler(store, nil, mailer)

		rec := postJSON(t, h.SendReceiptEmail, "/api/admin/send-receipt-email", `{"receiptId":"SBH13TYQZX"}`)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
		}
		if mailer.to != "buyer@example.com" || mailer.receipt != "SBH13TYQZX" || len(mailer.tickets) != 2 {
			t.Fatalf("mailer called with to=%q receipt=%q tickets=%d", mailer.to, mailer.receipt, len(mailer.tickets))
		}
	})

	t.Run("unknown receipt", func(t *testing.T) {
		h := newTestHandler(&fakeStore{byReceipt: map[string][]models.Ticket{}}, nil, &fakeMailer{})

		rec := postJSON(t, h.SendReceiptEmail, "/api/admin/send-receipt-email", `{"receiptId":"NOSUCH"}`)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("relay failure", func(t *testing.T) {
		store := &fakeStore{byReceipt: map[string][]models.Ticket{"SBH13TYQZX": batch}}
		h := newTestHandler(store, nil, &fakeMailer{err: fmt.Errorf("dial tcp: refused")})

		rec := postJSON(t, h.SendReceiptEmail, "/api/admin/send-receipt-email", `{"receiptId":"SBH13TYQZX"}`)

		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", rec.Code)
		}
	})

	t.Run("mail not configured", func(t *testing.T) {
		store := &fakeStore{byReceipt: map[string][]models.Ticket{"SBH13TYQZX": batch}}
		h := newTestHandler(store, nil, nil)

		rec := postJSON(t, h.SendReceiptEmail, "/api/admin/send-receipt-email", `{"receiptId":"SBH13TYQZX"}`)

		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", rec.Code)
		}
	})
}

func TestListTransactionsReturnsReports(t *testing.T) {
	store := &fakeStore{
		reports: []models.TransactionReport{
			{
				Transaction: models.Transaction{ID: "t1", MpesaReceipt: "SBH13TYQZX"},
				LinkedTickets: []models.LinkedTicket{
					{Code: "TKT-AAAA1111", Used: true, Type: "Regular"},
				},
				TicketCount: 1,
			},
		},
	}
	h := newTestHandler(store, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/transactions", nil)
	rec := httptest.NewRecorder()
	h.ListTransactions(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got []models.TransactionReport
	if err := json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].TicketCount != 1 || got[0].LinkedTickets[0].Code != "TKT-AAAA1111" {
		t.Fatalf("got %+v", got)
	}
}
