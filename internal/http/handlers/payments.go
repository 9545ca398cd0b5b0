package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tiketi/internal/integrations/daraja"
	"tiketi/internal/models"
	"tiketi/internal/ticketing"
)

const callbackProcessTimeout = 15 * time.Second

type initiatePaymentRequest struct {
	Phone            string `json:"phone" validate:"required,min=9"`
	TicketType       string `json:"ticketType" validate:"required"`
	Quantity         int    `json:"quantity" validate:"omitempty,min=1"`
	AccountReference string `json:"accountReference"`
	Email            string `json:"email" validate:"required,email"`
}

// InitiatePayment validates the purchase and fires an STK push at the
// buyer's phone. The response only acknowledges the push; issuance waits
// for the provider callback.
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)

	var req initiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	entry, ok := h.catalog.Lookup(req.TicketType)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown ticket type %q", req.TicketType))
		return
	}
	if entry.IsBundle() && req.Quantity > 1 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("ticket type %q admits %d people per unit; buy one unit at a time", entry.Type, entry.PeoplePerUnit))
		return
	}

	if h.payments == nil {
		logger.Error("stk push requested but payment provider is not configured")
		writeError(w, http.StatusInternalServerError, "payment provider is not configured")
		return
	}

	reference := strings.TrimSpace(req.AccountReference)
	if reference == "" {
		reference = entry.Type
	}

	resp, err := h.payments.STKPush(r.Context(), daraja.STKPushRequest{
		Amount:           entry.Amount(req.Quantity),
		PhoneNumber:      req.Phone,
		CallbackURL:      h.callbackURL(entry.Type, req.Quantity, reference, req.Email),
		AccountReference: reference,
		TransactionDesc:  fmt.Sprintf("%s ticket x%d", entry.Type, req.Quantity),
	})
	if err != nil {
		logger.Error("stk push failed", "error", err, "phone_suffix", phoneSuffix(req.Phone))
		writeError(w, http.StatusInternalServerError, "payment request failed")
		return
	}

	logger.Info("stk push sent",
		"merchant_request_id", resp.MerchantRequestID,
		"checkout_request_id", resp.CheckoutRequestID,
		"ticket_type", entry.Type,
		"quantity", req.Quantity,
	)
	writeText(w, http.StatusOK, "STK push sent. Enter your M-Pesa PIN on your phone to complete the payment.")
}

// callbackURL threads the purchase parameters through to the async
// callback, which arrives with no memory of the initiating request.
func (h *Handler) callbackURL(ticketType string, quantity int, reference, email string) string {
	base := strings.TrimRight(h.cfg.Daraja.CallbackBaseURL, "/")
	q := url.Values{}
	q.Set("type", ticketType)
	q.Set("qty", strconv.Itoa(quantity))
	q.Set("ref", reference)
	q.Set("email", email)
	return base + "/api/payments/callback?" + q.Encode()
}

type callbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

type callbackParams struct {
	TicketType string
	Quantity   int
	Reference  string
	Email      string
}

// PaymentCallback ingests the provider's asynchronous payment result.
// It acknowledges immediately and finishes issuance in the background so
// the provider never times out and re-delivers on our account.
func (h *Handler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)

	var env daraja.CallbackEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil || env.Body.StkCallback == nil {
		logger.Warn("malformed payment callback", "error", err)
		writeError(w, http.StatusBadRequest, "invalid callback payload")
		return
	}
	stk := *env.Body.StkCallback

	q := r.URL.Query()
	params := callbackParams{
		TicketType: q.Get("type"),
		Quantity:   atoiDefault(q.Get("qty"), 1),
		Reference:  q.Get("ref"),
		Email:      q.Get("email"),
	}

	writeJSON(w, http.StatusOK, callbackAck{ResultCode: 0, ResultDesc: "Accepted"})

	go h.processCallback(stk, params, logger)
}

// processCallback persists the payment outcome and, on success, issues
// the ticket batch. It runs detached from the request context.
func (h *Handler) processCallback(stk daraja.STKCallback, params callbackParams, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackProcessTimeout)
	defer cancel()

	now := time.Now().UTC()
	txn := models.Transaction{
		ID:                uuid.NewString(),
		CreatedAt:         now,
		MerchantRequestID: stk.MerchantRequestID,
		CheckoutRequestID: stk.CheckoutRequestID,
		ResultCode:        stk.ResultCode,
		ResultDesc:        stk.ResultDesc,
		TicketType:        params.TicketType,
		Quantity:          params.Quantity,
		AccountReference:  params.Reference,
		BuyerEmail:        params.Email,
	}

	if stk.ResultCode == 0 && stk.CallbackMetadata != nil {
		meta := stk.CallbackMetadata.Flatten()
		txn.MpesaReceipt = meta[daraja.MetaReceiptNumber]
		txn.Phone = meta[daraja.MetaPhoneNumber]
		if amount, err := daraja.ParseAmount(meta[daraja.MetaAmount]); err == nil {
			txn.Amount = amount
		}
		if paidAt, err := daraja.ParseTransactionDate(meta[daraja.MetaTransactionDate]); err == nil {
			txn.PaidAt = &paidAt
		}
	}

	var tickets []models.Ticket
	if txn.Succeeded() && txn.MpesaReceipt != "" {
		batch, err := h.buildTicketBatch(txn, now)
		if err != nil {
			logger.Error("ticket batch build failed", "error", err, "receipt", txn.MpesaReceipt)
			return
		}
		tickets = batch
	}

	issued, err := h.store.SaveTransactionWithTickets(ctx, txn, tickets)
	if err != nil {
		logger.Error("callback persistence failed",
			"error", err,
			"checkout_request_id", txn.CheckoutRequestID,
			"receipt", txn.MpesaReceipt,
		)
		return
	}

	switch {
	case !txn.Succeeded():
		logger.Info("payment failed, transaction recorded",
			"result_code", txn.ResultCode,
			"result_desc", txn.ResultDesc,
			"checkout_request_id", txn.CheckoutRequestID,
		)
	case !issued:
		logger.Info("duplicate callback, tickets already issued", "receipt", txn.MpesaReceipt)
	default:
		logger.Info("tickets issued",
			"receipt", txn.MpesaReceipt,
			"ticket_type", txn.TicketType,
			"count", len(tickets),
		)
	}
}

func (h *Handler) buildTicketBatch(txn models.Transaction, issuedAt time.Time) ([]models.Ticket, error) {
	size := 1
	if entry, ok := h.catalog.Lookup(txn.TicketType); ok {
		size = entry.BatchSize(txn.Quantity)
	}

	tickets := make([]models.Ticket, 0, size)
	for i := 0; i < size; i++ {
		code, err := ticketing.NewCode()
		if err != nil {
			return nil, fmt.Errorf("generate ticket code: %w", err)
		}
		payload, err := ticketing.QRDataURI(code)
		if err != nil {
			return nil, fmt.Errorf("encode qr for %s: %w", code, err)
		}
		tickets = append(tickets, models.Ticket{
			ID:               uuid.NewString(),
			TransactionID:    txn.ID,
			Code:             code,
			QRPayload:        payload,
			Phone:            txn.Phone,
			BuyerEmail:       txn.BuyerEmail,
			AccountReference: txn.AccountReference,
			MpesaReceipt:     txn.MpesaReceipt,
			TicketType:       txn.TicketType,
			CreatedAt:        issuedAt,
		})
	}
	return tickets, nil
}

func atoiDefault(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func phoneSuffix(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return phone[len(phone)-4:]
}
