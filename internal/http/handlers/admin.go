package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type sendReceiptEmailRequest struct {
	ReceiptID string `json:"receiptId" validate:"required"`
}

// SendReceiptEmail re-sends the ticket batch for a payment receipt to
// the buyer's email on record.
func (h *Handler) SendReceiptEmail(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)

	var req sendReceiptEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "receiptId is required")
		return
	}

	tickets, err := h.store.TicketsByReceipt(r.Context(), req.ReceiptID)
	if err != nil {
		logger.Error("ticket lookup failed", "error", err, "receipt", req.ReceiptID)
		writeError(w, http.StatusInternalServerError, "ticket lookup failed")
		return
	}
	if len(tickets) == 0 {
		writeError(w, http.StatusBadRequest, "no tickets found for receipt")
		return
	}

	if h.mailer == nil {
		logger.Error("receipt email requested but mail is not configured")
		writeError(w, http.StatusInternalServerError, "mail is not configured")
		return
	}

	to := tickets[0].BuyerEmail
	if to == "" {
		writeError(w, http.StatusBadRequest, "no buyer email on record for receipt")
		return
	}

	if err := h.mailer.SendTicketReceipt(to, req.ReceiptID, tickets); err != nil {
		logger.Error("receipt email failed", "error", err, "receipt", req.ReceiptID)
		writeError(w, http.StatusInternalServerError, "failed to send email")
		return
	}

	logger.Info("receipt email sent", "receipt", req.ReceiptID, "ticket_count", len(tickets))
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "ticketCount": len(tickets)})
}

// ListTransactions returns every transaction with its linked tickets,
// newest first, for the sales dashboard.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	reports, err := h.store.ListTransactionReports(r.Context())
	if err != nil {
		h.loggerForRequest(r).Error("transaction listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "transaction listing failed")
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

// TicketsByReceipt is the drill-in view behind a dashboard row.
func (h *Handler) TicketsByReceipt(w http.ResponseWriter, r *http.Request) {
	receipt := chi.URLParam(r, "receiptId")
	if receipt == "" {
		writeError(w, http.StatusBadRequest, "receiptId is required")
		return
	}

	tickets, err := h.store.TicketsByReceipt(r.Context(), receipt)
	if err != nil {
		h.loggerForRequest(r).Error("ticket lookup failed", "error", err, "receipt", receipt)
		writeError(w, http.StatusInternalServerError, "ticket lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}
