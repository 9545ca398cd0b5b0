package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"tiketi/internal/repository"
)

type verifyTicketRequest struct {
	TicketCode string `json:"ticketCode" validate:"required"`
}

// VerifyTicket marks a ticket used at the gate. Every decided outcome is
// a 200 with a message the gate screen shows verbatim; only persistence
// failures surface as errors.
func (h *Handler) VerifyTicket(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)

	if !h.verifyLimiter.Allow(clientIP(r)) {
		writeText(w, http.StatusTooManyRequests, "Too many requests.")
		return
	}

	var req verifyTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "ticketCode is required")
		return
	}

	ticket, err := h.store.VerifyTicket(r.Context(), req.TicketCode)
	switch {
	case err == nil:
		logger.Info("ticket redeemed", "code", ticket.Code, "ticket_type", ticket.TicketType)
		writeText(w, http.StatusOK, fmt.Sprintf("Ticket %s verified and marked used. Welcome!", ticket.Code))
	case errors.Is(err, repository.ErrTicketNotFound):
		writeText(w, http.StatusOK, "Invalid ticket code.")
	case errors.Is(err, repository.ErrTicketAlreadyUsed):
		writeText(w, http.StatusOK, "Ticket already used.")
	default:
		logger.Error("ticket verification failed", "error", err, "code", req.TicketCode)
		writeError(w, http.StatusInternalServerError, "verification failed")
	}
}
