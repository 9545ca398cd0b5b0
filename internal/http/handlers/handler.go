package handlers

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"tiketi/internal/catalog"
	"tiketi/internal/config"
	"tiketi/internal/integrations/daraja"
	"tiketi/internal/models"
	"tiketi/internal/rate"
)

// Store is the persistence surface the handlers depend on.
type Store interface {
	SaveTransactionWithTickets(ctx context.Context, txn models.Transaction, tickets []models.Ticket) (bool, error)
	VerifyTicket(ctx context.Context, code string) (models.Ticket, error)
	TicketsByReceipt(ctx context.Context, receipt string) ([]models.Ticket, error)
	ListTransactionReports(ctx context.Context) ([]models.TransactionReport, error)
}

// PaymentInitiator starts an STK push on the customer's phone.
type PaymentInitiator interface {
	STKPush(ctx context.Context, req daraja.STKPushRequest) (daraja.STKPushResponse, error)
}

// ReceiptMailer delivers a ticket batch to the buyer's inbox.
type ReceiptMailer interface {
	SendTicketReceipt(to, receipt string, tickets []models.Ticket) error
}

type Handler struct {
	store    Store
	payments PaymentInitiator
	mailer   ReceiptMailer
	catalog  *catalog.Catalog
	cfg      *config.Config
	logger   *slog.Logger
	validate *validator.Validate

	verifyLimiter *rate.WindowLimiter
}

func New(store Store, payments PaymentInitiator, mailer ReceiptMailer, cat *catalog.Catalog, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:         store,
		payments:      payments,
		mailer:        mailer,
		catalog:       cat,
		cfg:           cfg,
		logger:        logger,
		validate:      validator.New(),
		verifyLimiter: rate.NewWindowLimiter(rate.VerifyLimit, rate.VerifyWindow),
	}
}

func (h *Handler) loggerForRequest(r *http.Request) *slog.Logger {
	if reqID := middleware.GetReqID(r.Context()); reqID != "" {
		return h.logger.With("request_id", reqID)
	}
	return h.logger
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
