package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tiketi/internal/catalog"
	"tiketi/internal/config"
	"tiketi/internal/db"
	"tiketi/internal/http/handlers"
	"tiketi/internal/http/middleware"
	"tiketi/internal/integrations/daraja"
	"tiketi/internal/logging"
	"tiketi/internal/mail"
	"tiketi/internal/repository"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, cleanup, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("log error: %v", err)
	}
	defer func() {
		_ = cleanup()
	}()
	logger = logger.With("service", "api")
	slog.SetDefault(logger)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db error", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		logger.Error("migrate error", "error", err)
		os.Exit(1)
	}

	cat := catalog.Default()
	if cfg.CatalogJSON != "" {
		cat, err = catalog.Load(cfg.CatalogJSON)
		if err != nil {
			logger.Error("catalog error", "error", err)
			os.Exit(1)
		}
	}

	repo := repository.New(pool)

	var payments handlers.PaymentInitiator
	if cfg.Daraja.Configured() {
		tokenManager := daraja.NewTokenManager(daraja.TokenManagerConfig{
			ConsumerKey:    cfg.Daraja.ConsumerKey,
			ConsumerSecret: cfg.Daraja.ConsumerSecret,
			TokenURL:       cfg.Daraja.TokenURL,
		}, nil)
		payments = daraja.NewClient(daraja.Config{
			BaseURL:   cfg.Daraja.BaseURL,
			Shortcode: cfg.Daraja.Shortcode,
			Passkey:   cfg.Daraja.Passkey,
		}, tokenManager, nil, logger)
	} else {
		logger.Warn("daraja is not configured, payment initiation is disabled")
	}

	var mailer handlers.ReceiptMailer
	if cfg.SMTP.Configured() {
		mailer = mail.New(cfg.SMTP)
	} else {
		logger.Warn("smtp is not configured, receipt email is disabled")
	}

	h := handlers.New(repo, payments, mailer, cat, cfg, logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(10 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("db unreachable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Post("/api/payments/initiate", h.InitiatePayment)
	r.Post("/api/payments/callback", h.PaymentCallback)
	r.Post("/api/tickets/verify", h.VerifyTicket)

	r.Get("/api/admin/transactions", h.ListTransactions)
	r.Get("/api/admin/tickets/{receiptId}", h.TicketsByReceipt)
	r.Post("/api/admin/send-receipt-email", h.SendReceiptEmail)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	go func() {
		logger.Info("api_listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown", "service", "api")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShutdown)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
