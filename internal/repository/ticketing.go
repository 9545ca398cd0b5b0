package repository

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"tiketi/internal/models"

	"github.com/jackc/pgx/v5"
)

var (
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrTicketAlreadyUsed = errors.New("ticket already used")
)

// SaveTransactionWithTickets persists one callback's Transaction and, when the
// payment succeeded, its ticket batch — as a single database transaction.
// Issuance is idempotent per receipt: the batch is serialized on an advisory
// lock keyed by the receipt, and skipped entirely when any ticket already
// references it, so a retried callback cannot duplicate tickets. The
// Transaction row itself is always inserted, one per callback received.
// Returns whether the batch was written.
func (r *Repository) SaveTransactionWithTickets(ctx context.Context, txn models.Transaction, tickets []models.Ticket) (bool, error) {
	issued := false
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
INSERT INTO transactions (
	id, merchant_request_id, checkout_request_id, result_code, result_desc,
	ticket_type, quantity, account_reference, buyer_email, amount,
	mpesa_receipt, phone, paid_at, created_at
) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);`,
			txn.ID,
			txn.MerchantRequestID,
			txn.CheckoutRequestID,
			txn.ResultCode,
			txn.ResultDesc,
			txn.TicketType,
			txn.Quantity,
			txn.AccountReference,
			txn.BuyerEmail,
			txn.Amount,
			txn.MpesaReceipt,
			txn.Phone,
			txn.PaidAt,
			txn.CreatedAt,
		); err != nil {
			return err
		}

		if len(tickets) == 0 {
			return nil
		}

		// Serialize issuance per receipt so two concurrent duplicate
		// callbacks cannot both pass the existence check.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1));`, txn.MpesaReceipt); err != nil {
			return err
		}
		var existing int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM tickets WHERE mpesa_receipt = $1;`, txn.MpesaReceipt).Scan(&existing); err != nil {
			return err
		}
		if existing > 0 {
			return nil
		}

		for _, ticket := range tickets {
			if _, err := tx.Exec(ctx, `
INSERT INTO tickets (
	id, transaction_id, ticket_code, qr_payload, phone, buyer_email,
	account_reference, mpesa_receipt, ticket_type, used, created_at
) VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7, $8, $9, FALSE, $10);`,
				ticket.ID,
				ticket.TransactionID,
				ticket.Code,
				ticket.QRPayload,
				ticket.Phone,
				ticket.BuyerEmail,
				ticket.AccountReference,
				ticket.MpesaReceipt,
				ticket.TicketType,
				ticket.CreatedAt,
			); err != nil {
				return err
			}
		}
		issued = true
		return nil
	})
	return issued, err
}

// VerifyTicket consumes a ticket: the unused -> used transition happens at
// most once per code. The row is locked for the duration of the transaction
// and the update is conditional on used = FALSE, so of two concurrent scans
// exactly one wins.
func (r *Repository) VerifyTicket(ctx context.Context, code string) (models.Ticket, error) {
	var out models.Ticket
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		ticket, err := scanTicket(tx.QueryRow(ctx, `
SELECT id::text, transaction_id::text, ticket_code, qr_payload, phone, buyer_email,
	account_reference, mpesa_receipt, ticket_type, used, used_at, created_at
FROM tickets
WHERE ticket_code = $1
FOR UPDATE;`, code))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrTicketNotFound
			}
			return err
		}
		if ticket.Used {
			return ErrTicketAlreadyUsed
		}

		now := time.Now().UTC()
		cmd, err := tx.Exec(ctx, `
UPDATE tickets
SET used = TRUE,
	used_at = $2
WHERE id = $1::uuid
	AND used = FALSE;`, ticket.ID, now)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return ErrTicketAlreadyUsed
		}
		ticket.Used = true
		ticket.UsedAt = &now
		out = ticket
		return nil
	})
	if err != nil {
		return models.Ticket{}, err
	}
	return out, nil
}

// TicketsByReceipt lists the tickets issued for one provider receipt.
func (r *Repository) TicketsByReceipt(ctx context.Context, receipt string) ([]models.Ticket, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id::text, transaction_id::text, ticket_code, qr_payload, phone, buyer_email,
	account_reference, mpesa_receipt, ticket_type, used, used_at, created_at
FROM tickets
WHERE mpesa_receipt = $1
ORDER BY created_at ASC, ticket_code ASC;`, receipt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]models.Ticket, 0)
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, ticket)
	}
	return items, rows.Err()
}

// ListTransactionReports joins every Transaction with its tickets by receipt,
// newest transactions first.
func (r *Repository) ListTransactionReports(ctx context.Context) ([]models.TransactionReport, error) {
	rows, err := r.pool.Query(ctx, `
SELECT
	t.id::text,
	t.merchant_request_id,
	t.checkout_request_id,
	t.result_code,
	t.result_desc,
	t.ticket_type,
	t.quantity,
	t.account_reference,
	t.buyer_email,
	t.amount,
	t.mpesa_receipt,
	t.phone,
	t.paid_at,
	t.created_at,
	COALESCE(tk.ticket_code, ''),
	COALESCE(tk.used, FALSE),
	COALESCE(tk.ticket_type, '')
FROM transactions t
LEFT JOIN tickets tk ON tk.mpesa_receipt = t.mpesa_receipt AND t.mpesa_receipt <> ''
ORDER BY t.created_at DESC, t.id ASC, tk.ticket_code ASC;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]*models.TransactionReport)
	order := make([]string, 0)
	for rows.Next() {
		var txn models.Transaction
		var paidAt sql.NullTime
		var linkedCode string
		var linkedUsed bool
		var linkedType string
		if err := rows.Scan(
			&txn.ID,
			&txn.MerchantRequestID,
			&txn.CheckoutRequestID,
			&txn.ResultCode,
			&txn.ResultDesc,
			&txn.TicketType,
			&txn.Quantity,
			&txn.AccountReference,
			&txn.BuyerEmail,
			&txn.Amount,
			&txn.MpesaReceipt,
			&txn.Phone,
			&paidAt,
			&txn.CreatedAt,
			&linkedCode,
			&linkedUsed,
			&linkedType,
		); err != nil {
			return nil, err
		}
		txn.PaidAt = nullTimeToPtr(paidAt)

		report, ok := byID[txn.ID]
		if !ok {
			report = &models.TransactionReport{
				Transaction:   txn,
				LinkedTickets: make([]models.LinkedTicket, 0),
			}
			byID[txn.ID] = report
			order = append(order, txn.ID)
		}
		if linkedCode != "" {
			report.LinkedTickets = append(report.LinkedTickets, models.LinkedTicket{
				Code: linkedCode,
				Used: linkedUsed,
				Type: linkedType,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]models.TransactionReport, 0, len(order))
	for _, id := range order {
		report := byID[id]
		report.TicketCount = len(report.LinkedTickets)
		sort.Slice(report.LinkedTickets, func(i, j int) bool {
			return report.LinkedTickets[i].Code < report.LinkedTickets[j].Code
		})
		out = append(out, *report)
	}
	return out, nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var out models.Ticket
	var usedAt sql.NullTime
	if err := row.Scan(
		&out.ID,
		&out.TransactionID,
		&out.Code,
		&out.QRPayload,
		&out.Phone,
		&out.BuyerEmail,
		&out.AccountReference,
		&out.MpesaReceipt,
		&out.TicketType,
		&out.Used,
		&usedAt,
		&out.CreatedAt,
	); err != nil {
		return out, err
	}
	out.UsedAt = nullTimeToPtr(usedAt)
	return out, nil
}
