// Package mail sends the buyer's receipt email: one HTML message listing each
// issued ticket with its code, type and inline QR image.
package mail

import (
	"fmt"
	"html/template"
	"io"
	"strings"

	"tiketi/internal/config"
	"tiketi/internal/models"
	"tiketi/internal/ticketing"

	gomail "gopkg.in/gomail.v2"
)

var receiptTemplate = template.Must(template.New("receipt").Parse(`<!DOCTYPE html>
<html>
<body style="font-family:Arial,Helvetica,sans-serif">
	<h2>Your tickets are ready</h2>
	<p>Payment receipt <strong>{{.Receipt}}</strong> — {{len .Tickets}} ticket(s).</p>
	{{range .Tickets}}
	<div style="border:1px solid #ddd;border-radius:8px;padding:12px;margin:12px 0">
		<p><strong>{{.Code}}</strong> ({{.Type}})</p>
		<img src="cid:{{.CID}}" alt="{{.Code}}" width="200" height="200"/>
	</div>
	{{end}}
	<p>Present the QR code at the gate. Each ticket admits once.</p>
</body>
</html>`))

type receiptTicket struct {
	Code string
	Type string
	CID  string
}

type receiptData struct {
	Receipt string
	Tickets []receiptTicket
}

type Mailer struct {
	dialer *gomail.Dialer
	from   string
}

func New(cfg config.SMTPConfig) *Mailer {
	return &Mailer{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

// SendTicketReceipt composes and sends the receipt email. Fails when any
// ticket's QR payload cannot be decoded or the relay rejects the message.
func (m *Mailer) SendTicketReceipt(to string, receipt string, tickets []models.Ticket) error {
	if strings.TrimSpace(to) == "" {
		return fmt.Errorf("recipient address is required")
	}
	if len(tickets) == 0 {
		return fmt.Errorf("no tickets to send")
	}

	html, cids, err := renderReceiptHTML(receipt, tickets)
	if err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", fmt.Sprintf("Your tickets for receipt %s", receipt))
	msg.SetBody("text/html", html)

	for i, ticket := range tickets {
		png, err := ticketing.PNGFromDataURI(ticket.QRPayload)
		if err != nil {
			return fmt.Errorf("ticket %s: %w", ticket.Code, err)
		}
		msg.Embed(cids[i], gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(png)
			return err
		}))
	}

	return m.dialer.DialAndSend(msg)
}

// renderReceiptHTML is the pure part of receipt composition; it returns the
// HTML body and the inline-attachment names it references.
func renderReceiptHTML(receipt string, tickets []models.Ticket) (string, []string, error) {
	data := receiptData{Receipt: receipt}
	cids := make([]string, 0, len(tickets))
	for i, ticket := range tickets {
		cid := fmt.Sprintf("ticket-%d.png", i+1)
		cids = append(cids, cid)
		data.Tickets = append(data.Tickets, receiptTicket{
			Code: ticket.Code,
			Type: ticket.TicketType,
			CID:  cid,
		})
	}

	var sb strings.Builder
	if err := receiptTemplate.Execute(&sb, data); err != nil {
		return "", nil, err
	}
	return sb.String(), cids, nil
}
