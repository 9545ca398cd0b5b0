package models

import "time"

// Transaction is one terminal payment result as reported by the provider
// callback. It is append-only: created once per callback, never mutated.
type Transaction struct {
	ID                string     `json:"id"`
	MerchantRequestID string     `json:"merchantRequestId"`
	CheckoutRequestID string     `json:"checkoutRequestId"`
	ResultCode        int        `json:"resultCode"`
	ResultDesc        string     `json:"resultDesc"`
	TicketType        string     `json:"ticketType"`
	Quantity          int        `json:"quantity"`
	AccountReference  string     `json:"accountReference,omitempty"`
	BuyerEmail        string     `json:"buyerEmail,omitempty"`
	Amount            int64      `json:"amount"`
	MpesaReceipt      string     `json:"mpesaReceipt,omitempty"`
	Phone             string     `json:"phone,omitempty"`
	PaidAt            *time.Time `json:"paidAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// Succeeded reports whether the provider confirmed the payment.
// Result code 0 is success; every other code is a declined or failed payment.
func (t Transaction) Succeeded() bool {
	return t.ResultCode == 0
}

// Ticket is one seat owed by a successful Transaction. The mpesa receipt is
// denormalized onto every ticket so gate and dashboard lookups skip the join.
type Ticket struct {
	ID               string     `json:"id"`
	TransactionID    string     `json:"transactionId"`
	Code             string     `json:"code"`
	QRPayload        string     `json:"qrPayload,omitempty"`
	Phone            string     `json:"phone,omitempty"`
	BuyerEmail       string     `json:"buyerEmail,omitempty"`
	AccountReference string     `json:"accountReference,omitempty"`
	MpesaReceipt     string     `json:"mpesaReceipt"`
	TicketType       string     `json:"ticketType"`
	Used             bool       `json:"used"`
	UsedAt           *time.Time `json:"usedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// LinkedTicket is the dashboard projection of a ticket.
type LinkedTicket struct {
	Code string `json:"code"`
	Used bool   `json:"used"`
	Type string `json:"type"`
}

// TransactionReport is a Transaction augmented with its issued tickets,
// joined on the mpesa receipt.
type TransactionReport struct {
	Transaction
	LinkedTickets []LinkedTicket `json:"linkedTickets"`
	TicketCount   int            `json:"ticketCount"`
}
