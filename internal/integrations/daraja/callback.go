package daraja

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CallbackEnvelope is the asynchronous payment-result message the provider
// posts back. StkCallback is a pointer so a structurally invalid body is
// distinguishable from a failed payment.
type CallbackEnvelope struct {
	Body struct {
		StkCallback *STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        int               `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

// MetadataItem values arrive mixed: amounts and phone numbers as JSON
// numbers, receipts as strings.
type MetadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// Metadata keys present on successful callbacks.
const (
	MetaAmount          = "Amount"
	MetaReceiptNumber   = "MpesaReceiptNumber"
	MetaPhoneNumber     = "PhoneNumber"
	MetaTransactionDate = "TransactionDate"
)

// Flatten turns the metadata line-items into a name -> string map.
func (m *CallbackMetadata) Flatten() map[string]string {
	out := make(map[string]string)
	if m == nil {
		return out
	}
	for _, item := range m.Item {
		name := strings.TrimSpace(item.Name)
		if name == "" || len(item.Value) == 0 {
			continue
		}
		var asString string
		if err := json.Unmarshal(item.Value, &asString); err == nil {
			out[name] = asString
			continue
		}
		var asNumber json.Number
		if err := json.Unmarshal(item.Value, &asNumber); err == nil {
			out[name] = asNumber.String()
			continue
		}
	}
	return out
}

// ParseAmount reads a metadata amount, tolerating the fractional form the
// provider sometimes sends ("2000.00").
func ParseAmount(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty amount")
	}
	if dot := strings.IndexByte(raw, '.'); dot >= 0 {
		raw = raw[:dot]
	}
	var amount int64
	if _, err := fmt.Sscanf(raw, "%d", &amount); err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	return amount, nil
}

// ParseTransactionDate reads the provider timestamp (YYYYMMDDHHMMSS, Nairobi time).
func ParseTransactionDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	t, err := time.ParseInLocation(timestampLayout, raw, eatZone)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse transaction date %q: %w", raw, err)
	}
	return t, nil
}
