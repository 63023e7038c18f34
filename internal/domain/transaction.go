package domain

import (
	"strings"
	"time"
)

// Channel is the payment channel a transaction was made through.
type Channel string

const (
	ChannelCardPresent    Channel = "card_present"
	ChannelCardNotPresent Channel = "card_not_present"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelCardPresent || c == ChannelCardNotPresent
}

// Transaction represents an incoming card transaction to be scored.
type Transaction struct {
	TxnID            string    `json:"txn_id"`
	Timestamp        time.Time `json:"timestamp"`
	CustomerID       string    `json:"customer_id"`
	MerchantID       string    `json:"merchant_id"`
	MerchantCategory string    `json:"merchant_category"`
	Amount           float64   `json:"amount"`
	CountryCode      string    `json:"country_code"`
	Channel          Channel   `json:"channel"`
	DeviceID         string    `json:"device_id,omitempty"`
}

// Normalize canonicalises free-form fields in place.
// Country codes are upper-cased and surrounding whitespace is trimmed.
func (t *Transaction) Normalize() {
	t.TxnID = strings.TrimSpace(t.TxnID)
	t.CustomerID = strings.TrimSpace(t.CustomerID)
	t.MerchantID = strings.TrimSpace(t.MerchantID)
	t.MerchantCategory = strings.ToLower(strings.TrimSpace(t.MerchantCategory))
	t.CountryCode = strings.ToUpper(strings.TrimSpace(t.CountryCode))
	t.DeviceID = strings.TrimSpace(t.DeviceID)
	if t.Channel == "" {
		t.Channel = ChannelCardPresent
	}
}

// Validate checks the transaction against the ingestion contract.
// A non-nil error is always a *ValidationError wrapping ErrMalformedTransaction.
func (t *Transaction) Validate(maxAmount float64) error {
	switch {
	case t.TxnID == "":
		return invalid("txn_id", "is required")
	case t.CustomerID == "":
		return invalid("customer_id", "is required")
	case t.MerchantID == "":
		return invalid("merchant_id", "is required")
	case t.Timestamp.IsZero():
		return invalid("timestamp", "is required")
	case t.Amount <= 0:
		return invalid("amount", "must be positive")
	case maxAmount > 0 && t.Amount > maxAmount:
		return invalid("amount", "exceeds maximum allowed amount")
	case len(t.CountryCode) != 2 || !isAlpha(t.CountryCode):
		return invalid("country_code", "must be a two-letter country code")
	case !t.Channel.Valid():
		return invalid("channel", "must be card_present or card_not_present")
	}
	return nil
}

func isAlpha(s string) bool {
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}
