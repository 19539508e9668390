package models

import "time"

// InboxStatus is the canonical status of an inbound postback, independent of provider vocabulary.
type InboxStatus string

const (
	InboxPending    InboxStatus = "pending"
	InboxApproved   InboxStatus = "approved"
	InboxRejected   InboxStatus = "rejected"
	InboxRefunded   InboxStatus = "refunded"
	InboxChargeback InboxStatus = "chargeback"
	InboxUnknown    InboxStatus = "unknown"
)

// InboxItem records a raw inbound call. Payload and headers are written once.
type InboxItem struct {
	ID             string            `json:"id"`
	Provider       string            `json:"provider"`
	TransactionID  string            `json:"transaction_id"`
	Status         InboxStatus       `json:"status"`
	ProviderStatus string            `json:"provider_status"`
	Amount         string            `json:"amount,omitempty"`
	Currency       string            `json:"currency,omitempty"`
	Payload        string            `json:"payload"`
	ContentType    string            `json:"content_type"`
	Headers        map[string]string `json:"headers"`
	Error          string            `json:"error,omitempty"`
	PostbackCount  int               `json:"postback_count"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}
