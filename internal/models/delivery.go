package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// IsFinal reports whether the status is terminal. Terminal deliveries are never mutated again.
func (s DeliveryStatus) IsFinal() bool {
	return s == DeliverySuccess || s == DeliveryFailed
}

func (s DeliveryStatus) Validate() error {
	switch s {
	case DeliveryPending, DeliverySuccess, DeliveryFailed:
		return nil
	}
	return fmt.Errorf("invalid delivery status: %q", string(s))
}

type Delivery struct {
	ID             string          `json:"id"`
	EndpointID     string          `json:"endpoint_id"`
	WorkspaceID    string          `json:"workspace_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	LastStatusCode *int            `json:"last_status_code,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	ResentFrom     *string         `json:"resent_from,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`

	// Set by the queue when the row is claimed; not part of the API shape.
	ClaimToken  string     `json:"-"`
	LockedUntil *time.Time `json:"-"`
}

type Attempt struct {
	ID            string    `json:"id"`
	DeliveryID    string    `json:"delivery_id"`
	AttemptNumber int       `json:"attempt_number"`
	StatusCode    int       `json:"status_code"`
	ResponseBody  string    `json:"response_body"`
	LatencyMs     int64     `json:"latency_ms"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// DeliveryFilter narrows delivery history listings.
type DeliveryFilter struct {
	WorkspaceID string
	EndpointID  string
	Status      DeliveryStatus
	Limit       int
	Offset      int
}
