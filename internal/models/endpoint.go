package models

import (
	"strings"
	"time"
)

// WildcardEvent subscribes an endpoint to every event type.
const WildcardEvent = "*"

type Endpoint struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	URL         string    `json:"url"`
	Description string    `json:"description"`
	Secret      string    `json:"secret,omitempty"`
	EventTypes  []string  `json:"event_types"`
	Active      bool      `json:"active"`
	MaxAttempts int       `json:"max_attempts,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Redacted returns a copy without the signing secret.
func (e Endpoint) Redacted() Endpoint {
	e.Secret = ""
	e.EventTypes = append([]string(nil), e.EventTypes...)
	return e
}

// Subscribes reports whether the endpoint wants events of the given type.
// "*" matches everything and "task.*" matches "task.created".
func (e Endpoint) Subscribes(eventType string) bool {
	for _, sub := range e.EventTypes {
		if sub == WildcardEvent || sub == eventType {
			return true
		}
		if strings.HasSuffix(sub, ".*") {
			prefix := strings.TrimSuffix(sub, "*")
			if strings.HasPrefix(eventType, prefix) && len(eventType) > len(prefix) {
				return true
			}
		}
	}
	return false
}

// EndpointPatch is a partial update. Nil fields are left unchanged.
type EndpointPatch struct {
	URL         *string   `json:"url,omitempty"`
	EventTypes  *[]string `json:"event_types,omitempty"`
	Description *string   `json:"description,omitempty"`
	Active      *bool     `json:"active,omitempty"`
	MaxAttempts *int      `json:"max_attempts,omitempty"`
}
