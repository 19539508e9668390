package inbox

import (
	"strings"

	"github.com/shohag/hookline/internal/models"
)

var statusAliases = map[string]models.InboxStatus{}

func init() {
	for status, aliases := range map[models.InboxStatus][]string{
		models.InboxApproved:   {"approved", "paid", "completed", "complete", "success", "succeeded", "confirmed", "settled", "1"},
		models.InboxPending:    {"pending", "processing", "waiting", "hold", "on_hold", "created", "new", "0"},
		models.InboxRejected:   {"rejected", "declined", "failed", "failure", "cancelled", "canceled", "denied", "expired", "invalid", "-1", "2"},
		models.InboxRefunded:   {"refunded", "refund", "reversed", "reversal"},
		models.InboxChargeback: {"chargeback", "disputed", "dispute"},
	} {
		for _, a := range aliases {
			statusAliases[a] = status
		}
	}
}

// Normalize maps a provider's status vocabulary onto the canonical inbox statuses.
func Normalize(raw string) models.InboxStatus {
	if s, ok := statusAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	return models.InboxUnknown
}
