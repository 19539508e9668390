package delivery

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/shohag/hookline/internal/models"
)

const envelopeTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Envelope is the JSON body POSTed to endpoints. Field order is part of the wire format.
type Envelope struct {
	ID          string          `json:"id"`
	Event       string          `json:"event"`
	WorkspaceID string          `json:"workspace_id"`
	OccurredAt  string          `json:"occurred_at"`
	Data        json.RawMessage `json:"data"`
}

// BuildEnvelope serializes the body for one send. The payload bytes are embedded
// verbatim; json.Marshal would compact them.
func BuildEnvelope(d *models.Delivery, at time.Time) ([]byte, error) {
	data := []byte(d.Payload)
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte(`{}`)
	}

	fields := []struct {
		key   string
		value string
	}{
		{"id", d.ID},
		{"event", d.EventType},
		{"workspace_id", d.WorkspaceID},
		{"occurred_at", at.UTC().Format(envelopeTimeFormat)},
	}

	var buf bytes.Buffer
	buf.Grow(len(data) + 160)
	buf.WriteByte('{')
	for _, f := range fields {
		v, err := json.Marshal(f.value)
		if err != nil {
			return nil, err
		}
		buf.WriteByte('"')
		buf.WriteString(f.key)
		buf.WriteString(`":`)
		buf.Write(v)
		buf.WriteByte(',')
	}
	buf.WriteString(`"data":`)
	buf.Write(data)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
