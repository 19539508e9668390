// Package inbox records inbound provider postbacks, deduplicated by (provider, transaction id).
package inbox

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/hookline/internal/apperr"
	"github.com/shohag/hookline/internal/metrics"
	"github.com/shohag/hookline/internal/models"
	"github.com/shohag/hookline/internal/storage"
)

var (
	transactionKeys = []string{"transaction_id", "txn_id", "tx_id", "order_id", "click_id"}
	statusKeys      = []string{"status", "state", "payment_status"}
	amountKeys      = []string{"amount", "sum", "payout"}
	currencyKeys    = []string{"currency", "cur"}
	tokenKeys       = []string{"token", "secret"}
)

// headers never persisted with the raw postback
var redactedHeaders = map[string]bool{
	"Authorization": true,
	"Cookie":        true,
}

// Postback is one raw inbound call.
type Postback struct {
	Provider    string
	ContentType string
	Body        []byte
	Query       url.Values
	Headers     http.Header
}

type Service struct {
	store   storage.InboxStore
	secret  string
	metrics *metrics.Metrics
	log     zerolog.Logger

	Now func() time.Time
}

func NewService(store storage.InboxStore, postbackSecret string, m *metrics.Metrics, log zerolog.Logger) *Service {
	if m == nil {
		m = metrics.New()
	}
	return &Service{
		store:   store,
		secret:  postbackSecret,
		metrics: m,
		log:     log.With().Str("component", "inbox").Logger(),
		Now:     time.Now,
	}
}

// Receive stores a postback. A repeat for a known transaction updates the existing
// item's status instead of inserting; created reports which case happened.
func (s *Service) Receive(ctx context.Context, p Postback) (*models.InboxItem, bool, error) {
	provider := strings.TrimSpace(p.Provider)
	if provider == "" {
		return nil, false, apperr.Invalid("provider", "is required")
	}

	fields, err := parseFields(p)
	if err != nil {
		return nil, false, err
	}

	if s.secret != "" {
		token := first(fields, tokenKeys)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) != 1 {
			return nil, false, fmt.Errorf("verifying postback token: %w", apperr.ErrUnauthorized)
		}
	}

	txID := first(fields, transactionKeys)
	if txID == "" {
		return nil, false, apperr.Invalid("transaction_id", "one of %s is required", strings.Join(transactionKeys, ", "))
	}
	providerStatus := first(fields, statusKeys)
	status := Normalize(providerStatus)

	payload := string(p.Body)
	if len(bytes.TrimSpace(p.Body)) == 0 {
		payload = p.Query.Encode()
	}

	now := s.Now().UTC()
	item := &models.InboxItem{
		ID:             models.NewID("inb"),
		Provider:       provider,
		TransactionID:  txID,
		Status:         status,
		ProviderStatus: providerStatus,
		Amount:         first(fields, amountKeys),
		Currency:       strings.ToUpper(first(fields, currencyKeys)),
		Payload:        payload,
		ContentType:    p.ContentType,
		Headers:        flattenHeaders(p.Headers),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	created, err := s.store.UpsertInboxItem(ctx, item)
	if err != nil {
		return nil, false, err
	}
	s.metrics.Postbacks.WithLabelValues(string(status)).Inc()

	s.log.Info().
		Str("inbox_id", item.ID).
		Str("provider", provider).
		Str("transaction_id", txID).
		Str("status", string(status)).
		Bool("created", created).
		Int("postback_count", item.PostbackCount).
		Msg("postback received")
	return item, created, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.InboxItem, error) {
	return s.store.GetInboxItem(ctx, id)
}

func (s *Service) List(ctx context.Context, provider string, limit, offset int) ([]models.InboxItem, error) {
	return s.store.ListInboxItems(ctx, provider, limit, offset)
}

// MarkProcessed records the outcome of downstream handling. An empty errMsg clears a previous error.
func (s *Service) MarkProcessed(ctx context.Context, id, errMsg string) error {
	item, err := s.store.GetInboxItem(ctx, id)
	if err != nil {
		return err
	}
	return s.store.UpdateInboxStatus(ctx, id, item.Status, errMsg)
}

// parseFields merges query parameters and body fields into one lowercase-keyed map.
// Body fields win.
func parseFields(p Postback) (map[string]string, error) {
	fields := make(map[string]string)
	for k, vs := range p.Query {
		if len(vs) > 0 {
			fields[strings.ToLower(k)] = vs[0]
		}
	}

	body := bytes.TrimSpace(p.Body)
	if len(body) == 0 {
		return fields, nil
	}

	mediaType, _, _ := mime.ParseMediaType(p.ContentType)
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		return fields, mergeJSON(fields, body)
	case mediaType == "application/x-www-form-urlencoded":
		return fields, mergeForm(fields, body)
	case body[0] == '{':
		return fields, mergeJSON(fields, body)
	default:
		return fields, mergeForm(fields, body)
	}
}

func mergeJSON(fields map[string]string, body []byte) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return apperr.Invalid("body", "must be a JSON object")
	}
	for k, v := range obj {
		fields[strings.ToLower(k)] = stringify(v)
	}
	return nil
}

func mergeForm(fields map[string]string, body []byte) error {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return apperr.Invalid("body", "malformed form body: %v", err)
	}
	for k, vs := range values {
		if len(vs) > 0 {
			fields[strings.ToLower(k)] = vs[0]
		}
	}
	return nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func first(fields map[string]string, keys []string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(fields[k]); v != "" {
			return v
		}
	}
	return ""
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if redactedHeaders[http.CanonicalHeaderKey(k)] || len(vs) == 0 {
			continue
		}
		out[http.CanonicalHeaderKey(k)] = strings.Join(vs, ", ")
	}
	return out
}
