package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shohag/hookline/internal/signing"
)

const (
	HeaderSignature = "X-Hookline-Signature"
	HeaderDelivery  = "X-Hookline-Delivery"
	HeaderEvent     = "X-Hookline-Event"
	HeaderTimestamp = "X-Hookline-Timestamp"

	userAgent       = "Hookline/1.0"
	maxResponseBody = 1024
)

type SendResult struct {
	StatusCode   int
	ResponseBody string
	Latency      time.Duration
	// Err is set when no HTTP response was received.
	Err error
}

// Request is one signed POST to an endpoint.
type Request struct {
	URL        string
	Secret     string
	DeliveryID string
	EventType  string
	Body       []byte
	SentAt     time.Time
}

type Sender struct {
	client  *http.Client
	timeout time.Duration
}

func NewSender(timeout time.Duration) *Sender {
	return &Sender{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// NewSenderWithClient lets callers supply their own transport.
func NewSenderWithClient(client *http.Client, timeout time.Duration) *Sender {
	return &Sender{client: client, timeout: timeout}
}

func (s *Sender) Send(ctx context.Context, r Request) *SendResult {
	start := time.Now()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return &SendResult{
			Err:     fmt.Errorf("creating request: %w", err),
			Latency: time.Since(start),
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderDelivery, r.DeliveryID)
	req.Header.Set(HeaderEvent, r.EventType)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(r.SentAt.Unix(), 10))
	req.Header.Set(HeaderSignature, signing.Sign(r.Body, r.Secret))

	resp, err := s.client.Do(req)
	if err != nil {
		return &SendResult{
			Err:     fmt.Errorf("sending request: %w", err),
			Latency: time.Since(start),
		}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return &SendResult{
		StatusCode:   resp.StatusCode,
		ResponseBody: string(body),
		Latency:      time.Since(start),
	}
}
