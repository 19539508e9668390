package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shohag/hookline/internal/apperr"
	"github.com/shohag/hookline/internal/config"
	"github.com/shohag/hookline/internal/metrics"
	"github.com/shohag/hookline/internal/models"
	"github.com/shohag/hookline/internal/storage"
)

const (
	tracerName = "github.com/shohag/hookline/internal/delivery"

	reasonEndpointGone = "endpoint inactive or deleted"
	reasonExhausted    = "max attempts exhausted"
)

// EndpointGetter resolves the endpoint a delivery targets, secret included.
type EndpointGetter interface {
	GetEndpoint(ctx context.Context, id string) (*models.Endpoint, error)
}

// Queue is the part of the delivery store the dispatcher drives.
type Queue interface {
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.Delivery, error)
	RenewClaim(ctx context.Context, d *models.Delivery, now time.Time, lease time.Duration) error
	FinishDelivery(ctx context.Context, d *models.Delivery, f storage.Finish) error
}

// BatchResult counts what happened to the rows of one batch.
type BatchResult struct {
	Claimed   int `json:"claimed"`
	Succeeded int `json:"succeeded"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Lost      int `json:"lost"`
	Errored   int `json:"errored"`
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeRetried
	outcomeFailed
	outcomeLost
	outcomeErrored
)

func (r *BatchResult) add(o outcome) {
	switch o {
	case outcomeSucceeded:
		r.Succeeded++
	case outcomeRetried:
		r.Retried++
	case outcomeFailed:
		r.Failed++
	case outcomeLost:
		r.Lost++
	case outcomeErrored:
		r.Errored++
	}
}

type Dispatcher struct {
	queue     Queue
	endpoints EndpointGetter
	sender    *Sender
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	log       zerolog.Logger

	batchSize    int
	workers      int
	maxAttempts  int
	schedule     []time.Duration
	lease        time.Duration
	pollInterval time.Duration

	// Now is overridable in tests.
	Now func() time.Time
}

func NewDispatcher(cfg config.DeliveryConfig, queue Queue, endpoints EndpointGetter, sender *Sender, m *metrics.Metrics, log zerolog.Logger) *Dispatcher {
	schedule := cfg.RetrySchedule
	if len(schedule) == 0 {
		schedule = DefaultRetrySchedule
	}
	if sender == nil {
		sender = NewSender(orDefaultDuration(cfg.Timeout, 30*time.Second))
	}
	if m == nil {
		m = metrics.New()
	}

	return &Dispatcher{
		queue:        queue,
		endpoints:    endpoints,
		sender:       sender,
		metrics:      m,
		tracer:       otel.Tracer(tracerName),
		log:          log.With().Str("component", "dispatcher").Logger(),
		batchSize:    orDefault(cfg.BatchSize, 50),
		workers:      orDefault(cfg.Workers, 10),
		maxAttempts:  orDefault(cfg.MaxAttempts, 8),
		schedule:     schedule,
		lease:        orDefaultDuration(cfg.ClaimLease, 5*time.Minute),
		pollInterval: orDefaultDuration(cfg.PollInterval, time.Minute),
		Now:          time.Now,
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// Run processes a batch on every poll tick and on every wake-up until ctx is done.
// A batch already in flight when ctx is canceled runs to completion.
func (d *Dispatcher) Run(ctx context.Context, wake <-chan struct{}) error {
	d.log.Info().
		Int("workers", d.workers).
		Int("batch_size", d.batchSize).
		Dur("poll_interval", d.pollInterval).
		Msg("starting dispatcher")

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	d.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("dispatcher stopped")
			return nil
		case <-ticker.C:
			d.runOnce(ctx)
		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			d.runOnce(ctx)
		}
	}
}

func (d *Dispatcher) runOnce(ctx context.Context) {
	res, err := d.RunBatch(context.WithoutCancel(ctx))
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch batch aborted")
		return
	}
	if res.Claimed > 0 {
		d.log.Info().
			Int("claimed", res.Claimed).
			Int("succeeded", res.Succeeded).
			Int("retried", res.Retried).
			Int("failed", res.Failed).
			Int("lost", res.Lost).
			Int("errored", res.Errored).
			Msg("dispatch batch finished")
	}
}

// RunBatch claims due deliveries and attempts each once. A storage failure aborts the
// batch with an InfrastructureError: rows not yet started keep their lease and become
// due again when it expires.
func (d *Dispatcher) RunBatch(ctx context.Context) (BatchResult, error) {
	start := time.Now()
	defer func() { d.metrics.BatchDuration.Observe(time.Since(start).Seconds()) }()

	claimed, err := d.queue.ClaimDue(ctx, d.Now().UTC(), d.lease, d.batchSize)
	if err != nil {
		return BatchResult{}, apperr.Infrastructure("claiming due deliveries", err)
	}

	result := BatchResult{Claimed: len(claimed)}
	if len(claimed) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	p := pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(d.workers)
	for _, row := range claimed {
		p.Go(func(poolCtx context.Context) error {
			if poolCtx.Err() != nil {
				return nil
			}
			// in-flight sends run on ctx so an abort never cuts a request short
			o, err := d.process(ctx, row)
			mu.Lock()
			result.add(o)
			mu.Unlock()
			return err
		})
	}
	if err := p.Wait(); err != nil {
		return result, err
	}

	return result, nil
}

// process attempts one claimed row. The returned error is non-nil only for storage
// failures, which abort the rest of the batch.
func (d *Dispatcher) process(ctx context.Context, row models.Delivery) (outcome, error) {
	ctx, span := d.tracer.Start(ctx, "hookline.delivery", trace.WithAttributes(
		attribute.String("hookline.delivery_id", row.ID),
		attribute.String("hookline.endpoint_id", row.EndpointID),
		attribute.String("hookline.workspace_id", row.WorkspaceID),
		attribute.String("hookline.event_type", row.EventType),
		attribute.Int("hookline.attempt", row.AttemptCount+1),
	))
	defer span.End()

	log := d.log.With().
		Str("delivery_id", row.ID).
		Str("endpoint_id", row.EndpointID).
		Str("workspace_id", row.WorkspaceID).
		Logger()

	// rows wait for a worker slot after the batch claim; a row whose lease ran out
	// meanwhile may already belong to another batch
	if err := d.queue.RenewClaim(ctx, &row, d.Now().UTC(), d.lease); err != nil {
		if errors.Is(err, storage.ErrClaimLost) {
			d.metrics.ClaimConflicts.Inc()
			log.Warn().Msg("delivery claim expired before send, skipping")
			span.SetStatus(codes.Error, "claim lost")
			return outcomeLost, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim renewal failed")
		return outcomeErrored, apperr.Infrastructure("renewing delivery claim", err)
	}

	ep, err := d.endpoints.GetEndpoint(ctx, row.EndpointID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "endpoint lookup failed")
		return outcomeErrored, apperr.Infrastructure("loading endpoint", err)
	}

	now := d.Now().UTC()
	if ep == nil || !ep.Active {
		reason := reasonEndpointGone
		d.metrics.DeliveryAttempts.WithLabelValues(metrics.OutcomeSkipped).Inc()
		span.SetStatus(codes.Error, reason)
		log.Warn().Msg("failing delivery to inactive or deleted endpoint")
		return d.finish(ctx, log, &row, storage.Finish{
			Status:         models.DeliveryFailed,
			AttemptCount:   row.AttemptCount,
			NextAttemptAt:  row.NextAttemptAt,
			LastStatusCode: row.LastStatusCode,
			LastError:      &reason,
			UpdatedAt:      now,
		}, outcomeFailed)
	}

	body, err := BuildEnvelope(&row, now)
	if err != nil {
		perm := &apperr.PermanentDeliveryFailure{Reason: "building envelope", Last: err}
		msg := perm.Error()
		log.Error().Err(perm).Msg("delivery permanently failed")
		span.RecordError(perm)
		return d.finish(ctx, log, &row, storage.Finish{
			Status:        models.DeliveryFailed,
			AttemptCount:  row.AttemptCount,
			NextAttemptAt: row.NextAttemptAt,
			LastError:     &msg,
			UpdatedAt:     now,
		}, outcomeFailed)
	}

	res := d.sender.Send(ctx, Request{
		URL:        ep.URL,
		Secret:     ep.Secret,
		DeliveryID: row.ID,
		EventType:  row.EventType,
		Body:       body,
		SentAt:     now,
	})
	d.metrics.DeliveryLatency.Observe(res.Latency.Seconds())

	attemptCount := row.AttemptCount + 1
	finishedAt := d.Now().UTC()
	attempt := &models.Attempt{
		ID:            models.NewID("att"),
		DeliveryID:    row.ID,
		AttemptNumber: attemptCount,
		StatusCode:    res.StatusCode,
		ResponseBody:  res.ResponseBody,
		LatencyMs:     res.Latency.Milliseconds(),
		CreatedAt:     finishedAt,
	}
	var statusCode *int
	if res.StatusCode != 0 {
		code := res.StatusCode
		statusCode = &code
		span.SetAttributes(attribute.Int("http.response.status_code", code))
	}

	log = log.With().Int("attempt", attemptCount).Logger()

	if res.Err == nil && IsSuccess(res.StatusCode) {
		d.metrics.DeliveryAttempts.WithLabelValues(metrics.OutcomeSuccess).Inc()
		log.Info().
			Int("status_code", res.StatusCode).
			Int64("latency_ms", attempt.LatencyMs).
			Msg("delivery succeeded")
		return d.finish(ctx, log, &row, storage.Finish{
			Status:         models.DeliverySuccess,
			AttemptCount:   attemptCount,
			NextAttemptAt:  row.NextAttemptAt,
			LastStatusCode: statusCode,
			DeliveredAt:    &finishedAt,
			UpdatedAt:      finishedAt,
			Attempt:        attempt,
		}, outcomeSucceeded)
	}

	sendErr := &apperr.TransientDeliveryError{StatusCode: res.StatusCode, Err: res.Err}
	lastErr := sendErr.Error()
	attempt.Error = lastErr
	span.RecordError(sendErr)
	span.SetStatus(codes.Error, lastErr)

	ceiling := d.maxAttempts
	if ep.MaxAttempts > 0 {
		ceiling = ep.MaxAttempts
	}

	if attemptCount >= ceiling {
		perm := &apperr.PermanentDeliveryFailure{Reason: reasonExhausted, Last: sendErr}
		d.metrics.DeliveryAttempts.WithLabelValues(metrics.OutcomeFailed).Inc()
		log.Warn().
			Err(perm).
			Int("status_code", res.StatusCode).
			Int("max_attempts", ceiling).
			Msg("delivery permanently failed")
		return d.finish(ctx, log, &row, storage.Finish{
			Status:         models.DeliveryFailed,
			AttemptCount:   attemptCount,
			NextAttemptAt:  row.NextAttemptAt,
			LastStatusCode: statusCode,
			LastError:      &lastErr,
			UpdatedAt:      finishedAt,
			Attempt:        attempt,
		}, outcomeFailed)
	}

	next := finishedAt.Add(NextDelay(attemptCount, d.schedule))
	d.metrics.DeliveryAttempts.WithLabelValues(metrics.OutcomeRetry).Inc()
	log.Info().
		Err(sendErr).
		Int("status_code", res.StatusCode).
		Time("next_attempt_at", next).
		Msg("delivery scheduled for retry")
	return d.finish(ctx, log, &row, storage.Finish{
		Status:         models.DeliveryPending,
		AttemptCount:   attemptCount,
		NextAttemptAt:  next,
		LastStatusCode: statusCode,
		LastError:      &lastErr,
		UpdatedAt:      finishedAt,
		Attempt:        attempt,
	}, outcomeRetried)
}

// finish writes the outcome even when the request context was canceled mid-send.
func (d *Dispatcher) finish(ctx context.Context, log zerolog.Logger, row *models.Delivery, f storage.Finish, o outcome) (outcome, error) {
	err := d.queue.FinishDelivery(context.WithoutCancel(ctx), row, f)
	switch {
	case err == nil:
		return o, nil
	case errors.Is(err, storage.ErrClaimLost):
		d.metrics.ClaimConflicts.Inc()
		log.Warn().Msg("delivery claim lost, dropping result")
		return outcomeLost, nil
	default:
		log.Error().Err(err).Msg("failed to record delivery outcome")
		return outcomeErrored, apperr.Infrastructure("recording delivery outcome", err)
	}
}
