// Package slack delivers scan notifications to Slack incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

// Service is the integration service name handled by this package.
const Service = "slack"

// Catalog resolves a module to the detector metadata shown in messages.
type Catalog interface {
	Metadata(module string) (scanning.Metadata, error)
}

// Config tunes delivery.
type Config struct {
	// ConsoleURL is the page the "Show Details" button opens.
	ConsoleURL string
	Timeout    time.Duration
	RPS        float64
	Burst      int
	// RetryInitialInterval and RetryMaxElapsed bound the exponential backoff
	// applied to failed posts.
	RetryInitialInterval time.Duration
	RetryMaxElapsed      time.Duration
}

// DefaultConfig posts at most one message per second with a 5s timeout,
// retrying for up to 10s.
func DefaultConfig() Config {
	return Config{
		Timeout:              5 * time.Second,
		RPS:                  1,
		Burst:                5,
		RetryInitialInterval: 500 * time.Millisecond,
		RetryMaxElapsed:      10 * time.Second,
	}
}

// Integrator posts Block Kit messages to the integration's webhook URL.
type Integrator struct {
	cfg     Config
	client  *http.Client
	limiter *common.RateLimiter
	catalog Catalog

	logger *logger.Logger
	tracer trace.Tracer
}

// New returns an Integrator. client may be nil, in which case one with
// cfg.Timeout is used.
func New(cfg Config, client *http.Client, catalog Catalog, log *logger.Logger, tracer trace.Tracer) *Integrator {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Integrator{
		cfg:     cfg,
		client:  client,
		limiter: common.NewRateLimiter(cfg.RPS, cfg.Burst),
		catalog: catalog,
		logger:  log.With("component", "notify.slack"),
		tracer:  tracer,
	}
}

// Send posts n. START notifications are only sent for verbose integrations.
func (i *Integrator) Send(ctx context.Context, in scanning.Integration, n scanning.Notification) error {
	if n.Kind == scanning.NotifyStart && !in.Verbose {
		return nil
	}

	ctx, span := i.tracer.Start(ctx, "slack.send", trace.WithAttributes(
		attribute.String("kind", string(n.Kind)),
		attribute.String("scan_id", n.Scan.ID.String()),
	))
	defer span.End()

	var label string
	if meta, err := i.catalog.Metadata(n.Scan.Module); err == nil {
		label = meta.Label()
	}
	body, err := json.Marshal(buildMessage(n, label, i.cfg.ConsoleURL))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("encoding slack message: %w", err)
	}

	if err := i.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("waiting for slack rate limit: %w", err)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = i.cfg.RetryInitialInterval
	expBackoff.MaxElapsedTime = i.cfg.RetryMaxElapsed

	attempts := 0
	operation := func() error {
		attempts++
		err := i.post(ctx, in.URL, body)
		if err != nil {
			i.logger.Debug(ctx, "Slack post failed", "attempt", attempts, "error", err)
		}
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "slack delivery failed")
		return fmt.Errorf("posting to slack after %d attempts: %w", attempts, err)
	}

	span.SetAttributes(attribute.Int("attempts", attempts))
	span.SetStatus(codes.Ok, "message delivered")
	return nil
}

// post sends one request. Client errors other than 429 are permanent.
func (i *Integrator) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("slack returned %s", resp.Status)
	default:
		return backoff.Permanent(fmt.Errorf("slack returned %s", resp.Status))
	}
}
