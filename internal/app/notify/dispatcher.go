// Package notify fans scan lifecycle notifications out to the integrations
// subscribed to a scan's audit.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

// Integrator delivers a notification through one integration.
type Integrator interface {
	Send(ctx context.Context, integration scanning.Integration, n scanning.Notification) error
}

// IntegrationLister loads the integrations subscribed to an audit.
type IntegrationLister interface {
	ListIntegrations(ctx context.Context, auditID uuid.UUID) ([]scanning.Integration, error)
}

// AddressValidator is implemented by integrators that address deliveries by
// something other than a web URL, such as a broker topic. It returns the
// address in the form to store.
type AddressValidator interface {
	ValidateAddress(address string) (string, error)
}

// URLValidator normalizes a public http(s) URL.
type URLValidator interface {
	SafeURL(ctx context.Context, target string) (string, error)
}

// Dispatcher routes each notification to the integrator registered for every
// integration of the scan's audit. Delivery failures are logged and never
// returned, so a broken webhook cannot affect task processing.
type Dispatcher struct {
	mu          sync.RWMutex
	integrators map[string]Integrator
	timeout     time.Duration

	integrations IntegrationLister
	urls         URLValidator
	logger       *logger.Logger
	tracer       trace.Tracer
}

var _ scanning.Notifier = (*Dispatcher)(nil)

// NewDispatcher returns a dispatcher with no integrators registered. urls
// checks the webhook of every integration whose integrator does not
// validate its own addresses.
func NewDispatcher(integrations IntegrationLister, urls URLValidator, log *logger.Logger, tracer trace.Tracer) *Dispatcher {
	return &Dispatcher{
		integrators:  make(map[string]Integrator),
		integrations: integrations,
		urls:         urls,
		logger:       log.With("component", "notify.dispatcher"),
		tracer:       tracer,
	}
}

// Register associates service with integrator, replacing any previous one.
func (d *Dispatcher) Register(service string, integrator Integrator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.integrators[service] = integrator
}

// SetDeliveryTimeout bounds each delivery, retries included. Zero leaves
// deliveries bounded only by the caller's context.
func (d *Dispatcher) SetDeliveryTimeout(timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeout = timeout
}

// CheckIntegration returns in with its URL normalized for delivery. The
// service must have a registered integrator.
func (d *Dispatcher) CheckIntegration(ctx context.Context, in scanning.Integration) (scanning.Integration, error) {
	d.mu.RLock()
	integrator, ok := d.integrators[in.Service]
	d.mu.RUnlock()
	if !ok {
		return in, fmt.Errorf("%w: %q", scanning.ErrIntegrationUnsupported, in.Service)
	}

	if av, ok := integrator.(AddressValidator); ok {
		addr, err := av.ValidateAddress(in.URL)
		if err != nil {
			return in, fmt.Errorf("%w: %v", scanning.ErrIntegrationAddress, err)
		}
		in.URL = addr
		return in, nil
	}

	u, err := d.urls.SafeURL(ctx, in.URL)
	if err != nil {
		return in, err
	}
	in.URL = u
	return in, nil
}

// Notify delivers n to every integration of the scan's audit. Notifications
// without a scan are dropped since their audit cannot be resolved.
func (d *Dispatcher) Notify(ctx context.Context, n scanning.Notification) {
	if n.Scan == nil {
		d.logger.Debug(ctx, "Dropping notification without scan", "kind", string(n.Kind))
		return
	}

	log := logger.NewLoggerContext(d.logger.With(
		"operation", "notify",
		"kind", string(n.Kind),
		"scan_id", n.Scan.ID.String(),
		"audit_id", n.Scan.AuditID.String(),
	))
	ctx, span := d.tracer.Start(ctx, "notify.dispatch", trace.WithAttributes(
		attribute.String("kind", string(n.Kind)),
		attribute.String("scan_id", n.Scan.ID.String()),
	))
	defer span.End()

	integrations, err := d.integrations.ListIntegrations(ctx, n.Scan.AuditID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list integrations")
		log.Error(ctx, "Failed to list integrations", "error", err)
		return
	}
	log.Add("integration_count", len(integrations))

	var failed int
	for _, in := range integrations {
		if err := d.send(ctx, in, n); err != nil {
			failed++
			span.RecordError(err)
			log.Error(ctx, "Notification delivery failed", "service", in.Service, "error", err)
		}
	}
	span.SetAttributes(attribute.Int("failed", failed))
	if failed > 0 {
		span.SetStatus(codes.Error, "some deliveries failed")
		return
	}
	span.SetStatus(codes.Ok, "notification dispatched")
	log.Debug(ctx, "Notification dispatched")
}

func (d *Dispatcher) send(ctx context.Context, in scanning.Integration, n scanning.Notification) error {
	d.mu.RLock()
	integrator, ok := d.integrators[in.Service]
	timeout := d.timeout
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no integrator registered for service %q", in.Service)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return integrator.Send(ctx, in, n)
}
