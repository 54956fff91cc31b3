package analytics

import (
	"context"
	"strings"

	"github.com/Noodynamo/conceptus-veritas/pkg/observability"
	"github.com/Noodynamo/conceptus-veritas/pkg/schemas"
)

// eventPrefix marks events emitted through the product analytics
// pipeline. Events without it are forwarded with a warning so a missed
// rename never drops data.
const eventPrefix = "ph_"

// Dispatcher validates events against the schema registry and forwards
// them to the analytics client. A dispatcher with a nil client logs and
// drops events instead of panicking, so callers can track
// unconditionally.
type Dispatcher struct {
	client     *Client
	registry   *schemas.Registry
	metrics    *observability.Metrics
	logger     *observability.Logger
	appVersion string
}

// NewDispatcher creates an event dispatcher. The client may be nil when
// analytics is disabled.
func NewDispatcher(client *Client, registry *schemas.Registry, metrics *observability.Metrics, logger *observability.Logger, appVersion string) *Dispatcher {
	return &Dispatcher{
		client:     client,
		registry:   registry,
		metrics:    metrics,
		logger:     logger,
		appVersion: appVersion,
	}
}

// Track validates, enriches, and sends one event. Returns whether the
// event was dispatched; failures are logged, never propagated, since
// analytics must not break the feature that emitted the event.
func (d *Dispatcher) Track(ctx context.Context, userID, event string, properties map[string]any) bool {
	log := d.logger.WithField("event", event)

	if !strings.HasPrefix(event, eventPrefix) {
		log.Warnf("event name missing %q prefix", eventPrefix)
	}

	props := make(map[string]any, len(properties)+2)
	for k, v := range properties {
		props[k] = v
	}

	if d.registry != nil {
		if schema, err := d.registry.Latest(event); err == nil {
			if err := schemas.ValidatePayload(schema, props); err != nil {
				log.WithError(err).Warn("event failed schema validation, dropping")
				d.metrics.EventValidationFailuresTotal.WithLabelValues(event).Inc()
				return false
			}
			props["schema_version"] = schema.Version
		}
	}

	props["app_version"] = d.appVersion

	if d.client == nil {
		log.Debug("analytics client not configured, dropping event")
		d.metrics.EventsDispatchedTotal.WithLabelValues(event, "dropped").Inc()
		return false
	}

	if err := d.client.Capture(ctx, userID, event, props); err != nil {
		log.WithError(err).Warn("failed to dispatch event")
		d.metrics.EventsDispatchedTotal.WithLabelValues(event, "error").Inc()
		return false
	}

	d.metrics.EventsDispatchedTotal.WithLabelValues(event, "ok").Inc()
	return true
}

// Identify forwards person properties to the analytics backend
func (d *Dispatcher) Identify(ctx context.Context, userID string, properties map[string]any) bool {
	if d.client == nil {
		return false
	}
	if err := d.client.Identify(ctx, userID, properties); err != nil {
		d.logger.WithError(err).Warn("failed to identify user")
		return false
	}
	return true
}

// Reset clears the registered properties for a user, used on logout
func (d *Dispatcher) Reset(userID string) {
	if d.client == nil {
		return
	}
	d.client.Reset(userID)
}
