package collaboration

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the collaboration counters. A nil *Metrics records nothing.
type Metrics struct {
	connections    metric.Int64UpDownCounter
	events         metric.Int64Counter
	dropped        metric.Int64Counter
	messages       metric.Int64Counter
	messageErrors  metric.Int64Counter
	calls          metric.Int64Counter
	callsDropped   metric.Int64Counter
	autosaves      metric.Int64Counter
	autosaveErrors metric.Int64Counter
	savedChanges   metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	if m.connections, err = meter.Int64UpDownCounter("collab_connections",
		metric.WithDescription("Live WebSocket connections")); err != nil {
		return nil, err
	}
	if m.events, err = meter.Int64Counter("collab_events_total",
		metric.WithDescription("Inbound events dispatched")); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64Counter("collab_slow_consumers_total",
		metric.WithDescription("Connections dropped because their send buffer was full")); err != nil {
		return nil, err
	}
	if m.messages, err = meter.Int64Counter("chat_messages_total",
		metric.WithDescription("Chat messages persisted and relayed")); err != nil {
		return nil, err
	}
	if m.messageErrors, err = meter.Int64Counter("chat_message_errors_total",
		metric.WithDescription("Chat messages that failed to persist")); err != nil {
		return nil, err
	}
	if m.calls, err = meter.Int64Counter("calls_started_total",
		metric.WithDescription("Calls started")); err != nil {
		return nil, err
	}
	if m.callsDropped, err = meter.Int64Counter("calls_dropped_total",
		metric.WithDescription("Calls force-ended by a disconnect")); err != nil {
		return nil, err
	}
	if m.autosaves, err = meter.Int64Counter("spreadsheet_autosaves_total",
		metric.WithDescription("Autosave batches written")); err != nil {
		return nil, err
	}
	if m.autosaveErrors, err = meter.Int64Counter("spreadsheet_autosave_errors_total",
		metric.WithDescription("Autosave batches that failed to write")); err != nil {
		return nil, err
	}
	if m.savedChanges, err = meter.Int64Counter("spreadsheet_saved_changes_total",
		metric.WithDescription("Change sets written by autosave")); err != nil {
		return nil, err
	}

	return &m, nil
}

func (m *Metrics) connected(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, delta)
}

func (m *Metrics) eventDispatched(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event", name)))
}

func (m *Metrics) slowConsumer(ctx context.Context) {
	if m == nil {
		return
	}
	m.dropped.Add(ctx, 1)
}

func (m *Metrics) messageSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.messages.Add(ctx, 1)
}

func (m *Metrics) messageFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.messageErrors.Add(ctx, 1)
}

func (m *Metrics) callStarted(ctx context.Context, callType string) {
	if m == nil {
		return
	}
	m.calls.Add(ctx, 1, metric.WithAttributes(attribute.String("type", callType)))
}

func (m *Metrics) callDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.callsDropped.Add(ctx, 1)
}

func (m *Metrics) autosaved(ctx context.Context, changes int) {
	if m == nil {
		return
	}
	m.autosaves.Add(ctx, 1)
	m.savedChanges.Add(ctx, int64(changes))
}

func (m *Metrics) autosaveFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.autosaveErrors.Add(ctx, 1)
}
