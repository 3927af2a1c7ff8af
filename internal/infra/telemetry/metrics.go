package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Instrument names.
const (
	MetricTransitions      = "threadline.fsm.transitions"
	MetricFramesReceived   = "threadline.frames.received"
	MetricReconnects       = "threadline.connection.reconnects"
	MetricReconnectDelay   = "threadline.connection.reconnect_delay"
	MetricSyncDuration     = "threadline.sync.duration"
	MetricPostsFetched     = "threadline.sync.posts_fetched"
	MetricReclaims         = "threadline.post.reclaims"
	MetricSubmissions      = "threadline.post.submissions"
	meterName              = "github.com/coachpo/threadline"
	operationFetch         = "fetch_post"
	operationDial          = "dial"
	operationReclaim       = "reclaim"
	operationSubmitNonLive = "submit_non_live"
)

// Metrics groups the client instruments. A nil *Metrics records nothing.
type Metrics struct {
	environment string

	transitions    metric.Int64Counter
	frames         metric.Int64Counter
	reconnects     metric.Int64Counter
	reconnectDelay metric.Float64Histogram
	syncDuration   metric.Float64Histogram
	postsFetched   metric.Int64Counter
	reclaims       metric.Int64Counter
	submissions    metric.Int64Counter
}

// NewMetrics creates instruments on meter, or on the global meter provider when meter is nil.
func NewMetrics(meter metric.Meter) *Metrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &Metrics{environment: Environment()}

	m.transitions, _ = meter.Int64Counter(MetricTransitions,
		metric.WithDescription("State machine transitions applied"),
		metric.WithUnit("{transition}"))
	m.frames, _ = meter.Int64Counter(MetricFramesReceived,
		metric.WithDescription("Websocket frames received by message type"),
		metric.WithUnit("{frame}"))
	m.reconnects, _ = meter.Int64Counter(MetricReconnects,
		metric.WithDescription("Dial attempts by outcome"),
		metric.WithUnit("{attempt}"))
	m.reconnectDelay, _ = meter.Float64Histogram(MetricReconnectDelay,
		metric.WithDescription("Delay before the next dial attempt"),
		metric.WithUnit("ms"))
	m.syncDuration, _ = meter.Float64Histogram(MetricSyncDuration,
		metric.WithDescription("Time from entering synced to a settled view"),
		metric.WithUnit("ms"))
	m.postsFetched, _ = meter.Int64Counter(MetricPostsFetched,
		metric.WithDescription("Posts fetched individually during reconciliation"),
		metric.WithUnit("{post}"))
	m.reclaims, _ = meter.Int64Counter(MetricReclaims,
		metric.WithDescription("Reclaim outcomes for posts left open across a disconnect"),
		metric.WithUnit("{reclaim}"))
	m.submissions, _ = meter.Int64Counter(MetricSubmissions,
		metric.WithDescription("Single-shot post submissions by outcome"),
		metric.WithUnit("{submission}"))
	return m
}

// RecordTransition counts an applied transition.
func (m *Metrics) RecordTransition(machine, from, to, event string) {
	if m == nil || m.transitions == nil {
		return
	}
	attrs := TransitionAttributes(m.environment, machine, from, to, event)
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// RecordFrame counts a received frame.
func (m *Metrics) RecordFrame(messageType string) {
	if m == nil || m.frames == nil {
		return
	}
	m.frames.Add(context.Background(), 1, metric.WithAttributes(
		AttrEnvironment.String(m.environment),
		AttrMessageType.String(messageType),
	))
}

// RecordDial counts a dial attempt.
func (m *Metrics) RecordDial(result string) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(context.Background(), 1, metric.WithAttributes(OperationAttributes(m.environment, operationDial, result)...))
}

// RecordReconnectDelay records the scheduled backoff.
func (m *Metrics) RecordReconnectDelay(delay time.Duration) {
	if m == nil || m.reconnectDelay == nil {
		return
	}
	m.reconnectDelay.Record(context.Background(), float64(delay.Milliseconds()),
		metric.WithAttributes(AttrEnvironment.String(m.environment)))
}

// RecordSync records a reconciliation run.
func (m *Metrics) RecordSync(board string, elapsed time.Duration, result string) {
	if m == nil || m.syncDuration == nil {
		return
	}
	m.syncDuration.Record(context.Background(), float64(elapsed.Milliseconds()), metric.WithAttributes(
		AttrEnvironment.String(m.environment),
		AttrBoard.String(board),
		AttrResult.String(result),
	))
}

// RecordFetch counts an individual post fetch.
func (m *Metrics) RecordFetch(result string) {
	if m == nil || m.postsFetched == nil {
		return
	}
	m.postsFetched.Add(context.Background(), 1, metric.WithAttributes(OperationAttributes(m.environment, operationFetch, result)...))
}

// RecordReclaim counts a reclaim outcome.
func (m *Metrics) RecordReclaim(result string) {
	if m == nil || m.reclaims == nil {
		return
	}
	m.reclaims.Add(context.Background(), 1, metric.WithAttributes(OperationAttributes(m.environment, operationReclaim, result)...))
}

// RecordSubmission counts a single-shot submission outcome.
func (m *Metrics) RecordSubmission(result string) {
	if m == nil || m.submissions == nil {
		return
	}
	m.submissions.Add(context.Background(), 1, metric.WithAttributes(OperationAttributes(m.environment, operationSubmitNonLive, result)...))
}
