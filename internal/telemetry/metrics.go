package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the control plane's metric instruments. The underlying
// OTel types handle their own synchronisation.
type Metrics struct {
	meter metric.Meter

	sessionsCreated      metric.Int64Counter
	listenersJoined      metric.Int64Counter
	sessionsEnded        metric.Int64Counter
	listenersLeft        metric.Int64Counter
	connectionsRefreshed metric.Int64Counter
	authDenied           metric.Int64Counter
	rateLimited          metric.Int64Counter
	idCollisions         metric.Int64Counter
	broadcastSends       metric.Int64Counter

	admissionDuration metric.Float64Histogram
	storeOpDuration   metric.Float64Histogram
	sendDuration      metric.Float64Histogram
}

// Admission targets are sub-second; store ops cap at 2s per attempt.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5,
}

// NewMetrics creates the instrument set on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(scopeName)
	var err error
	met := &Metrics{meter: m}

	if met.sessionsCreated, err = m.Int64Counter("lingocast.sessions.created",
		metric.WithDescription("Sessions admitted through createSession."),
	); err != nil {
		return nil, err
	}
	if met.listenersJoined, err = m.Int64Counter("lingocast.listeners.joined",
		metric.WithDescription("Listeners admitted through joinSession."),
	); err != nil {
		return nil, err
	}
	if met.sessionsEnded, err = m.Int64Counter("lingocast.sessions.ended",
		metric.WithDescription("Terminal session flips by reason."),
	); err != nil {
		return nil, err
	}
	if met.listenersLeft, err = m.Int64Counter("lingocast.listeners.left",
		metric.WithDescription("Listener disconnects."),
	); err != nil {
		return nil, err
	}
	if met.connectionsRefreshed, err = m.Int64Counter("lingocast.connections.refreshed",
		metric.WithDescription("Transport refreshes by role."),
	); err != nil {
		return nil, err
	}
	if met.authDenied, err = m.Int64Counter("lingocast.auth.denied",
		metric.WithDescription("Authorization denials by kind."),
	); err != nil {
		return nil, err
	}
	if met.rateLimited, err = m.Int64Counter("lingocast.ratelimit.rejections",
		metric.WithDescription("Admissions rejected by the rate limiter, by operation."),
	); err != nil {
		return nil, err
	}
	if met.idCollisions, err = m.Int64Counter("lingocast.idgen.collisions",
		metric.WithDescription("Session id candidates lost to an existing session."),
	); err != nil {
		return nil, err
	}
	if met.broadcastSends, err = m.Int64Counter("lingocast.broadcast.sends",
		metric.WithDescription("Fan-out send outcomes."),
	); err != nil {
		return nil, err
	}

	if met.admissionDuration, err = m.Float64Histogram("lingocast.admission.duration",
		metric.WithDescription("Admission latency by action and outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.storeOpDuration, err = m.Float64Histogram("lingocast.store.op.duration",
		metric.WithDescription("Single store operation latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.sendDuration, err = m.Float64Histogram("lingocast.send.duration",
		metric.WithDescription("Per-connection frame send latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// NopMetrics returns an instrument set that records nowhere. Used when
// metrics are disabled and in tests.
func NopMetrics() *Metrics {
	m, err := NewMetrics(noopmetric.NewMeterProvider())
	if err != nil {
		// The no-op provider cannot fail instrument creation.
		panic("telemetry: no-op metrics: " + err.Error())
	}
	return m
}

// RegisterActivityGauges exposes live session and listener counts as
// observable gauges. The observe callback runs on every collection.
func (m *Metrics) RegisterActivityGauges(observe func(ctx context.Context) (sessions, listeners int64)) error {
	activeSessions, err := m.meter.Int64ObservableGauge("lingocast.sessions.active",
		metric.WithDescription("Sessions currently active."),
	)
	if err != nil {
		return err
	}
	activeListeners, err := m.meter.Int64ObservableGauge("lingocast.listeners.active",
		metric.WithDescription("Listeners currently attached across all sessions."),
	)
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		s, l := observe(ctx)
		o.ObserveInt64(activeSessions, s)
		o.ObserveInt64(activeListeners, l)
		return nil
	}, activeSessions, activeListeners)
	return err
}

func (m *Metrics) SessionCreated(ctx context.Context) {
	m.sessionsCreated.Add(ctx, 1)
}

func (m *Metrics) ListenerJoined(ctx context.Context) {
	m.listenersJoined.Add(ctx, 1)
}

func (m *Metrics) SessionEnded(ctx context.Context, reason string) {
	m.sessionsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) ListenerLeft(ctx context.Context) {
	m.listenersLeft.Add(ctx, 1)
}

func (m *Metrics) ConnectionRefreshed(ctx context.Context, role string) {
	m.connectionsRefreshed.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

func (m *Metrics) AuthDenied(ctx context.Context, kind string) {
	m.authDenied.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RateLimited(ctx context.Context, op string) {
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (m *Metrics) IDCollision(ctx context.Context) {
	m.idCollisions.Add(ctx, 1)
}

// BroadcastSummary records one fan-out's outcome counts.
func (m *Metrics) BroadcastSummary(ctx context.Context, sent, gone, failed int) {
	m.broadcastSends.Add(ctx, int64(sent), metric.WithAttributes(attribute.String("outcome", "sent")))
	m.broadcastSends.Add(ctx, int64(gone), metric.WithAttributes(attribute.String("outcome", "gone")))
	m.broadcastSends.Add(ctx, int64(failed), metric.WithAttributes(attribute.String("outcome", "failed")))
}

func (m *Metrics) AdmissionLatency(ctx context.Context, action, outcome string, d time.Duration) {
	m.admissionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) StoreLatency(ctx context.Context, d time.Duration) {
	m.storeOpDuration.Record(ctx, d.Seconds())
}

func (m *Metrics) SendLatency(ctx context.Context, d time.Duration) {
	m.sendDuration.Record(ctx, d.Seconds())
}
