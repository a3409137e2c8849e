// Package observe provides application-wide observability primitives for
// Lexivision: OpenTelemetry metrics, distributed tracing, trace-aware
// structured logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so the same instruments can be
// scraped from /metrics. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Lexivision metrics.
const meterName = "github.com/JPBrill/Lexivision"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Live sessions ---

	// SessionsStarted counts practice sessions that reached the open state.
	// Use with attribute.String("mode", ...).
	SessionsStarted metric.Int64Counter

	// SessionStartFailures counts failed starts. Use with
	// attribute.String("reason", ...): permission, unavailable, canceled, error.
	SessionStartFailures metric.Int64Counter

	// ActiveSessions tracks the number of sessions between start and teardown.
	ActiveSessions metric.Int64UpDownCounter

	// ConnectDuration tracks how long transports take to accept a session.
	ConnectDuration metric.Float64Histogram

	// FramesSent counts microphone frames handed to a transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames discarded from the pending queue while
	// connecting.
	FramesDropped metric.Int64Counter

	// ChunksScheduled counts model audio chunks queued for playback.
	ChunksScheduled metric.Int64Counter

	// ChunksSkipped counts malformed or unschedulable chunks.
	ChunksSkipped metric.Int64Counter

	// Interruptions counts user barge-ins.
	Interruptions metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// FinalTranscripts counts final transcript lines. Use with
	// attribute.String("speaker", "user"|"model").
	FinalTranscripts metric.Int64Counter

	// TransportErrors counts runtime transport failures that forced teardown.
	TransportErrors metric.Int64Counter

	// TargetWordUses counts target-word uses detected in final user turns.
	// Use with attribute.String("match", "exact"|"phonetic").
	TargetWordUses metric.Int64Counter

	// PracticeRecords counts finished practice sessions stored in history.
	PracticeRecords metric.Int64Counter

	// --- Lexicon ---

	// LexiconDuration tracks generator latency. Use with
	// attribute.String("op", ...).
	LexiconDuration metric.Float64Histogram

	// CacheLookups counts lexicon cache lookups. Use with
	// attribute.String("result", "hit"|"miss").
	CacheLookups metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for network
// round trips to model providers.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.SessionsStarted, "lexivision.sessions.started", "Practice sessions that reached the open state."},
		{&met.SessionStartFailures, "lexivision.sessions.start_failures", "Failed session starts by reason."},
		{&met.FramesSent, "lexivision.audio.frames_sent", "Microphone frames sent to the live transport."},
		{&met.FramesDropped, "lexivision.audio.frames_dropped", "Frames dropped from the pending queue while connecting."},
		{&met.ChunksScheduled, "lexivision.audio.chunks_scheduled", "Model audio chunks scheduled for playback."},
		{&met.ChunksSkipped, "lexivision.audio.chunks_skipped", "Model audio chunks skipped as malformed or unschedulable."},
		{&met.Interruptions, "lexivision.sessions.interruptions", "User interruptions of a model turn."},
		{&met.ToolCalls, "lexivision.tool.calls", "Tool invocations by tool name and status."},
		{&met.FinalTranscripts, "lexivision.transcripts.final", "Final transcript lines by speaker."},
		{&met.TransportErrors, "lexivision.transport.errors", "Runtime transport failures that ended a session."},
		{&met.CacheLookups, "lexivision.lexicon.cache_lookups", "Lexicon cache lookups by result."},
		{&met.TargetWordUses, "lexivision.practice.target_uses", "Target-word uses detected in learner speech."},
		{&met.PracticeRecords, "lexivision.practice.records", "Finished practice sessions written to history."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("lexivision.active_sessions",
		metric.WithDescription("Number of live practice sessions."),
	); err != nil {
		return nil, err
	}

	if met.ConnectDuration, err = m.Float64Histogram("lexivision.transport.connect.duration",
		metric.WithDescription("Latency of establishing a live transport session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LexiconDuration, err = m.Float64Histogram("lexivision.lexicon.duration",
		metric.WithDescription("Latency of lexicon generator calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("lexivision.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStartFailure increments the start failure counter for reason.
func (m *Metrics) RecordStartFailure(ctx context.Context, reason string) {
	m.SessionStartFailures.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordFinalTranscript counts one final transcript line.
func (m *Metrics) RecordFinalTranscript(ctx context.Context, isUser bool) {
	speaker := "model"
	if isUser {
		speaker = "user"
	}
	m.FinalTranscripts.Add(ctx, 1, metric.WithAttributes(Attr("speaker", speaker)))
}

// RecordCacheLookup counts one lexicon cache lookup.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(Attr("result", result)))
}
