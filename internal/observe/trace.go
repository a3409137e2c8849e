package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/JPBrill/Lexivision"

// Tracer returns the Lexivision [trace.Tracer] from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// Session identifies one practice session. Attached to a context with
// [WithSession], it labels every log line and session span made from that
// context.
type Session struct {
	ID   string
	Word string
	Mode string
}

type sessionKey struct{}

// WithSession returns a copy of ctx carrying s. An inner session replaces
// an outer one.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom returns the session attached to ctx, if any.
func SessionFrom(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}

// Attributes returns the non-empty session fields as span attributes.
func (s Session) Attributes() []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	for _, kv := range s.fields() {
		attrs = append(attrs, attribute.String("session."+kv[0], kv[1]))
	}
	return attrs
}

func (s Session) logAttrs() []any {
	attrs := make([]any, 0, 3)
	for _, kv := range s.fields() {
		key := kv[0]
		if key == "id" {
			key = "session_id"
		}
		attrs = append(attrs, slog.String(key, kv[1]))
	}
	return attrs
}

func (s Session) fields() [][2]string {
	var out [][2]string
	if s.ID != "" {
		out = append(out, [2]string{"id", s.ID})
	}
	if s.Word != "" {
		out = append(out, [2]string{"word", s.Word})
	}
	if s.Mode != "" {
		out = append(out, [2]string{"mode", s.Mode})
	}
	return out
}

// StartSessionSpan attaches s to ctx and starts a span labelled with it.
func StartSessionSpan(ctx context.Context, name string, s Session) (context.Context, trace.Span) {
	return StartSpan(WithSession(ctx, s), name, trace.WithAttributes(s.Attributes()...))
}

// CorrelationID returns the trace ID of the active span in ctx, or "" when
// there is none. It is echoed to HTTP clients as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with trace_id and span_id from
// the span in ctx and with session_id, word and mode from the session in
// ctx. With neither it is [slog.Default].
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if s, ok := SessionFrom(ctx); ok {
		if attrs := s.logAttrs(); len(attrs) > 0 {
			l = l.With(attrs...)
		}
	}
	return l
}
