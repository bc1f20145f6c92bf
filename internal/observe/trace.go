package observe

import (
	"context"
	"crypto/rand"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/seta-lab/seta/internal/biz/domain"
)

// Tracer is used for one span per stage handling. It is a no-op unless the
// host process installs a tracer provider.
var Tracer = otel.Tracer("github.com/seta-lab/seta")

var propagator = propagation.TraceContext{}

// Extract returns ctx carrying the remote span context found in headers.
func Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, propagation.MapCarrier(headers))
}

// Inject renders the span context of ctx as outbound headers. When ctx has
// none, the inbound traceparent is re-attached unchanged.
func Inject(ctx context.Context, inbound map[string]string) map[string]string {
	out := propagation.MapCarrier{}
	propagator.Inject(ctx, out)
	if out[domain.HeaderTraceparent] == "" && inbound[domain.HeaderTraceparent] != "" {
		out[domain.HeaderTraceparent] = inbound[domain.HeaderTraceparent]
	}
	return out
}

// RootContext seeds a span context from a uuid trace id so ingested
// messages without a traceparent still correlate across stages.
func RootContext(ctx context.Context, traceID string) context.Context {
	if trace.SpanContextFromContext(ctx).IsValid() {
		return ctx
	}
	tid, err := trace.TraceIDFromHex(strings.ReplaceAll(traceID, "-", ""))
	if err != nil {
		return ctx
	}
	var sid trace.SpanID
	if _, err := rand.Read(sid[:]); err != nil {
		return ctx
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}
