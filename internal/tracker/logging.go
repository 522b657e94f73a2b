package tracker

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/snehjoshi/dispatchq/internal/pipeline"
)

// errorTap forwards Error records to sink before handing them to next. The
// "component" attribute names the error category. Records logged with a
// context carrying a span get trace_id and span_id attributes.
type errorTap struct {
	next      slog.Handler
	component string
	sink      func(pipeline.ErrorEvent)
}

func newErrorTap(next slog.Handler, sink func(pipeline.ErrorEvent)) *errorTap {
	return &errorTap{next: next, sink: sink}
}

func (h *errorTap) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= slog.LevelError || h.next.Enabled(ctx, l)
}

func (h *errorTap) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		category := h.component
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "component" {
				category = a.Value.String()
				return false
			}
			return true
		})
		if category == "" {
			category = "tracker"
		}
		h.sink(pipeline.ErrorEvent{Category: category, Description: r.Message})
	}
	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r = r.Clone()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.next.Handle(ctx, r)
}

func (h *errorTap) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := &errorTap{next: h.next.WithAttrs(attrs), component: h.component, sink: h.sink}
	for _, a := range attrs {
		if a.Key == "component" {
			c.component = a.Value.String()
		}
	}
	return c
}

func (h *errorTap) WithGroup(name string) slog.Handler {
	return &errorTap{next: h.next.WithGroup(name), component: h.component, sink: h.sink}
}

// ParseLevel maps debug, info, warn and error (any case) to a slog level.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
