package tracker

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"

	"github.com/snehjoshi/dispatchq/internal/pipeline"
)

func TestErrorTap(t *testing.T) {
	var buf bytes.Buffer
	var got []pipeline.ErrorEvent
	next := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})
	log := slog.New(newErrorTap(next, func(e pipeline.ErrorEvent) { got = append(got, e) }))

	log.Info("quiet")
	log.Error("boom")
	log.With("component", "queue").Error("write failed")
	log.Error("inline", "component", "consent")

	assert.Equal(t, []pipeline.ErrorEvent{
		{Category: "tracker", Description: "boom"},
		{Category: "queue", Description: "write failed"},
		{Category: "consent", Description: "inline"},
	}, got)
	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "write failed")
}

func TestErrorTapForwardsWhenNextIsQuiet(t *testing.T) {
	var got int
	next := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.Level(100)})
	log := slog.New(newErrorTap(next, func(pipeline.ErrorEvent) { got++ }))

	log.WithGroup("g").Error("still tapped")
	assert.Equal(t, 1, got)
}

func TestErrorTapAddsSpanIDs(t *testing.T) {
	var buf bytes.Buffer
	next := slog.NewTextHandler(&buf, nil)
	log := slog.New(newErrorTap(next, func(pipeline.ErrorEvent) {}))

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x0a, 0x0b, 0x0c, 1},
		SpanID:     trace.SpanID{0x0d, 0x0e, 2},
		TraceFlags: trace.FlagsSampled,
	})
	log.InfoContext(trace.ContextWithSpanContext(context.Background(), sc), "tracked")
	log.InfoContext(context.Background(), "untraced")

	out := buf.String()
	assert.Contains(t, out, "trace_id="+sc.TraceID().String())
	assert.Contains(t, out, "span_id="+sc.SpanID().String())
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("trace_id=")))
}
