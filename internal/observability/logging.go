package observability

import (
	"context"
	"log/slog"

	otellog "go.opentelemetry.io/otel/log"
)

// slogHandler adapts an OTel log.Logger to slog.Handler so the rest of the
// service can keep using log/slog while records still flow to the OTLP
// exporter configured by Init.
type slogHandler struct {
	logger otellog.Logger
	attrs  []slog.Attr
}

// NewSlogHandler wraps inst.Logger as an slog.Handler.
func NewSlogHandler(inst *Instruments) slog.Handler {
	return &slogHandler{logger: inst.Logger}
}

func (h *slogHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *slogHandler) Handle(ctx context.Context, record slog.Record) error {
	var rec otellog.Record
	rec.SetTimestamp(record.Time)
	rec.SetBody(otellog.StringValue(record.Message))
	rec.SetSeverity(toOTelSeverity(record.Level))

	kvs := make([]otellog.KeyValue, 0, record.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		kvs = append(kvs, otellog.String(a.Key, a.Value.String()))
	}
	record.Attrs(func(a slog.Attr) bool {
		kvs = append(kvs, otellog.String(a.Key, a.Value.String()))
		return true
	})
	rec.AddAttributes(kvs...)

	h.logger.Emit(ctx, rec)
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &slogHandler{logger: h.logger, attrs: merged}
}

func (h *slogHandler) WithGroup(name string) slog.Handler {
	return h
}

func toOTelSeverity(level slog.Level) otellog.Severity {
	switch {
	case level >= slog.LevelError:
		return otellog.SeverityError
	case level >= slog.LevelWarn:
		return otellog.SeverityWarn
	case level >= slog.LevelInfo:
		return otellog.SeverityInfo
	default:
		return otellog.SeverityDebug
	}
}
