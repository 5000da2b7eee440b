package telemetry

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// Logger wraps zerolog with OTEL integration
type Logger struct {
	zerolog.Logger
}

// NewLogger creates a JSON logger on stdout with OTEL hooks
func NewLogger(service string) *Logger {
	return NewLoggerTo(os.Stdout, service)
}

// NewLoggerTo creates a logger writing to w.
func NewLoggerTo(w io.Writer, service string) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	logger := zerolog.New(w).
		With().
		Timestamp().
		Str("service", service).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// WithContext returns a logger with context (for trace propagation)
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// Scan lifecycle log lines

func (l *Logger) LogScanStarted(ctx context.Context, tenantID, scanID, providerID string) {
	l.WithContext(ctx).Info().
		Str("tenant_id", tenantID).
		Str("scan_id", scanID).
		Str("provider_id", providerID).
		Msg("scan started")
}

func (l *Logger) LogBatchCommitted(ctx context.Context, scanID string, progress, findings int) {
	l.WithContext(ctx).Debug().
		Str("scan_id", scanID).
		Int("progress", progress).
		Int("findings", findings).
		Msg("batch committed")
}

func (l *Logger) LogScanCompleted(ctx context.Context, scanID string, findings, uniqueResources int, durationSeconds float64) {
	l.WithContext(ctx).Info().
		Str("scan_id", scanID).
		Int("findings", findings).
		Int("unique_resources", uniqueResources).
		Float64("duration_s", durationSeconds).
		Msg("scan completed")
}

func (l *Logger) LogScanFailed(ctx context.Context, scanID, stage string, err error) {
	l.WithContext(ctx).Error().
		Err(err).
		Str("scan_id", scanID).
		Str("stage", stage).
		Msg("scan failed")
}
