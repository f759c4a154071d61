package log

import (
	"context"
	"fmt"
	"time"

	"github.com/fuse-drs/drs-provider/pkg/requestid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// StructuredLogger emits operation-scoped log lines. Steps and successes are
// logged at debug level, errors at error level.
type StructuredLogger struct {
	name string
}

func NewDebugLogger(name string) *StructuredLogger {
	return &StructuredLogger{name: name}
}

func (l *StructuredLogger) WithContext(ctx context.Context) *OperationBuilder {
	b := &OperationBuilder{name: l.name}
	if id := requestid.FromContext(ctx); id != "" {
		b.fields = append(b.fields, zap.String("request_id", id))
	}
	return b
}

type OperationBuilder struct {
	name      string
	operation string
	fields    []zap.Field
}

func (b *OperationBuilder) Operation(op string) *OperationBuilder {
	b.operation = op
	return b
}

func (b *OperationBuilder) WithString(key, value string) *OperationBuilder {
	b.fields = append(b.fields, zap.String(key, value))
	return b
}

func (b *OperationBuilder) WithInt(key string, value int) *OperationBuilder {
	b.fields = append(b.fields, zap.Int(key, value))
	return b
}

func (b *OperationBuilder) WithParam(key string, value any) *OperationBuilder {
	b.fields = append(b.fields, zap.Any(key, value))
	return b
}

func (b *OperationBuilder) Build() *OperationTracer {
	fields := append([]zap.Field{zap.String("operation", b.operation)}, b.fields...)
	return &OperationTracer{
		logger: zap.L().Named(b.name).WithOptions(zap.AddCallerSkip(1)).With(fields...),
		start:  time.Now(),
	}
}

type OperationTracer struct {
	logger *zap.Logger
	start  time.Time
}

func (t *OperationTracer) Step(name string) *Entry {
	return &Entry{tracer: t, level: zapcore.DebugLevel, msg: fmt.Sprintf("step: %s", name)}
}

func (t *OperationTracer) Error(err error) *Entry {
	return &Entry{tracer: t, level: zapcore.ErrorLevel, msg: "operation failed", fields: []zap.Field{zap.Error(err)}}
}

func (t *OperationTracer) Success() *Entry {
	return &Entry{
		tracer: t,
		level:  zapcore.DebugLevel,
		msg:    "operation succeeded",
		fields: []zap.Field{zap.Duration("duration", time.Since(t.start))},
	}
}

type Entry struct {
	tracer *OperationTracer
	level  zapcore.Level
	msg    string
	fields []zap.Field
}

func (e *Entry) WithString(key, value string) *Entry {
	e.fields = append(e.fields, zap.String(key, value))
	return e
}

func (e *Entry) WithInt(key string, value int) *Entry {
	e.fields = append(e.fields, zap.Int(key, value))
	return e
}

func (e *Entry) WithParam(key string, value any) *Entry {
	e.fields = append(e.fields, zap.Any(key, value))
	return e
}

func (e *Entry) Log() {
	if ce := e.tracer.logger.Check(e.level, e.msg); ce != nil {
		ce.Write(e.fields...)
	}
}
