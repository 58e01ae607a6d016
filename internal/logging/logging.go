// Package logging wraps a process-wide zap logger and the per-request
// logger that Middleware attaches to each request context.
package logging

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

type ctxKey int

const (
	loggerCtxKey ctxKey = iota
	requestIDCtxKey
)

var global *zap.Logger

// Config selects level, encoding and destination of the global logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or console
	Output string // stdout, stderr or a file path; empty means stderr
}

// Init builds the global logger from cfg. Unknown levels fall back to info.
func Init(cfg Config) error {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if cfg.Output != "" {
		zc.OutputPaths = []string{cfg.Output}
	}

	logger, err := zc.Build(zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	global = logger
	return nil
}

// InitNop discards everything. Tests use it to keep output quiet.
func InitNop() {
	global = zap.NewNop()
}

// Sync flushes buffered entries.
func Sync() error {
	if global == nil {
		return nil
	}
	return global.Sync()
}

// L returns the global logger, building a production one on first use.
func L() *zap.Logger {
	if global == nil {
		global, _ = zap.NewProduction(zap.AddCallerSkip(1))
	}
	return global
}

// WithContext returns the request logger stored in ctx, or the global one.
func WithContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerCtxKey).(*zap.Logger); ok {
		return logger
	}
	return L()
}

// WithRequestID stores requestID in ctx along with a logger that tags
// every entry with it.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	logger := WithContext(ctx).With(zap.String("request_id", requestID))
	ctx = context.WithValue(ctx, loggerCtxKey, logger)
	return context.WithValue(ctx, requestIDCtxKey, requestID)
}

// RequestID returns the ID set by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDCtxKey).(string)
	return id
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { L().Fatal(msg, fields...) }

// statusRecorder captures what the handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

// Middleware tags each request with an ID (the client's X-Request-ID or a
// fresh uuid), echoes it in the response and logs the outcome.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		r = r.WithContext(WithRequestID(r.Context(), id))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		WithContext(r.Context()).Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", rec.status),
			zap.Int64("size", rec.bytes),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
