// Package logging owns the process-wide zap logger for the daemon and
// the request log of its HTTP API.
package logging

import (
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the log level and output encoding.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or console
}

var (
	logger   atomic.Pointer[zap.Logger]
	fallback sync.Once
)

// Init builds the process logger. An unknown level falls back to info;
// an unknown format is an error.
func Init(cfg Config) error {
	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch cfg.Format {
	case "", "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl)
	logger.Store(zap.New(core, zap.AddStacktrace(zapcore.ErrorLevel)))
	return nil
}

// L returns the process logger. If Init was never called, a plain json
// logger at info level is created on first use.
func L() *zap.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	fallback.Do(func() {
		if logger.Load() == nil {
			Init(Config{})
		}
	})
	return logger.Load()
}

// Sync flushes buffered log entries.
func Sync() error {
	return L().Sync()
}

// statusRecorder captures the response status and body size. Flush
// must pass through so event streams keep working behind the log.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware logs one line per API request, tagging the filesystem
// path the request operates on. The event-stream route logs on
// disconnect with its total connection time.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("route", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Int64("bytes", rec.bytes),
			zap.Duration("duration", time.Since(start)),
		}
		if fsPath := r.URL.Query().Get("path"); fsPath != "" {
			fields = append(fields, zap.String("fs_path", fsPath))
		}
		lvl := zapcore.InfoLevel
		if rec.status >= http.StatusInternalServerError {
			lvl = zapcore.ErrorLevel
		}
		L().Log(lvl, "api request", fields...)
	})
}
