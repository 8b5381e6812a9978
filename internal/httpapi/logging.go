package httpapi

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is an optional structured logger. If unset, falls back to log.Printf.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// global default, read once
var defaultLogLevel = parseLevel(os.Getenv("ENHANCED_HTTP_LOG_LEVEL"))

// SetDefaultLogLevel overrides the level used when a request carries no override.
func SetDefaultLogLevel(s string) { defaultLogLevel = parseLevel(s) }

func requestLogLevel(r *http.Request) LogLevel {
	// Per-request overrides
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// logf writes a handler-level message that is not tied to a request.
func logf(lvl LogLevel, format string, args ...any) {
	if zlog != nil {
		ev := zlog.Info()
		if lvl == LevelError {
			ev = zlog.Error()
		}
		ev.Msg(fmt.Sprintf(format, args...))
		return
	}
	log.Printf(format, args...)
}

// RequestLogger logs one line per request at the level the request asks for.
// Failed requests are logged from LevelError up; the rest need LevelInfo.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lvl := requestLogLevel(r)
		if lvl == LevelOff {
			next.ServeHTTP(w, r)
			return
		}
		sr, ok := w.(*statusRecorder)
		if !ok {
			sr = &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		}
		start := time.Now()
		if lvl >= LevelDebug {
			logRequest(r, "request start", 0, 0)
		}
		next.ServeHTTP(sr, r)
		if sr.status < 400 && lvl < LevelInfo {
			return
		}
		logRequest(r, "request end", sr.status, time.Since(start))
	})
}

func logRequest(r *http.Request, msg string, status int, dur time.Duration) {
	rid := middleware.GetReqID(r.Context())
	if zlog != nil {
		z := zlog.Info()
		if status >= 500 {
			z = zlog.Error()
		}
		z = z.Str("method", r.Method).Str("path", r.URL.Path)
		if status != 0 {
			z = z.Int("status", status).Dur("dur", dur)
		}
		if rid != "" {
			z = z.Str("request_id", rid)
		}
		z.Msg(msg)
		return
	}
	if status == 0 {
		log.Printf("%s method=%s path=%s request_id=%s", msg, r.Method, r.URL.Path, rid)
		return
	}
	log.Printf("%s method=%s path=%s status=%d dur=%s request_id=%s", msg, r.Method, r.URL.Path, status, dur, rid)
}
