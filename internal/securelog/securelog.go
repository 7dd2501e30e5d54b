// Package securelog writes structured logs that never carry user-provided
// data. Errors are reduced to their caller location and type chain.
package securelog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
)

var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
}

// SetLogger replaces the process logger and returns the previous one.
func SetLogger(l *slog.Logger) *slog.Logger {
	return current.Swap(l)
}

func logger() *slog.Logger {
	return current.Load()
}

// Error logs an error without including user-provided data.
// It records the caller location and error type chain.
func Error(context string, err error) {
	if err == nil {
		return
	}
	attrs := []any{
		"at", callerLocation(2),
		"types", strings.Join(errorTypes(err), "->"),
	}
	if context != "" {
		attrs = append(attrs, "context", context)
	}
	logger().Error("error", attrs...)
}

func Info(msg string, attrs ...any) {
	logger().Info(msg, attrs...)
}

func Warn(msg string, attrs ...any) {
	logger().Warn(msg, attrs...)
}

// Security records a security-relevant event such as refresh token reuse.
// Callers pass identifiers only, never secrets.
func Security(event string, attrs ...any) {
	attrs = append([]any{"security_event", event}, attrs...)
	logger().Warn("security event", attrs...)
}

func callerLocation(skip int) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	name := "unknown"
	if fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s:%d %s", file, line, name)
}

func errorTypes(err error) []string {
	types := []string{}
	seen := map[string]struct{}{}
	for err != nil {
		name := fmt.Sprintf("%T", err)
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			types = append(types, name)
		}
		err = errors.Unwrap(err)
	}
	return types
}
