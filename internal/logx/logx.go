// Package logx wraps github.com/charmbracelet/log into the Logger shape
// every engine component accepts at construction time. No component
// holds a package-level logger global; a Logger is always injected,
// per the "no global singletons" redesign (spec §9).
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	cblog "github.com/charmbracelet/log"
)

// Options configures a Logger.
type Options struct {
	Writer     io.Writer
	Level      string // debug|info|warn|error
	JSON       bool
	Component  string
	TimeFormat string
}

// Logger carries component/run_id context fields through .With and
// emits structured entries via charmbracelet/log.
type Logger struct {
	base   *cblog.Logger
	fields []interface{}
}

// New constructs a root Logger from Options.
func New(opts Options) (*Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	level := cblog.InfoLevel
	if opts.Level != "" {
		parsed, err := cblog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, fmt.Errorf("logx: parse level: %w", err)
		}
		level = parsed
	}
	formatter := cblog.TextFormatter
	if opts.JSON {
		formatter = cblog.JSONFormatter
	}
	base := cblog.NewWithOptions(w, cblog.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      opts.TimeFormat,
		Formatter:       formatter,
	})
	var fields []interface{}
	if opts.Component != "" {
		fields = append(fields, "component", opts.Component)
	}
	return &Logger{base: base, fields: fields}, nil
}

// With returns a derived Logger carrying additional persistent fields,
// e.g. l.With("run_id", runID).
func (l *Logger) With(kv ...interface{}) *Logger {
	if l == nil {
		return nil
	}
	next := make([]interface{}, 0, len(l.fields)+len(kv))
	next = append(next, l.fields...)
	next = append(next, kv...)
	return &Logger{base: l.base, fields: next}
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.emit(cblog.DebugLevel, msg, kv) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.emit(cblog.InfoLevel, msg, kv) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.emit(cblog.WarnLevel, msg, kv) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.emit(cblog.ErrorLevel, msg, kv) }

func (l *Logger) emit(level cblog.Level, msg string, kv []interface{}) {
	if l == nil || l.base == nil {
		return
	}
	payload := merge(l.fields, kv)
	switch level {
	case cblog.DebugLevel:
		l.base.Debug(msg, payload...)
	case cblog.WarnLevel:
		l.base.Warn(msg, payload...)
	case cblog.ErrorLevel:
		l.base.Error(msg, payload...)
	default:
		l.base.Info(msg, payload...)
	}
}

// ctxKey is the context key under which WithContext stores a Logger
// and FromContext looks it up. Used where a call chain carries a
// per-run logger through context.Context rather than as an explicit
// parameter.
type ctxKey struct{}

// WithContext attaches l to ctx.
func WithContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext retrieves a Logger attached by WithContext, or a
// discard Logger if none is present.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(ctxKey{}).(*Logger); ok && l != nil {
		return l
	}
	discard, _ := New(Options{Writer: io.Discard})
	return discard
}

func merge(base, additions []interface{}) []interface{} {
	store := map[string]interface{}{}
	order := make([]string, 0, len(base)+len(additions))
	add := func(vals []interface{}) {
		for i := 0; i+1 < len(vals); i += 2 {
			k, ok := vals[i].(string)
			if !ok {
				continue
			}
			if _, exists := store[k]; !exists {
				order = append(order, k)
			}
			store[k] = vals[i+1]
		}
	}
	add(base)
	add(additions)
	out := make([]interface{}, 0, len(order)*2)
	for _, k := range order {
		out = append(out, k, store[k])
	}
	return out
}
