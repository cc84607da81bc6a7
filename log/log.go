package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// Options configure the handlers built by this package. The zero value logs
// text at debug level to stderr.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text, json, logfmt
	Output io.Writer
}

var defaults = Options{}

// Configure sets the options used by every subsequently created logger.
func Configure(o Options) {
	defaults = o
}

func (o Options) handler(prefix string) *log.Logger {
	out := o.Output
	if out == nil {
		out = os.Stderr
	}

	level := log.DebugLevel
	if o.Level != "" {
		if l, err := log.ParseLevel(o.Level); err == nil {
			level = l
		}
	}

	formatter := log.TextFormatter
	switch strings.ToLower(o.Format) {
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	}

	return log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		Prefix:          prefix,
		Level:           level,
		Formatter:       formatter,
	})
}

func NewHandler(name string) slog.Handler {
	return defaults.handler(name)
}

func New(name string) *slog.Logger {
	return slog.New(NewHandler(name))
}

func NewContext(ctx context.Context, name string) context.Context {
	return IntoContext(ctx, New(name))
}

type ctxKey struct{}

// IntoContext adds a logger to a context. Use FromContext to
// pull the logger out.
func IntoContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns a logger from a context.Context;
// if the passed context is nil, we return the default slog
// logger.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		v := ctx.Value(ctxKey{})
		if v == nil {
			return slog.Default()
		}
		return v.(*slog.Logger)
	}

	return slog.Default()
}

// SubLogger derives a new logger from an existing one by appending a suffix to its prefix.
func SubLogger(base *slog.Logger, suffix string) *slog.Logger {
	if cl, ok := base.Handler().(*log.Logger); ok {
		prefix := cl.GetPrefix()
		if prefix != "" {
			prefix = prefix + "/" + suffix
		} else {
			prefix = suffix
		}
		return slog.New(NewHandler(prefix))
	}

	return slog.New(NewHandler(suffix))
}

// Discard is a logger that drops everything, for tests.
func Discard() *slog.Logger {
	return slog.New(Options{Output: io.Discard}.handler("test"))
}
