// Package mlog provides logging with log levels and fields.
//
// Each log level has a function to log with and without error.
// Each such function takes a varargs list of fields (slog.Attr) to log.
// Variable data should be in fields. Logging strings themselves should be
// constant, for easier log processing (e.g. building metrics based on log
// messages).
//
// The log levels can be configured per originating package, e.g. smtpclient,
// verify. The configuration is application-global, so each Log instance uses
// the same log levels.
//
// Print* should be used for lines that always should be printed, regardless of
// configured log levels. Useful for startup logging and subcommands.
//
// Fatal* stops the program. Its log text is always printed.
package mlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var noctx = context.Background()

// Logfmt selects logfmt output instead of the default human-readable lines.
var Logfmt bool

// Trace levels, below slog.LevelDebug. Traceauth and Tracedata are for
// protocol data that may contain authentication credentials or full message
// data, a higher bar for logging.
var (
	LevelTracedata = slog.LevelDebug - 8
	LevelTraceauth = slog.LevelDebug - 6
	LevelTrace     = slog.LevelDebug - 4
	LevelDebug     = slog.LevelDebug
	LevelInfo      = slog.LevelInfo
	LevelWarn      = slog.LevelWarn
	LevelError     = slog.LevelError
	LevelFatal     = slog.LevelError + 4 // Printed regardless of configured level.
	LevelPrint     = slog.LevelError + 8 // Printed regardless of configured level.
)

// Levels map log level configuration strings to their slog level.
var Levels = map[string]slog.Level{
	"tracedata": LevelTracedata,
	"traceauth": LevelTraceauth,
	"trace":     LevelTrace,
	"debug":     LevelDebug,
	"info":      LevelInfo,
	"warn":      LevelWarn,
	"error":     LevelError,
	"fatal":     LevelFatal,
	"print":     LevelPrint,
}

// LevelStrings map levels to their configuration string.
var LevelStrings = map[slog.Level]string{
	LevelTracedata: "tracedata",
	LevelTraceauth: "traceauth",
	LevelTrace:     "trace",
	LevelDebug:     "debug",
	LevelInfo:      "info",
	LevelWarn:      "warn",
	LevelError:     "error",
	LevelFatal:     "fatal",
	LevelPrint:     "print",
}

// Holds a map[string]slog.Level, mapping a package (field pkg in logs) to a
// minimum log level. The empty string is the default/fallback log level.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": LevelDebug})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for logging.
var CidKey key = "cid"

// Log wraps a slog.Logger, providing convenience functions.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds a "pkg" attribute. If elog is nil, a default
// handler writing to stderr is used.
func New(pkg string, elog *slog.Logger) Log {
	l := elog
	if l == nil {
		l = defaultLogger()
	}
	return Log{l}.WithPkg(pkg)
}

// WithCid adds an attribute "cid".
// Also see WithContext.
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds cid from context, if present. Contexts are often passed to
// functions, especially between packages, to pass a "cid" for an operation. At
// the start of a function (especially if exported) a variable "log" is often
// instantiated from a package-level variable, with WithContext for its cid.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	cid := cidv.(int64)
	return l.WithCid(cid)
}

// With adds attributes to each logged line.
func (l Log) With(attrs ...slog.Attr) Log {
	return Log{slog.New(l.Logger.Handler().WithAttrs(attrs))}
}

// WithPkg ensures pkg is added as attribute to logged lines. If the handler is
// an mlog handler, pkg is only added if not already the last added package.
func (l Log) WithPkg(pkg string) Log {
	h := l.Logger.Handler()
	if lh, ok := h.(*handler); ok {
		if len(lh.Pkgs) > 0 && lh.Pkgs[len(lh.Pkgs)-1] == pkg {
			return l
		}
		nh := *lh
		nh.Pkgs = append(append([]string{}, lh.Pkgs...), pkg)
		return Log{slog.New(&nh)}
	}
	return Log{slog.New(h.WithAttrs([]slog.Attr{slog.String("pkg", pkg)}))}
}

// WithFunc sets fn to be called for additional attributes. Fn is called for
// each logging call on the returned Log.
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	h := l.Logger.Handler()
	if lh, ok := h.(*handler); ok {
		nh := *lh
		nh.Funcs = append(append([]func() []slog.Attr{}, lh.Funcs...), fn)
		return Log{slog.New(&nh)}
	}
	// Only used with the mlog handler.
	return l
}

func (l Log) Debug(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelDebug, msg, attrs...)
}

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelDebug, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelInfo, msg, attrs...)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelInfo, msg, attrs...)
}

func (l Log) Warn(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelWarn, msg, attrs...)
}

func (l Log) Warnx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelWarn, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelError, msg, attrs...)
}

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelError, msg, attrs...)
}

func (l Log) Fatal(msg string, attrs ...slog.Attr) { l.Fatalx(msg, nil, attrs...) }

func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelFatal, msg, attrs...)
	os.Exit(1)
}

func (l Log) Print(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelPrint, msg, attrs...)
}

func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelPrint, msg, attrs...)
}

// Check logs an error if err is not nil. Intended for logging errors that are
// good to know, but would not influence program flow.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

// Trace logs at trace/traceauth/tracedata level. If the active level doesn't
// cover the requested level, but does cover LevelTrace, a replacement "***" or
// "..." is logged instead of the data.
func (l Log) Trace(level slog.Level, prefix string, data []byte) {
	h := l.Logger.Handler()
	if h.Enabled(noctx, level) {
		r := slog.NewRecord(time.Now(), level, prefix+string(data), 0)
		h.Handle(noctx, r)
		return
	}
	if level < LevelTrace && h.Enabled(noctx, LevelTrace) {
		repl := "..."
		if level == LevelTraceauth {
			repl = "***"
		}
		r := slog.NewRecord(time.Now(), LevelTrace, prefix+repl, 0)
		h.Handle(noctx, r)
	}
}

var defaultLog atomic.Pointer[slog.Logger]

func defaultLogger() *slog.Logger {
	if l := defaultLog.Load(); l != nil {
		return l
	}
	l := slog.New(&handler{W: os.Stderr})
	defaultLog.CompareAndSwap(nil, l)
	return defaultLog.Load()
}

// handler is a slog.Handler that writes logfmt or human-readable lines, and
// implements per-package level filtering via the global config.
type handler struct {
	W     io.Writer
	Pkgs  []string
	Attrs []slog.Attr
	Funcs []func() []slog.Attr
}

var _ slog.Handler = (*handler)(nil)

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= LevelFatal {
		return true
	}
	c := config.Load().(map[string]slog.Level)
	for i := len(h.Pkgs) - 1; i >= 0; i-- {
		if l, ok := c[h.Pkgs[i]]; ok {
			return level >= l
		}
	}
	l, ok := c[""]
	return ok && level >= l
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	var sb strings.Builder
	if Logfmt {
		fmt.Fprintf(&sb, "l=%s m=%s", levelString(r.Level), logfmtValue(r.Message))
		h.writeAttrs(&sb, r, func(k, v string) {
			fmt.Fprintf(&sb, " %s=%s", k, v)
		})
	} else {
		fmt.Fprintf(&sb, "%s: %s", levelString(r.Level), logfmtValue(r.Message))
		first := true
		h.writeAttrs(&sb, r, func(k, v string) {
			if first {
				sb.WriteString(" (")
				first = false
			} else {
				sb.WriteString("; ")
			}
			fmt.Fprintf(&sb, "%s: %s", k, v)
		})
		if !first {
			sb.WriteString(")")
		}
	}
	sb.WriteString("\n")
	// Single write so partial lines don't interleave.
	_, err := io.WriteString(h.W, sb.String())
	return err
}

func (h *handler) writeAttrs(sb *strings.Builder, r slog.Record, add func(k, v string)) {
	r.Attrs(func(a slog.Attr) bool {
		add(a.Key, logfmtValue(attrValue(a)))
		return true
	})
	for _, a := range h.Attrs {
		add(a.Key, logfmtValue(attrValue(a)))
	}
	for _, fn := range h.Funcs {
		for _, a := range fn() {
			add(a.Key, logfmtValue(attrValue(a)))
		}
	}
	for _, pkg := range h.Pkgs {
		add("pkg", pkg)
	}
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.Attrs = append(append([]slog.Attr{}, h.Attrs...), attrs...)
	return &nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	// Groups are not used in this code base.
	return h
}

func levelString(l slog.Level) string {
	if s, ok := LevelStrings[l]; ok {
		return s
	}
	return l.String()
}

func attrValue(a slog.Attr) string {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		if a.Key == "cid" {
			return fmt.Sprintf("%x", v.Int64())
		}
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindBool:
		if v.Bool() {
			return "true"
		}
		return "false"
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	case slog.KindAny:
		av := v.Any()
		if err, ok := av.(error); ok {
			return err.Error()
		}
		if s, ok := av.(fmt.Stringer); ok {
			return s.String()
		}
		buf, err := json.Marshal(av)
		if err != nil {
			return fmt.Sprintf("%v", av)
		}
		return string(buf)
	default:
		return fmt.Sprintf("%v", v.Any())
	}
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}

type errWriter struct {
	log   Log
	level slog.Level
	msg   string
}

func (w *errWriter) Write(buf []byte) (int, error) {
	err := fmt.Errorf("%s", strings.TrimSpace(string(buf)))
	w.log.Logger.LogAttrs(noctx, w.level, w.msg, slog.Any("err", err))
	return len(buf), nil
}

// ErrWriter returns a writer that turns each write into a logging call on "log"
// with given "level" and "msg" and the written content as an error.
// Can be used for making a Go log.Logger for use in http.Server.ErrorLog.
func ErrWriter(log Log, level slog.Level, msg string) io.Writer {
	return &errWriter{log, level, msg}
}
