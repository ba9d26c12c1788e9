package misc

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"
)

// LogLevel defines the verbosity of logging.
type LogLevel int

const (
	// LogLevelSilent suppresses all logging.
	LogLevelSilent LogLevel = iota
	// LogLevelError logs only errors and warnings.
	LogLevelError
	// LogLevelInfo logs informational messages and errors.
	LogLevelInfo
	// LogLevelVerbose logs every probe and transfer detail.
	LogLevelVerbose
)

// ParseLogLevel maps a config string to a LogLevel. Unknown values fall back to info.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "silent", "quiet", "off":
		return LogLevelSilent
	case "error", "warn", "warning":
		return LogLevelError
	case "verbose", "debug":
		return LogLevelVerbose
	default:
		return LogLevelInfo
	}
}

func (l LogLevel) String() string {
	switch l {
	case LogLevelSilent:
		return "silent"
	case LogLevelError:
		return "error"
	case LogLevelVerbose:
		return "verbose"
	default:
		return "info"
	}
}

// SwitchableWriter serializes writes to w and keeps "\r"-terminated progress
// lines from being mangled by interleaved log lines.
type SwitchableWriter struct {
	mu              sync.Mutex
	w               io.Writer
	enabled         bool
	lastWasProgress bool
	lastProgressLen int
	atLineStart     bool
}

func NewSwitchableWriter(w io.Writer, enabled bool) *SwitchableWriter {
	return &SwitchableWriter{
		w:           w,
		enabled:     enabled,
		atLineStart: true,
	}
}

func (sw *SwitchableWriter) Enable(b bool) {
	sw.mu.Lock()
	sw.enabled = b
	sw.mu.Unlock()
}

func (sw *SwitchableWriter) Enabled() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.enabled
}

// visibleLen counts bytes up to the first \r or \n.
func visibleLen(p []byte) int {
	if i := bytes.IndexAny(p, "\r\n"); i >= 0 {
		return i
	}
	return len(p)
}

func isProgressWrite(p []byte) bool {
	return len(p) > 0 && p[len(p)-1] == '\r' && bytes.IndexByte(p, '\n') < 0
}

func (sw *SwitchableWriter) Write(p []byte) (int, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if !sw.enabled {
		return len(p), nil
	}
	n := len(p)
	out := p

	if isProgressWrite(p) {
		if !sw.atLineStart {
			if _, err := sw.w.Write([]byte("\n")); err != nil {
				return 0, err
			}
		}
		cur := visibleLen(p)
		if sw.lastWasProgress && sw.lastProgressLen > cur {
			buf := make([]byte, 0, len(p)+sw.lastProgressLen-cur)
			buf = append(buf, p[:len(p)-1]...)
			buf = append(buf, bytes.Repeat([]byte(" "), sw.lastProgressLen-cur)...)
			out = append(buf, '\r')
		}
		sw.lastProgressLen = cur
		if _, err := sw.w.Write(out); err != nil {
			return 0, err
		}
		sw.lastWasProgress = true
		sw.atLineStart = true
		return n, nil
	}

	// A log line overwrites the progress line; pad so no tail of it survives.
	if sw.lastWasProgress {
		if cur := visibleLen(p); cur < sw.lastProgressLen {
			end := len(p)
			if end > 0 && p[end-1] == '\n' {
				end--
			}
			buf := make([]byte, 0, len(p)+sw.lastProgressLen-cur)
			buf = append(buf, p[:end]...)
			buf = append(buf, bytes.Repeat([]byte(" "), sw.lastProgressLen-cur)...)
			buf = append(buf, p[end:]...)
			out = buf
		}
		sw.lastProgressLen = 0
	}
	if _, err := sw.w.Write(out); err != nil {
		return 0, err
	}
	sw.lastWasProgress = false
	sw.atLineStart = len(out) > 0 && out[len(out)-1] == '\n'
	return n, nil
}

// ShortTimeWriter prefixes each line with a YYYYMMDD-HHMMSS timestamp.
type ShortTimeWriter struct {
	w   io.Writer
	now func() time.Time
}

func NewShortTimeWriter(w io.Writer) *ShortTimeWriter {
	return &ShortTimeWriter{w: w, now: time.Now}
}

func (tw *ShortTimeWriter) Write(p []byte) (int, error) {
	if sw, ok := tw.w.(*SwitchableWriter); ok && !sw.Enabled() {
		return len(p), nil
	}
	if _, err := fmt.Fprintf(tw.w, "%s %s", tw.now().Format("20060102-150405"), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

const timeFlags = log.Ldate | log.Ltime | log.Lmicroseconds

// NewLog returns a logger whose lines look like "20240110-220000 [TAG] msg".
func NewLog(w io.Writer, tag string, flag int) *log.Logger {
	flag &^= timeFlags
	flag |= log.Lmsgprefix
	return log.New(NewShortTimeWriter(w), tag, flag)
}

// Logger is a leveled pair of tagged loggers.
type Logger struct {
	level LogLevel
	w     io.Writer
	info  *log.Logger
	err   *log.Logger
}

// NewLogger builds a Logger writing to w. A nil w discards everything.
func NewLogger(w io.Writer, tag string, level LogLevel) *Logger {
	if w == nil {
		w = io.Discard
		level = LogLevelSilent
	}
	return &Logger{
		level: level,
		w:     w,
		info:  NewLog(w, "["+tag+"] ", log.Lmsgprefix),
		err:   NewLog(w, "["+tag+"_ERROR] ", log.Lmsgprefix),
	}
}

// Discard returns a Logger that writes nothing.
func Discard() *Logger {
	return NewLogger(nil, "", LogLevelSilent)
}

// With returns a Logger sharing the writer and level under a different tag.
func (l *Logger) With(tag string) *Logger {
	return NewLogger(l.w, tag, l.level)
}

func (l *Logger) Infof(format string, v ...interface{}) {
	if l.level >= LogLevelInfo {
		l.info.Printf(format, v...)
	}
}

func (l *Logger) Verbosef(format string, v ...interface{}) {
	if l.level >= LogLevelVerbose {
		l.info.Printf(format, v...)
	}
}

func (l *Logger) Warnf(format string, v ...interface{}) {
	if l.level >= LogLevelError {
		l.info.Printf("WARNING: "+format, v...)
	}
}

func (l *Logger) Errorf(format string, v ...interface{}) {
	if l.level >= LogLevelError {
		l.err.Printf(format, v...)
	}
}
