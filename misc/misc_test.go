package misc

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0.0 B"},
		{1023, "1023.0 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatBytes(tt.in), "FormatBytes(%d)", tt.in)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"silent", LogLevelSilent},
		{"ERROR", LogLevelError},
		{"warn", LogLevelError},
		{"info", LogLevelInfo},
		{"", LogLevelInfo},
		{" verbose ", LogLevelVerbose},
		{"debug", LogLevelVerbose},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLogLevel(tt.in), "ParseLogLevel(%q)", tt.in)
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "TEST", LogLevelInfo)

	l.Verbosef("hidden %d", 1)
	l.Infof("shown %d", 2)
	l.Warnf("careful")
	l.Errorf("broken")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[TEST] shown 2")
	assert.Contains(t, out, "[TEST] WARNING: careful")
	assert.Contains(t, out, "[TEST_ERROR] broken")

	buf.Reset()
	l.With("OTHER").Infof("tagged")
	assert.Contains(t, buf.String(), "[OTHER] tagged")
}

func TestDiscardLogger(t *testing.T) {
	l := Discard()
	assert.Equal(t, LogLevelSilent, l.level)
	l.Errorf("nothing %s", "here")
}

func TestSwitchableWriterPadsOverProgress(t *testing.T) {
	var buf bytes.Buffer
	sw := NewSwitchableWriter(&buf, true)

	_, _ = sw.Write([]byte("downloading 50%\r"))
	_, _ = sw.Write([]byte("ok\n"))

	out := buf.String()
	lines := strings.Split(out, "\r")
	assert.Len(t, lines, 2)
	// "ok" plus enough padding to hide the 15 visible progress bytes.
	assert.Equal(t, "ok"+strings.Repeat(" ", 13)+"\n", lines[1])

	buf.Reset()
	sw.Enable(false)
	n, err := sw.Write([]byte("dropped\n"))
	assert.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Empty(t, buf.String())
}

func TestProgressWriterNilIsNoop(t *testing.T) {
	var pw *ProgressWriter = NewProgressWriter(nil, "x", 10)
	n, err := pw.Write([]byte("abc"))
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
	pw.Done()
}

func TestProgressWriterDrawsCarriageReturnLines(t *testing.T) {
	var buf bytes.Buffer
	pw := NewProgressWriter(&buf, "BRP", 4)
	_, _ = pw.Write([]byte("abcd"))
	pw.Done()
	out := buf.String()
	assert.True(t, strings.HasSuffix(out, "\r"))
	assert.Contains(t, out, "BRP 4.0 B/4.0 B (100%)")
}
