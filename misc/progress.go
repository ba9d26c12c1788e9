package misc

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// ProgressStats accumulates transferred bytes and derives a rate.
type ProgressStats struct {
	totalBytes int64
	lastBytes  int64
	startTime  time.Time
	lastTime   time.Time
	lastSpeed  float64
}

type StatResult struct {
	TotalBytes int64
	SpeedBps   float64
}

func NewProgressStats() *ProgressStats {
	now := time.Now()
	return &ProgressStats{
		startTime: now,
		lastTime:  now,
	}
}

func (p *ProgressStats) Update(n int64) {
	atomic.AddInt64(&p.totalBytes, n)
}

// Stats reports the rate since the previous call, or since start when final is set.
func (p *ProgressStats) Stats(now time.Time, final bool) StatResult {
	current := atomic.LoadInt64(&p.totalBytes)

	var elapsed float64
	var delta int64
	if final {
		elapsed = now.Sub(p.startTime).Seconds()
		delta = current
	} else {
		elapsed = now.Sub(p.lastTime).Seconds()
		delta = current - p.lastBytes
	}

	speed := p.lastSpeed
	if elapsed > 0 {
		speed = float64(delta) / elapsed
		p.lastSpeed = speed
	}
	p.lastTime = now
	p.lastBytes = current

	return StatResult{TotalBytes: current, SpeedBps: speed}
}

// ProgressWriter counts bytes written through it and redraws a "\r" status
// line on out at most once per interval.
type ProgressWriter struct {
	label    string
	expected int64
	out      io.Writer
	interval time.Duration
	stats    *ProgressStats
	lastDraw time.Time
}

// NewProgressWriter returns nil when out is nil; a nil *ProgressWriter is a valid no-op.
func NewProgressWriter(out io.Writer, label string, expected int64) *ProgressWriter {
	if out == nil {
		return nil
	}
	return &ProgressWriter{
		label:    label,
		expected: expected,
		out:      out,
		interval: 250 * time.Millisecond,
		stats:    NewProgressStats(),
	}
}

func (pw *ProgressWriter) Write(p []byte) (int, error) {
	if pw == nil {
		return len(p), nil
	}
	pw.stats.Update(int64(len(p)))
	if now := time.Now(); now.Sub(pw.lastDraw) >= pw.interval {
		pw.lastDraw = now
		pw.draw(pw.stats.Stats(now, false))
	}
	return len(p), nil
}

// Done draws the final line for this transfer.
func (pw *ProgressWriter) Done() {
	if pw == nil {
		return
	}
	pw.draw(pw.stats.Stats(time.Now(), true))
}

func (pw *ProgressWriter) draw(st StatResult) {
	pct := 100.0
	if pw.expected > 0 {
		pct = float64(st.TotalBytes) / float64(pw.expected) * 100
	}
	fmt.Fprintf(pw.out, "  %s %s/%s (%.0f%%) %s/s\r",
		pw.label, FormatBytes(st.TotalBytes), FormatBytes(pw.expected), pct, FormatBytes(int64(st.SpeedBps)))
}

func FormatBytes(bytes int64) string {
	units := []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB", "EiB", "ZiB"}
	value := float64(bytes)

	for _, unit := range units {
		if value < 1024.0 {
			return fmt.Sprintf("%.1f %s", value, unit)
		}
		value /= 1024.0
	}
	return fmt.Sprintf("%.1f YiB", value)
}
