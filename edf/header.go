// Package edf decodes the ResMed STR.edf summary file far enough to recover
// therapy session start times from its MaskOn/MaskOff channels.
package edf

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	fixedHeaderSize = 256
	labelSize       = 16
	// label, transducer, physical dimension, physical min/max, digital min/max,
	// prefiltering: everything that precedes the samples-per-record field.
	preSamplesFieldsSize = 16 + 80 + 8 + 8 + 8 + 8 + 8 + 80
	samplesFieldSize     = 8
	sampleSize           = 2
	yearPivot            = 85
)

// Header is the subset of the EDF header needed to walk the data records.
type Header struct {
	Start       time.Time
	HeaderBytes int64
	NumRecords  int
	Labels      []string
	// SamplesPerRecord is indexed like Labels.
	SamplesPerRecord []int
}

// SignalIndex returns the position of the signal labeled name, or -1.
func (h *Header) SignalIndex(name string) int {
	for i, l := range h.Labels {
		if l == name {
			return i
		}
	}
	return -1
}

// RecordSamples is the number of int16 samples in one data record across all signals.
func (h *Header) RecordSamples() int {
	total := 0
	for _, n := range h.SamplesPerRecord {
		total += n
	}
	return total
}

// sampleOffset is the index of signal i's first sample within a record.
func (h *Header) sampleOffset(i int) int {
	off := 0
	for _, n := range h.SamplesPerRecord[:i] {
		off += n
	}
	return off
}

// ReadHeader decodes the fixed header and the per-signal label and
// samples-per-record fields.
func ReadHeader(r io.ReaderAt) (*Header, error) {
	fixed := make([]byte, fixedHeaderSize)
	if _, err := r.ReadAt(fixed, 0); err != nil {
		return nil, errors.Wrap(err, "read fixed header")
	}

	numRecords, err := asciiInt(fixed[236:244], "record count")
	if err != nil {
		return nil, err
	}
	numSignals, err := asciiInt(fixed[252:256], "signal count")
	if err != nil {
		return nil, err
	}
	headerBytes, err := asciiInt(fixed[184:192], "header size")
	if err != nil {
		return nil, err
	}
	if numRecords < 0 || numSignals <= 0 || headerBytes < fixedHeaderSize {
		return nil, errors.Errorf("implausible header: records=%d signals=%d header_bytes=%d",
			numRecords, numSignals, headerBytes)
	}

	start, err := parseStart(string(fixed[168:176]), string(fixed[176:184]))
	if err != nil {
		return nil, err
	}

	labels := make([]byte, numSignals*labelSize)
	if _, err := r.ReadAt(labels, fixedHeaderSize); err != nil {
		return nil, errors.Wrap(err, "read signal labels")
	}
	spr := make([]byte, numSignals*samplesFieldSize)
	if _, err := r.ReadAt(spr, int64(fixedHeaderSize+numSignals*preSamplesFieldsSize)); err != nil {
		return nil, errors.Wrap(err, "read samples per record")
	}

	h := &Header{
		Start:            start,
		HeaderBytes:      int64(headerBytes),
		NumRecords:       numRecords,
		Labels:           make([]string, numSignals),
		SamplesPerRecord: make([]int, numSignals),
	}
	for i := 0; i < numSignals; i++ {
		h.Labels[i] = strings.TrimSpace(string(labels[i*labelSize : (i+1)*labelSize]))
		n, err := asciiInt(spr[i*samplesFieldSize:(i+1)*samplesFieldSize], "samples per record of "+h.Labels[i])
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, errors.Errorf("negative samples per record for signal %q", h.Labels[i])
		}
		h.SamplesPerRecord[i] = n
	}
	return h, nil
}

func asciiInt(field []byte, what string) (int, error) {
	s := strings.TrimSpace(string(field))
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s %q", what, s)
	}
	return n, nil
}

// parseStart decodes "dd.mm.yy" and "hh.mm.ss". Years below 85 are 20xx.
func parseStart(date, clock string) (time.Time, error) {
	d, err := dotted(date, "start date")
	if err != nil {
		return time.Time{}, err
	}
	c, err := dotted(clock, "start time")
	if err != nil {
		return time.Time{}, err
	}
	year := 1900 + d[2]
	if d[2] < yearPivot {
		year = 2000 + d[2]
	}
	if d[1] < 1 || d[1] > 12 || d[0] < 1 || d[0] > 31 || c[0] > 23 || c[1] > 59 || c[2] > 59 {
		return time.Time{}, errors.Errorf("start %q %q out of range", date, clock)
	}
	t := time.Date(year, time.Month(d[1]), d[0], c[0], c[1], c[2], 0, time.UTC)
	// time.Date normalizes 31.02 into March.
	if t.Day() != d[0] || int(t.Month()) != d[1] {
		return time.Time{}, errors.Errorf("start date %q is not a calendar date", date)
	}
	return t, nil
}

func dotted(s, what string) ([3]int, error) {
	var out [3]int
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return out, errors.Errorf("parse %s %q: want three dot-separated fields", what, s)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return out, errors.Errorf("parse %s %q: bad field %q", what, s, p)
		}
		out[i] = n
	}
	return out, nil
}
