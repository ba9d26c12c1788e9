package edf

import (
	"encoding/binary"
	"io"
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
)

const (
	MaskOnLabel  = "MaskOn"
	MaskOffLabel = "MaskOff"

	minutesPerDay = 24 * 60
	// EpochLayout formats the noon-split recording day used for DATALOG directories.
	EpochLayout = "20060102"
)

// ErrMissingChannel means STR.edf lacks the MaskOn or MaskOff signal.
var ErrMissingChannel = errors.New("MaskOn/MaskOff signals not found in STR.edf")

// Session is one therapy session discovered in STR.edf.
type Session struct {
	// Epoch is the YYYYMMDD of the noon-to-noon day the session is filed under.
	Epoch string
	// Start has minute precision; seconds are always zero.
	Start    time.Time
	Duration int
}

// End is the session's last minute on the device clock.
func (s Session) End() time.Time {
	return s.Start.Add(time.Duration(s.Duration) * time.Minute)
}

// ValidPair reports whether a MaskOn/MaskOff sample pair describes a session.
// Zero, negative and out-of-day values are sensor filler, not sessions.
func ValidPair(on, off int) bool {
	if on <= 0 || off <= 0 {
		return false
	}
	if on >= minutesPerDay || off >= minutesPerDay {
		return false
	}
	return off-on > 0
}

// ParseFile opens path and decodes its sessions.
func ParseFile(path string) ([]Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open summary file")
	}
	defer f.Close()

	sessions, err := ParseSessions(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return sessions, nil
}

// ParseSessions walks every daily record of an STR.edf and returns the
// sessions in record order, then sample order.
func ParseSessions(r io.ReaderAt) ([]Session, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	onIdx := h.SignalIndex(MaskOnLabel)
	offIdx := h.SignalIndex(MaskOffLabel)
	if onIdx < 0 || offIdx < 0 {
		return nil, ErrMissingChannel
	}

	recordBytes := int64(h.RecordSamples()) * sampleSize
	onOffset := int64(h.sampleOffset(onIdx)) * sampleSize
	offOffset := int64(h.sampleOffset(offIdx)) * sampleSize
	onCount := h.SamplesPerRecord[onIdx]
	offCount := h.SamplesPerRecord[offIdx]
	pairs := min(onCount, offCount)
	if err := checkDataSize(r, h.HeaderBytes, h.NumRecords, recordBytes); err != nil {
		return nil, err
	}

	day := time.Date(h.Start.Year(), h.Start.Month(), h.Start.Day(), 0, 0, 0, 0, time.UTC)

	var sessions []Session
	for rec := 0; rec < h.NumRecords; rec++ {
		base := h.HeaderBytes + int64(rec)*recordBytes

		onVals, err := readInt16s(r, base+onOffset, onCount)
		if err != nil {
			return nil, errors.Wrapf(err, "record %d: read %s", rec, MaskOnLabel)
		}
		offVals, err := readInt16s(r, base+offOffset, offCount)
		if err != nil {
			return nil, errors.Wrapf(err, "record %d: read %s", rec, MaskOffLabel)
		}

		recordDay := day.AddDate(0, 0, rec)
		noon := recordDay.Add(12 * time.Hour)
		epoch := recordDay.Format(EpochLayout)

		for i := 0; i < pairs; i++ {
			on, off := int(onVals[i]), int(offVals[i])
			if !ValidPair(on, off) {
				continue
			}
			sessions = append(sessions, Session{
				Epoch:    epoch,
				Start:    noon.Add(time.Duration(on) * time.Minute),
				Duration: off - on,
			})
		}
	}
	return sessions, nil
}

func readInt16s(r io.ReaderAt, off int64, n int) ([]int16, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n*sampleSize)
	if _, err := r.ReadAt(buf, off); err != nil {
		return nil, err
	}
	vals := make([]int16, n)
	for i := range vals {
		vals[i] = int16(binary.LittleEndian.Uint16(buf[i*sampleSize:]))
	}
	return vals, nil
}

// checkDataSize makes sure the declared records fit in r before any
// per-record buffer is sized from header fields.
func checkDataSize(r io.ReaderAt, headerBytes int64, numRecords int, recordBytes int64) error {
	if numRecords == 0 || recordBytes == 0 {
		return nil
	}
	if recordBytes > (math.MaxInt64-headerBytes)/int64(numRecords) {
		return errors.Errorf("implausible data size: %d records of %d bytes", numRecords, recordBytes)
	}
	end := headerBytes + int64(numRecords)*recordBytes
	var last [1]byte
	if n, err := r.ReadAt(last[:], end-1); n != 1 {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return errors.Wrapf(err, "file shorter than the %d bytes its header declares", end)
	}
	return nil
}
