// Package edftest writes minimal STR.edf files for tests and the card emulator.
package edftest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"time"
)

// Signal is one channel; Records[i] holds that channel's samples for record i.
type Signal struct {
	Label   string
	Samples int
	Records [][]int16
}

// Builder assembles an EDF file with a fixed number of samples per signal.
type Builder struct {
	Start   time.Time
	Signals []Signal
	// RawDate and RawTime, when set, replace the formatted start fields.
	RawDate string
	RawTime string
	// RawRecords replaces the formatted record count when set.
	RawRecords string
}

// NewSTR returns a builder with MaskOn, MaskOff and a filler channel, each
// carrying samplesPerRecord samples per daily record.
func NewSTR(start time.Time, samplesPerRecord int) *Builder {
	return &Builder{
		Start: start,
		Signals: []Signal{
			{Label: "Date", Samples: 1},
			{Label: "MaskOn", Samples: samplesPerRecord},
			{Label: "MaskOff", Samples: samplesPerRecord},
		},
	}
}

// AddDay appends one daily record. Pairs beyond samplesPerRecord are dropped;
// missing ones are zero filled.
func (b *Builder) AddDay(on, off []int16) *Builder {
	for i := range b.Signals {
		s := &b.Signals[i]
		vals := make([]int16, s.Samples)
		switch s.Label {
		case "MaskOn":
			copy(vals, on)
		case "MaskOff":
			copy(vals, off)
		default:
			for j := range vals {
				vals[j] = int16(len(s.Records))
			}
		}
		s.Records = append(s.Records, vals)
	}
	return b
}

func (b *Builder) numRecords() int {
	if len(b.Signals) == 0 {
		return 0
	}
	return len(b.Signals[0].Records)
}

func field(buf *bytes.Buffer, s string, width int) {
	if len(s) > width {
		s = s[:width]
	}
	buf.WriteString(fmt.Sprintf("%-*s", width, s))
}

// Bytes renders the file.
func (b *Builder) Bytes() []byte {
	ns := len(b.Signals)
	headerBytes := 256 + ns*256

	date := b.Start.Format("02.01.06")
	if b.RawDate != "" {
		date = b.RawDate
	}
	clock := b.Start.Format("15.04.05")
	if b.RawTime != "" {
		clock = b.RawTime
	}
	records := fmt.Sprint(b.numRecords())
	if b.RawRecords != "" {
		records = b.RawRecords
	}

	var buf bytes.Buffer
	field(&buf, "0", 8)
	field(&buf, "X X X X", 80)
	field(&buf, "Startdate X X X X", 80)
	field(&buf, date, 8)
	field(&buf, clock, 8)
	field(&buf, fmt.Sprint(headerBytes), 8)
	field(&buf, "", 44)
	field(&buf, records, 8)
	field(&buf, "86400", 8)
	field(&buf, fmt.Sprint(ns), 4)

	for _, s := range b.Signals {
		field(&buf, s.Label, 16)
	}
	for _, width := range []int{80, 8, 8, 8, 8, 8, 80} {
		for range b.Signals {
			field(&buf, "", width)
		}
	}
	for _, s := range b.Signals {
		field(&buf, fmt.Sprint(s.Samples), 8)
	}
	for range b.Signals {
		field(&buf, "", 32)
	}

	for rec := 0; rec < b.numRecords(); rec++ {
		for _, s := range b.Signals {
			_ = binary.Write(&buf, binary.LittleEndian, s.Records[rec])
		}
	}
	return buf.Bytes()
}

// WriteFile renders the file to path.
func (b *Builder) WriteFile(path string) error {
	return os.WriteFile(path, b.Bytes(), 0644)
}
