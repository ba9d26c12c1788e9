// Package datalog reconstructs the per-session file names a ResMed device
// writes under DATALOG/ and confirms them against the card.
package datalog

import (
	"fmt"
	"path"

	"github.com/threatexpert/cpapsync/edf"
)

const (
	// Dir is the card directory holding one subdirectory per recording day.
	Dir = "DATALOG"

	DataExt  = ".edf"
	CheckExt = ".crc"

	maxSecond = 59
)

// Type tags. EVE and CSL are written a few seconds before the rest.
const (
	TypeEVE = "EVE"
	TypeCSL = "CSL"
	TypeBRP = "BRP"
	TypePLD = "PLD"
	TypeSAD = "SAD"
)

// Candidate is one file the device would have written for a session.
type Candidate struct {
	// Epoch is the noon-split directory day.
	Epoch string
	// Date is the true calendar date of the session start, which may be the day after Epoch.
	Date       string
	HourMinute string
	Type       string
	// Seconds is "00".."59", empty until resolved.
	Seconds string
	Size    int64
}

// NewCandidate derives the unresolved candidate of type tag for session s.
func NewCandidate(s edf.Session, tag string) Candidate {
	return Candidate{
		Epoch:      s.Epoch,
		Date:       s.Start.Format(edf.EpochLayout),
		HourMinute: s.Start.Format("1504"),
		Type:       tag,
	}
}

// WithSeconds returns a copy of c with the seconds field set.
func (c Candidate) WithSeconds(sec int) Candidate {
	c.Seconds = fmt.Sprintf("%02d", sec)
	return c
}

// Resolved reports whether c names a confirmed, non-empty object.
func (c Candidate) Resolved() bool {
	return c.Seconds != "" && c.Size > 0
}

// Basename is <date>_<HHMM><SS>_<TYPE>, without extension.
func (c Candidate) Basename() string {
	return fmt.Sprintf("%s_%s%s_%s", c.Date, c.HourMinute, c.Seconds, c.Type)
}

// RemotePath is the card path of the data file.
func (c Candidate) RemotePath() string {
	return path.Join(DirPath(c.Epoch), c.Basename()+DataExt)
}

// CheckPath is the card path of the .crc sibling.
func (c Candidate) CheckPath() string {
	return path.Join(DirPath(c.Epoch), c.Basename()+CheckExt)
}

// DirPath is the card directory of one recording day.
func DirPath(epoch string) string {
	return path.Join(Dir, epoch)
}
