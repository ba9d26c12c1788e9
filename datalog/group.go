package datalog

import (
	"sort"
	"time"

	"github.com/threatexpert/cpapsync/edf"
)

// DayGroup is every session filed under one DATALOG directory.
type DayGroup struct {
	Epoch    string
	Sessions []edf.Session
}

// Group buckets sessions by epoch, dropping epochs before cutoff (YYYYMMDD)
// when cutoff is set. Groups are sorted by epoch; sessions keep input order.
func Group(sessions []edf.Session, cutoff string) []DayGroup {
	index := map[string]int{}
	var groups []DayGroup
	for _, s := range sessions {
		if cutoff != "" && s.Epoch < cutoff {
			continue
		}
		i, ok := index[s.Epoch]
		if !ok {
			i = len(groups)
			index[s.Epoch] = i
			groups = append(groups, DayGroup{Epoch: s.Epoch})
		}
		groups[i].Sessions = append(groups[i].Sessions, s)
	}
	sort.SliceStable(groups, func(a, b int) bool { return groups[a].Epoch < groups[b].Epoch })
	return groups
}

// Cutoff returns the oldest epoch to keep for a lookback of days, or "" for
// no limit when days <= 0.
func Cutoff(now time.Time, days int) string {
	if days <= 0 {
		return ""
	}
	return now.AddDate(0, 0, -days).Format(edf.EpochLayout)
}
