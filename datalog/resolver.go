package datalog

import (
	"context"

	"github.com/threatexpert/cpapsync/edf"
	"github.com/threatexpert/cpapsync/ezshare"
	"github.com/threatexpert/cpapsync/misc"
)

// DefaultRadius is how far from the anchor's seconds the other tags are
// searched. It was tuned against firmware 4.4.0 only.
const DefaultRadius = 15

// Prober checks whether a card path exists. *ezshare.Card implements it.
type Prober interface {
	Probe(ctx context.Context, remotePath string) ezshare.ProbeResult
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, remotePath string) ezshare.ProbeResult

func (f ProberFunc) Probe(ctx context.Context, remotePath string) ezshare.ProbeResult {
	return f(ctx, remotePath)
}

// Scheme describes how one device model names and times its session files.
type Scheme struct {
	// Anchor is searched exhaustively; every other tag is searched near it.
	Anchor string
	// Late tags are written alongside the anchor and are resolved first.
	Late []string
	// Early tags are written a few seconds before the anchor.
	Early []string
	// Radius bounds the localized search.
	Radius int
	// PreferLater tries anchor+k before anchor-k at each step.
	PreferLater bool
}

// DefaultScheme matches ResMed AirSense 10 devices.
func DefaultScheme() Scheme {
	return Scheme{
		Anchor:      TypeBRP,
		Late:        []string{TypeBRP, TypePLD, TypeSAD},
		Early:       []string{TypeEVE, TypeCSL},
		Radius:      DefaultRadius,
		PreferLater: true,
	}
}

// Tags lists every distinct tag, anchor first.
func (s Scheme) Tags() []string {
	tags := []string{s.Anchor}
	seen := map[string]bool{s.Anchor: true}
	for _, group := range [][]string{s.Late, s.Early} {
		for _, t := range group {
			if !seen[t] {
				seen[t] = true
				tags = append(tags, t)
			}
		}
	}
	return tags
}

// Resolution is the outcome of resolving one session.
type Resolution struct {
	Session edf.Session
	// Files holds confirmed candidates, anchor first.
	Files []Candidate
	// Unresolved counts tags that could not be located.
	Unresolved int
	// AnchorMissing is set when the exhaustive scan found nothing, in which
	// case no other tag was searched.
	AnchorMissing bool
	Probes        int
}

// Resolver drives a Prober to recover the seconds of each session file.
type Resolver struct {
	prober Prober
	scheme Scheme
	log    *misc.Logger
}

func NewResolver(p Prober, scheme Scheme, logger *misc.Logger) *Resolver {
	if logger == nil {
		logger = misc.Discard()
	}
	if scheme.Radius < 0 {
		scheme.Radius = 0
	}
	return &Resolver{prober: p, scheme: scheme, log: logger}
}

// Scheme is the search scheme after normalization.
func (r *Resolver) Scheme() Scheme {
	return r.scheme
}

// countingProber tallies every probe issued for one session.
type countingProber struct {
	Prober
	n int
}

func (c *countingProber) Probe(ctx context.Context, remotePath string) ezshare.ProbeResult {
	c.n++
	return c.Prober.Probe(ctx, remotePath)
}

// Resolve finds the anchor by exhaustive scan, then each late and early tag
// near it. A missing anchor marks the whole session as not found.
func (r *Resolver) Resolve(ctx context.Context, s edf.Session) Resolution {
	cp := &countingProber{Prober: r.prober}
	res := Resolution{Session: s}
	tags := r.scheme.Tags()

	anchor, ok := FindExhaustive(ctx, cp, NewCandidate(s, r.scheme.Anchor))
	if !ok {
		res.AnchorMissing = true
		res.Unresolved = len(tags)
		res.Probes = cp.n
		r.log.Verbosef("%s %s: %s not found in 00-59", s.Epoch, s.Start.Format("2006-01-02 15:04"), r.scheme.Anchor)
		return res
	}
	res.Files = append(res.Files, anchor)
	ref := mustSeconds(anchor)

	for _, tag := range tags[1:] {
		if ctx.Err() != nil {
			res.Unresolved++
			continue
		}
		c, ok := FindNear(ctx, cp, NewCandidate(s, tag), ref, r.scheme.Radius, r.scheme.PreferLater)
		if !ok {
			res.Unresolved++
			r.log.Verbosef("%s: %s not found within %d s of %s", s.Start.Format("2006-01-02 15:04"), tag, r.scheme.Radius, anchor.Seconds)
			continue
		}
		res.Files = append(res.Files, c)
	}
	res.Probes = cp.n
	return res
}

// FindExhaustive probes seconds 00 through 59 in order and returns the first
// hit with a non-zero size.
func FindExhaustive(ctx context.Context, p Prober, c Candidate) (Candidate, bool) {
	for sec := 0; sec <= maxSecond; sec++ {
		if ctx.Err() != nil {
			return c, false
		}
		if hit, ok := probeAt(ctx, p, c, sec); ok {
			return hit, true
		}
	}
	return c, false
}

// FindNear probes ref first, then ref±k for k up to radius, skipping values
// outside 00-59.
func FindNear(ctx context.Context, p Prober, c Candidate, ref, radius int, preferLater bool) (Candidate, bool) {
	for _, sec := range SearchOrder(ref, radius, preferLater) {
		if ctx.Err() != nil {
			return c, false
		}
		if hit, ok := probeAt(ctx, p, c, sec); ok {
			return hit, true
		}
	}
	return c, false
}

// SearchOrder lists the seconds FindNear visits, in order.
func SearchOrder(ref, radius int, preferLater bool) []int {
	var order []int
	add := func(sec int) {
		if sec >= 0 && sec <= maxSecond {
			order = append(order, sec)
		}
	}
	add(ref)
	for k := 1; k <= radius; k++ {
		if preferLater {
			add(ref + k)
			add(ref - k)
		} else {
			add(ref - k)
			add(ref + k)
		}
	}
	return order
}

func probeAt(ctx context.Context, p Prober, c Candidate, sec int) (Candidate, bool) {
	c = c.WithSeconds(sec)
	res := p.Probe(ctx, c.RemotePath())
	if !res.Exists {
		return c, false
	}
	c.Size = res.Size
	return c, c.Resolved()
}

func mustSeconds(c Candidate) int {
	return int(c.Seconds[0]-'0')*10 + int(c.Seconds[1]-'0')
}
