package syncer

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/threatexpert/cpapsync/datalog"
	"github.com/threatexpert/cpapsync/edf"
	"github.com/threatexpert/cpapsync/ledger"
	"github.com/threatexpert/cpapsync/misc"
)

// SummaryFile is the daily summary every later phase is derived from.
const SummaryFile = "STR.edf"

var (
	RootFiles = []string{
		SummaryFile,
		"STR.crc",
		"Identification.tgt",
		"Identification.crc",
		"journal.dat",
		"journal.jnl",
	}
	SettingsFiles = []string{
		"SETTINGS/sig.dat",
		"SETTINGS/set.crc",
	}
)

// ErrNoSummary stops a sync that could not obtain STR.edf.
var ErrNoSummary = errors.New("STR.edf not available, cannot enumerate DATALOG files")

const (
	PhaseRoot     = "root"
	PhaseSettings = "settings"
	PhaseDatalog  = "datalog"
)

// Card is everything the pipeline needs from the device.
type Card interface {
	datalog.Prober
	Downloader
	IsDirectory(ctx context.Context, remotePath string) bool
}

// Recorder stores fetch outcomes. *ledger.Run implements it.
type Recorder interface {
	Record(ctx context.Context, e ledger.Entry) error
}

// PhaseStats counts what happened to the files of one phase.
type PhaseStats struct {
	Downloaded int
	Skipped    int
	Failed     int
	Mismatched int
	// NotFound counts DATALOG session files that could not be located.
	NotFound int
	// Absent counts root and settings files the card does not have.
	Absent int
	Probes int
}

func (s *PhaseStats) add(o PhaseStats) {
	s.Downloaded += o.Downloaded
	s.Skipped += o.Skipped
	s.Failed += o.Failed
	s.Mismatched += o.Mismatched
	s.NotFound += o.NotFound
	s.Absent += o.Absent
	s.Probes += o.Probes
}

// Report is the result of one Run.
type Report struct {
	Root     PhaseStats
	Settings PhaseStats
	Datalog  PhaseStats
	STROnly  bool
	// Sessions is how many sessions STR.edf yielded before the days cutoff.
	Sessions int
	// Epochs counts DATALOG directories visited; SkippedEpochs those absent on the card.
	Epochs        int
	SkippedEpochs int
}

// Total sums every phase.
func (r Report) Total() PhaseStats {
	var t PhaseStats
	t.add(r.Root)
	t.add(r.Settings)
	t.add(r.Datalog)
	return t
}

// Summary converts the report for the ledger.
func (r Report) Summary(runErr error) ledger.Summary {
	t := r.Total()
	s := ledger.Summary{
		Downloaded: t.Downloaded,
		Skipped:    t.Skipped,
		Failed:     t.Failed,
		Mismatched: t.Mismatched,
		NotFound:   t.NotFound,
		Probes:     t.Probes,
	}
	if runErr != nil {
		s.Err = runErr.Error()
	}
	return s
}

type Options struct {
	// Days limits DATALOG to epochs within the lookback; 0 means all.
	Days    int
	STROnly bool
	Scheme  datalog.Scheme
	// Now defaults to time.Now and anchors the days cutoff.
	Now      func() time.Time
	Recorder Recorder
}

// Pipeline runs the phases of a sync in order: root files, settings, STR.edf
// parse, DATALOG.
type Pipeline struct {
	card     Card
	fetcher  *Fetcher
	resolver *datalog.Resolver
	opts     Options
	log      *misc.Logger
}

func NewPipeline(card Card, fetcher *Fetcher, opts Options, logger *misc.Logger) *Pipeline {
	if logger == nil {
		logger = misc.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Scheme.Anchor == "" {
		opts.Scheme = datalog.DefaultScheme()
	}
	return &Pipeline{
		card:     card,
		fetcher:  fetcher,
		resolver: datalog.NewResolver(card, opts.Scheme, logger.With("DATALOG")),
		opts:     opts,
		log:      logger,
	}
}

// Run performs one sync. Per-file failures are counted and logged; only a
// missing or unreadable STR.edf and cancellation end the run early.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	var rep Report

	p.log.Infof("=== Downloading root files ===")
	rep.Root = p.fetchList(ctx, PhaseRoot, RootFiles)
	p.logPhase("Root files", rep.Root)
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	if p.opts.STROnly {
		rep.STROnly = true
		p.log.Infof("str-only mode: skipping SETTINGS and DATALOG")
		return rep, nil
	}

	p.log.Infof("=== Downloading SETTINGS ===")
	rep.Settings = p.fetchList(ctx, PhaseSettings, SettingsFiles)
	p.logPhase("Settings", rep.Settings)
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	sessions, err := p.loadSessions()
	if err != nil {
		return rep, err
	}
	rep.Sessions = len(sessions)

	p.log.Infof("=== Downloading DATALOG files ===")
	p.syncDatalog(ctx, sessions, &rep)
	p.logPhase("DATALOG", rep.Datalog)
	return rep, ctx.Err()
}

func (p *Pipeline) logPhase(name string, s PhaseStats) {
	missing, what := s.NotFound, "not found"
	if s.Absent > 0 {
		missing, what = s.Absent, "not on card"
	}
	p.log.Infof("%s: %d downloaded, %d skipped, %d failed, %d size mismatches, %d %s, %d probes",
		name, s.Downloaded, s.Skipped, s.Failed, s.Mismatched, missing, what, s.Probes)
}

// fetchList probes each fixed path and fetches the ones present.
func (p *Pipeline) fetchList(ctx context.Context, phase string, paths []string) PhaseStats {
	var st PhaseStats
	for _, remote := range paths {
		if ctx.Err() != nil {
			break
		}
		res := p.card.Probe(ctx, remote)
		st.Probes++
		if !res.Exists {
			st.Absent++
			p.log.Verbosef("%s not on card", remote)
			continue
		}
		p.fetchOne(ctx, phase, remote, res.Size, &st)
	}
	return st
}

func (p *Pipeline) fetchOne(ctx context.Context, phase, remote string, size int64, st *PhaseStats) {
	outcome, err := p.fetcher.Fetch(ctx, remote, size)
	entry := ledger.Entry{Phase: phase, RemotePath: remote, Size: size}
	switch {
	case err != nil:
		st.Failed++
		entry.Outcome = "failed"
		entry.Error = err.Error()
		if ctx.Err() == nil {
			p.log.Errorf("downloading %s: %v", remote, err)
		}
	case outcome == OutcomeSkipped:
		st.Skipped++
		entry.Outcome = outcome.String()
	case outcome == OutcomeMismatch:
		st.Mismatched++
		entry.Outcome = outcome.String()
	default:
		st.Downloaded++
		entry.Outcome = outcome.String()
	}
	p.record(ctx, entry)
}

func (p *Pipeline) record(ctx context.Context, e ledger.Entry) {
	if p.opts.Recorder == nil {
		return
	}
	if err := p.opts.Recorder.Record(context.WithoutCancel(ctx), e); err != nil {
		p.log.Warnf("ledger: %v", err)
	}
}

func (p *Pipeline) loadSessions() ([]edf.Session, error) {
	local, err := p.fetcher.LocalPath(SummaryFile)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(local); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSummary
		}
		return nil, errors.Wrap(err, "stat summary file")
	}

	p.log.Infof("Parsing %s for session timestamps...", SummaryFile)
	sessions, err := edf.ParseFile(local)
	if err != nil {
		return nil, err
	}
	p.log.Infof("Found %d therapy sessions", len(sessions))
	return sessions, nil
}

func (p *Pipeline) syncDatalog(ctx context.Context, sessions []edf.Session, rep *Report) {
	st := &rep.Datalog
	groups := datalog.Group(sessions, datalog.Cutoff(p.opts.Now(), p.opts.Days))
	if len(groups) == 0 {
		p.log.Infof("No sessions found in the requested date range.")
		return
	}
	p.log.Infof("Date range: %s to %s (%d record days)", groups[0].Epoch, groups[len(groups)-1].Epoch, len(groups))

	for _, g := range groups {
		if ctx.Err() != nil {
			return
		}
		st.Probes++
		if !p.card.IsDirectory(ctx, datalog.DirPath(g.Epoch)) {
			rep.SkippedEpochs++
			p.log.Verbosef("%s is not on the card, skipping %d session(s)", datalog.DirPath(g.Epoch), len(g.Sessions))
			continue
		}
		rep.Epochs++
		p.log.Infof("[%s] %d session(s)", g.Epoch, len(g.Sessions))

		before := st.Downloaded
		for _, s := range g.Sessions {
			if ctx.Err() != nil {
				return
			}
			p.syncSession(ctx, s, st)
		}
		p.log.Infof("[%s] %d files downloaded", g.Epoch, st.Downloaded-before)
	}
}

func (p *Pipeline) syncSession(ctx context.Context, s edf.Session, st *PhaseStats) {
	p.log.Infof("Session %s (%d min)", s.Start.Format("20060102 1504"), s.Duration)

	res := p.resolver.Resolve(ctx, s)
	st.Probes += res.Probes
	st.NotFound += res.Unresolved
	anchor := p.resolver.Scheme().Anchor
	if res.AnchorMissing {
		p.log.Infof("  %s not found, skipping session", anchor)
		return
	}
	p.log.Infof("  %s found at SS=%s", anchor, res.Files[0].Seconds)

	for _, c := range res.Files {
		if ctx.Err() != nil {
			return
		}
		p.fetchOne(ctx, PhaseDatalog, c.RemotePath(), c.Size, st)

		crc := p.card.Probe(ctx, c.CheckPath())
		st.Probes++
		if crc.Exists && crc.Size > 0 {
			p.fetchOne(ctx, PhaseDatalog, c.CheckPath(), crc.Size, st)
		}
	}
}
