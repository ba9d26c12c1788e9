package syncer

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threatexpert/cpapsync/edf/edftest"
	"github.com/threatexpert/cpapsync/ezshare"
	"github.com/threatexpert/cpapsync/ledger"
)

// cardImage lays out an SD card:
//
//	record 0 (epoch 20240110): 01:00 for 60 min, 03:00 for 100 min
//	record 1 (epoch 20240111): 22:00 for 100 min, no DATALOG directory
func cardImage(t *testing.T, withSTR bool) string {
	t.Helper()
	root := t.TempDir()
	write := func(rel string, size int) {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, bytes.Repeat([]byte{'x'}, size), 0644))
	}

	if withSTR {
		str := edftest.NewSTR(time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC), 2).
			AddDay([]int16{780, 900}, []int16{840, 1000}).
			AddDay([]int16{600}, []int16{700})
		require.NoError(t, str.WriteFile(filepath.Join(root, "STR.edf")))
	}
	write("STR.crc", 4)
	write("Identification.tgt", 120)
	write("SETTINGS/sig.dat", 300)

	dir := "DATALOG/20240110/"
	write(dir+"20240111_010037_BRP.edf", 1000)
	write(dir+"20240111_010037_BRP.crc", 4)
	write(dir+"20240111_010037_PLD.edf", 900)
	write(dir+"20240111_010038_SAD.edf", 800)
	write(dir+"20240111_010029_EVE.edf", 70)
	write(dir+"20240111_010028_CSL.edf", 60)
	write(dir+"20240111_030005_BRP.edf", 500)
	write(dir+"20240111_030005_PLD.edf", 400)
	return root
}

type recorder struct {
	entries []ledger.Entry
}

func (r *recorder) Record(_ context.Context, e ledger.Entry) error {
	r.entries = append(r.entries, e)
	return nil
}

func newTestPipeline(t *testing.T, cardRoot, outDir string, opts Options) *Pipeline {
	t.Helper()
	emu, err := ezshare.NewEmulator(ezshare.EmulatorConfig{Root: cardRoot, EnableZstd: true})
	require.NoError(t, err)
	srv := httptest.NewServer(emu.Handler())
	t.Cleanup(srv.Close)

	card, err := ezshare.NewCard(ezshare.CardConfig{Address: srv.URL, Timeout: 5 * time.Second, Compression: true})
	require.NoError(t, err)
	fetcher, err := NewFetcher(card, outDir, nil, nil)
	require.NoError(t, err)
	return NewPipeline(card, fetcher, opts, nil)
}

func TestRunMirrorsCard(t *testing.T) {
	cardRoot := cardImage(t, true)
	out := t.TempDir()
	rec := &recorder{}
	p := newTestPipeline(t, cardRoot, out, Options{Recorder: rec})

	rep, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, PhaseStats{Downloaded: 3, Absent: 3, Probes: 6}, rep.Root)
	assert.Equal(t, PhaseStats{Downloaded: 1, Absent: 1, Probes: 2}, rep.Settings)
	assert.Equal(t, 3, rep.Sessions)
	assert.Equal(t, 1, rep.Epochs)
	assert.Equal(t, 1, rep.SkippedEpochs)

	// Session one: 5 files plus BRP's checksum. Session two: BRP and PLD;
	// SAD, EVE and CSL are missing.
	assert.Equal(t, 8, rep.Datalog.Downloaded)
	assert.Equal(t, 3, rep.Datalog.NotFound)
	assert.Zero(t, rep.Datalog.Failed)
	assert.Zero(t, rep.Datalog.Absent)
	// Root and settings files the card lacks are not session files.
	assert.Equal(t, 3, rep.Summary(nil).NotFound)
	// Directories 2; session one 38+1+2+17+19 and 5 checksum probes;
	// session two 6+1+21+21+21 and 2 checksum probes.
	assert.Equal(t, 2+77+5+6+1+63+2, rep.Datalog.Probes)

	for _, rel := range []string{
		"STR.edf", "STR.crc", "Identification.tgt", "SETTINGS/sig.dat",
		"DATALOG/20240110/20240111_010037_BRP.edf",
		"DATALOG/20240110/20240111_010037_BRP.crc",
		"DATALOG/20240110/20240111_010028_CSL.edf",
		"DATALOG/20240110/20240111_030005_PLD.edf",
	} {
		want, err := os.ReadFile(filepath.Join(cardRoot, filepath.FromSlash(rel)))
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(out, filepath.FromSlash(rel)))
		require.NoError(t, err, rel)
		assert.Equal(t, want, got, rel)
	}
	assert.NoFileExists(t, filepath.Join(out, "journal.dat"))

	require.Len(t, rec.entries, 12)
	assert.Equal(t, PhaseRoot, rec.entries[0].Phase)
	assert.Equal(t, "STR.edf", rec.entries[0].RemotePath)
	assert.Equal(t, "downloaded", rec.entries[0].Outcome)
	assert.Equal(t, PhaseDatalog, rec.entries[11].Phase)

	total := rep.Total()
	assert.Equal(t, 12, total.Downloaded)
	sum := rep.Summary(nil)
	assert.Equal(t, 12, sum.Downloaded)
	assert.Empty(t, sum.Err)
}

func TestRunTwiceDownloadsNothing(t *testing.T) {
	cardRoot := cardImage(t, true)
	out := t.TempDir()

	_, err := newTestPipeline(t, cardRoot, out, Options{}).Run(context.Background())
	require.NoError(t, err)

	rep, err := newTestPipeline(t, cardRoot, out, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Total().Downloaded)
	assert.Equal(t, 12, rep.Total().Skipped)
}

func TestRunSTROnly(t *testing.T) {
	out := t.TempDir()
	rep, err := newTestPipeline(t, cardImage(t, true), out, Options{STROnly: true}).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.STROnly)
	assert.Equal(t, 3, rep.Root.Downloaded)
	assert.Zero(t, rep.Settings.Probes)
	assert.Zero(t, rep.Datalog.Probes)
	assert.NoDirExists(t, filepath.Join(out, "SETTINGS"))
	assert.NoDirExists(t, filepath.Join(out, "DATALOG"))
}

func TestRunWithoutSummary(t *testing.T) {
	rep, err := newTestPipeline(t, cardImage(t, false), t.TempDir(), Options{}).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoSummary))
	assert.Equal(t, 2, rep.Root.Downloaded)
	assert.Zero(t, rep.Datalog.Probes)
}

func TestRunDaysCutoff(t *testing.T) {
	now := func() time.Time { return time.Date(2024, 1, 18, 9, 0, 0, 0, time.UTC) }
	rep, err := newTestPipeline(t, cardImage(t, true), t.TempDir(), Options{Days: 7, Now: now}).Run(context.Background())
	require.NoError(t, err)
	// Cutoff 20240111 leaves only the epoch with no directory on the card.
	assert.Equal(t, 0, rep.Epochs)
	assert.Equal(t, 1, rep.SkippedEpochs)
	assert.Zero(t, rep.Datalog.Downloaded)
	assert.Equal(t, 1, rep.Datalog.Probes)
}

func TestRunCorruptSummary(t *testing.T) {
	cardRoot := cardImage(t, false)
	require.NoError(t, os.WriteFile(filepath.Join(cardRoot, "STR.edf"), []byte("not an edf file"), 0644))

	_, err := newTestPipeline(t, cardRoot, t.TempDir(), Options{}).Run(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoSummary))
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := newTestPipeline(t, cardImage(t, true), t.TempDir(), Options{}).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, rep.Root.Probes)
}

// failingRecorder proves ledger errors do not stop a sync.
type failingRecorder struct{ calls int }

func (f *failingRecorder) Record(context.Context, ledger.Entry) error {
	f.calls++
	return errors.New("disk full")
}

func TestRunIgnoresLedgerErrors(t *testing.T) {
	rec := &failingRecorder{}
	rep, err := newTestPipeline(t, cardImage(t, true), t.TempDir(), Options{STROnly: true, Recorder: rec}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rec.calls)
	assert.Equal(t, 3, rep.Root.Downloaded)
}

func TestReportSummaryCarriesError(t *testing.T) {
	rep := Report{Root: PhaseStats{Downloaded: 1, Probes: 6}, Datalog: PhaseStats{Failed: 2, Probes: 10}}
	s := rep.Summary(ErrNoSummary)
	assert.Equal(t, 1, s.Downloaded)
	assert.Equal(t, 2, s.Failed)
	assert.Equal(t, 16, s.Probes)
	assert.Equal(t, ErrNoSummary.Error(), s.Err)
}
