// Package syncer copies confirmed card files into a local mirror.
package syncer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/threatexpert/cpapsync/misc"
)

// Outcome is what Fetch did with one file.
type Outcome int

const (
	OutcomeDownloaded Outcome = iota
	OutcomeSkipped
	// OutcomeMismatch means the transfer finished but the byte count differs
	// from the probed size. The file is kept.
	OutcomeMismatch
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDownloaded:
		return "downloaded"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeMismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// Downloader streams a card file. *ezshare.Card implements it.
type Downloader interface {
	Download(ctx context.Context, remotePath string, dst io.Writer) (int64, error)
}

// Fetcher mirrors remote paths under a local root.
type Fetcher struct {
	card     Downloader
	root     string
	log      *misc.Logger
	progress io.Writer
}

// NewFetcher returns a Fetcher writing below root. progress receives "\r"
// status lines while a file transfers; nil disables them.
func NewFetcher(card Downloader, root string, logger *misc.Logger, progress io.Writer) (*Fetcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid output directory %s", root)
	}
	if logger == nil {
		logger = misc.Discard()
	}
	return &Fetcher{card: card, root: abs, log: logger, progress: progress}, nil
}

func (f *Fetcher) Root() string {
	return f.root
}

// LocalPath maps a card path to its place in the mirror.
func (f *Fetcher) LocalPath(remotePath string) (string, error) {
	p := filepath.Clean(filepath.Join(f.root, filepath.FromSlash(strings.TrimLeft(remotePath, "/"))))
	if p == f.root || !strings.HasPrefix(p, f.root+string(os.PathSeparator)) {
		return "", errors.Errorf("remote path %q escapes output directory", remotePath)
	}
	return p, nil
}

// Fetch downloads remotePath unless a local copy of exactly size bytes
// exists. The body goes to a temp file next to the target and is renamed
// into place once the transfer completes.
func (f *Fetcher) Fetch(ctx context.Context, remotePath string, size int64) (Outcome, error) {
	local, err := f.LocalPath(remotePath)
	if err != nil {
		return 0, err
	}

	if st, err := os.Stat(local); err == nil {
		if st.Size() == size {
			f.log.Infof("SKIP %s (same size: %d)", remotePath, size)
			return OutcomeSkipped, nil
		}
		f.log.Verbosef("local %s is %d bytes, card has %d; downloading", local, st.Size(), size)
	} else if !os.IsNotExist(err) {
		return 0, errors.Wrapf(err, "stat %s", local)
	}

	dir := filepath.Dir(local)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, errors.Wrapf(err, "create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(local)+".*.part")
	if err != nil {
		return 0, errors.Wrap(err, "create temp file")
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	f.log.Infof("GET  %s (%s)", remotePath, misc.FormatBytes(size))
	var dst io.Writer = tmp
	pw := misc.NewProgressWriter(f.progress, filepath.Base(local), size)
	if pw != nil {
		dst = io.MultiWriter(tmp, pw)
	}
	n, err := f.card.Download(ctx, remotePath, dst)
	pw.Done()
	if err != nil {
		return 0, err
	}

	if err := tmp.Chmod(0644); err != nil {
		return 0, errors.Wrapf(err, "chmod %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return 0, errors.Wrapf(err, "close %s", tmp.Name())
	}
	if err := os.Rename(tmp.Name(), local); err != nil {
		return 0, errors.Wrapf(err, "rename into %s", local)
	}
	committed = true

	if n != size {
		f.log.Warnf("size mismatch for %s: expected %d, got %d", remotePath, size, n)
		return OutcomeMismatch, nil
	}
	f.log.Verbosef("saved %s (%d bytes)", local, n)
	return OutcomeDownloaded, nil
}
