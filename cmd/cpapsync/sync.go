package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/threatexpert/cpapsync/config"
	"github.com/threatexpert/cpapsync/datalog"
	"github.com/threatexpert/cpapsync/ezshare"
	"github.com/threatexpert/cpapsync/ledger"
	"github.com/threatexpert/cpapsync/misc"
	"github.com/threatexpert/cpapsync/syncer"
)

type syncFlags struct {
	outputDir     string
	days          int
	strOnly       bool
	radius        int
	preferEarlier bool
	compress      bool
}

func addSyncFlags(cmd *cobra.Command, sf *syncFlags) {
	fs := cmd.Flags()
	fs.StringVarP(&sf.outputDir, "output-dir", "o", "", "local output directory (default ~/CPAP_Data)")
	fs.IntVarP(&sf.days, "days", "d", config.Default().Sync.Days, "only sync DATALOG from the last N days, 0 for all")
	fs.BoolVar(&sf.strOnly, "str-only", false, "only download root files such as STR.edf")
	fs.IntVar(&sf.radius, "radius", datalog.DefaultRadius, "seconds searched around the BRP file for the other types")
	fs.BoolVar(&sf.preferEarlier, "prefer-earlier", false, "try anchor-k before anchor+k when searching")
	fs.BoolVar(&sf.compress, "compress", false, "ask for zstd/gzip transfer encoding (emulator only)")
}

func newSyncCmd(g *globalFlags) *cobra.Command {
	sf := &syncFlags{}
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Download root files, settings and recent DATALOG sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd, g, sf)
		},
	}
	addSyncFlags(cmd, sf)
	return cmd
}

func runSync(cmd *cobra.Command, g *globalFlags, sf *syncFlags) error {
	cfg, err := loadConfig(cmd, g, sf)
	if err != nil {
		return err
	}
	con := newConsole(misc.ParseLogLevel(cfg.Log.Level))
	logger := con.log

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	card, err := newCard(cfg, logger)
	if err != nil {
		return err
	}
	logger.Infof("Connecting to card at %s...", cfg.Card.Address)
	version, err := card.Version(ctx)
	if err != nil {
		return errors.Wrap(err, "cannot reach the card; is this computer on the ez Share WiFi network?")
	}
	logger.Infof("Card detected! Firmware version: %s", version)
	if version != ezshare.ConfirmedFirmware {
		logger.Warnf("this tool was tested with firmware %s, detected %s; behavior may differ", ezshare.ConfirmedFirmware, version)
	}

	out := cfg.OutputDir()
	if err := os.MkdirAll(out, 0755); err != nil {
		return errors.Wrapf(err, "create output directory %s", out)
	}
	logger.Infof("Output directory: %s", out)

	fetcher, err := syncer.NewFetcher(card, out, logger.With("FETCH"), con.progress)
	if err != nil {
		return err
	}

	scheme := datalog.DefaultScheme()
	scheme.Radius = cfg.Search.Radius
	scheme.PreferLater = cfg.Search.PreferLater
	opts := syncer.Options{
		Days:    cfg.Sync.Days,
		STROnly: cfg.Sync.STROnly,
		Scheme:  scheme,
	}

	var run *ledger.Run
	if path := cfg.LedgerPath(); path != "" {
		db, err := openLedger(path)
		if err != nil {
			logger.Warnf("ledger disabled: %v", err)
		} else {
			defer db.Close()
			run, err = db.BeginRun(ctx, card.BaseURL(), version)
			if err != nil {
				logger.Warnf("ledger disabled: %v", err)
			} else {
				opts.Recorder = run
			}
		}
	}

	rep, runErr := syncer.NewPipeline(card, fetcher, opts, logger).Run(ctx)
	if run != nil {
		if err := run.Finish(context.WithoutCancel(ctx), rep.Summary(runErr)); err != nil {
			logger.Warnf("ledger: %v", err)
		}
	}
	if runErr != nil {
		return runErr
	}

	t := rep.Total()
	logger.Infof("Done. %d downloaded, %d skipped, %d failed, %d size mismatches (%d probes)",
		t.Downloaded, t.Skipped, t.Failed, t.Mismatched, t.Probes)
	if t.Failed > 0 {
		return errors.Errorf("%d file(s) failed to download", t.Failed)
	}
	return nil
}
