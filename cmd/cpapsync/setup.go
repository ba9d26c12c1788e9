package main

import (
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/threatexpert/cpapsync/config"
	"github.com/threatexpert/cpapsync/ezshare"
	"github.com/threatexpert/cpapsync/ledger"
	"github.com/threatexpert/cpapsync/misc"
)

// loadConfig layers command-line flags over config.Load.
func loadConfig(cmd *cobra.Command, g *globalFlags, sf *syncFlags) (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("card-ip") {
		cfg.Card.Address = g.cardIP
	}
	if flags.Changed("timeout") {
		cfg.Card.Timeout = time.Duration(g.timeout) * time.Second
	}
	if flags.Changed("ledger") {
		cfg.Ledger.Path = g.ledger
	}
	if sf != nil {
		if flags.Changed("output-dir") {
			cfg.Output.Dir = sf.outputDir
		}
		if flags.Changed("days") {
			cfg.Sync.Days = sf.days
		}
		if flags.Changed("str-only") {
			cfg.Sync.STROnly = sf.strOnly
		}
		if flags.Changed("radius") {
			cfg.Search.Radius = sf.radius
		}
		if flags.Changed("prefer-earlier") {
			cfg.Search.PreferLater = !sf.preferEarlier
		}
		if flags.Changed("compress") {
			cfg.Card.Compression = sf.compress
		}
	}
	switch {
	case g.verbose:
		cfg.Log.Level = misc.LogLevelVerbose.String()
	case g.quiet:
		cfg.Log.Level = misc.LogLevelError.String()
	}
	return cfg, cfg.Validate()
}

// console sends log lines and progress lines to stderr through one
// SwitchableWriter. Progress is drawn only on a terminal at info level.
type console struct {
	log      *misc.Logger
	progress io.Writer
}

func newConsole(level misc.LogLevel) *console {
	sw := misc.NewSwitchableWriter(os.Stderr, true)
	c := &console{log: misc.NewLogger(sw, "SYNC", level)}
	if level == misc.LogLevelInfo && term.IsTerminal(int(os.Stderr.Fd())) {
		c.progress = sw
	}
	return c
}

func newCard(cfg config.Config, logger *misc.Logger) (*ezshare.Card, error) {
	return ezshare.NewCard(ezshare.CardConfig{
		Address:     cfg.Card.Address,
		Timeout:     cfg.Card.Timeout,
		Compression: cfg.Card.Compression,
		Logger:      logger.With("CARD"),
	})
}

func openLedger(path string) (*ledger.DB, error) {
	db, err := ledger.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
