package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/threatexpert/cpapsync/acl"
	"github.com/threatexpert/cpapsync/datalog"
	"github.com/threatexpert/cpapsync/edf"
	"github.com/threatexpert/cpapsync/ezshare"
	"github.com/threatexpert/cpapsync/misc"
)

func newSessionsCmd(_ *globalFlags) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "sessions <STR.edf>",
		Short: "Decode the sessions of a local STR.edf",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := edf.ParseFile(args[0])
			if err != nil {
				return err
			}
			groups := datalog.Group(sessions, datalog.Cutoff(time.Now(), days))
			printSessions(cmd.OutOrStdout(), groups)
			return nil
		},
	}
	cmd.Flags().IntVarP(&days, "days", "d", 0, "only show the last N days, 0 for all")
	return cmd
}

func printSessions(w io.Writer, groups []datalog.DayGroup) {
	if len(groups) == 0 {
		_, _ = fmt.Fprintln(w, "no sessions")
		return
	}
	total := 0
	for _, g := range groups {
		_, _ = fmt.Fprintf(w, "[%s] %d session(s)\n", g.Epoch, len(g.Sessions))
		for _, s := range g.Sessions {
			c := datalog.NewCandidate(s, datalog.TypeBRP)
			_, _ = fmt.Fprintf(w, "  %s - %s  %4d min  %s/%s_%s??_*.edf\n",
				s.Start.Format("2006-01-02 15:04"), s.End().Format("15:04"), s.Duration,
				datalog.DirPath(s.Epoch), c.Date, c.HourMinute)
		}
		total += len(g.Sessions)
	}
	_, _ = fmt.Fprintf(w, "%d session(s) in %d record day(s)\n", total, len(groups))
}

func newProbeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "probe <path>...",
		Short: "Check whether paths exist on the card",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, g, nil)
			if err != nil {
				return err
			}
			card, err := newCard(cfg, newConsole(misc.ParseLogLevel(cfg.Log.Level)).log)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			for _, p := range args {
				res := card.Probe(ctx, p)
				switch {
				case !res.Exists:
					_, _ = fmt.Fprintf(out, "%s\tmissing\n", p)
				case res.Size == 0:
					_, _ = fmt.Fprintf(out, "%s\tdirectory\n", p)
				default:
					_, _ = fmt.Fprintf(out, "%s\t%d bytes\n", p, res.Size)
				}
			}
			return nil
		},
	}
}

func newServeCmd(g *globalFlags) *cobra.Command {
	var listen, version string
	var enableZstd bool
	var allow []string
	cmd := &cobra.Command{
		Use:   "serve <dir>",
		Short: "Serve a local card image the way an ez Share card does",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level := misc.LogLevelInfo
			if g.verbose {
				level = misc.LogLevelVerbose
			}
			allowed, err := acl.Parse(allow)
			if err != nil {
				return err
			}
			emu, err := ezshare.NewEmulator(ezshare.EmulatorConfig{
				Root:       args[0],
				ListenAddr: listen,
				Version:    version,
				EnableZstd: enableZstd,
				Allow:      allowed,
				Logger:     misc.NewLogger(os.Stderr, "EMU", level),
			})
			if err != nil {
				return err
			}
			return emu.Start()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8080", "address to listen on")
	cmd.Flags().StringVar(&version, "firmware", "", "version string reported by /client?command=version")
	cmd.Flags().BoolVar(&enableZstd, "zstd", false, "compress GET bodies for clients that accept zstd")
	cmd.Flags().StringSliceVar(&allow, "allow", nil, "only serve clients in these networks, e.g. 192.168.4.0/24")
	return cmd
}

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var limit int
	var showFiles bool
	var remotePath string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent sync runs from the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, g, nil)
			if err != nil {
				return err
			}
			path := cfg.LedgerPath()
			if path == "" {
				return errors.New("no ledger configured; pass --ledger or set CPAPSYNC_LEDGER")
			}
			if _, err := os.Stat(path); err != nil {
				return errors.Wrap(err, "open ledger")
			}
			db, err := openLedger(path)
			if err != nil {
				return err
			}
			defer db.Close()

			out := cmd.OutOrStdout()
			if remotePath != "" {
				remotePath = strings.TrimLeft(remotePath, "/")
				at, ok, err := db.LastDownload(cmd.Context(), remotePath)
				if err != nil {
					return err
				}
				if !ok {
					_, _ = fmt.Fprintf(out, "%s\tnever downloaded\n", remotePath)
					return nil
				}
				_, _ = fmt.Fprintf(out, "%s\tlast downloaded %s\n", remotePath, at.Local().Format("2006-01-02 15:04:05"))
				return nil
			}

			runs, err := db.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				_, _ = fmt.Fprintln(out, "no runs recorded")
				return nil
			}
			for _, r := range runs {
				status := "ok"
				switch {
				case r.FinishedAt.IsZero():
					status = "interrupted"
				case r.Err != "":
					status = "error: " + r.Err
				}
				_, _ = fmt.Fprintf(out, "%s  %s  fw %s  %d downloaded, %d skipped, %d failed, %d mismatched, %d probes  %s\n",
					r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.ID[:8], r.Firmware,
					r.Downloaded, r.Skipped, r.Failed, r.Mismatched, r.Probes, status)
				if !showFiles {
					continue
				}
				entries, err := db.Entries(cmd.Context(), r.ID)
				if err != nil {
					return err
				}
				for _, e := range entries {
					line := fmt.Sprintf("    %-10s %-8s %s (%s)", e.Outcome, e.Phase, e.RemotePath, misc.FormatBytes(e.Size))
					if e.Error != "" {
						line += " " + strings.TrimSpace(e.Error)
					}
					_, _ = fmt.Fprintln(out, line)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to show")
	cmd.Flags().BoolVar(&showFiles, "files", false, "list each file outcome")
	cmd.Flags().StringVar(&remotePath, "path", "", "show when this card path was last downloaded")
	return cmd
}
