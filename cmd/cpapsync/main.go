// Command cpapsync copies therapy data from a CPAP memory card exposed by an
// ez Share WiFi SD card.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	cardIP     string
	timeout    int
	ledger     string
	verbose    bool
	quiet      bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	sf := &syncFlags{}

	root := &cobra.Command{
		Use:   "cpapsync",
		Short: "Download CPAP data from an ez Share WiFi SD card",
		Long: `cpapsync mirrors STR.edf, the settings files and the per-session DATALOG
files of a ResMed card behind an ez Share WiFi SD card (firmware 4.4.0).
The card's directory listing is unreliable, so session files are located by
decoding STR.edf and probing the exact names the device writes.

Running cpapsync without a subcommand is the same as "cpapsync sync".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd, g, sf)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "YAML config file (default $CPAPSYNC_CONFIG)")
	pf.StringVar(&g.cardIP, "card-ip", "", "ez Share card IP address (default 192.168.4.1)")
	pf.IntVar(&g.timeout, "timeout", 0, "HTTP timeout in seconds (default 10)")
	pf.StringVar(&g.ledger, "ledger", "", "SQLite file recording every sync run")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "log every probe and transfer")
	pf.BoolVarP(&g.quiet, "quiet", "q", false, "log only warnings and errors")
	addSyncFlags(root, sf)

	root.AddCommand(newSyncCmd(g))
	root.AddCommand(newSessionsCmd(g))
	root.AddCommand(newProbeCmd(g))
	root.AddCommand(newServeCmd(g))
	root.AddCommand(newHistoryCmd(g))
	return root
}
