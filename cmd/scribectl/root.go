package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	appconfig "github.com/wolfman30/clinic-scribe/internal/config"
	"github.com/wolfman30/clinic-scribe/pkg/logging"
)

// cli carries what every subcommand needs. cfg and logger are set in
// PersistentPreRunE so flags and env are read once.
type cli struct {
	out      io.Writer
	cfg      *appconfig.Config
	logger   *logging.Logger
	jsonOut  bool
	logLevel string
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}

	root := &cobra.Command{
		Use:   "scribectl",
		Short: "clinic-scribe operator CLI",
		Long: `scribectl works against the same configuration as the API server.

Example usage:
  scribectl slots                          # List selectable start times
  scribectl search --patient-id p-1 --mrn 203713 --date 2017-10-06 --start 21:00:00
  scribectl status                         # Show the stored sign-in
  scribectl logout                         # Clear the stored sign-in
  scribectl audit --session-id sess-1      # Read the audit trail`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c.cfg = appconfig.Load()
			level := c.logLevel
			if level == "" {
				level = c.cfg.LogLevel
			}
			c.logger = logging.NewWithWriter(level, cmd.ErrOrStderr())
			return nil
		},
	}
	root.SetOut(out)
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "output as JSON")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level (default LOG_LEVEL or info)")

	root.AddCommand(
		newSlotsCmd(c),
		newSearchCmd(c),
		newStatusCmd(c),
		newLogoutCmd(c),
		newAuditCmd(c),
	)
	return root
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
