package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/wattmine/minecore/internal/config"
)

const (
	appName = "minecore"
	version = "v1.4.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "WattMine data core: coalesced market data, fleet telemetry and curtailment scheduling",
		Version: version,
		Long: `minecore feeds the WattMine mining platform. It caches BTC market data,
network stats, per-site fleet telemetry and grid energy prices behind a
request-coalescing hub, runs the leader-elected background jobs that keep
them warm, and pushes curtailment decisions through the transactional
outbox.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "config/minecore.yaml", "Path to the main configuration file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, outbox dispatcher and observability server",
		RunE:  runServe,
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE:  runMigrate,
	}

	probeCmd := &cobra.Command{
		Use:   "probe",
		Short: "Fetch every configured kind once and report chain health",
		Long:  "Probes each resource kind through its full provider chain. Exits non-zero when any kind is unreachable, so deploy tooling can gate on it.",
		RunE:  runProbe,
	}

	rootCmd.AddCommand(serveCmd, migrateCmd, probeCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// loadConfig resolves --config from whichever command level it was given
// at and loads the file it points to.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	path, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}
