// replay-dlq inspects the dead-letter queue and re-enqueues poisoned
// events after the underlying fault is fixed. Exit codes: 0 clean,
// 1 bad invocation, 2 database unreachable, 3 partial replay.
package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/wattmine/minecore/internal/clock"
	"github.com/wattmine/minecore/internal/config"
	"github.com/wattmine/minecore/internal/infrastructure/db"
	"github.com/wattmine/minecore/internal/outbox"
	"github.com/wattmine/minecore/internal/persistence"
)

const (
	exitOK = iota
	exitUsage
	exitDB
	exitPartial
)

// exitError carries a process exit code through cobra's error path.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:          "replay-dlq",
		Short:        "Inspect and replay dead-lettered outbox events",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "config/minecore.yaml", "Path to the main configuration file")
	rootCmd.PersistentFlags().String("kind", "", "Only events of this kind")
	rootCmd.PersistentFlags().Duration("since", 0, "Only events dead-lettered within this window, e.g. 24h")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the dead-letter queue",
		RunE:  runStats,
	}

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-enqueue matching events into the outbox",
		Long:  "Each replayed event gets a fresh idempotency key derived from its original, so the dedupe that saw the poisoned run does not swallow the retry.",
		RunE:  runReplay,
	}
	replayCmd.Flags().Int("limit", 100, "Maximum events to replay, 0 for all")
	replayCmd.Flags().Bool("dry-run", false, "List what would be replayed without writing")

	rootCmd.AddCommand(statsCmd, replayCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("replay-dlq failed")
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(exitUsage)
	}
	os.Exit(exitOK)
}

// openReplayer loads config and connects to the database. Callers own
// the returned close func.
func openReplayer(flags *pflag.FlagSet) (*outbox.Replayer, func(), error) {
	path, err := flags.GetString("config")
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, &exitError{code: exitUsage, err: err}
	}

	manager, err := db.NewManager(db.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.GetConnMaxLifetime(),
		ConnMaxIdleTime: cfg.Database.GetConnMaxIdleTime(),
		QueryTimeout:    cfg.Database.GetQueryTimeout(),
	})
	if err != nil {
		return nil, nil, &exitError{code: exitDB, err: err}
	}

	replayer := outbox.NewReplayer(*manager.Repository(), clock.System(), log.Logger)
	return replayer, func() { _ = manager.Close() }, nil
}

// sinceTime turns the --since window into the filter's absolute cutoff.
func sinceTime(flags *pflag.FlagSet) (time.Time, error) {
	window, err := flags.GetDuration("since")
	if err != nil || window <= 0 {
		return time.Time{}, err
	}
	return time.Now().UTC().Add(-window), nil
}

func runStats(cmd *cobra.Command, _ []string) error {
	replayer, closeDB, err := openReplayer(cmd.Flags())
	if err != nil {
		return err
	}
	defer closeDB()

	kind, err := cmd.Flags().GetString("kind")
	if err != nil {
		return err
	}
	since, err := sinceTime(cmd.Flags())
	if err != nil {
		return err
	}

	stats, err := replayer.Stats(cmd.Context(), persistence.DLQFilter{Kind: kind, Since: since})
	if err != nil {
		return &exitError{code: exitDB, err: err}
	}

	fmt.Printf("dead-lettered: %d  (already replayed: %d)\n", stats.Total, stats.Replayed)
	kinds := make([]string, 0, len(stats.ByKind))
	for k := range stats.ByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Printf("  %-28s %d\n", k, stats.ByKind[k])
	}
	if stats.OldestAt != nil {
		fmt.Printf("oldest: %s\n", stats.OldestAt.Format(time.RFC3339))
	}
	if stats.NewestAt != nil {
		fmt.Printf("newest: %s\n", stats.NewestAt.Format(time.RFC3339))
	}
	return nil
}

func runReplay(cmd *cobra.Command, _ []string) error {
	replayer, closeDB, err := openReplayer(cmd.Flags())
	if err != nil {
		return err
	}
	defer closeDB()

	kind, err := cmd.Flags().GetString("kind")
	if err != nil {
		return err
	}
	since, err := sinceTime(cmd.Flags())
	if err != nil {
		return err
	}
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}
	dryRun, err := cmd.Flags().GetBool("dry-run")
	if err != nil {
		return err
	}

	report, err := replayer.Replay(cmd.Context(), outbox.ReplayRequest{
		Kind:   kind,
		Since:  since,
		Limit:  limit,
		DryRun: dryRun,
	})
	if err != nil {
		return &exitError{code: exitDB, err: err}
	}

	if dryRun {
		fmt.Printf("matched %d, dry run, nothing written\n", report.Matched)
		return nil
	}

	fmt.Printf("matched %d, replayed %d, failed %d\n", report.Matched, report.Replayed, report.Failed)
	for _, msg := range report.Errors {
		fmt.Printf("  %s\n", msg)
	}
	if report.Partial() {
		return &exitError{
			code: exitPartial,
			err:  fmt.Errorf("%d of %d events failed to replay", report.Failed, report.Matched),
		}
	}
	return nil
}
