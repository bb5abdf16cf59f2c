package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/wattmine/minecore/internal/clock"
	"github.com/wattmine/minecore/internal/obs"
)

func runProbe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	clk := clock.System()
	metrics := obs.NewMetrics()
	emitter := obs.NewEmitter(metrics)

	core, err := buildCore(cfg, metrics, emitter, clk)
	if err != nil {
		return err
	}
	defer core.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	kinds := make([]string, 0, len(cfg.Hub.Kinds))
	for kind := range cfg.Hub.Kinds {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	failed := 0
	for _, kind := range kinds {
		params, ok := probeParams(kind, cfg.Sites)
		if !ok {
			fmt.Printf("SKIP %-16s no sites configured\n", kind)
			continue
		}
		start := time.Now()
		if err := core.hub.Probe(ctx, kind, params); err != nil {
			failed++
			fmt.Printf("FAIL %-16s %v\n", kind, err)
			continue
		}
		fmt.Printf("OK   %-16s %s\n", kind, time.Since(start).Round(time.Millisecond))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d kinds unreachable", failed, len(kinds))
	}
	return nil
}
