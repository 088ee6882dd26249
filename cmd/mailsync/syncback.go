package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/vdavid/mailsync/internal/actions"
)

func newSyncbackCmd() *cobra.Command {
	var cpuID, totalCPUs int

	cmd := &cobra.Command{
		Use:   "syncback",
		Short: "Replay pending local actions against the remote mailboxes",
		Long: `syncback drains the action log of the shards owned by this process.
Shards are split across processes by --cpu-id and --total-cpus; every shard is
owned by exactly one of them.`,
		PreRunE: func(_ *cobra.Command, _ []string) error {
			return validateCPUSlice(cpuID, totalCPUs)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSyncback(cmd.Context(), cpuID, totalCPUs)
		},
	}
	cmd.Flags().IntVar(&cpuID, "cpu-id", 0, "index of this process among the syncback processes")
	cmd.Flags().IntVar(&totalCPUs, "total-cpus", 1, "number of syncback processes")
	return cmd
}

func validateCPUSlice(cpuID, totalCPUs int) error {
	if totalCPUs < 1 {
		return fmt.Errorf("--total-cpus must be at least 1, got %d", totalCPUs)
	}
	if cpuID < 0 || cpuID >= totalCPUs {
		return fmt.Errorf("--cpu-id must be in [0, %d), got %d", totalCPUs, cpuID)
	}
	return nil
}

func runSyncback(ctx context.Context, cpuID, totalCPUs int) error {
	rt, err := openRuntime(ctx, "syncback")
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.cfg

	keys := rt.shards.OwnedKeys(cpuID, totalCPUs)
	if len(keys) == 0 {
		rt.logger.Warn().Int("cpu_id", cpuID).Int("total_cpus", totalCPUs).Msg("No shards owned by this process")
	}

	blobs, err := rt.openBlobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to open blob store: %w", err)
	}
	if c, ok := blobs.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}

	pool, err := rt.newIMAPPool()
	if err != nil {
		return err
	}
	defer pool.Close()

	registry := actions.NewRegistry(rt.store, blobs, nil)
	service := actions.NewService(rt.store, pool, registry, actions.Config{
		ShardKeys:      keys,
		Workers:        cfg.SyncbackWorkers,
		PollInterval:   cfg.SyncbackPollInterval,
		MaxRetries:     cfg.ActionMaxNrOfRetries,
		RescanInterval: cfg.SyncbackRescanInterval,
	}, rt.logger)

	return service.Run(ctx)
}
