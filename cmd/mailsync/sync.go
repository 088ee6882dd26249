package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vdavid/mailsync/internal/api"
	"github.com/vdavid/mailsync/internal/mailsync"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/scheduler"
)

func newSyncCmd() *cobra.Command {
	var noPopulator bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a sync worker: claim accounts from the zone queue and mirror their folders",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd.Context(), !noPopulator)
		},
	}
	cmd.Flags().BoolVar(&noPopulator, "no-populator", false, "do not feed the zone queue from this worker")
	return cmd
}

func runSync(ctx context.Context, withPopulator bool) error {
	rt, err := openRuntime(ctx, "sync")
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.cfg

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

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}

	decoder := mailsync.NewDecoder(blobs)
	syncCfg := mailsync.DefaultConfig()
	syncCfg.PollFrequency = cfg.PollFrequency
	monitorCfg := mailsync.MonitorConfig{
		Sync:                  syncCfg,
		FolderRefreshInterval: cfg.FolderRefreshInterval,
		FetchRatePerSecond:    cfg.FetchRatePerSecond,
	}
	newMonitor := func(account *models.Account) scheduler.Monitor {
		return mailsync.NewAccountMonitor(account, rt.store, pool, decoder, monitorCfg, rt.logger)
	}

	queue := scheduler.NewQueueClient(rdb, cfg.Zone)
	service := scheduler.NewSyncService(queue, rt.store, newMonitor, scheduler.ServiceConfig{
		WorkerID:    cfg.WorkerID,
		MaxAccounts: cfg.MaxAccountsPerWorker,
	}, rt.logger)

	srv := &http.Server{
		Addr:              ":" + cfg.AdminPort,
		Handler:           api.NewRouter(api.NewAccountsHandler(service, cfg.WorkerID, cfg.Zone, rt.logger), cfg.AdminToken, rt.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.AdminToken == "" {
		rt.logger.Warn().Msg("MAILSYNC_ADMIN_TOKEN is not set, admin commands are unauthenticated")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return service.Run(gctx) })
	g.Go(func() error { return serveHTTP(gctx, srv, rt.logger) })
	if withPopulator {
		populator := scheduler.NewPopulator(queue, rt.store, cfg.PopulateInterval, rt.logger)
		g.Go(func() error { return populator.Run(gctx) })
	}

	rt.logger.Info().Str("zone", cfg.Zone).Bool("populator", withPopulator).Msg("Sync worker started")
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	rt.logger.Info().Msg("Sync worker stopped")
	return err
}
