package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vdavid/mailsync/internal/blobstore"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/shard"
)

// runtime holds what every command needs: configuration, a logger and the shards.
type runtime struct {
	cfg    *config.Config
	logger zerolog.Logger
	shards *shard.Engine
	store  *db.Store
}

func openRuntime(ctx context.Context, component string) (*runtime, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(cfg.Environment, cfg.LogLevel).With().
		Str("component", component).
		Str("worker_id", cfg.WorkerID).
		Logger()

	engine, err := db.OpenShards(ctx, cfg.ShardDSNs)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to shards: %w", err)
	}
	logger.Info().Ints("shards", engine.Keys()).Msg("Connected to shards")

	return &runtime{cfg: cfg, logger: logger, shards: engine, store: db.NewStore(engine)}, nil
}

func (r *runtime) Close() {
	r.shards.Close()
}

func (r *runtime) openBlobs(ctx context.Context) (blobstore.Store, error) {
	if r.cfg.BlobBackend == "gcs" {
		s, err := blobstore.NewGCSStore(ctx, r.cfg.BlobBucket, "blobs/")
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := blobstore.NewFSStore(r.cfg.BlobDir)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *runtime) newIMAPPool() (*imap.Pool, error) {
	sealer, err := crypto.NewCredentialSealer(r.cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential sealer: %w", err)
	}

	poolCfg := imap.DefaultPoolConfig()
	poolCfg.MaxConnectionsPerAccount = r.cfg.MaxConnectionsPerAccount
	poolCfg.KeepaliveInterval = r.cfg.KeepaliveInterval

	connector := &imap.DialConnector{
		Sealer:         sealer,
		OAuth:          imap.NewGoogleOAuthConfig(r.cfg.GoogleClientID, r.cfg.GoogleClientSecret),
		UseTLS:         r.cfg.IMAPUseTLS,
		DialTimeout:    r.cfg.ConnectTimeout,
		CommandTimeout: 2 * r.cfg.ConnectTimeout,
	}
	return imap.NewPool(connector, poolCfg, r.logger), nil
}

// serveHTTP runs srv until ctx is done, then shuts it down gracefully.
func serveHTTP(ctx context.Context, srv *http.Server, logger zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("Admin server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("admin server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down admin server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
