package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sjy-dv/vforge/admission"
	"github.com/sjy-dv/vforge/config"
	"github.com/sjy-dv/vforge/executor"
	"github.com/sjy-dv/vforge/gateway"
	"github.com/sjy-dv/vforge/jobstore"
	"github.com/sjy-dv/vforge/pipeline"
	"github.com/sjy-dv/vforge/pkg/index"
	"github.com/sjy-dv/vforge/pkg/minio"
	"github.com/sjy-dv/vforge/pkg/transfer"
	"github.com/sjy-dv/vforge/resource"
)

func main() {
	if err := config.Load(); err != nil {
		log.Error().Err(err).Msg("config load failed")
		os.Exit(1)
	}
	cfg := config.Config

	objectStore, err := minio.NewMinio(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioSecure)
	if err != nil {
		log.Error().Err(err).Msg("object store session failed")
		os.Exit(1)
	}
	if cfg.MinioBucket != "" {
		ensureCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := objectStore.EnsureBucket(ensureCtx, cfg.MinioBucket); err != nil {
			cancel()
			log.Error().Err(err).Str("bucket", cfg.MinioBucket).Msg("bucket check failed")
			os.Exit(1)
		}
		cancel()
	}

	var store jobstore.Store
	storeOpts := jobstore.Options{
		TTL:          cfg.JobTTL(),
		SweepEvery:   cfg.SweepEvery(),
		EvictRunning: cfg.EvictRunning,
		MaxJobs:      cfg.MaxJobs,
	}
	switch cfg.JobStore {
	case config.JobStoreBolt:
		store, err = jobstore.NewBoltStore(cfg.JobStorePath, storeOpts)
		if err != nil {
			log.Error().Err(err).Msg("job store open failed")
			os.Exit(1)
		}
	default:
		store = jobstore.NewMemoryStore(storeOpts)
	}
	defer store.Close()

	accountant := resource.NewAccountant(cfg.GPUMemoryLimit, cfg.CPUMemoryLimit)
	transferrer := transfer.New(objectStore, transfer.Options{
		ChunkSize:   cfg.TransferChunkSize,
		Concurrency: cfg.TransferConcurrent,
		MaxAttempts: cfg.TransferAttempts,
	})
	adapter := index.NewAdapter(index.NewFaissEngine(), cfg.GPUFallback)
	pipe := pipeline.New(transferrer, adapter, cfg.DataRootDir)
	exec := executor.New(cfg.Workers, cfg.QueueDepth, store, accountant, pipe)
	controller := admission.NewController(store, accountant, exec, nil, cfg.GPUMemoryLimit > 0)

	gw := gateway.New(controller, store, gateway.Options{
		Addr:          cfg.BindAddress,
		BasicAuthUser: cfg.AuthUser,
		BasicAuthPass: cfg.AuthPassword,
	})

	go func() {
		if err := gw.Start(); err != nil {
			log.Warn().Err(err).Msg("gateway start failed")
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	log.Debug().Msg("received shutdown signal")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Debug().Msgf("gateway shutdown >> %s", err.Error())
	}
	if err := exec.Shutdown(shutdownCtx); err != nil {
		log.Debug().Msgf("executor shutdown >> %s", err.Error())
	}
	log.Debug().Msg("shutdown complete")
}
