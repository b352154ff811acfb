// Package main is the CRC pipeline's single process entry point: it loads
// configuration, wires C1-C9 together, starts the incoming-artifact
// watcher, the CI/CD queue watcher, and the periodic archive cleanup, and
// serves the read-only HTTP surface.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/noacore/crc-pipeline/internal/ambient/config"
	"github.com/noacore/crc-pipeline/internal/ambient/logging"
	"github.com/noacore/crc-pipeline/internal/capability"
	"github.com/noacore/crc-pipeline/internal/cicd"
	"github.com/noacore/crc-pipeline/internal/crc/archive"
	"github.com/noacore/crc-pipeline/internal/crc/dropregistry"
	"github.com/noacore/crc-pipeline/internal/crc/ingest"
	"github.com/noacore/crc-pipeline/internal/crc/pipeline"
	"github.com/noacore/crc-pipeline/internal/gateway"
	"github.com/noacore/crc-pipeline/internal/ledger"
	"github.com/noacore/crc-pipeline/internal/trust"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New("crc-server", logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	var manifest *capability.Manifest
	if _, statErr := os.Stat(cfg.Paths.ManifestPath); statErr == nil {
		m, loadErr := capability.LoadManifestFromYAML(cfg.Paths.ManifestPath)
		if loadErr != nil {
			logger.WithError(loadErr).Warn("manifest load failed, continuing without a declared manifest")
		} else {
			manifest = m
		}
	}
	var signingKey []byte
	if cfg.Security.TokenSigningKey != "" {
		signingKey = []byte(cfg.Security.TokenSigningKey)
	}
	registry := capability.NewRegistry(manifest, signingKey)
	if err := registry.InitializeAutostart(context.Background()); err != nil {
		logger.WithError(err).Warn("autostart capability initialization failed")
	}

	ledgerSink, err := ledger.New(cfg.Paths.IndexDir, cfg.Paths.MirrorDir, registry)
	if err != nil {
		log.Fatalf("initialize ledger: %v", err)
	}

	scorekeeper, err := trust.New(cfg.Paths.TrustSnapshot)
	if err != nil {
		log.Fatalf("initialize trust scorekeeper: %v", err)
	}
	if _, err := scorekeeper.Bootstrap(); err != nil {
		logger.WithError(err).Warn("trust scorekeeper bootstrap failed, continuing with baseline snapshot")
	}

	drops := dropregistry.New(cfg.Paths.DropSnapshot)
	if err := drops.Load(); err != nil {
		logger.WithError(err).Warn("drop registry snapshot load failed, starting empty")
	}

	pollInterval, err := time.ParseDuration(cfg.Pipeline.EmptyQueuePollInterval)
	if err != nil {
		pollInterval = time.Second
	}
	engine := pipeline.NewEngine(pipeline.Config{
		MaxConcurrent:          cfg.Pipeline.MaxConcurrent,
		AutoApproveThreshold:   cfg.Pipeline.AutoApproveThreshold,
		EmptyQueuePollInterval: pollInterval,
		ReadyQueueBasePath:     cfg.Paths.ReadyDir,
		SymbolGraphStoreDir:    cfg.Paths.SymbolGraphDir,
	}, drops, ledgerSink, scorekeeper, registry, logger, 256)

	archiveCfg := archive.DefaultConfig()
	archiveCfg.CompressionAlgorithm = archive.CompressionAlgorithm(cfg.Archive.CompressionAlgorithm)
	archiveCfg.CompressionLevel = cfg.Archive.CompressionLevel
	archiveCfg.AutoCleanup = cfg.Archive.AutoCleanup
	archiveCfg.MaxArchiveSizeBytes = int64(cfg.Archive.MaxArchiveSizeGB) << 30
	for sourceType, days := range cfg.Archive.RetentionDays {
		archiveCfg.RetentionDays[dropregistry.SourceType(sourceType)] = days
	}
	archiveManager := archive.New(cfg.Paths.ArchiveDir, archiveCfg)

	triggerManager := cicd.NewTriggerManager(cfg.Paths.Root, cicd.Config{
		Enabled:             cfg.CICD.Enabled,
		AutoMergeThreshold:  cfg.CICD.AutoMergeThreshold,
		WatchReadyQueues:    cfg.CICD.WatchReadyQueues,
		PipelineTimeoutSecs: cfg.CICD.PipelineTimeoutSecs,
		PollInterval:        time.Duration(cfg.CICD.PollIntervalSecs) * time.Second,
		EventChannelCap:     cfg.CICD.EventChannelCap,
	}, logger)

	watcher := ingest.New(ingest.Config{
		IncomingRoot:   filepath.Join(cfg.Paths.Root, "drop-in", "incoming"),
		ExtractTempDir: cfg.Paths.ExtractTempDir,
		PollInterval:   2 * time.Second,
	}, drops, engine, logger)

	routingGateway := gateway.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Run(ctx)
	go watcher.Run(ctx)

	if cfg.CICD.Enabled {
		go func() {
			if err := triggerManager.StartMonitoring(ctx); err != nil {
				logger.WithError(err).Error("cicd trigger manager stopped")
			}
		}()
	}

	if cfg.Archive.AutoCleanup {
		scheduler := cron.New()
		if _, err := scheduler.AddFunc(cfg.Archive.CleanupCron, func() {
			report, err := archiveManager.CleanupOldArchives()
			if err != nil {
				logger.WithError(err).Error("archive cleanup failed")
				return
			}
			logger.WithField("removed", report.ArchivesRemoved).
				WithField("freed_bytes", report.SpaceFreedBytes).
				Info("archive cleanup completed")
		}); err != nil {
			logger.WithError(err).Warn("invalid archive cleanup schedule, cron disabled")
		} else {
			scheduler.Start()
			defer scheduler.Stop()
		}
	}

	go func() {
		for range time.Tick(30 * time.Second) {
			routingGateway.AutoScan()
			routingGateway.PredictiveSelfHeal()
		}
	}()

	router := chi.NewRouter()
	trust.Router(router, scorekeeper)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !autostartCapabilitiesReady(registry, manifest) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	router.Handle("/metrics", promhttp.Handler())

	port := cfg.Server.Port
	if port <= 0 {
		port = 8080
	}
	addr := cfg.Server.Host + ":" + strconv.Itoa(port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", addr).Info("crc-server HTTP surface starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	engine.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http server shutdown error")
	}
}

// autostartCapabilitiesReady reports whether every manifest-declared
// autostart capability has reached StateReady. With no manifest, the
// process is ready as soon as it can serve requests.
func autostartCapabilitiesReady(registry *capability.Registry, manifest *capability.Manifest) bool {
	if manifest == nil {
		return true
	}
	for _, c := range manifest.Capabilities {
		if !c.Autostart {
			continue
		}
		state, ok := registry.State(c.ID)
		if !ok || state != capability.StateReady {
			return false
		}
	}
	return true
}
