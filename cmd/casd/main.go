// Copyright 2026 The Ceramic Anchor Service Authors
//
// casd wires together the anchor batch pipeline (spec §4.7) and its HTTP
// intake surface (spec §6): a single process that runs the scheduler
// loop and serves requests concurrently, coordinated across any number of
// such processes purely through Postgres (spec §5).

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ceramicnetwork/cas/pkg/anchorsvc"
	"github.com/ceramicnetwork/cas/pkg/blockchain"
	"github.com/ceramicnetwork/cas/pkg/blockstore/localfs"
	"github.com/ceramicnetwork/cas/pkg/candidate"
	"github.com/ceramicnetwork/cas/pkg/config"
	"github.com/ceramicnetwork/cas/pkg/database"
	"github.com/ceramicnetwork/cas/pkg/ethereum"
	"github.com/ceramicnetwork/cas/pkg/metadata"
	"github.com/ceramicnetwork/cas/pkg/metrics"
	"github.com/ceramicnetwork/cas/pkg/scheduler"
	"github.com/ceramicnetwork/cas/pkg/server"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		configPath = flag.String("config", "", "optional YAML config overlay path")
		showHelp   = flag.Bool("help", false, "show this help message")
	)
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	if *configPath != "" {
		overrides, err := config.LoadFileOverrides(*configPath)
		if err != nil {
			log.Fatalf("load config overlay %s: %v", *configPath, err)
		}
		cfg.ApplyOverrides(overrides)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	m := metrics.New()

	log.Println("connecting to database...")
	dbClient, err := database.NewClient(cfg,
		database.WithLogger(log.New(log.Writer(), "[Database] ", log.LstdFlags)),
		database.WithManyMutexAttemptsHook(m.ManyMutexAttemptsHook()),
	)
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	defer dbClient.Close()

	if err := dbClient.MigrateUp(context.Background()); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	store, err := localfs.New(cfg.BlockstoreDir)
	if err != nil {
		log.Fatalf("open blockstore: %v", err)
	}

	requests := database.NewRequestRepository(dbClient)
	anchors := database.NewAnchorRepository(dbClient)
	metadataRepo := database.NewMetadataRepository(dbClient)

	dereferencer := metadata.NewBlockstoreDereferencer(store)
	metadataSvc := metadata.NewService(metadataRepo, dereferencer, cfg.MetadataMaxRetries)
	builder := candidate.NewBuilder(metadataSvc, candidate.NoopRemoteAnchorChecker{})

	log.Println("connecting to ethereum...")
	ethClient, err := ethereum.NewClient(cfg.EthereumURL, cfg.EthChainID)
	if err != nil {
		log.Fatalf("connect to ethereum: %v", err)
	}
	submitter, err := blockchain.NewEthereumSubmitter(ethClient, cfg.AnchorContractAddress, cfg.EthPrivateKey, cfg.AnchorGasLimit)
	if err != nil {
		log.Fatalf("construct ethereum submitter: %v", err)
	}

	anchorCfg := anchorsvc.Config{
		SchedulerID:                     cfg.SchedulerID,
		BatchMinSize:                    cfg.BatchMinSize,
		BatchMaxSize:                    cfg.BatchMaxSize,
		BatchLinger:                     time.Duration(cfg.BatchLingerSeconds) * time.Second,
		MerkleDepthLimit:                cfg.MerkleDepthLimit,
		MutexMaxAttempts:                cfg.MutexMaxAttempts,
		MutexDelay:                      time.Duration(cfg.MutexDelayMs) * time.Millisecond,
		SubmitRetries:                   cfg.BlockchainSubmitRetries,
		SubmitBackoff:                   time.Duration(cfg.BlockchainSubmitBackoffMs) * time.Millisecond,
		AnchorAlreadyAnchoredCandidates: cfg.AnchorAlreadyAnchoredCandidates,
	}
	anchorSvc := anchorsvc.NewService(anchorCfg, dbClient, requests, anchors, metadataRepo, builder, submitter, store, metrics.NewBatchObserver(m))

	sched, err := scheduler.New(anchorSvc, &scheduler.Config{
		CheckInterval: time.Duration(cfg.BatchLingerSeconds) * time.Second / 4,
		Logger:        log.New(log.Writer(), "[Scheduler] ", log.LstdFlags),
	})
	if err != nil {
		log.Fatalf("construct scheduler: %v", err)
	}

	casHandlers := server.NewCASHandlers(requests, anchors, store, log.New(log.Writer(), "[CASAPI] ", log.LstdFlags))
	healthHandlers := server.NewHealthHandlers(dbClient, ethClient, sched, log.New(log.Writer(), "[Health] ", log.LstdFlags))

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/requests", casHandlers.HandleCreateRequest)
	mux.HandleFunc("/api/v1/requests/", casHandlers.HandleGetRequestStatus)
	mux.HandleFunc("/health", healthHandlers.HandleHealth)
	mux.HandleFunc("/health/detailed", healthHandlers.HandleDetailedHealth)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", m.Handler())

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	ctx, cancel := context.WithCancel(context.Background())
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}

	retentionLogger := log.New(log.Writer(), "[Retention] ", log.LstdFlags)
	go runRetentionSweep(ctx, retentionLogger, metadataSvc, requests,
		time.Duration(cfg.MetadataRetentionHours)*time.Hour,
		time.Duration(cfg.RequestExpiryHours)*time.Hour)

	go func() {
		log.Printf("anchor intake API listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()
	go func() {
		log.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	cancel()
	if err := sched.Stop(); err != nil {
		log.Printf("scheduler stop error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}
}

// runRetentionSweep periodically evicts stream metadata cache entries and
// expires stale pending requests (SPEC_FULL.md §3 supplemented features),
// ticking at the smaller of the two retention windows divided by four so
// neither horizon is overshot by a wide margin.
func runRetentionSweep(ctx context.Context, logger *log.Logger, metadataSvc *metadata.Service, requests *database.RequestRepository, metadataHorizon, requestHorizon time.Duration) {
	interval := metadataHorizon / 4
	if requestHorizon/4 < interval {
		interval = requestHorizon / 4
	}
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := metadataSvc.EvictStale(ctx, metadataHorizon); err != nil {
				logger.Printf("evict stale metadata: %v", err)
			} else if n > 0 {
				logger.Printf("evicted %d stale metadata entries", n)
			}
			if n, err := requests.ExpireStale(ctx, requestHorizon); err != nil {
				logger.Printf("expire stale requests: %v", err)
			} else if n > 0 {
				logger.Printf("expired %d stale requests", n)
			}
		}
	}
}

func printHelp() {
	fmt.Println("casd - Ceramic Anchor Service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  casd [OPTIONS]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config=PATH   optional YAML config overlay path")
	fmt.Println("  --help          show this help message")
}
