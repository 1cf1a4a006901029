// Command refractor runs the pending-transaction store and
// multi-signature aggregator as a long-running HTTP service: it
// accepts transaction submissions, accumulates signatures, finalizes
// and submits fully-signed transactions to their target networks, and
// delivers completion callbacks.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/blocktimefinancial/refractor/internal/api"
	"github.com/blocktimefinancial/refractor/internal/callback"
	"github.com/blocktimefinancial/refractor/internal/chain"
	"github.com/blocktimefinancial/refractor/internal/chain/evm"
	"github.com/blocktimefinancial/refractor/internal/chain/onemoney"
	"github.com/blocktimefinancial/refractor/internal/chain/stellar"
	"github.com/blocktimefinancial/refractor/internal/config"
	"github.com/blocktimefinancial/refractor/internal/finalizer"
	"github.com/blocktimefinancial/refractor/internal/logging"
	"github.com/blocktimefinancial/refractor/internal/queue"
	"github.com/blocktimefinancial/refractor/internal/registry"
	"github.com/blocktimefinancial/refractor/internal/signer"
	"github.com/blocktimefinancial/refractor/internal/store"
	"github.com/blocktimefinancial/refractor/internal/store/memory"
	"github.com/blocktimefinancial/refractor/internal/store/postgres"
	"github.com/blocktimefinancial/refractor/internal/submitter"
	"github.com/blocktimefinancial/refractor/internal/sweep"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "refractor:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(os.Getenv("REFRACTOR_ENV") != "production")
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	netReg := registry.New()

	chains := chain.NewRegistry(netReg)

	// cfg.StellarEndpoints is keyed "blockchain:network" for the
	// submitter; the schema provider wants bare stellar network names.
	horizonByNetwork := make(map[string]string)
	for key, url := range cfg.StellarEndpoints {
		if network, found := strings.CutPrefix(key, "stellar:"); found && url != "" {
			horizonByNetwork[network] = url
		}
	}
	schemaProvider := stellar.NewHorizonSchemaProvider(horizonByNetwork)
	if err := chains.Register("stellar", stellar.Factory(schemaProvider)); err != nil {
		return err
	}
	if err := chains.Register("ethereum", evm.Factory()); err != nil {
		return err
	}
	if err := chains.Register("onemoney", onemoney.Factory()); err != nil {
		return err
	}

	provider, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	promReg := prometheus.NewRegistry()
	queueMetrics := queue.NewPromMetrics(promReg)
	q := queue.New(queue.Config{
		MinConcurrency: cfg.QueueMinConcurrency,
		MaxConcurrency: cfg.QueueMaxConcurrency,
		InitialN:       cfg.QueueInitialN,
	}, queueMetrics)

	// 1Money shares the Stellar submitter: cfg.StellarEndpoints carries
	// its "onemoney:*" entries and the envelope shape is the same.
	horizonSubmitter := submitter.NewStellarSubmitter(chains, cfg.StellarEndpoints)
	submitters := map[string]finalizer.Submitter{
		"stellar":  horizonSubmitter,
		"ethereum": submitter.NewEVMSubmitter(chains, cfg.EVMEndpoints),
		"onemoney": horizonSubmitter,
	}
	cb := callback.New(nil)

	fin := finalizer.New(finalizer.Config{
		TickInterval: cfg.FinalizerTickInterval,
	}, provider, q, submitters, cb, logger)

	sw := sweep.New(cfg.SweepInterval, provider, logger)

	engine := signer.New(chains, provider, fin)

	srv := api.New(engine, provider, netReg, q, provider, cfg.AdminToken, logger)

	mux := http.NewServeMux()
	mux.Handle("/", srv.Router())
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// The queue outlives the signal context: on shutdown the finalizer
	// and sweep stop first, the queue drains its in-flight tasks within
	// a bounded window, and only then is qctx canceled — so no worker is
	// mid-write when the store closes behind it.
	qctx, stopQueue := context.WithCancel(context.Background())
	defer stopQueue()

	g.Go(func() error {
		logger.Infow("listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := q.Run(qctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("queue: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := fin.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("finalizer: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := sw.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("sweep: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Infow("shutting down")

		drainCtx, cancelDrain := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancelDrain()
		if err := q.Drain(drainCtx); err != nil {
			logger.Errorw("queue drain timed out; abandoning remaining tasks", "error", err)
		}
		q.Stop()
		stopQueue()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

func buildStore(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (store.Provider, func(), error) {
	switch cfg.StoreDriver {
	case "postgres":
		pg, err := postgres.New(ctx, postgres.Config{URL: cfg.DatabaseURL}, postgres.WithLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return pg, func() { _ = pg.Close() }, nil
	default:
		return memory.New(), func() {}, nil
	}
}
