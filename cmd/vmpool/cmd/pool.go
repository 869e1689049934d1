package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hkuds/vmpool/internal/config"
	"github.com/hkuds/vmpool/internal/executor"
	"github.com/hkuds/vmpool/internal/pool"
	"github.com/hkuds/vmpool/internal/tui"
)

var (
	sizeFlag        int
	metricsAddrFlag string
	concurrencyFlag int
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Work with a pool of instances",
}

var poolRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the same code on a batch of pooled instances",
	Long: `Bring the pool up to its configured minimum, grow it to the batch size within its maximum,
run the code once per batch item in parallel and tear every instance down afterwards.
Items beyond the maximum share the least-loaded instances.`,
	Args: cobra.NoArgs,
	RunE: runPoolRun,
}

func init() {
	addCodeFlags(poolRunCmd)
	poolRunCmd.Flags().IntVarP(&sizeFlag, "size", "n", 1, "Number of batch items")
	poolRunCmd.Flags().IntVar(&concurrencyFlag, "concurrency", 0, "Maximum items running at once (0 means all)")
	poolRunCmd.Flags().StringVar(&metricsAddrFlag, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	poolRunCmd.Flags().BoolVar(&deleteStorageFlag, "delete-storage", false, "Delete instance storage on teardown (overrides the config file)")

	poolCmd.AddCommand(poolRunCmd)
}

func runPoolRun(cmd *cobra.Command, args []string) error {
	if sizeFlag < 1 {
		return fmt.Errorf("--size must be at least 1")
	}
	req, err := readRequest(cmd.InOrStdin())
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	env, err := newEnvironment(ctx)
	if err != nil {
		return err
	}
	defer env.Close()
	if err := config.EnsureRootDir(env.cfg); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if metricsAddrFlag != "" {
		srv := serveMetrics(metricsAddrFlag, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	factory := &pool.SandboxFactory{
		Template:      env.cfg.SandboxOptions(),
		Docker:        env.docker,
		Bridge:        env.cfg.BridgeOptions(),
		DeleteStorage: env.cfg.Pool.DeleteStorage || deleteStorageFlag,
	}
	orch, err := pool.New(env.cfg.PoolConfig(), factory, env.alloc, pool.WithMetrics(pool.NewMetrics(reg)))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := orch.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("failed to close pool cleanly")
		}
	}()

	if err := orch.EnsureMin(ctx); err != nil {
		return fmt.Errorf("failed to start pool: %w", err)
	}

	reqs := make([]executor.Request, sizeFlag)
	for i := range reqs {
		reqs[i] = req
	}

	client := pool.NewParallelClient(orch)
	client.ScaleToBatch = true
	client.Limit = concurrencyFlag

	started := time.Now()
	results := client.Run(ctx, reqs)
	log.Info().Int("items", len(results)).Dur("elapsed", time.Since(started)).Msg("batch finished")

	fmt.Fprintln(cmd.OutOrStdout(), tui.RenderBatch(results))

	var failed []error
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, fmt.Errorf("item %d: %w", r.Index, r.Err))
		}
	}
	if len(failed) == len(results) {
		return fmt.Errorf("all %d items failed: %w", len(results), errors.Join(failed...))
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	return srv
}
