// Package cli provides the command line interface for the job broker,
// built on Cobra the way the teacher wires its root/run/enqueue/status
// command tree.
//
// Command Structure:
//
//	emp-job-queue
//	├── serve                      # Run broker + worker runtime + control plane in one process
//	│   └── --config, -c          # Specify config file
//	├── worker                     # Run a standalone worker against a remote store
//	│   └── --config, -c
//	│   └── --services             # Comma-separated list of services this worker handles
//	├── submit                     # Submit one job
//	│   └── --service
//	│   └── --priority
//	│   └── --payload             # JSON file or inline JSON
//	└── stats                      # Print queue statistics
//
// Every subcommand loads internal/config via --config, falling back to
// defaults plus environment overrides when no file is given.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/stakeordie/emp-job-queue-sub012/internal/broadcaster"
	"github.com/stakeordie/emp-job-queue-sub012/internal/broker"
	"github.com/stakeordie/emp-job-queue-sub012/internal/config"
	"github.com/stakeordie/emp-job-queue-sub012/internal/connector"
	"github.com/stakeordie/emp-job-queue-sub012/internal/httpapi"
	"github.com/stakeordie/emp-job-queue-sub012/internal/jobrepo"
	"github.com/stakeordie/emp-job-queue-sub012/internal/metrics"
	"github.com/stakeordie/emp-job-queue-sub012/internal/progressbus"
	"github.com/stakeordie/emp-job-queue-sub012/internal/reclaimer"
	"github.com/stakeordie/emp-job-queue-sub012/internal/statsticker"
	"github.com/stakeordie/emp-job-queue-sub012/internal/store"
	"github.com/stakeordie/emp-job-queue-sub012/internal/store/redisstore"
	"github.com/stakeordie/emp-job-queue-sub012/internal/workerregistry"
	"github.com/stakeordie/emp-job-queue-sub012/internal/workerruntime"
	"github.com/stakeordie/emp-job-queue-sub012/pkg/types"
)

var configFile string

// BuildCLI assembles the root command and its subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "emp-job-queue",
		Short: "A pull-based distributed job broker for GPU inference workloads",
		Long: `emp-job-queue is a pull-based job broker:
- Redis-backed pending queue with priority+FIFO scoring
- Capability-matched worker claim protocol
- Automatic reclaim of orphaned jobs and stuck workers
- Dual WebSocket fan-out for monitors and clients`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (optional; env vars and defaults apply otherwise)")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatsCommand())

	return rootCmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func dialStore(cfg *config.Config) (store.Store, error) {
	s, err := redisstore.Dial(cfg.Store.Addr, cfg.Store.Password, cfg.Store.DB)
	if err != nil {
		return nil, fmt.Errorf("connect to store at %s: %w", cfg.Store.Addr, err)
	}
	return s, nil
}

func buildServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker, embedded worker runtime, and control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	return cmd
}

// runServe wires every component (§5's concurrency model) into one
// process: broker claim protocol, an embedded worker runtime running the
// simulation connector, the reclaimer sweep, the event broadcaster, the
// stats ticker, and the HTTP control plane. Each runs in its own
// goroutine and all are torn down together on SIGINT/SIGTERM.
func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := dialStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	log := slog.Default()

	collector := metrics.NewCollector()

	bus := progressbus.New(st)
	jobs := jobrepo.New(st, bus).WithMetrics(collector)
	wk := workerregistry.New(st, bus)

	mode := broker.MatchPermissive
	if cfg.Worker.StrictMatching {
		mode = broker.MatchStrict
	}
	b := broker.New(st, jobs, wk, mode).WithMetrics(collector)

	bc := broadcaster.New(st, broadcaster.Config{
		MaxMessageBytes:   cfg.Broadcaster.MaxMessageBytes,
		ChunkBytes:        cfg.Broadcaster.ChunkBytes,
		ConnectionTimeout: cfg.Broadcaster.ConnectionTimeout,
	})
	rc := reclaimer.New(st, jobs, wk, bus, reclaimer.Config{
		ScanInterval:     cfg.Reclaimer.ScanInterval,
		HeartbeatTimeout: cfg.Reclaimer.HeartbeatTimeout,
		ProgressTimeout:  cfg.Reclaimer.ProgressTimeout,
	})
	ticker := statsticker.New(jobs, wk, bc, cfg.Broadcaster.StatsInterval)

	connMgr := connector.NewManager()
	connMgr.Register("simulation", connector.NewSimulation())

	workerID := fmt.Sprintf("embedded-%s", uuid.NewString())
	worker := &types.Worker{
		ID:           workerID,
		Capabilities: types.Capabilities{Services: []string{"simulation"}},
	}
	if err := wk.Register(context.Background(), worker); err != nil {
		return fmt.Errorf("register embedded worker: %w", err)
	}

	runtime := workerruntime.New(workerID, workerruntime.Config{
		PollInterval:      cfg.Worker.PollInterval,
		MaxConcurrentJobs: cfg.Worker.MaxConcurrentJobs,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
	}, b, jobs, wk, connMgr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go rc.Run(ctx)
	go runtime.Run(ctx)
	go func() {
		if err := bc.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("broadcaster stopped", "error", err)
		}
	}()
	go ticker.Run(ctx)

	if cfg.Metrics.Enabled {
		go func() {
			if err := collector.StartServer(ctx, cfg.Metrics.Addr); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
		go runGaugeUpdater(ctx, collector, jobs, wk, bc, cfg.Broadcaster.StatsInterval)
	}

	httpSrv := &http.Server{Addr: cfg.HTTP.Addr, Handler: httpapi.NewRouter(jobs, bc)}
	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	log.Info("emp-job-queue serve started", "http_addr", cfg.HTTP.Addr, "store_addr", cfg.Store.Addr)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	runtime.Stop()
	runtime.Wait()
	return nil
}

// runGaugeUpdater refreshes the instantaneous gauges (queue depth,
// in-flight jobs, worker counts, connection counts) on the same cadence as
// the stats ticker. Counters are recorded inline by jobrepo and broker.
func runGaugeUpdater(ctx context.Context, collector *metrics.Collector, jobs *jobrepo.Repository, wk *workerregistry.Registry, bc *broadcaster.Broadcaster, interval time.Duration) {
	if interval <= 0 {
		interval = statsticker.DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := jobs.Stats(ctx)
			if err == nil {
				collector.SetQueueDepth(int(stats.Pending))
				collector.SetJobsInFlight(int(stats.Active))
			}
			if ids, err := wk.ListActive(ctx); err == nil {
				busy := 0
				for _, id := range ids {
					if w, err := wk.Get(ctx, id); err == nil && w.Status == types.WorkerBusy {
						busy++
					}
				}
				collector.SetWorkerCounts(len(ids), busy)
			}
			for kind, n := range bc.ConnectionCounts() {
				collector.SetConnectionCount(string(kind), n)
			}
		}
	}
}

func buildWorkerCommand() *cobra.Command {
	var services string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a standalone worker runtime against a remote broker's store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(services)
		},
	}
	cmd.Flags().StringVar(&services, "services", "simulation", "comma-separated list of services this worker can process")
	return cmd
}

func runWorker(services string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := dialStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	log := slog.Default()
	bus := progressbus.New(st)
	jobs := jobrepo.New(st, bus)
	wk := workerregistry.New(st, bus)

	mode := broker.MatchPermissive
	if cfg.Worker.StrictMatching {
		mode = broker.MatchStrict
	}
	b := broker.New(st, jobs, wk, mode)

	connMgr := connector.NewManager()
	serviceList := strings.Split(services, ",")
	for _, svc := range serviceList {
		connMgr.Register(strings.TrimSpace(svc), connector.NewSimulation())
	}

	workerID := fmt.Sprintf("worker-%s", uuid.NewString())
	w := &types.Worker{
		ID:           workerID,
		Capabilities: types.Capabilities{Services: serviceList},
	}
	if err := wk.Register(context.Background(), w); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}

	runtime := workerruntime.New(workerID, workerruntime.Config{
		PollInterval:      cfg.Worker.PollInterval,
		MaxConcurrentJobs: cfg.Worker.MaxConcurrentJobs,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
	}, b, jobs, wk, connMgr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("worker started", "worker_id", workerID, "services", serviceList)
	runtime.Run(ctx)
	runtime.Wait()
	return nil
}

func buildSubmitCommand() *cobra.Command {
	var service string
	var priority int
	var payloadFlag string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one job to the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(service, priority, payloadFlag)
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "service_required for this job (required)")
	cmd.Flags().IntVar(&priority, "priority", 50, "job priority (0-100)")
	cmd.Flags().StringVar(&payloadFlag, "payload", "{}", "inline JSON payload, or @path/to/file.json")
	cmd.MarkFlagRequired("service")

	return cmd
}

func runSubmit(service string, priority int, payloadFlag string) error {
	if service == "" {
		return fmt.Errorf("--service is required")
	}

	raw := []byte(payloadFlag)
	if strings.HasPrefix(payloadFlag, "@") {
		data, err := os.ReadFile(payloadFlag[1:])
		if err != nil {
			return fmt.Errorf("read payload file: %w", err)
		}
		raw = data
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("parse payload JSON: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := dialStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := progressbus.New(st)
	jobs := jobrepo.New(st, bus)

	j := &types.Job{
		ID:              types.JobID(uuid.NewString()),
		ServiceRequired: service,
		Priority:        priority,
		Payload:         payload,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	saved, err := jobs.Submit(ctx, j)
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}
	fmt.Printf("submitted job %s (status=%s)\n", saved.ID, saved.Status)
	return nil
}

func buildStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print current queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats()
		},
	}
	return cmd
}

func runStats() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := dialStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := progressbus.New(st)
	jobs := jobrepo.New(st, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := jobs.Stats(ctx)
	if err != nil {
		return fmt.Errorf("fetch stats: %w", err)
	}

	cancelled, err := jobs.QueryJobs(ctx, jobrepo.QueryFilter{Status: types.StatusCancelled})
	if err != nil {
		return fmt.Errorf("query jobs: %w", err)
	}

	fmt.Println("Queue Statistics:")
	fmt.Printf("  Pending:   %d\n", stats.Pending)
	fmt.Printf("  Active:    %d\n", stats.Active)
	fmt.Printf("  Completed: %d\n", stats.Completed)
	fmt.Printf("  Failed:    %d\n", stats.Failed)
	fmt.Printf("  Cancelled: %d\n", len(cancelled))
	return nil
}
