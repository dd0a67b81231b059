package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/campipeline/cam/pkg/events"
	"github.com/campipeline/cam/pkg/gate"
	"github.com/campipeline/cam/pkg/heartbeat"
	"github.com/campipeline/cam/pkg/launcher"
	"github.com/campipeline/cam/pkg/log"
	"github.com/campipeline/cam/pkg/metrics"
	"github.com/campipeline/cam/pkg/recovery"
	"github.com/campipeline/cam/pkg/runtime"
	"github.com/campipeline/cam/pkg/scheduler"
	"github.com/campipeline/cam/pkg/secrets"
	"github.com/campipeline/cam/pkg/statuswriter"
	"github.com/campipeline/cam/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "camd",
	Short:   "camd is the control plane daemon for the cam task-running engine",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("camd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("data-dir", "./cam-data", "Embedded store data directory, used when --database-url is not set")
	serveCmd.Flags().String("database-url", "", "Postgres connection string; when unset camd falls back to the embedded store")
	serveCmd.Flags().Duration("tick-interval", 2*time.Second, "Scheduler tick interval")
	serveCmd.Flags().Int64("worker-stale-timeout-ms", 30000, "Milliseconds without a heartbeat before a worker is reaped")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Metrics and health HTTP listen address")
	serveCmd.Flags().String("api-server-url", "", "URL workers use to call back into the control plane API")
	serveCmd.Flags().String("docker-socket", "", "Docker socket path (default /var/run/docker.sock or DOCKER_SOCKET_PATH)")
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, launcher, heartbeat monitor, and metrics server",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		databaseURL, _ := cmd.Flags().GetString("database-url")
		tickInterval, _ := cmd.Flags().GetDuration("tick-interval")
		staleTimeoutMs, _ := cmd.Flags().GetInt64("worker-stale-timeout-ms")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		apiServerURL, _ := cmd.Flags().GetString("api-server-url")
		dockerSocket, _ := cmd.Flags().GetString("docker-socket")
		if !cmd.Flags().Changed("worker-stale-timeout-ms") {
			if v, err := strconv.ParseInt(os.Getenv("WORKER_STALE_TIMEOUT_MS"), 10, 64); err == nil && v > 0 {
				staleTimeoutMs = v
			}
		}

		ctx := context.Background()

		store, err := openStore(ctx, databaseURL, dataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		if dockerSocket == "" {
			dockerSocket = runtime.DockerSocketPath()
		}
		dockerRuntime, err := runtime.NewDockerRuntime(dockerSocket)
		if err != nil {
			return fmt.Errorf("connect to docker: %w", err)
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()
		emitter := events.Multi{broker, events.AuditBroadcaster{Store: store, Actor: "camd"}}

		resolver := secrets.New()
		statusWriter := statuswriter.New(store, emitter)
		dependencyGate := gate.New(store, emitter)
		workerLauncher := launcher.New(dockerRuntime, store, resolver, emitter, launcher.Config{
			APIServerURL: apiServerURL,
			APIAuthToken: os.Getenv("CAM_AUTH_TOKEN"),
		})
		staleTimeout := time.Duration(staleTimeoutMs) * time.Millisecond
		heartbeatMonitor := heartbeat.New(store, statusWriter, emitter, staleTimeout)

		log.Info("running startup recovery scan")
		rec := recovery.New(store, statusWriter, emitter)
		result, err := rec.Run(ctx)
		if err != nil {
			return fmt.Errorf("startup recovery: %w", err)
		}
		log.Logger.Info().
			Int("scanned", result.Scanned).
			Int("recovered_to_queued", result.RecoveredToQueued).
			Int("marked_failed", result.MarkedFailed).
			Msg("startup recovery finished")

		sched := scheduler.New(store, dependencyGate, statusWriter, workerLauncher, heartbeatMonitor, dockerRuntime, emitter)
		sched.Start(tickInterval)
		defer sched.Stop()

		collector := metrics.NewCollector(store)
		collector.Start()
		defer collector.Stop()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Logger.Error().Err(err).Msg("metrics server error")
			}
		}()
		log.Logger.Info().Str("addr", metricsAddr).Msg("metrics server listening")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutdownCtx)

		return nil
	},
}

func openStore(ctx context.Context, databaseURL, dataDir string) (storage.Store, error) {
	if databaseURL != "" {
		return storage.NewPostgresStore(ctx, databaseURL)
	}
	return storage.NewBoltStore(dataDir)
}
