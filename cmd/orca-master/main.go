package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/orcasched/orca/engine"
	"github.com/orcasched/orca/registry"
	registryredis "github.com/orcasched/orca/registry/redis"
	"github.com/orcasched/orca/resource/local"
	"github.com/orcasched/orca/store"
	storememory "github.com/orcasched/orca/store/memory"
	storesql "github.com/orcasched/orca/store/sql"
	transporthttp "github.com/orcasched/orca/transport/http"
)

var (
	listenAddr string

	storeBackend string
	sqlitePath   string
	mysqlHost    string
	mysqlPort    int
	mysqlUser    string
	mysqlPass    string
	mysqlDB      string

	redisAddr    string
	heartbeatTTL time.Duration

	resourceDir string

	queueCapacity  int
	processWorkers int

	verbose bool
)

var rootCmd = &cobra.Command{
	Use:          "orca-master",
	Short:        "Workflow scheduling master node",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&listenAddr, "listen", ":5678", "address for the worker-facing API")

	rootCmd.Flags().StringVar(&storeBackend, "store", "sqlite", "persistence backend: sqlite, mysql or memory")
	rootCmd.Flags().StringVar(&sqlitePath, "sqlite-path", "orca.sqlite", "path of the sqlite database file")
	rootCmd.Flags().StringVar(&mysqlHost, "mysql-host", "localhost", "mysql host")
	rootCmd.Flags().IntVar(&mysqlPort, "mysql-port", 3306, "mysql port")
	rootCmd.Flags().StringVar(&mysqlUser, "mysql-user", "root", "mysql user")
	rootCmd.Flags().StringVar(&mysqlPass, "mysql-password", "", "mysql password")
	rootCmd.Flags().StringVar(&mysqlDB, "mysql-database", "orca", "mysql database name")

	rootCmd.Flags().StringVar(&redisAddr, "redis", "", "redis address for the shared worker registry; empty keeps the registry in process memory")
	rootCmd.Flags().DurationVar(&heartbeatTTL, "heartbeat-ttl", time.Second*30, "heartbeat age after which a worker is considered gone")

	rootCmd.Flags().StringVar(&resourceDir, "resource-dir", "/var/lib/orca/resources", "base directory of tenant resource files")

	rootCmd.Flags().IntVar(&queueCapacity, "queue-capacity", 1024, "task event buffer capacity")
	rootCmd.Flags().IntVar(&processWorkers, "process-workers", 8, "event processing pool size")

	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func run(ctx context.Context) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	var reg registry.Registry
	if redisAddr != "" {
		client := redisclient.NewUniversalClient(&redisclient.UniversalOptions{
			Addrs: []string{redisAddr},
		})
		defer client.Close()

		reg = registryredis.NewRedisRegistry(client, registryredis.WithHeartbeatTTL(heartbeatTTL))
	} else {
		reg = registry.NewMemoryRegistry(clock.New(), heartbeatTTL)
	}

	definitions := engine.NewDefinitionRegistry()

	e := engine.New(
		st,
		reg,
		transporthttp.NewTransport(),
		local.NewLocalStorage(resourceDir),
		definitions,
		engine.WithLogger(logger),
		engine.WithQueueCapacity(queueCapacity),
		engine.WithProcessWorkers(processWorkers),
	)

	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	scheduler := engine.NewScheduler(e, logger)
	scheduler.Start()

	api := transporthttp.NewServer(e, reg, logger)
	srv := &http.Server{
		Addr:    listenAddr,
		Handler: api.Handler(),
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("Master listening", "addr", listenAddr)
		errs <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errs:
		return fmt.Errorf("serving worker api: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Stopping worker api", "error", err)
	}

	scheduler.Stop()
	e.Shutdown()

	return nil
}

func openStore() (store.Store, error) {
	switch storeBackend {
	case "sqlite":
		return storesql.NewSqliteStore(sqlitePath)
	case "mysql":
		return storesql.NewMysqlStore(mysqlHost, mysqlPort, mysqlUser, mysqlPass, mysqlDB)
	case "memory":
		return storememory.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", storeBackend)
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
