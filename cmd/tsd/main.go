// Command tsd is the Task Spooler daemon: one process per user, listening
// on a unix socket for NEWJOB/LIST/WAITJOB/etc. requests from the ts CLI.
// Structured as a cobra root command pairing with a single long-running
// subcommand.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/aceteam-ai/tsd/internal/config"
	"github.com/aceteam-ai/tsd/internal/daemon"
	"github.com/aceteam-ai/tsd/internal/dispatch"
	"github.com/aceteam-ai/tsd/internal/gpu"
	"github.com/aceteam-ai/tsd/internal/logging"
	"github.com/aceteam-ai/tsd/internal/usage"
	"github.com/aceteam-ai/tsd/internal/wire"
)

var (
	debugMode  bool
	maxSlots   int32
	gpuWaitSec int32
	socketPath string
	noGPU      bool
)

// Version is stamped at build time (ldflags -X), defaulted here for a dev
// build.
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tsd",
		Short: "tsd is the Task Spooler per-user job queue daemon",
	}
	root.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
	root.AddCommand(serveCmd(), versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version and protocol revision",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("tsd %s (protocol %d)\n", Version, wire.ProtocolVersion)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon in the foreground",
		RunE:  runServe,
	}
	cmd.Flags().Int32Var(&maxSlots, "max-slots", 0, "initial concurrency slots (0: use config/default)")
	cmd.Flags().Int32Var(&gpuWaitSec, "gpu-wait-secs", 0, "initial GPU-wait retry pacing in seconds (0: use config/default)")
	cmd.Flags().StringVar(&socketPath, "socket", "", "unix socket path (overrides config and TS_SOCKET)")
	cmd.Flags().BoolVar(&noGPU, "no-gpu", false, "disable nvidia-smi GPU discovery (use when no GPU is present)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if maxSlots > 0 {
		cfg.MaxSlots = maxSlots
	}
	if gpuWaitSec > 0 {
		cfg.GPUWaitSecs = gpuWaitSec
	}
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}
	if debugMode {
		cfg.Debug = true
	}

	logFn, zapLogger, err := logging.New(cfg.Debug)
	if err != nil {
		return err
	}
	defer zapLogger.Sync() //nolint:errcheck

	var detector gpu.Detector = gpu.NvidiaSMIDetector{}
	if noGPU {
		detector = gpu.NoGPUDetector{}
	}

	gpuWaitTime := time.Duration(cfg.GPUWaitSecs) * time.Second
	daemonCtx := daemon.NewContext(detector, cfg.MaxSlots, gpuWaitTime, logFn)

	historyStore, err := usage.OpenStore(config.HistoryDBPath(cfg))
	if err != nil {
		return fmt.Errorf("opening job history store: %w", err)
	}
	defer historyStore.Close() //nolint:errcheck
	daemonCtx.Usage = historyStore
	daemonCtx.NodeID, _ = os.Hostname()

	if cfg.RedisURL != "" {
		if err := startHistorySync(cmd.Context(), cfg, historyStore, logFn); err != nil {
			return err
		}
	}

	socket := config.SocketPath(cfg)
	if socketPath != "" {
		socket = socketPath
	}
	srv := &daemon.Server{
		SocketPath: socket,
		Ctx:        daemonCtx,
		Log:        logFn,
		NewConn: func(nc net.Conn, ctx *daemon.Context, uid uint32, log func(level, format string, args ...any)) daemon.Handler {
			return dispatch.New(nc, ctx, uid, log)
		},
	}

	logFn("info", "tsd listening on %s (slots=%d gpu_wait=%s)", socket, cfg.MaxSlots, gpuWaitTime)
	return srv.Run(cmd.Context())
}

// startHistorySync wires the optional Redis mirror of the job history
// store: a background syncer that periodically republishes unsynced rows
// to a shared list, for users running a fleet of per-user daemons who want
// one combined history index.
func startHistorySync(ctx context.Context, cfg config.Config, store *usage.Store, logFn func(level, format string, args ...any)) error {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parsing redis_url: %w", err)
	}
	client := redis.NewClient(opts)

	key := cfg.RedisHistoryKey
	if key == "" {
		key = "tsd:job_history"
	}

	syncer := usage.NewSyncer(usage.SyncerConfig{
		Store:     store,
		PublishFn: usage.RedisPublisher(client, key),
		LogFn: func(level, msg string) {
			logFn(level, "%s", msg)
		},
	})

	go func() {
		defer client.Close() //nolint:errcheck
		if err := syncer.Start(ctx); err != nil && err != context.Canceled {
			logFn("warn", "job history syncer stopped: %v", err)
		}
	}()
	return nil
}
