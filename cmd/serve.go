package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuzic/ttyd-mux/config"
	"github.com/cuzic/ttyd-mux/daemon"
	"github.com/cuzic/ttyd-mux/logging"
	"github.com/cuzic/ttyd-mux/state"
)

var (
	serveConfigPath string
	serveForeground bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ttyd-mux daemon",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "config file path (default: platform config dir)")
	serveCmd.Flags().BoolVar(&serveForeground, "foreground", false, "also mirror logs to stderr")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := serveConfigPath
	if cfgPath == "" {
		cfgPath = config.DefaultPath()
	}

	cfg, err := config.EnsureDefault(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logDir, err := config.LogDir()
	if err != nil {
		return fmt.Errorf("resolve log dir: %w", err)
	}

	logger, logCleanup, err := logging.Setup(logDir, slog.LevelInfo, serveForeground)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ttyd-mux: falling back to stderr logging: %v\n", err)
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
		logCleanup = func() {}
	}
	defer logCleanup()

	statePath, err := config.StateFilePath()
	if err != nil {
		return fmt.Errorf("resolve state file path: %w", err)
	}
	store := state.New(statePath, logger)

	d, err := daemon.New(cfg, store, logger, nil)
	if err != nil {
		return fmt.Errorf("build daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	return d.Run(ctx)
}
