package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/snipbox/internal/monitoring"
	"github.com/conneroisu/snipbox/internal/server"
	"github.com/conneroisu/snipbox/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandbox server",
	Long: `Start the snipbox server: the component dashboard, the viewer and
editor pages, the preview and component APIs, and the live preview socket.

Examples:
  snipbox serve                          # Serve on localhost:8080
  snipbox serve -p 3000 --host 0.0.0.0   # Listen on all interfaces
  snipbox serve --storage remote         # Use the hosted store`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "Port to serve on")
	serveCmd.Flags().String("host", "localhost", "Host to bind to")
	serveCmd.Flags().String("env", "development", "Environment reported by /health")
	serveCmd.Flags().String("storage", "local", "Storage backend (local, remote)")
	serveCmd.Flags().String("data", ".snipbox/data.json", "Data file of the local store")
	serveCmd.Flags().Bool("no-seed", false, "Start an empty local store instead of the demo data")

	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.environment", serveCmd.Flags().Lookup("env"))
	_ = viper.BindPFlag("storage.backend", serveCmd.Flags().Lookup("storage"))
	_ = viper.BindPFlag("storage.path", serveCmd.Flags().Lookup("data"))

	AddFlagValidation(serveCmd, "port", ValidatePort)
	AddFlagValidation(serveCmd, "storage", ValidateChoice("local", "remote"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if noSeed, _ := cmd.Flags().GetBool("no-seed"); noSeed {
		cfg.Storage.Seed = false
	}

	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetrics()
	st, err := store.Open(ctx, cfg.Storage, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Storage.Backend, err)
	}
	defer st.Close()

	srv, err := server.New(server.Options{
		Config:  cfg,
		Store:   st,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "snipbox listening on http://%s\n", srv.Addr())

	if err := srv.Start(ctx); err != nil {
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
