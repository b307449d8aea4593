package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"clinic-billing-service/internal/app"
	"clinic-billing-service/internal/config"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	envFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "billingctl",
	Short: "Operator tooling for the clinic billing service",
	Long: `billingctl runs schema migrations, inspects tenant billing and applies
operator actions against the billing database.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if envFile != "" {
			_ = godotenv.Load(envFile)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file to load before reading configuration")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log component activity to stderr")

	rootCmd.AddCommand(migrateCmd, tenantCmd, statusCmd, overrideCmd, syncCmd, reconcileCmd, tokenCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// withCore runs fn against a freshly built core and closes it afterwards.
func withCore(cmd *cobra.Command, fn func(ctx context.Context, core *app.Core) error) error {
	cfg := config.Load()
	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	core, err := app.BuildCore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer core.Close()
	return fn(cmd.Context(), core)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
