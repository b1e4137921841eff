package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/propcollect/internal/config"
)

// Exit codes.
const (
	exitFatal   = 1
	exitConfig  = 2
	exitPartial = 3
)

// exitError carries a specific process exit code up through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "propcollect",
	Short: "Property record collection pipeline",
	Long:  "Collects property records from the county assessor API and the MLS site, normalizes them into canonical documents, and stores them with daily reporting.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return &exitError{code: exitConfig, err: fmt.Errorf("load config: %w", err)}
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return &exitError{code: exitConfig, err: fmt.Errorf("init logger: %w", err)}
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitFatal)
	}
}
