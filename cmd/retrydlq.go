package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/propcollect/internal/resilience"
)

var (
	retryErrorType string
	retryLimit     int
)

var retryDLQCmd = &cobra.Command{
	Use:   "retry-dlq",
	Short: "Re-process parked dead-letter entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		repo, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer repo.Close()

		ig, err := initIntegrator(repo)
		if err != nil {
			return err
		}
		if err := ig.Initialize(); err != nil {
			return err
		}
		defer func() {
			if err := ig.Close(); err != nil {
				zap.L().Warn("integrator close", zap.Error(err))
			}
		}()

		depth := ig.DLQ().Size()
		if depth == 0 {
			fmt.Println("dead-letter queue is empty")
			return nil
		}

		succeeded, failed := ig.RetryDLQ(ctx, resilience.DLQFilter{
			ErrorType: resilience.ErrorClass(retryErrorType),
			Limit:     retryLimit,
		})

		fmt.Printf("retried %d entries: %d succeeded, %d failed, %d remaining\n",
			succeeded+failed, succeeded, failed, ig.DLQ().Size())

		if failed > 0 && succeeded > 0 {
			return &exitError{code: exitPartial, err: fmt.Errorf("%d retries failed", failed)}
		}
		return nil
	},
}

func init() {
	retryDLQCmd.Flags().StringVar(&retryErrorType, "error-type", "", "only retry entries of this class (NETWORK, RATE_LIMIT, ...)")
	retryDLQCmd.Flags().IntVar(&retryLimit, "limit", 0, "max entries to retry (0 = all)")
	rootCmd.AddCommand(retryDLQCmd)
}
