package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/propcollect/internal/model"
)

var reportDate string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print a stored daily report",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		date := time.Now().UTC()
		if reportDate != "" {
			d, err := time.Parse("2006-01-02", reportDate)
			if err != nil {
				return eris.Wrap(err, "parse --date")
			}
			date = d
		}

		repo, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer repo.Close()

		report, err := repo.GetDailyReport(ctx, model.ReportDate(date))
		if err != nil {
			return eris.Wrapf(err, "report for %s", date.Format("2006-01-02"))
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportDate, "date", "", "report date as YYYY-MM-DD (default: today)")
	rootCmd.AddCommand(reportCmd)
}
