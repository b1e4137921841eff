package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateEnv string

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Check the loaded configuration and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if validateEnv != "" {
			cfg.Env = validateEnv
		}

		if err := cfg.Validate(); err != nil {
			return &exitError{code: exitConfig, err: err}
		}

		fmt.Printf("configuration valid (env=%s, store=%s)\n", cfg.Env, cfg.Store.Driver)
		return nil
	},
}

func init() {
	validateConfigCmd.Flags().StringVar(&validateEnv, "env", "", "validate against this environment instead of the configured one")
	rootCmd.AddCommand(validateConfigCmd)
}
