package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"licensekeeper/internal/owner"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := openStore(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		logger.Info().Str("backend", cfg.Store.Backend).Msg("schema up to date")
		return st.Close()
	},
}

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token <token>",
	Short: "Print the token_sha256 value to put in the owners file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), owner.HashToken(args[0]))
		return err
	},
}
