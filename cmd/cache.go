package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the estimate cache and batch history",
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired cache entries and batches past retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initPipeline(cmd.Context(), cfg, true)
		if err != nil {
			return err
		}
		defer env.Close()

		estimates, batches := purge(cmd.Context(), env)
		fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired estimates, %d old batches\n", estimates, batches)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cachePurgeCmd)
	rootCmd.AddCommand(cacheCmd)
}
