package main

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "indexd",
	Short: "Sync a writing project's vector index with its content",
	Long: `indexd keeps a vector index in sync with a writing app's documents and
entities. The app signals edits and deletions to the daemon's API; a debounced
job queue chunks, embeds and upserts the changed text, and the synced index
answers semantic search for the app and its assistant.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default <data dir>/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(searchCmd)
}
