package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile       string
	migrationsDir string
)

var rootCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "JourneyMesh event and enrollment pipeline",
	Long: `pipeline runs the JourneyMesh customer event and enrollment pipeline:
the import reconciler, the event pre-processor and the enrollment processor,
all consuming from the shared queue fabric.`,
	Version: "0.1.0",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "migrations", "migrations", "path to migration files")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}
