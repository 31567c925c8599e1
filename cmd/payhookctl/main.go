package main

import (
	"context"
	"os"
	"syscall"

	"github.com/charmbracelet/fang"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/garrettladley/payhook/internal/version"
)

func main() {
	_ = godotenv.Load()

	if err := fang.Execute(context.Background(), rootCmd(), fang.WithNotifySignal(os.Interrupt, syscall.SIGTERM)); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "payhookctl",
		Short:   "Operate the payhook webhook pipeline",
		Version: version.Get(),
	}
	root.PersistentFlags().Bool(flagJSON, false, "print raw JSON instead of formatted output")

	root.AddCommand(migrateCmd())
	root.AddCommand(eventsCmd())
	root.AddCommand(deadLetterCmd())
	root.AddCommand(queueCmd())
	root.AddCommand(auditCmd())
	return root
}
