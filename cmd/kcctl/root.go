package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	timeout   time.Duration
	asJSON    bool
)

var rootCmd = &cobra.Command{
	Use:           "kcctl",
	Short:         "Operate the knowledge copilot backend",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	def := os.Getenv("KCCTL_SERVER")
	if def == "" {
		def = "http://localhost:8081"
	}
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", def, "backend base URL (env KCCTL_SERVER)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print raw JSON")
}
