package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "milksync",
		Short: "Real-time event distribution for the delivery business backend",
		Long: `milksync keeps admin consoles and mobile clients synchronized with
server-side mutations (deliveries, payments, customer edits) without polling.

It hosts the room-scoped broadcast server and ships the client SDK the
front-ends embed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", "milksync", "config file name (without extension), searched in the working directory")

	rootCmd.AddCommand(
		serveCmd(),
		watchCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("milksync %s (%s)\n", version, commit)
		},
	}
}
