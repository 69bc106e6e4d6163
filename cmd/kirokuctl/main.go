// Command kirokuctl is the operator CLI for a running Kiroku server.
//
// It wraps the HTTP API for the workflows an operator does by hand:
// reviewing the approval queue, approving or declining requests, and
// inspecting runs. Server address and token come from KIROKU_URL and
// KIROKU_TOKEN (a .env file is honored).
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "kirokuctl",
		Short: "Operator CLI for the Kiroku execution ledger",
		Long:  "kirokuctl reviews and resolves approval requests and inspects agent runs on a Kiroku server.",
	}

	rootCmd.PersistentFlags().String("server", envOr("KIROKU_URL", "http://localhost:8080"), "Kiroku server base URL")
	rootCmd.PersistentFlags().String("token", os.Getenv("KIROKU_TOKEN"), "Bearer token (operator role or above)")

	rootCmd.AddCommand(newApprovalsCommand())
	rootCmd.AddCommand(newRunsCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
