package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "flowstate",
	Short: "flowstate — approval-gated AI task orchestrator",
	Long:  "flowstate dispatches AI-agent runs through a five-phase approval pipeline:\nresearch → design → plan → build → verify, with elastic runner capacity.",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("flowstate version %s\n", version)
	},
}

func main() {
	serveCmd.Flags().StringP("config", "c", "", "Path to server config file")
	serveCmd.Flags().Int("port", 0, "Override server port")

	runnerCmd.Flags().StringP("config", "c", "", "Path to runner config file")
	runnerCmd.Flags().String("server", "", "Override server URL")
	runnerCmd.Flags().String("capability", "", "Comma-separated capabilities (light,standard,heavy)")

	rootCmd.AddCommand(versionCmd, serveCmd, runnerCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
