package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const (
	serviceName = "studyflow-gateway"
	Version     = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:           "gateway",
	Short:         "StudyFlow AI chat gateway",
	Long:          `Routes study chat turns to the right model, bills them to the caller's own key or to platform coins, and streams the answer back.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(chatCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}
