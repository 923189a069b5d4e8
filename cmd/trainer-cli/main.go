package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "trainer-cli",
	Short: "Cable trainer BLE bring-up tool",
	Long: `trainer-cli drives the cable-resistance trainer's BLE core for
manual bring-up and diagnostics:

- scan for Vee_/VIT peripherals
- connect and stream live telemetry
- send opaque command bytes to the TX characteristic

This is a thin wrapper around the core library; it contains no protocol
logic of its own.`,
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(sendCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
}
