package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/trainerble/core/internal/connection"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for Vee_/VIT cable trainer peripherals",
	RunE:  runScan,
}

func init() {
	scanCmd.Flags().Duration("timeout", connection.ScanTimeout, "scan duration")
}

func runScan(cmd *cobra.Command, _ []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	progress := newProgressPrinter("scanning", "discovering")
	progress.Start()
	defer progress.Stop()

	// Scanning runs through the ConnectionManager rather than a bare
	// Scanner, so the Scanning ConnectionState (§4.6) is observable the
	// same way it would be from a long-running trainer-ble process.
	mgr := connection.New(logger)
	stateCh, unsubState := mgr.State.Subscribe()
	defer unsubState()
	go func() {
		for st := range stateCh {
			logger.WithField("phase", st.Phase.String()).Debug("connection state changed")
		}
	}()

	found := 0
	scanErr := mgr.Scan(ctx, func(d connection.Discovered) {
		if !d.New {
			return
		}
		found++
		progress.SetPhase(fmt.Sprintf("found %d", found))
		fmt.Printf("\n%-20s %-12s rssi=%d\n", d.Address, d.HardwareModel, d.RSSI)
	})

	if scanErr != nil && ctx.Err() == nil {
		return scanErr
	}
	return nil
}
