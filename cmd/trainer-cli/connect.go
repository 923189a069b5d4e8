package main

import (
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/trainerble/core/internal/connection"
)

var connectCmd = &cobra.Command{
	Use:   "connect <address>",
	Short: "Connect to a cable trainer and stream live telemetry",
	Args:  cobra.ExactArgs(1),
	RunE:  runConnect,
}

func init() {
	connectCmd.Flags().Bool("auto-start", false, "enable Just Lift auto-start mode on connect")
}

func runConnect(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	autoStart, _ := cmd.Flags().GetBool("auto-start")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := connection.New(logger)

	metricCh, unsubMetrics := mgr.Metrics.Subscribe()
	defer unsubMetrics()
	stateCh, unsubState := mgr.Detector.State.Subscribe()
	defer unsubState()
	errCh, unsubErr := mgr.BLEErrors.Subscribe()
	defer unsubErr()

	if err := mgr.Connect(ctx, args[0]); err != nil {
		return err
	}
	defer mgr.Disconnect()

	if autoStart {
		mgr.EnableJustLiftWaitingMode()
	}

	logger.WithField("address", args[0]).Info("connected, streaming telemetry (ctrl-c to stop)")

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-metricCh:
			logger.WithFields(logrus.Fields{
				"posA": m.PositionA, "posB": m.PositionB,
				"velA": m.VelocityA, "velB": m.VelocityB,
				"loadA": m.LoadA, "loadB": m.LoadB,
			}).Info("metric")
		case st := <-stateCh:
			logger.WithField("state", st.String()).Info("handle state changed")
		case msg := <-errCh:
			logger.WithField("error", msg).Warn("ble error event")
		}
	}
}
