package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trainerble/core/internal/connection"
)

var sendCmd = &cobra.Command{
	Use:   "send <address> <hex-bytes>",
	Short: "Connect, send a raw command to TX, then disconnect",
	Args:  cobra.ExactArgs(2),
	RunE:  runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	data, err := hex.DecodeString(args[1])
	if err != nil {
		return fmt.Errorf("invalid hex payload %q: %w", args[1], err)
	}

	ctx := cmd.Context()
	mgr := connection.New(logger)
	if err := mgr.Connect(ctx, args[0]); err != nil {
		return err
	}
	defer mgr.Disconnect()

	if err := mgr.SendCommand(ctx, data); err != nil {
		return err
	}
	fmt.Printf("sent %d bytes to %s\n", len(data), args[0])
	return nil
}
