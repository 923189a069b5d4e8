// Package connection implements the ConnectionManager (§4.6): the
// lifecycle supervisor that owns the BLE peripheral handle, drives
// scan/connect/disconnect, and auto-reconnects on unexpected drop.
package connection

import "github.com/trainerble/core/internal/protocol"

// Phase is the ConnectionState sum type's discriminant.
type Phase int

const (
	Disconnected Phase = iota
	Scanning
	Connecting
	Connected
	Error
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "Disconnected"
	case Scanning:
		return "Scanning"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// State is the ConnectionState value (§3): a tagged union carried as one
// struct, with fields only meaningful for the matching Phase.
type State struct {
	Phase Phase

	DeviceName    string
	DeviceAddress string
	HardwareModel protocol.HardwareModel

	Message string
	Cause   error
}

func disconnectedState() State { return State{Phase: Disconnected} }

func scanningState() State { return State{Phase: Scanning} }

func connectingState(address string) State {
	return State{Phase: Connecting, DeviceAddress: address}
}

func connectedState(name, address string, model protocol.HardwareModel) State {
	return State{Phase: Connected, DeviceName: name, DeviceAddress: address, HardwareModel: model}
}

func errorState(message string, cause error) State {
	return State{Phase: Error, Message: message, Cause: cause}
}
