package main

import "errors"

// ErrConnectionLost indicates the BLE connection dropped unexpectedly
// while the command was running, distinct from connection.ErrNotConnected
// which covers use of a peripheral handle that was never connected.
var ErrConnectionLost = errors.New("connection lost")
