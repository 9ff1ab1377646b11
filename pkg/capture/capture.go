// Package capture owns the microphone for the duration of a session: it
// produces time-sliced audio chunks for the uplink and a live signal level
// for voice activity detection. No other component touches the device.
package capture

import (
	"context"
	"errors"
)

// ErrPermissionDenied reports that the microphone could not be acquired,
// either because access was refused or no input device exists. It is
// surfaced to the user and never retried automatically.
var ErrPermissionDenied = errors.New("capture: microphone permission denied")

// Recorder produces encoded audio chunks from the microphone at a fixed
// cadence and exposes the current input level. Start acquires the device;
// Stop releases it and closes Chunks. Stop tolerates repeated calls.
type Recorder interface {
	Start(ctx context.Context) error
	Chunks() <-chan []byte
	Level() float64
	Stop() error
}
