// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no complete reply frame arrived in time
	ErrTimeout = errors.New("no reply from device")
	// ErrNack is returned when the device rejected the command
	ErrNack = errors.New("command not acknowledged")
)

// DeviceError reports a failure of the underlying port. It is not
// recoverable by retrying the exchange.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// IsDeviceError reports whether err is, or wraps, a DeviceError
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}
