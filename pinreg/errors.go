// Copyright 2025 The PiPinPP Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pinreg

import (
	"fmt"
)

// InvalidPinError reports a pin number outside the range supported by the
// active platform. It is surfaced synchronously and retrying does not help.
type InvalidPinError struct {
	Pin    int
	Reason string
}

func (e *InvalidPinError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("pinreg: invalid pin %d", e.Pin)
	}
	return fmt.Sprintf("pinreg: invalid pin %d: %s", e.Pin, e.Reason)
}

// LineBusyError reports that a pin is held by another owner and the claim
// did not request takeover. The caller may retry once the conflicting
// owner releases the pin.
type LineBusyError struct {
	Pin   int
	Owner OwnerTag
}

func (e *LineBusyError) Error() string {
	return fmt.Sprintf("pinreg: pin %d is busy (owned by %s)", e.Pin, e.Owner)
}

// HardwareAccessError reports that the line layer could not open, configure
// or drive a pin. Claim-time failures are returned directly; failures inside
// a worker are latched on its channel and surfaced by the next query or
// restart.
type HardwareAccessError struct {
	Pin int
	Op  string
	Err error
}

func (e *HardwareAccessError) Error() string {
	return fmt.Sprintf("pinreg: pin %d: %s: %v", e.Pin, e.Op, e.Err)
}

func (e *HardwareAccessError) Unwrap() error { return e.Err }
