// Copyright 2025 The PiPinPP Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pipinpp

import (
	"runtime"
	"time"

	"github.com/Barbatos6669/PiPinPP-sub003/softpwm"
)

// epoch anchors Millis and Micros to process start.
var epoch = time.Now()

// Millis returns milliseconds elapsed since the program started.
func Millis() int64 {
	return time.Since(epoch).Milliseconds()
}

// Micros returns microseconds elapsed since the program started.
func Micros() int64 {
	return time.Since(epoch).Microseconds()
}

// Delay pauses the calling goroutine for ms milliseconds.
func Delay(ms int64) {
	if ms <= 0 {
		return
	}
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// DelayMicroseconds pauses the calling goroutine for us microseconds.
// The tail below the software PWM busy-wait threshold is spun so short
// delays do not get stretched by timer granularity.
func DelayMicroseconds(us int64) {
	if us <= 0 {
		return
	}
	d := time.Duration(us) * time.Microsecond
	deadline := time.Now().Add(d)
	if coarse := d - softpwm.DefaultBusyWaitThreshold; coarse > 0 {
		time.Sleep(coarse)
	}
	for time.Now().Before(deadline) {
		runtime.Gosched()
	}
}
