// Copyright 2025 The PiPinPP Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pipinpp

import (
	"testing"
	"time"
)

func TestMillisMonotonic(t *testing.T) {
	before := Millis()
	time.Sleep(5 * time.Millisecond)
	after := Millis()
	if after-before < 5 {
		t.Fatalf("Millis() advanced by %dms, want at least 5ms", after-before)
	}
	if Micros() < after*1000 {
		t.Fatalf("Micros() = %d lags Millis() = %d", Micros(), after)
	}
}

func TestDelayIsAtLeast(t *testing.T) {
	start := time.Now()
	Delay(10)
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Fatalf("Delay(10) returned after %s", elapsed)
	}
}

func TestDelayMicrosecondsIsAtLeast(t *testing.T) {
	for _, us := range []int64{50, 200, 2000} {
		start := time.Now()
		DelayMicroseconds(us)
		want := time.Duration(us) * time.Microsecond
		if elapsed := time.Since(start); elapsed < want {
			t.Fatalf("DelayMicroseconds(%d) returned after %s", us, elapsed)
		}
	}
	DelayMicroseconds(0)
	DelayMicroseconds(-1)
}
