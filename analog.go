// Copyright 2025 The PiPinPP Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pipinpp

import (
	"periph.io/x/conn/v3/physic"
)

// AnalogWrite emits a PWM signal on pin with an 8 bit duty value,
// 0 for always low through 255 for always high. The first call on a pin
// starts a software PWM channel at the board's carrier frequency, taking
// the pin over from any previous owner; later calls only adjust the duty
// cycle, applied at the next cycle boundary.
func (b *Board) AnalogWrite(pin, value int) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if value < 0 {
		value = 0
	} else if value > analogMax {
		value = analogMax
	}
	duty := float64(value) / analogMax
	if b.pwm.Active(pin) {
		return b.pwm.SetDutyCycle(pin, duty)
	}
	b.dropIO(pin)
	b.mu.Lock()
	freq := b.pwmFreq
	b.mu.Unlock()
	return b.pwm.Start(pin, freq, duty)
}

// SetPWMFrequency retunes the carrier of the PWM channel running on pin.
// Pins without a running channel are refused; the board-wide default for
// new channels is set with WithPWMFrequency.
func (b *Board) SetPWMFrequency(pin int, freq physic.Frequency) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.pwm.SetFrequency(pin, freq)
}

// StopPWM tears down the PWM channel on pin and releases it. Pins
// without a channel are a no-op.
func (b *Board) StopPWM(pin int) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.pwm.Stop(pin)
}

// PWMRunning reports whether a software PWM channel is emitting on pin.
func (b *Board) PWMRunning(pin int) bool {
	return b.pwm.Active(pin)
}
