// Copyright 2025 The PiPinPP Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pipinpp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"github.com/Barbatos6669/PiPinPP-sub003/interrupt"
	"github.com/Barbatos6669/PiPinPP-sub003/pinreg"
	"github.com/Barbatos6669/PiPinPP-sub003/pintest"
	"github.com/Barbatos6669/PiPinPP-sub003/platform"
	"github.com/Barbatos6669/PiPinPP-sub003/softpwm"
)

func newTestBoard(t *testing.T, opts ...Option) (*Board, *pintest.Provider) {
	t.Helper()
	p := pintest.NewProvider(16)
	opts = append([]Option{
		WithProvider(p),
		WithInfo(platform.Info{NumPins: 16, SoftPWMCeiling: platform.DefaultSoftPWMCeiling}),
	}, opts...)
	b, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, p
}

func TestPinModeAndDigitalWrite(t *testing.T) {
	b, p := newTestBoard(t)

	require.NoError(t, b.PinMode(4, Output))
	require.Equal(t, pinreg.OwnerIO, b.Owner(4))
	require.Equal(t, gpio.Low, p.Pin(4).Level())

	require.NoError(t, b.DigitalWrite(4, High))
	require.Equal(t, gpio.High, p.Pin(4).Level())
	require.NoError(t, b.DigitalWrite(4, Low))
	require.Equal(t, gpio.Low, p.Pin(4).Level())
}

func TestPinModePulls(t *testing.T) {
	b, p := newTestBoard(t)

	require.NoError(t, b.PinMode(5, InputPullup))
	require.Equal(t, gpio.PullUp, p.Pin(5).Pull())

	require.NoError(t, b.PinMode(5, InputPulldown))
	require.Equal(t, gpio.PullDown, p.Pin(5).Pull())

	require.NoError(t, b.PinMode(5, Input))
	require.Equal(t, gpio.Float, p.Pin(5).Pull())
}

func TestPinModeRejectsUnknownMode(t *testing.T) {
	b, _ := newTestBoard(t)

	err := b.PinMode(4, Mode(42))
	var inv *pinreg.InvalidPinError
	require.ErrorAs(t, err, &inv)
}

func TestDigitalWriteAutoClaims(t *testing.T) {
	b, p := newTestBoard(t)

	require.Equal(t, pinreg.OwnerNone, b.Owner(6))
	require.NoError(t, b.DigitalWrite(6, High))
	require.Equal(t, pinreg.OwnerIO, b.Owner(6))
	require.Equal(t, gpio.High, p.Pin(6).Level())
}

func TestDigitalWriteReconfiguresInput(t *testing.T) {
	b, p := newTestBoard(t)

	require.NoError(t, b.PinMode(7, Input))
	require.NoError(t, b.DigitalWrite(7, High))
	require.Equal(t, gpio.High, p.Pin(7).Level())
}

func TestDigitalReadAutoClaims(t *testing.T) {
	b, p := newTestBoard(t)

	p.Pin(8).SetLevel(gpio.High)
	level, err := b.DigitalRead(8)
	require.NoError(t, err)
	require.Equal(t, gpio.High, level)
	require.Equal(t, pinreg.OwnerIO, b.Owner(8))
	require.Equal(t, gpio.Float, p.Pin(8).Pull())
}

func TestDigitalReadKeepsConfiguredPull(t *testing.T) {
	b, p := newTestBoard(t)

	require.NoError(t, b.PinMode(9, InputPullup))
	p.Pin(9).SetLevel(gpio.High)
	level, err := b.DigitalRead(9)
	require.NoError(t, err)
	require.Equal(t, gpio.High, level)
	require.Equal(t, gpio.PullUp, p.Pin(9).Pull())
}

func TestDigitalRefusesForeignOwner(t *testing.T) {
	b, _ := newTestBoard(t)

	require.NoError(t, b.AnalogWrite(10, 128))

	err := b.DigitalWrite(10, High)
	var busy *pinreg.LineBusyError
	require.ErrorAs(t, err, &busy)
	require.Equal(t, pinreg.OwnerPWM, busy.Owner)

	_, err = b.DigitalRead(10)
	require.ErrorAs(t, err, &busy)

	err = b.PinMode(10, Output)
	require.ErrorAs(t, err, &busy)
}

func TestAnalogWriteLifecycle(t *testing.T) {
	b, _ := newTestBoard(t)

	require.NoError(t, b.AnalogWrite(11, 128))
	require.True(t, b.PWMRunning(11))
	require.Equal(t, pinreg.OwnerPWM, b.Owner(11))

	duty, err := b.PWM().DutyCycle(11)
	require.NoError(t, err)
	require.InDelta(t, 128.0/255.0, duty, 1e-9)

	freq, err := b.PWM().Frequency(11)
	require.NoError(t, err)
	require.Equal(t, DefaultPWMFrequency, freq)

	require.NoError(t, b.AnalogWrite(11, 255))
	require.Equal(t, 1, b.PWM().ActiveCount())
	duty, err = b.PWM().DutyCycle(11)
	require.NoError(t, err)
	require.Equal(t, 1.0, duty)

	require.NoError(t, b.StopPWM(11))
	require.False(t, b.PWMRunning(11))
	require.Equal(t, pinreg.OwnerNone, b.Owner(11))
}

func TestAnalogWriteClamps(t *testing.T) {
	b, _ := newTestBoard(t)

	require.NoError(t, b.AnalogWrite(12, 999))
	duty, err := b.PWM().DutyCycle(12)
	require.NoError(t, err)
	require.Equal(t, 1.0, duty)

	require.NoError(t, b.AnalogWrite(12, -5))
	duty, err = b.PWM().DutyCycle(12)
	require.NoError(t, err)
	require.Equal(t, 0.0, duty)
}

func TestAnalogWriteTakesOverIOPin(t *testing.T) {
	b, p := newTestBoard(t)

	require.NoError(t, b.DigitalWrite(13, High))
	require.Equal(t, pinreg.OwnerIO, b.Owner(13))

	require.NoError(t, b.AnalogWrite(13, 64))
	require.Equal(t, pinreg.OwnerPWM, b.Owner(13))

	require.NoError(t, b.StopPWM(13))
	require.NoError(t, b.DigitalWrite(13, High))
	require.Equal(t, pinreg.OwnerIO, b.Owner(13))
	require.Equal(t, gpio.High, p.Pin(13).Level())
}

func TestAnalogWriteTakesOverInterrupt(t *testing.T) {
	b, _ := newTestBoard(t)

	require.NoError(t, b.AttachInterrupt(7, Change, func(interrupt.Event) {}))
	require.True(t, b.Watching(7))

	// Starting PWM on a watched pin stops and joins the watcher first.
	require.NoError(t, b.AnalogWrite(7, 100))
	require.False(t, b.Watching(7))
	require.Equal(t, 0, b.Interrupts().ActiveCount())
	require.Equal(t, pinreg.OwnerPWM, b.Owner(7))
	require.True(t, b.PWMRunning(7))
}

func TestSetPWMFrequency(t *testing.T) {
	b, _ := newTestBoard(t)

	err := b.SetPWMFrequency(14, physic.KiloHertz)
	require.ErrorIs(t, err, softpwm.ErrNotRunning)

	require.NoError(t, b.AnalogWrite(14, 32))
	require.NoError(t, b.SetPWMFrequency(14, physic.KiloHertz))
	freq, err := b.PWM().Frequency(14)
	require.NoError(t, err)
	require.Equal(t, physic.KiloHertz, freq)
}

func TestWithPWMFrequencyOption(t *testing.T) {
	b, _ := newTestBoard(t, WithPWMFrequency(2*physic.KiloHertz))

	require.NoError(t, b.AnalogWrite(4, 200))
	freq, err := b.PWM().Frequency(4)
	require.NoError(t, err)
	require.Equal(t, 2*physic.KiloHertz, freq)
}

func TestAttachInterrupt(t *testing.T) {
	b, p := newTestBoard(t)

	events := make(chan interrupt.Event, 8)
	require.NoError(t, b.AttachInterrupt(5, Rising, func(ev interrupt.Event) {
		events <- ev
	}))
	require.True(t, b.Watching(5))
	require.Equal(t, pinreg.OwnerWatch, b.Owner(5))

	require.True(t, p.Pin(5).InjectEdge(gpio.High))
	select {
	case ev := <-events:
		require.Equal(t, 5, ev.Pin)
		require.Equal(t, gpio.RisingEdge, ev.Edge)
		require.Equal(t, gpio.High, ev.Level)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}

	require.NoError(t, b.DetachInterrupt(5))
	require.False(t, b.Watching(5))
	require.Equal(t, pinreg.OwnerNone, b.Owner(5))
}

func TestAttachInterruptTakesOverIOPin(t *testing.T) {
	b, _ := newTestBoard(t)

	require.NoError(t, b.DigitalWrite(6, High))
	require.NoError(t, b.AttachInterrupt(6, Change, func(interrupt.Event) {}))
	require.Equal(t, pinreg.OwnerWatch, b.Owner(6))
	require.NoError(t, b.DetachInterrupt(6))
}

func TestClose(t *testing.T) {
	b, _ := newTestBoard(t)

	require.NoError(t, b.DigitalWrite(4, High))
	require.NoError(t, b.AnalogWrite(5, 128))
	require.NoError(t, b.AttachInterrupt(6, Rising, func(interrupt.Event) {}))

	require.NoError(t, b.Close())
	require.Equal(t, pinreg.OwnerNone, b.Owner(4))
	require.Equal(t, pinreg.OwnerNone, b.Owner(5))
	require.Equal(t, pinreg.OwnerNone, b.Owner(6))

	require.ErrorIs(t, b.PinMode(4, Output), ErrClosed)
	require.ErrorIs(t, b.DigitalWrite(4, High), ErrClosed)
	require.ErrorIs(t, b.AnalogWrite(5, 1), ErrClosed)
	require.ErrorIs(t, b.AttachInterrupt(6, Rising, func(interrupt.Event) {}), ErrClosed)
	_, err := b.DigitalRead(4)
	require.ErrorIs(t, err, ErrClosed)

	require.NoError(t, b.Close())
}

func TestModeString(t *testing.T) {
	require.Equal(t, "input-pullup", InputPullup.String())
	require.Equal(t, "output", Output.String())
	require.Equal(t, "invalid", Mode(99).String())
}
