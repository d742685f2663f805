// Copyright 2025 The PiPinPP Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pipinpp

import (
	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"

	"github.com/Barbatos6669/PiPinPP-sub003/pinreg"
)

// PinMode configures pin as an input or output, claiming it for plain IO
// first. Pins owned by a PWM channel or a watcher are refused with a
// LineBusyError; stop or detach them first.
func (b *Board) PinMode(pin int, mode Mode) error {
	if _, ok := modeNames[mode]; !ok {
		return &pinreg.InvalidPinError{Pin: pin, Reason: "unknown pin mode"}
	}
	if err := b.checkOpen(); err != nil {
		return err
	}
	e, err := b.ioClaim(pin, mode)
	if err != nil {
		return err
	}
	if err := configureLine(pin, e.line, mode); err != nil {
		return err
	}
	b.mu.Lock()
	e.mode = mode
	b.mu.Unlock()
	b.logger.Debug("pin mode", "pin", pin, "mode", mode.String())
	return nil
}

// DigitalWrite drives pin high or low. An unclaimed pin is claimed and
// switched to output automatically, as is a pin the board currently
// holds as an input.
func (b *Board) DigitalWrite(pin int, level Level) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	e, err := b.ioClaim(pin, Output)
	if err != nil {
		return err
	}
	b.mu.Lock()
	reconfigure := e.mode != Output
	b.mu.Unlock()
	if reconfigure {
		if err := configureLine(pin, e.line, Output); err != nil {
			return err
		}
		b.mu.Lock()
		e.mode = Output
		b.mu.Unlock()
	}
	if err := e.line.Out(level); err != nil {
		return &pinreg.HardwareAccessError{Pin: pin, Op: "write level", Err: err}
	}
	return nil
}

// DigitalRead samples pin. An unclaimed pin is claimed and configured as
// a floating input automatically; a pin already held by the board is
// sampled as-is, so pull-ups configured through PinMode stay in effect.
func (b *Board) DigitalRead(pin int) (Level, error) {
	if err := b.checkOpen(); err != nil {
		return gpio.Low, err
	}
	b.mu.Lock()
	e := b.io[pin]
	b.mu.Unlock()
	if e == nil {
		var err error
		if e, err = b.ioClaim(pin, Input); err != nil {
			return gpio.Low, err
		}
		if err := configureLine(pin, e.line, Input); err != nil {
			return gpio.Low, err
		}
		b.mu.Lock()
		e.mode = Input
		b.mu.Unlock()
	}
	return e.line.Read(), nil
}

// ioClaim returns the board's IO bookkeeping for pin, claiming the pin
// from the registry when the board does not hold it yet. Losing a claim
// race against another goroutine of the same board is retried through
// the winner's entry.
func (b *Board) ioClaim(pin int, mode Mode) (*ioLine, error) {
	b.mu.Lock()
	if e := b.io[pin]; e != nil {
		b.mu.Unlock()
		return e, nil
	}
	b.mu.Unlock()

	dir := pinreg.LineInput
	if mode == Output {
		dir = pinreg.LineOutput
	}
	line, gen, err := b.reg.Claim(pinreg.ClaimRequest{
		Pin:   pin,
		Dir:   dir,
		Owner: pinreg.OwnerIO,
	})
	if err != nil {
		var busy *pinreg.LineBusyError
		if errors.As(err, &busy) && busy.Owner == pinreg.OwnerIO {
			b.mu.Lock()
			e := b.io[pin]
			b.mu.Unlock()
			if e != nil {
				return e, nil
			}
		}
		return nil, err
	}
	e := &ioLine{line: line, gen: gen, mode: mode}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.reg.Release(pin, gen)
		return nil, ErrClosed
	}
	b.io[pin] = e
	b.mu.Unlock()
	return e, nil
}

// configureLine applies mode to a claimed line.
func configureLine(pin int, line gpio.PinIO, mode Mode) error {
	var err error
	switch mode {
	case Input:
		err = line.In(gpio.Float, gpio.NoEdge)
	case InputPullup:
		err = line.In(gpio.PullUp, gpio.NoEdge)
	case InputPulldown:
		err = line.In(gpio.PullDown, gpio.NoEdge)
	case Output:
		err = line.Out(gpio.Low)
	}
	if err != nil {
		return &pinreg.HardwareAccessError{Pin: pin, Op: "configure " + mode.String(), Err: err}
	}
	return nil
}
