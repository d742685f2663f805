// Copyright 2025 The PiPinPP Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package pipinpp is an Arduino flavored GPIO library for the Raspberry
// Pi and similar single board computers.
//
// A Board bundles a pin ownership registry, a software PWM engine and an
// interrupt dispatcher behind the familiar calls:
//
//	board, err := pipinpp.New()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer board.Close()
//
//	_ = board.PinMode(17, pipinpp.Output)
//	_ = board.DigitalWrite(17, pipinpp.High)
//	_ = board.AnalogWrite(18, 128)
//	_ = board.AttachInterrupt(27, pipinpp.Rising, func(ev interrupt.Event) {
//		fmt.Println("button", ev.Pin, ev.Edge)
//	})
//
// Every pin has at most one owner at a time. AnalogWrite and
// AttachInterrupt take a pin over from whatever held it before, stopping
// the previous worker completely first; DigitalWrite and DigitalRead
// refuse pins owned by PWM or a watcher instead of fighting them.
//
// The zero-argument New drives real hardware through the periph.io host
// drivers. Everything is also available as explicit instances (pinreg,
// softpwm, interrupt) for programs that want finer control, and any
// backend implementing pinreg.Provider can be swapped in, including the
// in-memory pintest fakes.
package pipinpp

import (
	"io"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"github.com/Barbatos6669/PiPinPP-sub003/interrupt"
	"github.com/Barbatos6669/PiPinPP-sub003/pinreg"
	"github.com/Barbatos6669/PiPinPP-sub003/platform"
	"github.com/Barbatos6669/PiPinPP-sub003/softpwm"
)

// Level is a digital pin state. It aliases the periph.io type so both
// vocabularies mix freely.
type Level = gpio.Level

// Levels accepted by DigitalWrite and returned by DigitalRead.
const (
	High = gpio.High
	Low  = gpio.Low
)

// Edge selects which transitions AttachInterrupt reports.
type Edge = gpio.Edge

// Edges accepted by AttachInterrupt.
const (
	Rising  = gpio.RisingEdge
	Falling = gpio.FallingEdge
	Change  = gpio.BothEdges
)

// DefaultPWMFrequency is the carrier used by AnalogWrite, matching the
// Arduino's analogWrite output.
const DefaultPWMFrequency = 490 * physic.Hertz

// analogMax is the AnalogWrite full-scale value.
const analogMax = 255

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("pipinpp: board closed")

// Mode is a pin direction for PinMode.
type Mode int

const (
	Input Mode = iota
	Output
	InputPullup
	InputPulldown
)

var modeNames = map[Mode]string{
	Input:         "input",
	Output:        "output",
	InputPullup:   "input-pullup",
	InputPulldown: "input-pulldown",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return "invalid"
}

// ioLine is the board's bookkeeping for a pin it holds as plain IO.
type ioLine struct {
	line gpio.PinIO
	gen  uint64
	mode Mode
}

// Board is the top level handle. All methods are safe for concurrent
// use.
type Board struct {
	info     platform.Info
	logger   *slog.Logger
	provider pinreg.Provider
	reg      *pinreg.Registry
	pwm      *softpwm.Engine
	isr      *interrupt.Dispatcher

	mu      sync.Mutex
	io      map[int]*ioLine
	pwmFreq physic.Frequency
	closed  bool
}

// Option adjusts a Board at construction.
type Option func(*Board)

// WithLogger routes the board's and its subsystems' logs to l.
func WithLogger(l *slog.Logger) Option {
	return func(b *Board) { b.logger = l }
}

// WithProvider swaps the line backend, e.g. a gpiodev or gpiomem
// provider or pintest fakes. The default resolves lines through the
// periph.io host drivers.
func WithProvider(p pinreg.Provider) Option {
	return func(b *Board) { b.provider = p }
}

// WithInfo overrides platform detection.
func WithInfo(info platform.Info) Option {
	return func(b *Board) { b.info = info }
}

// WithPWMFrequency overrides DefaultPWMFrequency for AnalogWrite.
func WithPWMFrequency(f physic.Frequency) Option {
	return func(b *Board) {
		if f > 0 {
			b.pwmFreq = f
		}
	}
}

// New detects the platform, initializes the line backend and returns a
// ready Board.
func New(opts ...Option) (*Board, error) {
	b := &Board{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		io:      map[int]*ioLine{},
		pwmFreq: DefaultPWMFrequency,
	}
	for _, o := range opts {
		o(b)
	}
	if b.info.NumPins == 0 {
		b.info = platform.Detect()
	}
	if b.provider == nil {
		p, err := newPeriphProvider(b.info.NumPins)
		if err != nil {
			return nil, err
		}
		b.provider = p
	}
	b.reg = pinreg.New(b.provider, pinreg.WithLogger(b.logger))
	b.pwm = softpwm.New(b.reg,
		softpwm.WithLogger(b.logger),
		softpwm.WithMaxFrequency(b.info.SoftPWMCeiling))
	b.isr = interrupt.New(b.reg, interrupt.WithLogger(b.logger))
	b.logger.Debug("board ready", "board", b.info.Board.String(), "pins", b.info.NumPins)
	return b, nil
}

// Info returns the detected platform.
func (b *Board) Info() platform.Info {
	return b.info
}

// Owner reports which subsystem currently holds pin.
func (b *Board) Owner(pin int) pinreg.OwnerTag {
	return b.reg.Owner(pin)
}

// Registry exposes the pin ownership registry.
func (b *Board) Registry() *pinreg.Registry {
	return b.reg
}

// PWM exposes the software PWM engine.
func (b *Board) PWM() *softpwm.Engine {
	return b.pwm
}

// Interrupts exposes the interrupt dispatcher.
func (b *Board) Interrupts() *interrupt.Dispatcher {
	return b.isr
}

// Close stops all PWM channels and watchers, releases every held pin and
// shuts down the line backend. Further operations return ErrClosed.
func (b *Board) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ios := b.io
	b.io = map[int]*ioLine{}
	b.mu.Unlock()

	var err error
	err = multierr.Append(err, b.isr.Close())
	err = multierr.Append(err, b.pwm.Close())
	for pin, e := range ios {
		b.reg.Release(pin, e.gen)
	}
	if c, ok := b.provider.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	b.logger.Debug("board closed")
	return err
}

// checkOpen returns ErrClosed after Close.
func (b *Board) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// dropIO forgets and releases the board's own IO claim on pin, if any,
// so a PWM channel or watcher can claim it cleanly.
func (b *Board) dropIO(pin int) {
	b.mu.Lock()
	e := b.io[pin]
	delete(b.io, pin)
	b.mu.Unlock()
	if e != nil {
		b.reg.Release(pin, e.gen)
	}
}
