// Copyright 2025 The PiPinPP Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package gpiodev serves GPIO lines from a character device chip
// (/dev/gpiochipN) through the go-gpiocdev library.
//
// Lines are requested from the kernel lazily: resolving a pin hands out an
// unconfigured handle, and the kernel request happens on the first In or
// Out. Halt gives the line back to the kernel, so a released pin is
// immediately requestable by other processes.
package gpiodev

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/warthog618/go-gpiocdev"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// eventBuffer is the number of undelivered edge events kept per line on
// top of the kernel's own queue.
const eventBuffer = 16

// Provider hands out lines of one character device chip.
type Provider struct {
	chip     string
	n        int
	consumer string

	mu   sync.Mutex
	pins map[int]*Pin
}

// Option adjusts a Provider.
type Option func(*Provider)

// WithConsumer overrides the consumer label attached to kernel line
// requests.
func WithConsumer(name string) Option {
	return func(p *Provider) { p.consumer = name }
}

// NewProvider returns a Provider serving offsets [0, n) of chip, e.g.
// "gpiochip0". The chip is not opened until a line is configured.
func NewProvider(chip string, n int, opts ...Option) *Provider {
	p := &Provider{
		chip:     chip,
		n:        n,
		consumer: fmt.Sprintf("pipinpp@%d", os.Getpid()),
		pins:     map[int]*Pin{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Line returns the handle for pin, creating it on first use.
func (p *Provider) Line(pin int) (gpio.PinIO, error) {
	if pin < 0 || pin >= p.n {
		return nil, errors.Errorf("gpiodev: %s has no line %d", p.chip, pin)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.pins[pin]; ok {
		return existing, nil
	}
	created := &Pin{chip: p.chip, offset: pin, consumer: p.consumer}
	p.pins[pin] = created
	return created, nil
}

// Pins returns the number of addressable lines.
func (p *Provider) Pins() int {
	return p.n
}

// Close releases every kernel line request the provider handed out.
func (p *Provider) Close() error {
	p.mu.Lock()
	pins := make([]*Pin, 0, len(p.pins))
	for _, pin := range p.pins {
		pins = append(pins, pin)
	}
	p.mu.Unlock()
	var err error
	for _, pin := range pins {
		err = multierr.Append(err, pin.Halt())
	}
	return err
}

type lineDir int

const (
	dirNotSet lineDir = iota
	dirIn
	dirOut
)

// Pin adapts one character device line to gpio.PinIO.
type Pin struct {
	chip     string
	offset   int
	consumer string

	mu     sync.Mutex
	line   *gpiocdev.Line
	dir    lineDir
	edge   gpio.Edge
	pull   gpio.Pull
	events chan gpiocdev.LineEvent
	haltC  chan struct{}
}

func (p *Pin) String() string {
	return fmt.Sprintf("%s/GPIO%d", p.chip, p.offset)
}

// Name implements pin.Pin.
func (p *Pin) Name() string {
	return fmt.Sprintf("GPIO%d", p.offset)
}

// Number implements pin.Pin.
func (p *Pin) Number() int {
	return p.offset
}

// Function implements pin.Pin.
func (p *Pin) Function() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.dir {
	case dirIn:
		return "In"
	case dirOut:
		return "Out"
	}
	return "NotSet"
}

// In implements gpio.PinIn. It requests the line from the kernel as an
// input with the given bias and, when an edge is requested, an event
// handler feeding WaitForEdge.
func (p *Pin) In(pull gpio.Pull, edge gpio.Edge) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()

	opts := []gpiocdev.LineReqOption{
		gpiocdev.AsInput,
		gpiocdev.WithConsumer(p.consumer),
	}
	switch pull {
	case gpio.PullUp:
		opts = append(opts, gpiocdev.WithPullUp)
	case gpio.PullDown:
		opts = append(opts, gpiocdev.WithPullDown)
	case gpio.Float:
		opts = append(opts, gpiocdev.WithBiasDisabled)
	case gpio.PullNoChange:
	}

	events := make(chan gpiocdev.LineEvent, eventBuffer)
	if edge != gpio.NoEdge {
		switch edge {
		case gpio.RisingEdge:
			opts = append(opts, gpiocdev.WithRisingEdge)
		case gpio.FallingEdge:
			opts = append(opts, gpiocdev.WithFallingEdge)
		case gpio.BothEdges:
			opts = append(opts, gpiocdev.WithBothEdges)
		}
		opts = append(opts, gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			select {
			case events <- evt:
			default:
			}
		}))
	}

	line, err := gpiocdev.RequestLine(p.chip, p.offset, opts...)
	if err != nil {
		return p.wrap(err)
	}
	p.line = line
	p.dir = dirIn
	p.edge = edge
	if pull != gpio.PullNoChange {
		p.pull = pull
	}
	p.events = events
	p.haltC = make(chan struct{})
	return nil
}

// Read implements gpio.PinIn. It returns Low when the line is not
// configured or cannot be read.
func (p *Pin) Read() gpio.Level {
	p.mu.Lock()
	line := p.line
	p.mu.Unlock()
	if line == nil {
		return gpio.Low
	}
	v, err := line.Value()
	if err != nil {
		return gpio.Low
	}
	return v != 0
}

// WaitForEdge implements gpio.PinIn. A negative timeout blocks until an
// edge or a Halt. After Halt it returns false immediately until In is
// called again.
func (p *Pin) WaitForEdge(timeout time.Duration) bool {
	p.mu.Lock()
	events := p.events
	haltC := p.haltC
	p.mu.Unlock()
	if events == nil || haltC == nil {
		return false
	}

	var timerC <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timerC = t.C
	}
	select {
	case <-events:
		return true
	case <-haltC:
		return false
	case <-timerC:
		return false
	}
}

// Pull implements gpio.PinIn.
func (p *Pin) Pull() gpio.Pull {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pull
}

// DefaultPull implements gpio.PinIn.
func (p *Pin) DefaultPull() gpio.Pull {
	return gpio.PullNoChange
}

// Out implements gpio.PinOut. The first call requests the line as an
// output initialized to l; later calls only flip the value.
func (p *Pin) Out(l gpio.Level) error {
	v := 0
	if l {
		v = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dir == dirOut && p.line != nil {
		if err := p.line.SetValue(v); err != nil {
			return p.wrap(err)
		}
		return nil
	}
	p.closeLocked()
	line, err := gpiocdev.RequestLine(p.chip, p.offset,
		gpiocdev.AsOutput(v),
		gpiocdev.WithConsumer(p.consumer))
	if err != nil {
		return p.wrap(err)
	}
	p.line = line
	p.dir = dirOut
	return nil
}

// PWM implements gpio.PinOut.
func (p *Pin) PWM(gpio.Duty, physic.Frequency) error {
	return errors.New("gpiodev: PWM() not implemented")
}

// Halt interrupts a pending WaitForEdge and releases the kernel line
// request, returning the line to the kernel until the next In or Out.
func (p *Pin) Halt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.haltC != nil {
		select {
		case <-p.haltC:
		default:
			close(p.haltC)
		}
	}
	p.closeLocked()
	return nil
}

// closeLocked releases the kernel request. mu must be held.
func (p *Pin) closeLocked() {
	if p.line != nil {
		_ = p.line.Close()
		p.line = nil
	}
	p.dir = dirNotSet
	p.edge = gpio.NoEdge
	p.events = nil
}

func (p *Pin) wrap(err error) error {
	return errors.Wrapf(err, "gpiodev (%s)", p)
}

var _ gpio.PinIO = &Pin{}
