// Copyright 2025 The PiPinPP Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package gpiomem serves GPIO lines through the memory mapped BCM283x
// register window via go-rpio.
//
// Register access is much faster than the character device but only works
// on Raspberry Pi models up to the 4, needs /dev/gpiomem or root, and
// offers no kernel-driven edge events; WaitForEdge polls the event detect
// status register instead.
package gpiomem

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/stianeikeland/go-rpio/v4"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// pollStep is how often WaitForEdge samples the edge detect register.
const pollStep = 500 * time.Microsecond

// Provider hands out memory mapped lines. Constructing it maps the
// register window for the whole process.
type Provider struct {
	n int

	mu     sync.Mutex
	pins   map[int]*Pin
	closed bool
}

// NewProvider maps the GPIO registers and returns a Provider serving BCM
// pins [0, n).
func NewProvider(n int) (*Provider, error) {
	if err := rpio.Open(); err != nil {
		return nil, errors.Wrap(err, "gpiomem: mapping gpio registers")
	}
	return &Provider{n: n, pins: map[int]*Pin{}}, nil
}

// Line returns the handle for pin, creating it on first use.
func (p *Provider) Line(pin int) (gpio.PinIO, error) {
	if pin < 0 || pin >= p.n {
		return nil, errors.Errorf("gpiomem: no BCM pin %d", pin)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("gpiomem: provider closed")
	}
	if existing, ok := p.pins[pin]; ok {
		return existing, nil
	}
	created := &Pin{num: pin, rp: rpio.Pin(pin)}
	p.pins[pin] = created
	return created, nil
}

// Pins returns the number of addressable pins.
func (p *Provider) Pins() int {
	return p.n
}

// Close unmaps the register window. Lines handed out earlier must not be
// used afterward.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return errors.Wrap(rpio.Close(), "gpiomem: unmapping gpio registers")
}

type lineDir int

const (
	dirNotSet lineDir = iota
	dirIn
	dirOut
)

// Pin adapts one memory mapped line to gpio.PinIO. Register pokes cannot
// fail, so the error returns exist only to satisfy the interface.
type Pin struct {
	num int
	rp  rpio.Pin

	mu    sync.Mutex
	dir   lineDir
	edge  gpio.Edge
	pull  gpio.Pull
	haltC chan struct{}
}

func (p *Pin) String() string {
	return fmt.Sprintf("gpiomem/GPIO%d", p.num)
}

// Name implements pin.Pin.
func (p *Pin) Name() string {
	return fmt.Sprintf("GPIO%d", p.num)
}

// Number implements pin.Pin.
func (p *Pin) Number() int {
	return p.num
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

// In implements gpio.PinIn.
func (p *Pin) In(pull gpio.Pull, edge gpio.Edge) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rp.Input()
	switch pull {
	case gpio.PullUp:
		p.rp.PullUp()
		p.pull = pull
	case gpio.PullDown:
		p.rp.PullDown()
		p.pull = pull
	case gpio.Float:
		p.rp.PullOff()
		p.pull = pull
	case gpio.PullNoChange:
	}
	p.rp.Detect(mapEdge(edge))
	p.dir = dirIn
	p.edge = edge
	p.haltC = make(chan struct{})
	return nil
}

// Read implements gpio.PinIn.
func (p *Pin) Read() gpio.Level {
	return p.rp.Read() == rpio.High
}

// WaitForEdge implements gpio.PinIn by polling the edge detect status
// register. A negative timeout blocks until an edge or a Halt.
func (p *Pin) WaitForEdge(timeout time.Duration) bool {
	p.mu.Lock()
	haltC := p.haltC
	edge := p.edge
	p.mu.Unlock()
	if haltC == nil || edge == gpio.NoEdge {
		return false
	}

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if p.rp.EdgeDetected() {
			return true
		}
		select {
		case <-haltC:
			return false
		default:
		}
		if timeout >= 0 && !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(pollStep)
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

// Out implements gpio.PinOut.
func (p *Pin) Out(l gpio.Level) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dir != dirOut {
		p.rp.Detect(rpio.NoEdge)
		p.rp.Output()
		p.dir = dirOut
		p.edge = gpio.NoEdge
	}
	if l {
		p.rp.High()
	} else {
		p.rp.Low()
	}
	return nil
}

// PWM implements gpio.PinOut.
func (p *Pin) PWM(gpio.Duty, physic.Frequency) error {
	return errors.New("gpiomem: PWM() not implemented")
}

// Halt interrupts a pending WaitForEdge and stops edge detection.
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
	if p.edge != gpio.NoEdge {
		p.rp.Detect(rpio.NoEdge)
		p.edge = gpio.NoEdge
	}
	return nil
}

func mapEdge(edge gpio.Edge) rpio.Edge {
	switch edge {
	case gpio.RisingEdge:
		return rpio.RiseEdge
	case gpio.FallingEdge:
		return rpio.FallEdge
	case gpio.BothEdges:
		return rpio.AnyEdge
	}
	return rpio.NoEdge
}

var _ gpio.PinIO = &Pin{}
