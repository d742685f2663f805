// Copyright 2025 The PiPinPP Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.
//
// Package pintest provides in-memory line handles for tests.
//
// Pin implements gpio.PinIO with scriptable levels, edge injection and
// failure injection, and records every write with a timestamp so tests can
// measure toggle counts and duty fractions. Provider serves a fixed pin
// range and satisfies pinreg.Provider, so a whole Board can run against
// fakes with no hardware present.
package pintest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// EdgeBufferSize is the number of injected edges queued per pin before
// further injections are dropped.
const EdgeBufferSize = 16

type lineDir int

const (
	dirNotSet lineDir = iota
	dirIn
	dirOut
)

// Write is one recorded Out call.
type Write struct {
	Level gpio.Level
	At    time.Time
}

// Pin is an in-memory GPIO line.
//
// The zero value is not usable; create pins through a Provider (or set N
// and Num by hand for standalone use).
type Pin struct {
	N   string
	Num int

	mu          sync.Mutex
	level       gpio.Level
	pull        gpio.Pull
	edge        gpio.Edge
	dir         lineDir
	edges       chan gpio.Level
	haltC       chan struct{}
	writes      []Write
	transitions int

	inErr      error
	writeErr   error
	writesLeft int
	armFail    bool
	instant    bool
	halts      int
}

// NewPin returns a standalone fake line.
func NewPin(num int) *Pin {
	return &Pin{N: fmt.Sprintf("FAKE%d", num), Num: num}
}

func (p *Pin) String() string { return fmt.Sprintf("%s(%d)", p.N, p.Num) }

// Name implements pin.Pin.
func (p *Pin) Name() string { return p.N }

// Number implements pin.Pin.
func (p *Pin) Number() int { return p.Num }

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

// In implements gpio.PinIn. It re-arms edge waits interrupted by Halt.
func (p *Pin) In(pull gpio.Pull, edge gpio.Edge) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inErr != nil {
		return p.inErr
	}
	p.dir = dirIn
	if pull != gpio.PullNoChange {
		p.pull = pull
	}
	p.edge = edge
	if p.edges == nil {
		p.edges = make(chan gpio.Level, EdgeBufferSize)
	}
	p.haltC = make(chan struct{})
	return nil
}

// Read implements gpio.PinIn.
func (p *Pin) Read() gpio.Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// WaitForEdge implements gpio.PinIn. A negative timeout blocks until an
// edge or a Halt. After Halt it returns false immediately until In is
// called again, mirroring the kernel-backed implementations.
func (p *Pin) WaitForEdge(timeout time.Duration) bool {
	p.mu.Lock()
	instant := p.instant
	haltC := p.haltC
	edges := p.edges
	p.mu.Unlock()
	if instant || edges == nil || haltC == nil {
		return false
	}

	var timerC <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timerC = t.C
	}
	select {
	case l := <-edges:
		p.mu.Lock()
		p.level = l
		p.mu.Unlock()
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
func (p *Pin) DefaultPull() gpio.Pull { return gpio.Float }

// Out implements gpio.PinOut and records the write.
func (p *Pin) Out(l gpio.Level) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.armFail {
		if p.writesLeft == 0 {
			return p.writeErr
		}
		p.writesLeft--
	}
	p.dir = dirOut
	if l != p.level || len(p.writes) == 0 {
		p.transitions++
	}
	p.level = l
	p.writes = append(p.writes, Write{Level: l, At: time.Now()})
	return nil
}

// PWM implements gpio.PinOut.
func (p *Pin) PWM(gpio.Duty, physic.Frequency) error {
	return errors.New("pintest: PWM not implemented")
}

// Halt interrupts a pending WaitForEdge.
func (p *Pin) Halt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.halts++
	if p.haltC != nil {
		select {
		case <-p.haltC:
		default:
			close(p.haltC)
		}
	}
	return nil
}

// SetLevel drives the simulated input level without queueing an edge.
func (p *Pin) SetLevel(l gpio.Level) {
	p.mu.Lock()
	p.level = l
	p.mu.Unlock()
}

// Level returns the current line level.
func (p *Pin) Level() gpio.Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// InjectEdge records a level transition and, when it matches the
// configured edge detection, queues it for WaitForEdge. It reports whether
// the edge was queued; edges beyond the buffer are dropped.
func (p *Pin) InjectEdge(l gpio.Level) bool {
	p.mu.Lock()
	p.level = l
	edge := p.edge
	edges := p.edges
	p.mu.Unlock()
	if edges == nil || edge == gpio.NoEdge {
		return false
	}
	if edge == gpio.RisingEdge && l != gpio.High {
		return false
	}
	if edge == gpio.FallingEdge && l != gpio.Low {
		return false
	}
	select {
	case edges <- l:
		return true
	default:
		return false
	}
}

// FailReads makes In return err, simulating a line that cannot be
// configured for input.
func (p *Pin) FailReads(err error) {
	p.mu.Lock()
	p.inErr = err
	p.mu.Unlock()
}

// FailWritesAfter arranges for Out to succeed n more times and then fail
// every subsequent call with err.
func (p *Pin) FailWritesAfter(n int, err error) {
	p.mu.Lock()
	p.armFail = true
	p.writesLeft = n
	p.writeErr = err
	p.mu.Unlock()
}

// HealWrites clears a FailWritesAfter arrangement.
func (p *Pin) HealWrites() {
	p.mu.Lock()
	p.armFail = false
	p.writesLeft = 0
	p.writeErr = nil
	p.mu.Unlock()
}

// BreakWaits makes WaitForEdge return false immediately, simulating a dead
// line behind the edge-wait primitive.
func (p *Pin) BreakWaits() {
	p.mu.Lock()
	p.instant = true
	p.mu.Unlock()
}

// Writes returns a copy of all recorded Out calls.
func (p *Pin) Writes() []Write {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := make([]Write, len(p.writes))
	copy(w, p.writes)
	return w
}

// Halts returns the number of Halt calls the line has seen.
func (p *Pin) Halts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halts
}

// Transitions returns the number of level changes driven through Out.
func (p *Pin) Transitions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transitions
}

// HighFraction returns the fraction of time the line spent high between
// the first and the last recorded write.
func (p *Pin) HighFraction() float64 {
	w := p.Writes()
	if len(w) < 2 {
		return 0
	}
	var high time.Duration
	for i := 1; i < len(w); i++ {
		if w[i-1].Level == gpio.High {
			high += w[i].At.Sub(w[i-1].At)
		}
	}
	total := w[len(w)-1].At.Sub(w[0].At)
	if total <= 0 {
		return 0
	}
	return float64(high) / float64(total)
}

// Provider serves fake lines for a fixed pin range [0, n). It satisfies
// pinreg.Provider.
type Provider struct {
	mu      sync.Mutex
	n       int
	pins    map[int]*Pin
	lineErr map[int]error
}

// NewProvider returns a Provider with n addressable pins.
func NewProvider(n int) *Provider {
	return &Provider{
		n:       n,
		pins:    map[int]*Pin{},
		lineErr: map[int]error{},
	}
}

// Line returns the fake line for pin, creating it on first use.
func (p *Provider) Line(pin int) (gpio.PinIO, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.lineErr[pin]; err != nil {
		return nil, err
	}
	if pin < 0 || pin >= p.n {
		return nil, fmt.Errorf("pintest: no line %d", pin)
	}
	return p.pin(pin), nil
}

// Pins returns the number of addressable pins.
func (p *Provider) Pins() int {
	return p.n
}

// Pin returns the concrete fake for scripting levels, edges and failures.
func (p *Provider) Pin(pin int) *Pin {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pin(pin)
}

func (p *Provider) pin(pin int) *Pin {
	if existing, ok := p.pins[pin]; ok {
		return existing
	}
	created := NewPin(pin)
	p.pins[pin] = created
	return created
}

// FailLine makes Line return err for pin, simulating a chip that cannot
// hand out the requested line.
func (p *Provider) FailLine(pin int, err error) {
	p.mu.Lock()
	p.lineErr[pin] = err
	p.mu.Unlock()
}

var _ gpio.PinIO = &Pin{}
