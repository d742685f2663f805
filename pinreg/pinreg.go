// Copyright 2025 The PiPinPP Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.
//
// Package pinreg tracks ownership of GPIO lines within a process.
//
// The registry is the single source of truth for which subsystem (plain
// I/O, software PWM, or an interrupt watch) currently drives each logical
// pin. A line is written by at most one goroutine at a time; enforcing
// that exclusivity is the reason this package exists.
//
// The registry mutex protects only the pointer/tag swaps. Line resolution,
// hardware configuration and worker joins always happen outside the lock,
// so its worst-case hold time stays independent of hardware latency.
package pinreg

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"periph.io/x/conn/v3/gpio"
)

// OwnerTag identifies the subsystem holding a pin.
type OwnerTag uint8

const (
	// OwnerNone marks an unowned pin.
	OwnerNone OwnerTag = iota
	// OwnerIO marks a pin claimed for plain digital reads/writes.
	OwnerIO
	// OwnerPWM marks a pin driven by a software PWM channel.
	OwnerPWM
	// OwnerWatch marks a pin watched by an interrupt channel.
	OwnerWatch
)

var ownerLabels = map[OwnerTag]string{
	OwnerNone:  "none",
	OwnerIO:    "io",
	OwnerPWM:   "pwm",
	OwnerWatch: "watch",
}

func (o OwnerTag) String() string {
	if s, ok := ownerLabels[o]; ok {
		return s
	}
	return fmt.Sprintf("OwnerTag(%d)", uint8(o))
}

// LineDir is the claimed direction of a line.
type LineDir int

const (
	LineDirNotSet LineDir = iota
	LineInput
	LineOutput
)

var dirLabels = map[LineDir]string{
	LineDirNotSet: "not-set",
	LineInput:     "input",
	LineOutput:    "output",
}

func (d LineDir) String() string {
	if s, ok := dirLabels[d]; ok {
		return s
	}
	return fmt.Sprintf("LineDir(%d)", int(d))
}

// Provider resolves logical pin numbers to line handles.
//
// Implementations must return the same handle for repeated calls on the
// same pin, and must be safe for concurrent use.
type Provider interface {
	// Line returns the handle for pin.
	Line(pin int) (gpio.PinIO, error)
	// Pins returns the number of addressable pins; valid pins are
	// [0, Pins()).
	Pins() int
}

// ClaimRequest describes one ownership claim.
type ClaimRequest struct {
	Pin   int
	Dir   LineDir
	Pull  gpio.Pull
	Owner OwnerTag
	// Takeover stops the current owner's channel instead of failing with
	// LineBusyError when the pin is already held.
	Takeover bool
	// Stop is invoked, outside the registry lock, when a later claim takes
	// this pin over. It must stop the owner's worker and not return until
	// the worker has exited. Leave nil for owners without a worker.
	Stop func()
}

// PinState is a point-in-time snapshot of one registry entry.
type PinState struct {
	Pin   int
	Owner OwnerTag
	Dir   LineDir
	Pull  gpio.Pull
}

type entry struct {
	line  gpio.PinIO
	owner OwnerTag
	dir   LineDir
	pull  gpio.Pull
	gen   uint64
	stop  func()
}

// Registry maps logical pins to their current owner. Safe for concurrent
// use from any goroutine.
type Registry struct {
	provider Provider
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[int]*entry
	gen     uint64
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger directs registry diagnostics to l.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// New returns a Registry backed by p.
func New(p Provider, opts ...Option) *Registry {
	r := &Registry{
		provider: p,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		entries:  map[int]*entry{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Pins returns the number of addressable pins.
func (r *Registry) Pins() int {
	return r.provider.Pins()
}

// Valid reports whether pin is addressable through the provider.
func (r *Registry) Valid(pin int) bool {
	return pin >= 0 && pin < r.provider.Pins()
}

// Claim transfers ownership of req.Pin to req.Owner and returns the line
// handle plus the claim generation.
//
// It fails with *InvalidPinError for a pin outside the provider's range,
// with *LineBusyError when the pin is held and req.Takeover is false, and
// with *HardwareAccessError when the provider cannot resolve the line.
// With takeover, the prior owner's Stop hook runs outside the registry
// lock and the prior worker is fully joined before the new owner is
// installed; two workers never drive the same line concurrently.
func (r *Registry) Claim(req ClaimRequest) (gpio.PinIO, uint64, error) {
	if !r.Valid(req.Pin) {
		return nil, 0, &InvalidPinError{
			Pin:    req.Pin,
			Reason: fmt.Sprintf("supported range is 0-%d", r.provider.Pins()-1),
		}
	}
	if req.Owner == OwnerNone {
		return nil, 0, &InvalidPinError{Pin: req.Pin, Reason: "claim without an owner"}
	}
	line, err := r.provider.Line(req.Pin)
	if err != nil {
		return nil, 0, &HardwareAccessError{Pin: req.Pin, Op: "resolve line", Err: err}
	}
	for {
		r.mu.Lock()
		e := r.entries[req.Pin]
		if e == nil {
			r.gen++
			gen := r.gen
			r.entries[req.Pin] = &entry{
				line:  line,
				owner: req.Owner,
				dir:   req.Dir,
				pull:  req.Pull,
				gen:   gen,
				stop:  req.Stop,
			}
			r.mu.Unlock()
			r.logger.Debug("pin claimed", "pin", req.Pin, "owner", req.Owner.String(), "gen", gen)
			return line, gen, nil
		}
		if !req.Takeover {
			owner := e.owner
			r.mu.Unlock()
			return nil, 0, &LineBusyError{Pin: req.Pin, Owner: owner}
		}
		stop := e.stop
		gen := e.gen
		prior := e.owner
		r.mu.Unlock()

		r.logger.Debug("taking over pin", "pin", req.Pin, "prior", prior.String())
		if stop != nil {
			// Joins the prior worker. Never called under the lock.
			stop()
		}
		r.Release(req.Pin, gen)
		// Another claimer may have won the pin in the meantime; retry.
	}
}

// Release clears the ownership of pin if gen matches the generation
// returned by the corresponding Claim. Stale generations are ignored so a
// worker that already lost its pin to a takeover cannot release the new
// owner. Idempotent.
func (r *Registry) Release(pin int, gen uint64) {
	r.mu.Lock()
	e := r.entries[pin]
	var line gpio.PinIO
	if e != nil && e.gen == gen {
		line = e.line
		delete(r.entries, pin)
	}
	r.mu.Unlock()
	if line == nil {
		return
	}
	// Interrupt any pending edge wait so the line is quiet for the next
	// owner. Touches the line, so it runs outside the lock.
	if err := line.Halt(); err != nil {
		r.logger.Debug("halt on release", "pin", pin, "err", err)
	}
	r.logger.Debug("pin released", "pin", pin, "gen", gen)
}

// Owner returns the subsystem currently holding pin. The answer may be
// stale the instant it is returned; mutating callers re-check via Claim.
func (r *Registry) Owner(pin int) OwnerTag {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.entries[pin]; e != nil {
		return e.owner
	}
	return OwnerNone
}

// State returns a snapshot of pin's entry and whether the pin is owned.
func (r *Registry) State(pin int) (PinState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[pin]
	if e == nil {
		return PinState{Pin: pin, Owner: OwnerNone}, false
	}
	return PinState{Pin: pin, Owner: e.owner, Dir: e.dir, Pull: e.pull}, true
}

// Snapshot returns the state of every owned pin, ordered by pin number.
func (r *Registry) Snapshot() []PinState {
	r.mu.Lock()
	states := make([]PinState, 0, len(r.entries))
	for pin, e := range r.entries {
		states = append(states, PinState{Pin: pin, Owner: e.owner, Dir: e.dir, Pull: e.pull})
	}
	r.mu.Unlock()
	sort.Slice(states, func(i, j int) bool { return states[i].Pin < states[j].Pin })
	return states
}
