// Copyright 2025 The PiPinPP Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package interrupt delivers GPIO edge events to user callbacks.
//
// Attach claims the pin and starts a watcher goroutine that blocks on the
// line's edge wait and invokes the handler once per detected edge.
// Handlers run on the watcher's goroutine, so events for one pin are
// serialized and a slow handler delays that pin's later events but nobody
// else's. There is no debouncing; every hardware edge that the line
// reports is delivered.
//
// A line whose edge wait keeps failing instantly is treated as broken:
// the watcher latches an error, frees the pin and exits. Err reports the
// latched error until Detach or a new Attach clears it.
package interrupt

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio"

	"github.com/Barbatos6669/PiPinPP-sub003/pinreg"
)

// DefaultPollInterval is the default timeout of one blocking edge wait.
// It bounds how fast a broken line is noticed; detach and takeover do not
// wait for it because the line is halted explicitly.
const DefaultPollInterval = 100 * time.Millisecond

// brokenLineLimit is how many consecutive instant edge-wait failures mark
// a line as broken.
const brokenLineLimit = 100

// ErrClosed is returned by Attach after Close.
var ErrClosed = errors.New("interrupt: dispatcher closed")

// Event describes one detected edge. Level and When are observed by the
// watcher right after the edge fires, not taken from a kernel timestamp.
type Event struct {
	Pin   int
	Edge  gpio.Edge
	Level gpio.Level
	When  time.Time
}

// Handler consumes events. It must not block for long; it runs on the
// pin's watcher goroutine.
type Handler func(Event)

// Dispatcher owns the watcher goroutines. All methods are safe for
// concurrent use.
type Dispatcher struct {
	reg    *pinreg.Registry
	logger *slog.Logger
	poll   time.Duration

	mu       sync.Mutex
	watchers map[int]*watcher
	closed   bool
}

// Option adjusts a Dispatcher at construction.
type Option func(*Dispatcher)

// WithLogger routes dispatcher and watcher logs to l.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.poll = interval
		}
	}
}

// New returns a Dispatcher claiming pins through reg.
func New(reg *pinreg.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		reg:      reg,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		poll:     DefaultPollInterval,
		watchers: map[int]*watcher{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Attach arranges for handler to be called on every edge of pin. The pull
// bias of the line is left as it is; configure it before attaching.
//
// Attach always wins the pin: a prior owner, including a previously
// attached handler, is stopped and fully joined before the new watcher
// arms the line. The replaced handler receives no further events.
func (d *Dispatcher) Attach(pin int, edge gpio.Edge, handler Handler) error {
	d.mu.Lock()
	closed := d.closed
	old := d.watchers[pin]
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if handler == nil {
		return errors.Errorf("interrupt: nil handler for pin %d", pin)
	}
	if edge == gpio.NoEdge {
		return errors.Errorf("interrupt: pin %d: an edge to watch is required", pin)
	}
	if old != nil {
		if lerr := old.latched(); lerr != nil {
			d.logger.Warn("attaching over failed watcher", "pin", pin, "err", lerr)
			d.forget(old)
		}
	}

	w := &watcher{
		pin:     pin,
		edge:    edge,
		handler: handler,
		stopC:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	line, gen, err := d.reg.Claim(pinreg.ClaimRequest{
		Pin:      pin,
		Dir:      pinreg.LineInput,
		Owner:    pinreg.OwnerWatch,
		Takeover: true,
		Stop:     w.stop,
	})
	if err != nil {
		return err
	}
	w.line = line
	w.gen = gen

	if err := line.In(gpio.PullNoChange, edge); err != nil {
		// The claim registered w.stop as the pin's stop hook, so done must
		// be closed before the claim is given up.
		close(w.done)
		d.reg.Release(pin, gen)
		return &pinreg.HardwareAccessError{Pin: pin, Op: "configure input", Err: err}
	}

	d.mu.Lock()
	if d.closed {
		w.requestStop()
	}
	d.watchers[pin] = w
	closed = d.closed
	d.mu.Unlock()
	go d.run(w)
	if closed {
		return ErrClosed
	}
	d.logger.Debug("interrupt attached", "pin", pin, "edge", edge.String())
	return nil
}

// Detach stops the watcher on pin and blocks until its goroutine has
// exited and the pin is released. Detaching a pin without a watcher is a
// no-op; a latched error is cleared. Always returns nil.
func (d *Dispatcher) Detach(pin int) error {
	d.mu.Lock()
	w := d.watchers[pin]
	d.mu.Unlock()
	if w == nil {
		return nil
	}
	if lerr := w.latched(); lerr != nil {
		d.logger.Debug("clearing failed watcher", "pin", pin, "err", lerr)
	}
	w.stop()
	d.forget(w)
	d.logger.Debug("interrupt detached", "pin", pin)
	return nil
}

// Watching reports whether pin has a live watcher.
func (d *Dispatcher) Watching(pin int) bool {
	d.mu.Lock()
	w := d.watchers[pin]
	d.mu.Unlock()
	return w != nil && w.latched() == nil
}

// Err returns the latched error of pin's watcher, or nil if the watcher
// is healthy or absent. The error stays readable until Detach or a new
// Attach clears it.
func (d *Dispatcher) Err(pin int) error {
	d.mu.Lock()
	w := d.watchers[pin]
	d.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.latched()
}

// ActiveCount returns the number of live watchers.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	ws := make([]*watcher, 0, len(d.watchers))
	for _, w := range d.watchers {
		ws = append(ws, w)
	}
	d.mu.Unlock()
	n := 0
	for _, w := range ws {
		if w.latched() == nil {
			n++
		}
	}
	return n
}

// Close detaches every watcher, joins every goroutine and rejects further
// Attaches. Latched errors from failed watchers are aggregated into the
// returned error.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	ws := make([]*watcher, 0, len(d.watchers))
	for _, w := range d.watchers {
		ws = append(ws, w)
	}
	d.watchers = map[int]*watcher{}
	d.mu.Unlock()

	var err error
	for _, w := range ws {
		w.stop()
		if lerr := w.latched(); lerr != nil {
			err = multierr.Append(err, lerr)
		}
	}
	return err
}

// forget drops w from the watcher table unless the pin has already been
// re-registered to a newer watcher.
func (d *Dispatcher) forget(w *watcher) {
	d.mu.Lock()
	if d.watchers[w.pin] == w {
		delete(d.watchers, w.pin)
	}
	d.mu.Unlock()
}
