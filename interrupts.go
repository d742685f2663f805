// Copyright 2025 The PiPinPP Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pipinpp

import (
	"github.com/Barbatos6669/PiPinPP-sub003/interrupt"
)

// AttachInterrupt registers handler for edge events on pin, taking the
// pin over from any previous owner. Handlers for the same pin run one at
// a time, in order; attaching again replaces the previous handler after
// its watcher has fully stopped.
func (b *Board) AttachInterrupt(pin int, edge Edge, handler interrupt.Handler) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	b.dropIO(pin)
	return b.isr.Attach(pin, edge, handler)
}

// DetachInterrupt stops the watcher on pin and releases it. Pins without
// a watcher are a no-op.
func (b *Board) DetachInterrupt(pin int) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.isr.Detach(pin)
}

// Watching reports whether an interrupt handler is attached to pin.
func (b *Board) Watching(pin int) bool {
	return b.isr.Watching(pin)
}
