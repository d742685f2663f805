// Copyright 2025 The PiPinPP Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package interrupt

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"

	"github.com/Barbatos6669/PiPinPP-sub003/pinreg"
	"github.com/Barbatos6669/PiPinPP-sub003/pintest"
)

func newTestDispatcher(t *testing.T, opts ...Option) (*Dispatcher, *pinreg.Registry, *pintest.Provider) {
	t.Helper()
	prov := pintest.NewProvider(28)
	reg := pinreg.New(prov)
	d := New(reg, opts...)
	t.Cleanup(func() { _ = d.Close() })
	return d, reg, prov
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAttachDeliversEdges(t *testing.T) {
	d, reg, prov := newTestDispatcher(t)

	events := make(chan Event, 16)
	require.NoError(t, d.Attach(17, gpio.RisingEdge, func(ev Event) { events <- ev }))
	assert.True(t, d.Watching(17))
	assert.Equal(t, pinreg.OwnerWatch, reg.Owner(17))

	pin := prov.Pin(17)
	for i := 0; i < 3; i++ {
		require.True(t, pin.InjectEdge(gpio.High))
		pin.SetLevel(gpio.Low)
	}
	for i := 0; i < 3; i++ {
		ev := waitEvent(t, events)
		assert.Equal(t, 17, ev.Pin)
		assert.Equal(t, gpio.RisingEdge, ev.Edge)
		assert.False(t, ev.When.IsZero())
	}

	// A falling transition does not match the requested edge.
	assert.False(t, pin.InjectEdge(gpio.Low))
	assertNoEvent(t, events)
}

func TestBothEdgesClassification(t *testing.T) {
	d, _, prov := newTestDispatcher(t)

	events := make(chan Event, 16)
	require.NoError(t, d.Attach(4, gpio.BothEdges, func(ev Event) { events <- ev }))

	pin := prov.Pin(4)
	require.True(t, pin.InjectEdge(gpio.High))
	ev := waitEvent(t, events)
	assert.Equal(t, gpio.RisingEdge, ev.Edge)
	assert.Equal(t, gpio.High, ev.Level)

	require.True(t, pin.InjectEdge(gpio.Low))
	ev = waitEvent(t, events)
	assert.Equal(t, gpio.FallingEdge, ev.Edge)
	assert.Equal(t, gpio.Low, ev.Level)
}

func TestDetach(t *testing.T) {
	d, reg, prov := newTestDispatcher(t)

	events := make(chan Event, 16)
	require.NoError(t, d.Attach(27, gpio.RisingEdge, func(ev Event) { events <- ev }))
	require.NoError(t, d.Detach(27))

	assert.False(t, d.Watching(27))
	assert.Equal(t, pinreg.OwnerNone, reg.Owner(27))
	assert.GreaterOrEqual(t, prov.Pin(27).Halts(), 1)

	// Edges after detach go nowhere.
	prov.Pin(27).InjectEdge(gpio.High)
	assertNoEvent(t, events)

	// Detaching again is a no-op.
	require.NoError(t, d.Detach(27))
}

func TestAttachReplacesWatcherSilently(t *testing.T) {
	d, _, prov := newTestDispatcher(t)

	first := make(chan Event, 16)
	second := make(chan Event, 16)
	require.NoError(t, d.Attach(22, gpio.RisingEdge, func(ev Event) { first <- ev }))
	require.NoError(t, d.Attach(22, gpio.RisingEdge, func(ev Event) { second <- ev }))
	assert.Equal(t, 1, d.ActiveCount())

	require.True(t, prov.Pin(22).InjectEdge(gpio.High))
	waitEvent(t, second)
	assertNoEvent(t, first)
}

func TestAttachTakesOverForeignOwner(t *testing.T) {
	d, reg, prov := newTestDispatcher(t)

	_, _, err := reg.Claim(pinreg.ClaimRequest{Pin: 6, Dir: pinreg.LineInput, Owner: pinreg.OwnerIO})
	require.NoError(t, err)

	events := make(chan Event, 16)
	require.NoError(t, d.Attach(6, gpio.RisingEdge, func(ev Event) { events <- ev }))
	assert.Equal(t, pinreg.OwnerWatch, reg.Owner(6))

	require.True(t, prov.Pin(6).InjectEdge(gpio.High))
	waitEvent(t, events)
}

func TestAttachArgumentErrors(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	if err := d.Attach(5, gpio.RisingEdge, nil); err == nil {
		t.Error("nil handler accepted")
	}
	if err := d.Attach(5, gpio.NoEdge, func(Event) {}); err == nil {
		t.Error("NoEdge accepted")
	}
	var ipe *pinreg.InvalidPinError
	err := d.Attach(99, gpio.RisingEdge, func(Event) {})
	require.ErrorAs(t, err, &ipe)
	assert.Equal(t, 0, d.ActiveCount())
}

func TestAttachConfigFailureReleasesPin(t *testing.T) {
	d, reg, prov := newTestDispatcher(t)

	boom := errors.New("cannot request events")
	prov.Pin(9).FailReads(boom)

	err := d.Attach(9, gpio.RisingEdge, func(Event) {})
	var hw *pinreg.HardwareAccessError
	require.ErrorAs(t, err, &hw)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, pinreg.OwnerNone, reg.Owner(9))
	assert.False(t, d.Watching(9))
}

func TestBrokenLineSelfTerminates(t *testing.T) {
	d, reg, prov := newTestDispatcher(t, WithPollInterval(20*time.Millisecond))

	require.NoError(t, d.Attach(21, gpio.RisingEdge, func(Event) {}))
	prov.Pin(21).BreakWaits()

	require.Eventually(t, func() bool {
		return !d.Watching(21)
	}, 5*time.Second, 5*time.Millisecond, "watcher must self-terminate on a broken line")

	assert.Equal(t, pinreg.OwnerNone, reg.Owner(21))
	var hw *pinreg.HardwareAccessError
	require.ErrorAs(t, d.Err(21), &hw)
	assert.Equal(t, 0, d.ActiveCount())

	// Detach clears the latched error.
	require.NoError(t, d.Detach(21))
	assert.NoError(t, d.Err(21))
}

func TestClose(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)

	require.NoError(t, d.Attach(2, gpio.RisingEdge, func(Event) {}))
	require.NoError(t, d.Attach(3, gpio.FallingEdge, func(Event) {}))

	require.NoError(t, d.Close())
	assert.Equal(t, 0, d.ActiveCount())
	assert.Equal(t, pinreg.OwnerNone, reg.Owner(2))
	assert.Equal(t, pinreg.OwnerNone, reg.Owner(3))

	assert.ErrorIs(t, d.Attach(5, gpio.RisingEdge, func(Event) {}), ErrClosed)
	require.NoError(t, d.Close())
}
