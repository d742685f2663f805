// Copyright 2025 The PiPinPP Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pipinpp

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// hostInit loads the periph.io host drivers once per process, however
// many boards are created.
var hostInit struct {
	once sync.Once
	err  error
}

// periphProvider resolves BCM numbered lines through the periph.io host
// drivers.
type periphProvider struct {
	n int

	mu   sync.Mutex
	pins map[int]gpio.PinIO
}

func newPeriphProvider(n int) (*periphProvider, error) {
	hostInit.once.Do(func() {
		_, hostInit.err = host.Init()
	})
	if hostInit.err != nil {
		return nil, errors.Wrap(hostInit.err, "pipinpp: initializing host drivers")
	}
	return &periphProvider{n: n, pins: map[int]gpio.PinIO{}}, nil
}

func (p *periphProvider) Line(pin int) (gpio.PinIO, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.pins[pin]; ok {
		return l, nil
	}
	l := gpioreg.ByName(fmt.Sprintf("GPIO%d", pin))
	if l == nil {
		return nil, errors.Errorf("no GPIO%d on this host", pin)
	}
	p.pins[pin] = l
	return l, nil
}

func (p *periphProvider) Pins() int {
	return p.n
}
