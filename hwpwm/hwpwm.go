// Copyright 2025 The PiPinPP Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package hwpwm drives the kernel PWM subsystem through
// /sys/class/pwm.
//
// Unlike the softpwm package it costs no CPU once configured, but it only
// works on the pins wired to a PWM peripheral; on Raspberry Pi boards
// those are BCM 12, 13, 18 and 19. The platform package knows the pin to
// channel mapping.
package hwpwm

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
	"periph.io/x/conn/v3/physic"

	"github.com/Barbatos6669/PiPinPP-sub003/platform"
)

// DefaultSysfsRoot is where the kernel exposes PWM chips.
const DefaultSysfsRoot = "/sys/class/pwm"

// exportWait bounds how long New waits for udev to make a freshly
// exported channel accessible.
const exportWait = 5 * time.Second

var (
	bZero     = []byte("0")
	bOne      = []byte("1")
	bNormal   = []byte("normal")
	bInversed = []byte("inversed")
)

// Channel is one hardware PWM channel. The sysfs attribute handles are
// opened once and kept until Close.
type Channel struct {
	chip    int
	channel int
	root    string

	mu       sync.Mutex
	fPeriod  *os.File
	fDuty    *os.File
	fEnable  *os.File
	freq     physic.Frequency
	periodNs int64
	dutyNs   int64
	frac     float64
	enabled  bool
	inverted bool
}

// Option adjusts channel construction.
type Option func(*Channel)

// WithSysfsRoot points the channel at a different sysfs tree. Tests use
// it with a scratch directory.
func WithSysfsRoot(root string) Option {
	return func(c *Channel) { c.root = root }
}

// New exports channel on pwmchip chip and opens its attribute files. The
// channel starts disabled; call Start or SetFrequency plus Enable.
func New(chip, channel int, opts ...Option) (*Channel, error) {
	c := &Channel{chip: chip, channel: channel, root: DefaultSysfsRoot}
	for _, o := range opts {
		o(c)
	}
	chipDir := fmt.Sprintf("%s/pwmchip%d", c.root, chip)
	if n, err := readInt(chipDir + "/npwm"); err != nil {
		return nil, errors.Wrapf(err, "hwpwm: no pwmchip%d", chip)
	} else if channel < 0 || channel >= n {
		return nil, errors.Errorf("hwpwm: pwmchip%d has %d channels, no channel %d", chip, n, channel)
	}

	pwmDir := fmt.Sprintf("%s/pwm%d", chipDir, channel)
	if err := export(chipDir, pwmDir, channel); err != nil {
		return nil, c.wrap(err)
	}

	var err error
	if c.fPeriod, err = os.OpenFile(pwmDir+"/period", os.O_RDWR, 0); err != nil {
		return nil, c.wrap(err)
	}
	if c.fDuty, err = os.OpenFile(pwmDir+"/duty_cycle", os.O_RDWR, 0); err != nil {
		_ = c.fPeriod.Close()
		return nil, c.wrap(err)
	}
	if c.fEnable, err = os.OpenFile(pwmDir+"/enable", os.O_RDWR, 0); err != nil {
		_ = c.fPeriod.Close()
		_ = c.fDuty.Close()
		return nil, c.wrap(err)
	}
	return c, nil
}

// Open resolves pin to its hardware PWM channel on the detected board and
// opens it.
func Open(info platform.Info, pin int, opts ...Option) (*Channel, error) {
	ch, ok := info.PWMChannel(pin)
	if !ok {
		return nil, errors.Errorf("hwpwm: pin %d has no hardware pwm channel on %s", pin, info.Board)
	}
	return New(info.PWMChip, ch, opts...)
}

func (c *Channel) String() string {
	return fmt.Sprintf("pwmchip%d/pwm%d", c.chip, c.channel)
}

// SetFrequency reprograms the period. The duty fraction is preserved.
// When the period shrinks below the programmed duty the kernel rejects
// it, so the duty is dropped to zero first and rewritten after.
func (c *Channel) SetFrequency(f physic.Frequency) error {
	if f <= 0 {
		return errors.Errorf("hwpwm (%s): frequency must be positive", c)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	periodNs := f.Duration().Nanoseconds()
	if periodNs <= 0 {
		return errors.Errorf("hwpwm (%s): frequency %s leaves no period", c, f)
	}
	if c.dutyNs > periodNs {
		if err := seekWrite(c.fDuty, bZero); err != nil {
			return c.wrap(err)
		}
		c.dutyNs = 0
	}
	if err := seekWrite(c.fPeriod, strconv.AppendInt(nil, periodNs, 10)); err != nil {
		return c.wrap(err)
	}
	c.periodNs = periodNs
	c.freq = f
	return c.applyDutyLocked()
}

// SetDuty reprograms the duty fraction, clamped to [0, 1]. SetFrequency
// must have run first so the fraction has a period to apply to.
func (c *Channel) SetDuty(frac float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.periodNs == 0 {
		return errors.Errorf("hwpwm (%s): frequency not set", c)
	}
	if frac < 0 {
		frac = 0
	} else if frac > 1 {
		frac = 1
	}
	c.frac = frac
	return c.applyDutyLocked()
}

// applyDutyLocked rewrites duty_cycle from the cached fraction and
// period. mu must be held.
func (c *Channel) applyDutyLocked() error {
	dutyNs := int64(c.frac * float64(c.periodNs))
	if err := seekWrite(c.fDuty, strconv.AppendInt(nil, dutyNs, 10)); err != nil {
		return c.wrap(err)
	}
	c.dutyNs = dutyNs
	return nil
}

// Start programs frequency and duty and enables the output.
func (c *Channel) Start(f physic.Frequency, frac float64) error {
	if err := c.SetFrequency(f); err != nil {
		return err
	}
	if err := c.SetDuty(frac); err != nil {
		return err
	}
	return c.Enable()
}

// Enable turns the output on with the programmed period and duty.
func (c *Channel) Enable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.periodNs == 0 {
		return errors.Errorf("hwpwm (%s): frequency not set", c)
	}
	if err := seekWrite(c.fEnable, bOne); err != nil {
		return c.wrap(err)
	}
	c.enabled = true
	return nil
}

// Stop turns the output off. The period and duty stay programmed.
func (c *Channel) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := seekWrite(c.fEnable, bZero); err != nil {
		return c.wrap(err)
	}
	c.enabled = false
	return nil
}

// SetPolarity chooses between normal and inversed output. Most PWM
// drivers only accept a polarity change while the channel is disabled.
func (c *Channel) SetPolarity(inverted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return errors.Errorf("hwpwm (%s): cannot change polarity while enabled", c)
	}
	f, err := os.OpenFile(fmt.Sprintf("%s/pwmchip%d/pwm%d/polarity", c.root, c.chip, c.channel), os.O_WRONLY, 0)
	if err != nil {
		return c.wrap(err)
	}
	defer f.Close()
	b := bNormal
	if inverted {
		b = bInversed
	}
	if _, err := f.Write(b); err != nil {
		return c.wrap(err)
	}
	c.inverted = inverted
	return nil
}

// Enabled reports whether the output is on.
func (c *Channel) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Frequency returns the programmed frequency, zero before SetFrequency.
func (c *Channel) Frequency() physic.Frequency {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freq
}

// Duty returns the programmed duty fraction.
func (c *Channel) Duty() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frac
}

// Inverted reports whether the output polarity is inversed.
func (c *Channel) Inverted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inverted
}

// Close disables the output, releases the attribute handles and
// unexports the channel.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if werr := seekWrite(c.fEnable, bZero); werr != nil {
		err = multierr.Append(err, c.wrap(werr))
	}
	c.enabled = false
	err = multierr.Append(err, c.fPeriod.Close())
	err = multierr.Append(err, c.fDuty.Close())
	err = multierr.Append(err, c.fEnable.Close())

	unexport := fmt.Sprintf("%s/pwmchip%d/unexport", c.root, c.chip)
	if f, oerr := os.OpenFile(unexport, os.O_WRONLY, 0); oerr == nil {
		if _, werr := f.Write(strconv.AppendInt(nil, int64(c.channel), 10)); werr != nil {
			err = multierr.Append(err, c.wrap(werr))
		}
		err = multierr.Append(err, f.Close())
	} else {
		err = multierr.Append(err, c.wrap(oerr))
	}
	return err
}

func (c *Channel) wrap(err error) error {
	return errors.Wrapf(err, "hwpwm (%s)", c)
}

// export asks the chip for the channel and waits out the udev race that
// briefly leaves the fresh attribute files inaccessible.
func export(chipDir, pwmDir string, channel int) error {
	if _, err := os.Stat(pwmDir + "/enable"); err == nil {
		// Already exported.
		return nil
	}
	f, err := os.OpenFile(chipDir+"/export", os.O_WRONLY, 0)
	if err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("need more access, try as root or setup udev rules: %v", err)
		}
		return err
	}
	defer f.Close()
	if _, err := f.Write(strconv.AppendInt(nil, int64(channel), 10)); err != nil && !errors.Is(err, unix.EBUSY) {
		if os.IsPermission(err) {
			return fmt.Errorf("need more access, try as root or setup udev rules: %v", err)
		}
		return err
	}
	for start := time.Now(); time.Since(start) < exportWait; {
		if _, err := os.Stat(pwmDir + "/enable"); err == nil {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return errors.Errorf("channel %d did not appear under %s", channel, chipDir)
}

// seekWrite rewrites a sysfs attribute from the start. Each write is one
// transaction for the kernel, so no truncation is needed.
func seekWrite(f *os.File, b []byte) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := f.Write(b)
	return err
}

// readInt reads a pseudo-file that is known to contain an integer and
// returns the parsed number.
func readInt(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var b [24]byte
	n, err := f.Read(b[:])
	if err != nil {
		return 0, err
	}
	raw := b[:n]
	if len(raw) == 0 || raw[len(raw)-1] != '\n' {
		return 0, errors.New("invalid value")
	}
	return strconv.Atoi(string(raw[:len(raw)-1]))
}
