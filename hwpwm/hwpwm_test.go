// Copyright 2025 The PiPinPP Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package hwpwm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"

	"github.com/Barbatos6669/PiPinPP-sub003/platform"
)

// newFakeChip builds a pwmchip0 with two exported-looking channels in a
// scratch directory.
func newFakeChip(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	chip := filepath.Join(root, "pwmchip0")
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(name, []byte(content), 0o644))
	}
	for _, pwm := range []string{"pwm0", "pwm1"} {
		dir := filepath.Join(chip, pwm)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		write(filepath.Join(dir, "period"), "0")
		write(filepath.Join(dir, "duty_cycle"), "0")
		write(filepath.Join(dir, "enable"), "0")
		write(filepath.Join(dir, "polarity"), "normal")
	}
	write(filepath.Join(chip, "npwm"), "2\n")
	write(filepath.Join(chip, "export"), "")
	write(filepath.Join(chip, "unexport"), "")
	return root
}

func readAttr(t *testing.T, root string, parts ...string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(append([]string{root}, parts...)...))
	require.NoError(t, err)
	return string(b)
}

func TestStartProgramsChannel(t *testing.T) {
	root := newFakeChip(t)
	c, err := New(0, 0, WithSysfsRoot(root))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Start(500*physic.Hertz, 0.25))
	assert.Equal(t, "2000000", readAttr(t, root, "pwmchip0", "pwm0", "period"))
	assert.Equal(t, "500000", readAttr(t, root, "pwmchip0", "pwm0", "duty_cycle"))
	assert.Equal(t, "1", readAttr(t, root, "pwmchip0", "pwm0", "enable"))
	assert.True(t, c.Enabled())
	assert.Equal(t, 0.25, c.Duty())
	assert.Equal(t, 500*physic.Hertz, c.Frequency())
}

func TestSetDuty(t *testing.T) {
	root := newFakeChip(t)
	c, err := New(0, 1, WithSysfsRoot(root))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Start(500*physic.Hertz, 0.25))
	require.NoError(t, c.SetDuty(0.75))
	assert.Equal(t, "1500000", readAttr(t, root, "pwmchip0", "pwm1", "duty_cycle"))

	// Out-of-range fractions clamp.
	require.NoError(t, c.SetDuty(2))
	assert.Equal(t, 1.0, c.Duty())
	require.NoError(t, c.SetDuty(-1))
	assert.Equal(t, 0.0, c.Duty())
}

func TestSetFrequencyKeepsDutyFraction(t *testing.T) {
	root := newFakeChip(t)
	c, err := New(0, 0, WithSysfsRoot(root))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Start(500*physic.Hertz, 0.5))
	require.NoError(t, c.SetFrequency(250*physic.Hertz))
	assert.Equal(t, "4000000", readAttr(t, root, "pwmchip0", "pwm0", "period"))
	assert.Equal(t, "2000000", readAttr(t, root, "pwmchip0", "pwm0", "duty_cycle"))
	assert.Equal(t, 250*physic.Hertz, c.Frequency())
	assert.Equal(t, 0.5, c.Duty())

	// Raising the frequency shrinks the period below the programmed duty;
	// the channel has to drop the duty first and restore the fraction.
	require.NoError(t, c.SetFrequency(physic.KiloHertz))
	assert.Equal(t, physic.KiloHertz, c.Frequency())
	assert.Equal(t, 0.5, c.Duty())
}

func TestConfigurationRequiresFrequency(t *testing.T) {
	root := newFakeChip(t)
	c, err := New(0, 0, WithSysfsRoot(root))
	require.NoError(t, err)
	defer c.Close()

	assert.Error(t, c.SetDuty(0.5))
	assert.Error(t, c.Enable())
	assert.Error(t, c.SetFrequency(0))
}

func TestPolarity(t *testing.T) {
	root := newFakeChip(t)
	c, err := New(0, 0, WithSysfsRoot(root))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SetPolarity(true))
	assert.Equal(t, "inversed", readAttr(t, root, "pwmchip0", "pwm0", "polarity"))
	assert.True(t, c.Inverted())

	require.NoError(t, c.Start(physic.KiloHertz, 0.5))
	assert.Error(t, c.SetPolarity(false), "polarity must be rejected while enabled")

	require.NoError(t, c.Stop())
	require.NoError(t, c.SetPolarity(false))
	assert.False(t, c.Inverted())
}

func TestStopAndClose(t *testing.T) {
	root := newFakeChip(t)
	c, err := New(0, 1, WithSysfsRoot(root))
	require.NoError(t, err)

	require.NoError(t, c.Start(physic.KiloHertz, 0.5))
	require.NoError(t, c.Stop())
	assert.Equal(t, "0", readAttr(t, root, "pwmchip0", "pwm1", "enable"))
	assert.False(t, c.Enabled())

	require.NoError(t, c.Close())
	assert.Equal(t, "1", readAttr(t, root, "pwmchip0", "unexport"))
	assert.Error(t, c.SetDuty(0.5), "closed channel must reject writes")
}

func TestNewErrors(t *testing.T) {
	root := newFakeChip(t)

	_, err := New(3, 0, WithSysfsRoot(root))
	assert.Error(t, err, "missing chip")

	_, err = New(0, 5, WithSysfsRoot(root))
	assert.Error(t, err, "channel beyond npwm")
}

func TestOpenMapsPinsThroughPlatform(t *testing.T) {
	root := newFakeChip(t)
	info := platform.Info{
		Board:    platform.BoardPi4,
		PWMChip:  0,
		PWMPins:  []int{12, 13, 18, 19},
		NumPins:  28,
		GPIOChip: "gpiochip0",
	}

	c, err := Open(info, 18, WithSysfsRoot(root))
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "pwmchip0/pwm0", c.String())

	_, err = Open(info, 17, WithSysfsRoot(root))
	assert.Error(t, err)
}
