// Copyright 2025 The PiPinPP Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// pipinpp is a command line tool for poking GPIO pins, in the spirit of
// WiringPi's gpio utility.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	pipinpp "github.com/Barbatos6669/PiPinPP-sub003"
	"github.com/Barbatos6669/PiPinPP-sub003/platform"
)

const version = "0.4.0"

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "help", "--help", "-h":
		showUsage()
	case "version", "--version", "-v":
		fmt.Printf("pipinpp %s\n", version)
	case "info":
		runInfo()
	case "read":
		pin := pinArg(2, "read <pin>")
		runRead(pin)
	case "write":
		pin := pinArg(2, "write <pin> <value>")
		level, err := parseLevel(arg(3, "write <pin> <value>"))
		if err != nil {
			fail(err)
		}
		check(runWrite(pin, level))
	case "mode":
		pin := pinArg(2, "mode <pin> <mode>")
		mode, err := parseMode(arg(3, "mode <pin> <mode>"))
		if err != nil {
			fail(err)
		}
		check(runMode(pin, mode))
	case "toggle":
		pin := pinArg(2, "toggle <pin>")
		check(runToggle(pin))
	case "blink":
		pin := pinArg(2, "blink <pin> [interval_ms]")
		interval := 500
		if len(os.Args) > 3 {
			v, err := strconv.Atoi(os.Args[3])
			if err != nil || v <= 0 {
				fail(fmt.Errorf("invalid interval %q", os.Args[3]))
			}
			interval = v
		}
		check(runBlink(pin, interval))
	case "pwm":
		pin := pinArg(2, "pwm <pin> <value>")
		value, err := strconv.Atoi(arg(3, "pwm <pin> <value>"))
		if err != nil {
			fail(fmt.Errorf("invalid pwm value %q", os.Args[3]))
		}
		check(runPWM(pin, value))
	case "benchmark":
		pin := 17
		if len(os.Args) > 2 {
			pin = pinArg(2, "benchmark [pin]")
		}
		check(runBenchmark(pin))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		showUsage()
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`pipinpp - GPIO control for Raspberry Pi and friends

USAGE:
    pipinpp <command> [arguments]

COMMANDS:
    info                  Show detected platform details
    read <pin>            Read a pin, print 0 or 1 (also the exit code)
    write <pin> <value>   Drive a pin (0/low or 1/high)
    mode <pin> <mode>     Configure a pin (in, out, up, down)
    toggle <pin>          Invert an output pin
    blink <pin> [ms]      Blink a pin until interrupted (default 500ms)
    pwm <pin> <value>     Emit software PWM, duty 0-255, until interrupted
    benchmark [pin]       Measure digital write throughput (default pin 17)
    version               Show version information
    help                  Show this message

EXAMPLES:
    pipinpp mode 17 out   # Set GPIO17 as output
    pipinpp write 17 1    # Set GPIO17 high
    pipinpp read 18       # Read GPIO18, exit code is the level
    pipinpp blink 17 1000 # Blink GPIO17 at 1 second intervals
    pipinpp pwm 18 128    # 50% duty cycle on GPIO18`)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "pipinpp: %v\n", err)
	os.Exit(1)
}

func check(err error) {
	if err != nil {
		fail(err)
	}
}

// arg returns positional argument i or dies with a usage line.
func arg(i int, usage string) string {
	if len(os.Args) <= i {
		fmt.Fprintf(os.Stderr, "usage: pipinpp %s\n", usage)
		os.Exit(1)
	}
	return os.Args[i]
}

func pinArg(i int, usage string) int {
	s := arg(i, usage)
	pin, err := strconv.Atoi(s)
	if err != nil {
		fail(fmt.Errorf("invalid pin %q", s))
	}
	return pin
}

func parseLevel(s string) (pipinpp.Level, error) {
	switch strings.ToLower(s) {
	case "1", "high", "on":
		return pipinpp.High, nil
	case "0", "low", "off":
		return pipinpp.Low, nil
	}
	return pipinpp.Low, fmt.Errorf("invalid level %q (want 0, 1, low or high)", s)
}

func parseMode(s string) (pipinpp.Mode, error) {
	switch strings.ToLower(s) {
	case "in", "input":
		return pipinpp.Input, nil
	case "out", "output":
		return pipinpp.Output, nil
	case "up", "pullup":
		return pipinpp.InputPullup, nil
	case "down", "pulldown":
		return pipinpp.InputPulldown, nil
	}
	return 0, fmt.Errorf("invalid mode %q (want in, out, up or down)", s)
}

func runInfo() {
	info := platform.Detect()
	fmt.Printf("Board:           %s\n", info.Board)
	if info.Model != "" {
		fmt.Printf("Model:           %s\n", info.Model)
	}
	fmt.Printf("GPIO lines:      %d\n", info.NumPins)
	fmt.Printf("GPIO chip:       /dev/%s\n", info.GPIOChip)
	fmt.Printf("I2C bus:         /dev/i2c-%d\n", info.DefaultI2CBus)
	if len(info.PWMPins) > 0 {
		fmt.Printf("PWM chip:        pwmchip%d\n", info.PWMChip)
		fmt.Printf("PWM pins:        %v\n", info.PWMPins)
	}
	fmt.Printf("Soft PWM limit:  %s\n", info.SoftPWMCeiling)
}

// runRead exits with the pin level so scripts can branch on it.
func runRead(pin int) {
	b, err := pipinpp.New()
	if err != nil {
		fail(err)
	}
	if err := b.PinMode(pin, pipinpp.Input); err != nil {
		b.Close()
		fail(err)
	}
	level, err := b.DigitalRead(pin)
	b.Close()
	if err != nil {
		fail(err)
	}
	value := 0
	if level {
		value = 1
	}
	fmt.Println(value)
	os.Exit(value)
}

func runWrite(pin int, level pipinpp.Level) error {
	b, err := pipinpp.New()
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.DigitalWrite(pin, level); err != nil {
		return err
	}
	name := "LOW"
	if level {
		name = "HIGH"
	}
	fmt.Printf("GPIO%d = %s\n", pin, name)
	return nil
}

func runMode(pin int, mode pipinpp.Mode) error {
	b, err := pipinpp.New()
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.PinMode(pin, mode); err != nil {
		return err
	}
	fmt.Printf("GPIO%d set to %s\n", pin, mode)
	return nil
}

func runToggle(pin int) error {
	b, err := pipinpp.New()
	if err != nil {
		return err
	}
	defer b.Close()
	before, err := b.DigitalRead(pin)
	if err != nil {
		return err
	}
	if err := b.DigitalWrite(pin, !before); err != nil {
		return err
	}
	fmt.Printf("GPIO%d toggled: %v -> %v\n", pin, before, !before)
	return nil
}

func runBlink(pin, intervalMs int) error {
	b, err := pipinpp.New()
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.PinMode(pin, pipinpp.Output); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Blinking GPIO%d every %dms, Ctrl+C to stop\n", pin, intervalMs)
	interval := time.Duration(intervalMs) * time.Millisecond
	level := pipinpp.High
	for {
		if err := b.DigitalWrite(pin, level); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			fmt.Printf("\nStopped, GPIO%d set low\n", pin)
			return b.DigitalWrite(pin, pipinpp.Low)
		case <-time.After(interval):
		}
		level = !level
	}
}

// runPWM keeps the process alive while emitting. The waveform is
// generated in-process, so exiting would stop it.
func runPWM(pin, value int) error {
	if value < 0 || value > 255 {
		return fmt.Errorf("pwm value must be 0-255, got %d", value)
	}
	b, err := pipinpp.New()
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.AnalogWrite(pin, value); err != nil {
		return err
	}
	fmt.Printf("GPIO%d PWM = %d (%.1f%%), Ctrl+C to stop\n", pin, value, float64(value)/255*100)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	fmt.Println()
	return nil
}

func runBenchmark(pin int) error {
	const iterations = 100000

	b, err := pipinpp.New()
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.PinMode(pin, pipinpp.Output); err != nil {
		return err
	}

	fmt.Printf("Benchmarking GPIO%d, %d iterations\n", pin, iterations)
	start := pipinpp.Micros()
	for i := 0; i < iterations; i++ {
		if err := b.DigitalWrite(pin, pipinpp.High); err != nil {
			return err
		}
		if err := b.DigitalWrite(pin, pipinpp.Low); err != nil {
			return err
		}
	}
	elapsed := pipinpp.Micros() - start

	toggles := float64(iterations) * 2
	fmt.Printf("Total time:         %d µs\n", elapsed)
	fmt.Printf("Toggles per second: %.0f\n", toggles/(float64(elapsed)/1e6))
	fmt.Printf("Time per toggle:    %.2f µs\n", float64(elapsed)/toggles)
	return nil
}
