// Copyright 2025 The PiPinPP Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package platform identifies the host board and the GPIO topology that
// follows from it: how many lines the header exposes, which character
// device serves them and which pins have hardware PWM behind them.
//
// Detection reads the device tree model string and falls back to the
// Hardware field of /proc/cpuinfo, which is enough to tell the supported
// boards apart without touching any peripheral.
package platform

import (
	"strings"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3/distro"
)

// Board enumerates the boards with dedicated pin topology knowledge.
// Everything else falls back to BoardUnknown with Raspberry Pi style
// defaults, which is what most clones copy anyway.
type Board int

const (
	BoardUnknown Board = iota
	BoardPi3
	BoardPi4
	BoardPi5
	BoardPiZero2
	BoardPiCM4
	BoardPiLegacy
	BoardNanoPi
	BoardOrangePi
	BoardBeagleBone
	BoardJetson
)

var boardNames = map[Board]string{
	BoardUnknown:    "unknown",
	BoardPi3:        "Raspberry Pi 3",
	BoardPi4:        "Raspberry Pi 4",
	BoardPi5:        "Raspberry Pi 5",
	BoardPiZero2:    "Raspberry Pi Zero 2",
	BoardPiCM4:      "Raspberry Pi CM4",
	BoardPiLegacy:   "Raspberry Pi (legacy)",
	BoardNanoPi:     "NanoPi",
	BoardOrangePi:   "Orange Pi",
	BoardBeagleBone: "BeagleBone",
	BoardJetson:     "Jetson",
}

func (b Board) String() string {
	if s, ok := boardNames[b]; ok {
		return s
	}
	return "unknown"
}

// DefaultSoftPWMCeiling is the software PWM frequency ceiling used when a
// board has no specific one.
const DefaultSoftPWMCeiling = 5 * physic.KiloHertz

// Info describes the detected board. PWMPins is shared; do not mutate it.
type Info struct {
	Board          Board
	Model          string
	NumPins        int
	GPIOChip       string
	PWMChip        int
	DefaultI2CBus  int
	PWMPins        []int
	SoftPWMCeiling physic.Frequency
}

// HasHardwarePWM reports whether pin is backed by a hardware PWM channel.
func (i Info) HasHardwarePWM(pin int) bool {
	for _, p := range i.PWMPins {
		if p == pin {
			return true
		}
	}
	return false
}

// PWMChannel returns the hardware PWM channel behind pin on Info's PWM
// chip. ok is false when the pin has no hardware PWM.
func (i Info) PWMChannel(pin int) (int, bool) {
	if !i.HasHardwarePWM(pin) {
		return 0, false
	}
	return piPWMChannels[pin], true
}

// The BCM pins muxable to the two PWM channels, identical across the
// Raspberry Pi family including the Pi 5's RP1.
var (
	piPWMPins     = []int{12, 13, 18, 19}
	piPWMChannels = map[int]int{12: 0, 13: 1, 18: 0, 19: 1}
)

// Detect classifies the current host.
func Detect() Info {
	return classify(distro.DTModel(), distro.CPUInfo()["Hardware"])
}

// classify derives the board info from the device tree model string and
// the cpuinfo Hardware field. A failed device tree read yields the
// literal "<unknown>".
func classify(model, hardware string) Info {
	info := Info{
		Board:          BoardUnknown,
		Model:          model,
		NumPins:        28,
		GPIOChip:       "gpiochip0",
		DefaultI2CBus:  1,
		SoftPWMCeiling: DefaultSoftPWMCeiling,
	}
	if model == "<unknown>" {
		info.Model = ""
	}

	switch {
	case strings.HasPrefix(model, "Raspberry Pi 5"),
		strings.HasPrefix(model, "Raspberry Pi Compute Module 5"):
		info.Board = BoardPi5
		// The RP1 exposes the header bank on the fifth gpiochip and its
		// PWM on the third pwmchip.
		info.GPIOChip = "gpiochip4"
		info.PWMChip = 2
		info.PWMPins = piPWMPins
	case strings.HasPrefix(model, "Raspberry Pi 4"):
		// Also matches the Pi 400.
		info.Board = BoardPi4
		info.PWMPins = piPWMPins
	case strings.HasPrefix(model, "Raspberry Pi Compute Module 4"):
		info.Board = BoardPiCM4
		info.PWMPins = piPWMPins
	case strings.HasPrefix(model, "Raspberry Pi 3"):
		info.Board = BoardPi3
		info.PWMPins = piPWMPins
	case strings.HasPrefix(model, "Raspberry Pi Zero 2"):
		info.Board = BoardPiZero2
		info.PWMPins = piPWMPins
	case strings.HasPrefix(model, "Raspberry Pi"):
		info.Board = BoardPiLegacy
		info.PWMPins = piPWMPins
	case strings.HasPrefix(model, "FriendlyARM"), strings.HasPrefix(model, "FriendlyElec"):
		info.Board = BoardNanoPi
		info.DefaultI2CBus = 0
	case strings.HasPrefix(model, "OrangePi"), strings.Contains(model, "Orange Pi"):
		info.Board = BoardOrangePi
		info.DefaultI2CBus = 0
	case strings.Contains(model, "BeagleBone"):
		info.Board = BoardBeagleBone
		info.NumPins = 46
	case strings.Contains(model, "Jetson"):
		info.Board = BoardJetson
		info.NumPins = 40
	default:
		if strings.Contains(hardware, "BCM") {
			info.Board = BoardPiLegacy
			info.PWMPins = piPWMPins
		}
	}
	return info
}
