// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vram

import (
	"errors"
	"fmt"
	"math"
)

// Select the first device found instead of a specific index.
const FirstDevice = -1

var memUnits = []string{"bytes", "kB", "MB", "GB", "TB"}

// Enumerate lists devices of the driver. Any failure of the runtime is
// reported as ErrEnumeration.
func Enumerate(drv Driver) ([]Device, error) {
	devices, err := drv.Devices()
	if err != nil {
		if errors.Is(err, ErrEnumeration) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrEnumeration, err)
	}

	for i := range devices {
		devices[i].Index = i
	}

	return devices, nil
}

// Select returns devices[index] or the first device when index is
// FirstDevice (or any other negative value).
func Select(devices []Device, index int) (Device, error) {
	if index < 0 {
		if len(devices) == 0 {
			return Device{}, ErrNoDevice
		}
		return devices[0], nil
	}

	if index >= len(devices) {
		return Device{}, fmt.Errorf("%w: GPU device %d does not exist, %d found",
			ErrDeviceNotFound, index, len(devices))
	}

	return devices[index], nil
}

// Describe returns the name of the device and its formatted memory size.
func Describe(d Device) (string, string) {
	name := d.Name
	if name == "" {
		name = "Unknown"
	}

	return name, FormatMemSize(d.MemSize)
}

// FormatMemSize formats bytes with binary unit scaling, e.g. 512 bytes,
// 2.00 kB, 1.00 GB. Sizes beyond TB fall back to an explicit power of two.
func FormatMemSize(bytes int64) string {
	mem := math.Max(float64(bytes), 0)

	power := 0
	for mem >= 1024 {
		power++
		mem /= 1024
	}

	if power == 0 {
		return fmt.Sprintf("%.0f bytes", mem)
	}

	if power < len(memUnits) {
		return fmt.Sprintf("%.2f %s", mem, memUnits[power])
	}

	return fmt.Sprintf("%.2f x 2^%d", mem, power*10)
}
