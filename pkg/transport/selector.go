package transport

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/gousb"
)

// DeviceSelector specifies how to identify an adapter
// Supported formats:
//   - ""           : Use first available device
//   - "serial"     : Match by serial number (e.g., "1.0")
//   - "bus:addr"   : Match by USB bus and address (e.g., "1:10")
//   - "#N"         : Use Nth device, 0-indexed (e.g., "#0", "#1")
type DeviceSelector string

// SelectDevice opens the adapter matching the selector and closes the rest
func SelectDevice(ctx *gousb.Context, selector DeviceSelector, log *slog.Logger) (*USB, error) {
	devices, err := FindAllDevices(ctx, log)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, ErrNotFound
	}

	match, err := selector.pick(devices)
	for _, d := range devices {
		if d != match {
			d.Close()
		}
	}
	if err != nil {
		return nil, err
	}
	return match, nil
}

func (s DeviceSelector) pick(devices []*USB) (*USB, error) {
	sel := string(s)

	// Empty selector - use first device
	if sel == "" {
		return devices[0], nil
	}

	// Index selector: #0, #1, etc.
	if strings.HasPrefix(sel, "#") {
		index, err := strconv.Atoi(sel[1:])
		if err != nil {
			return nil, fmt.Errorf("invalid device index: %s", sel)
		}
		if index < 0 || index >= len(devices) {
			return nil, fmt.Errorf("%w: index %d out of range (found %d devices)", ErrNotFound, index, len(devices))
		}
		return devices[index], nil
	}

	// Bus:Address selector: 1:10, 2:5, etc.
	if strings.Contains(sel, ":") {
		parts := strings.SplitN(sel, ":", 2)
		bus, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid bus number: %s", parts[0])
		}
		addr, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid address number: %s", parts[1])
		}
		for _, d := range devices {
			if d.Bus == bus && d.Address == addr {
				return d, nil
			}
		}
		return nil, fmt.Errorf("%w: bus %d address %d", ErrNotFound, bus, addr)
	}

	// Serial number selector
	var matches []*USB
	for _, d := range devices {
		if d.Serial == sel {
			matches = append(matches, d)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: serial %s", ErrNotFound, sel)
	case 1:
		return matches[0], nil
	}
	return nil, fmt.Errorf("multiple devices (%d) found with serial %s; use bus:addr format (e.g., 1:10) or index format (e.g., #0)", len(matches), sel)
}

// DeviceFlagUsage returns usage text for the -d flag
func DeviceFlagUsage() string {
	return `Device selector. Formats:
    ""        - Use first available device
    "serial"  - Match by serial number
    "bus:addr"- Match by USB location (e.g., "1:10")
    "#N"      - Use Nth device, 0-indexed (e.g., "#0", "#1")`
}
