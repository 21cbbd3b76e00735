package device

import (
	"context"
	"fmt"

	"periph.io/x/periph/conn/physic"

	"github.com/herlein/wlanusb/pkg/mcu"
	"github.com/herlein/wlanusb/pkg/regs"
	"github.com/herlein/wlanusb/pkg/state"
)

// Hardware is what the PHY collaborator may drive
type Hardware struct {
	Regs *regs.Access
	MCU  *mcu.Channel
}

func (d *Device) hardware() Hardware {
	return Hardware{Regs: d.regs, MCU: d.mcu}
}

// PHY is the radio side of the adapter: calibration, channel tuning and
// whatever else needs the register and firmware paths but not the rings.
type PHY interface {
	Init(ctx context.Context, hw Hardware) error
	SetChannel(ctx context.Context, hw Hardware, ch Channel) error
}

// NopPHY accepts every request without touching the hardware
type NopPHY struct{}

func (NopPHY) Init(context.Context, Hardware) error {
	return nil
}

func (NopPHY) SetChannel(context.Context, Hardware, Channel) error {
	return nil
}

// Channel is an 802.11 channel
type Channel struct {
	Number int
	Center physic.Frequency
}

func (c Channel) String() string {
	if c.Number == 0 {
		return "none"
	}
	return fmt.Sprintf("ch %d (%s)", c.Number, c.Center)
}

// Is5G reports whether the channel is in the 5 GHz band
func (c Channel) Is5G() bool {
	return c.Center > 4*physic.GigaHertz
}

// Channel2G returns 2.4 GHz channel n
func Channel2G(n int) (Channel, error) {
	switch {
	case n >= 1 && n <= 13:
		return Channel{Number: n, Center: physic.Frequency(2407+5*n) * physic.MegaHertz}, nil
	case n == 14:
		return Channel{Number: n, Center: 2484 * physic.MegaHertz}, nil
	}
	return Channel{}, fmt.Errorf("%w: 2.4GHz channel %d", ErrInvalidChannel, n)
}

// Channel5G returns 5 GHz channel n
func Channel5G(n int) (Channel, error) {
	if n < 36 || n > 177 || n%2 != 0 {
		return Channel{}, fmt.Errorf("%w: 5GHz channel %d", ErrInvalidChannel, n)
	}
	return Channel{Number: n, Center: physic.Frequency(5000+5*n) * physic.MegaHertz}, nil
}

// SetChannel tunes the radio through the PHY
func (d *Device) SetChannel(ctx context.Context, ch Channel) error {
	if ch.Number == 0 || ch.Center == 0 {
		return fmt.Errorf("%w: %v", ErrInvalidChannel, ch)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.flags.Require(state.Initialized); err != nil {
		return err
	}
	if err := d.phy.SetChannel(ctx, d.hardware(), ch); err != nil {
		return fmt.Errorf("set %v: %w", ch, err)
	}
	d.channel = ch
	d.log.Debug("channel set", "channel", ch.Number, "center", ch.Center.String())
	return nil
}

// CurrentChannel returns the last channel set
func (d *Device) CurrentChannel() Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channel
}

// ScanStart marks a scan in progress. It reports false if one already was.
func (d *Device) ScanStart() bool {
	return !d.flags.Set(state.Scanning)
}

// ScanComplete clears the scan marker
func (d *Device) ScanComplete() {
	d.flags.Clear(state.Scanning)
}

// Scanning reports whether a scan is in progress
func (d *Device) Scanning() bool {
	return d.flags.Has(state.Scanning)
}
