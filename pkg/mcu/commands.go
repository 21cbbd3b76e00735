package mcu

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/herlein/wlanusb/pkg/regs"
)

// MemmapWLAN is where the MCU sees the WLAN register window
const MemmapWLAN = 0x410000

const (
	pairsPerCmd = InbandMaxLen / 8
	burstPerCmd = InbandMaxLen/4 - 1
)

func words(vals ...uint32) []byte {
	b := make([]byte, 0, 4*len(vals))
	for _, v := range vals {
		b = binary.LittleEndian.AppendUint32(b, v)
	}
	return b
}

// FunctionSelect configures a firmware function. Queue selection is not
// acknowledged by the firmware, so it is sent without waiting.
func (c *Channel) FunctionSelect(ctx context.Context, fn Function, val uint32) error {
	_, err := c.SendCommand(ctx, CmdFunSetOp, words(uint32(fn), val), fn != FuncQSelect)
	return err
}

// TSSIReadKick triggers a TSSI measurement
func (c *Channel) TSSIReadKick(ctx context.Context, useHVGA bool) error {
	var v uint32
	if useHVGA {
		v = 1
	}
	return c.FunctionSelect(ctx, FuncAtomicTSSISetting, v)
}

// PowerSaving switches the radio power mode
func (c *Channel) PowerSaving(ctx context.Context, mode PowerMode, level uint32) error {
	_, err := c.SendCommand(ctx, CmdPowerSavingOp, words(uint32(mode), level), true)
	return err
}

// Calibrate runs one firmware calibration routine
func (c *Channel) Calibrate(ctx context.Context, cal Calibration, val uint32) error {
	_, err := c.SendCommand(ctx, CmdCalibrationOp, words(uint32(cal), val), true)
	return err
}

// LEDMode sets the LED behaviour
func (c *Channel) LEDMode(ctx context.Context, mode uint32) error {
	_, err := c.SendCommand(ctx, CmdLEDModeOp, words(mode, 0), false)
	return err
}

// RandomWrite writes arbitrary register/value pairs through the firmware.
// Pairs are split into commands that fit one in-band packet; only the last
// command waits for a response.
func (c *Channel) RandomWrite(ctx context.Context, pairs []regs.Pair) error {
	for len(pairs) > 0 {
		n := min(len(pairs), pairsPerCmd)
		buf := make([]byte, 0, 8*n)
		for _, p := range pairs[:n] {
			buf = binary.LittleEndian.AppendUint32(buf, MemmapWLAN+p.Reg)
			buf = binary.LittleEndian.AppendUint32(buf, p.Value)
		}
		pairs = pairs[n:]
		if _, err := c.SendCommand(ctx, CmdRandomWrite, buf, len(pairs) == 0); err != nil {
			return err
		}
	}
	return nil
}

// BurstWrite writes consecutive registers starting at off through the
// firmware. Only the last command waits for a response.
func (c *Channel) BurstWrite(ctx context.Context, off uint32, vals []uint32) error {
	if off%4 != 0 {
		return fmt.Errorf("burst write at %#x: %w", off, regs.ErrUnaligned)
	}
	for len(vals) > 0 {
		n := min(len(vals), burstPerCmd)
		buf := words(append([]uint32{MemmapWLAN + off}, vals[:n]...)...)
		vals = vals[n:]
		off += uint32(4 * n)
		if _, err := c.SendCommand(ctx, CmdBurstWrite, buf, len(vals) == 0); err != nil {
			return err
		}
	}
	return nil
}
