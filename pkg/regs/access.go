// Package regs reads and writes the radio's 32-bit registers over vendor
// control requests, and drives the indirect baseband (BBP) register window.
package regs

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/herlein/wlanusb/pkg/logging"
	"github.com/herlein/wlanusb/pkg/state"
	"github.com/herlein/wlanusb/pkg/transport"
)

// Config controls retry behavior of the control pipe
type Config struct {
	Retries           int
	Timeout           time.Duration // per attempt
	RetryDelay        time.Duration
	ASICReadyAttempts int
	BBPTimeout        time.Duration
}

// DefaultConfig returns the retry policy the chip needs in practice
func DefaultConfig() Config {
	return Config{
		Retries:           10,
		Timeout:           300 * time.Millisecond,
		RetryDelay:        5 * time.Millisecond,
		ASICReadyAttempts: 100,
		BBPTimeout:        100 * time.Millisecond,
	}
}

// Access serializes register traffic to one device.
//
// One vendor request is on the wire at a time. Read-modify-write sequences
// and BBP window transactions take a second lock so they stay atomic with
// respect to each other without blocking plain reads and writes for longer
// than one request.
type Access struct {
	bus   transport.Bus
	flags *state.Flags
	cfg   Config
	log   *slog.Logger

	reqMu    sync.Mutex
	atomicMu sync.Mutex

	requests atomic.Uint64
	retries  atomic.Uint64
	failures atomic.Uint64
}

// Stats counts control pipe traffic
type Stats struct {
	Requests uint64 `json:"requests"`
	Retries  uint64 `json:"retries"`
	Failures uint64 `json:"failures"`
}

// New creates register access over bus. flags is shared with the rest of
// the device and receives Removed when the device disappears.
func New(bus transport.Bus, flags *state.Flags, cfg Config, log *slog.Logger) *Access {
	def := DefaultConfig()
	if cfg.Retries <= 0 {
		cfg.Retries = def.Retries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ASICReadyAttempts <= 0 {
		cfg.ASICReadyAttempts = def.ASICReadyAttempts
	}
	if cfg.BBPTimeout <= 0 {
		cfg.BBPTimeout = def.BBPTimeout
	}
	return &Access{
		bus:   bus,
		flags: flags,
		cfg:   cfg,
		log:   logging.For(log, logging.ComponentRegs),
	}
}

// Stats returns a snapshot of the request counters
func (a *Access) Stats() Stats {
	return Stats{
		Requests: a.requests.Load(),
		Retries:  a.retries.Load(),
		Failures: a.failures.Load(),
	}
}

// VendorRequest issues one control request, retrying transient failures.
// Each attempt is bounded by the per-attempt timeout. Losing the device
// marks it removed and fails immediately.
func (a *Access) VendorRequest(ctx context.Context, req uint8, dir transport.Direction, value, index uint16, buf []byte) (int, error) {
	a.reqMu.Lock()
	defer a.reqMu.Unlock()
	return a.vendorRequestLocked(ctx, req, dir, value, index, buf)
}

// vendorRequestLocked is VendorRequest with reqMu already held
func (a *Access) vendorRequestLocked(ctx context.Context, req uint8, dir transport.Direction, value, index uint16, buf []byte) (int, error) {
	var lastErr error
	for attempt := 0; attempt < a.cfg.Retries; attempt++ {
		if a.flags.Removed() {
			return 0, state.ErrDeviceRemoved
		}
		if attempt > 0 {
			a.retries.Add(1)
		}
		a.requests.Add(1)

		actx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		n, err := a.bus.Control(actx, req, dir, value, index, buf)
		cancel()
		if err == nil {
			return n, nil
		}
		if errors.Is(err, transport.ErrNoDevice) {
			if a.flags.MarkRemoved() {
				a.log.Warn("device removed", "req", req, "index", index)
			}
			return 0, state.ErrDeviceRemoved
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		lastErr = err
		a.log.Debug("vendor request failed", "req", req, "dir", dir, "index", index, "attempt", attempt+1, "err", err)

		if err := sleep(ctx, a.cfg.RetryDelay); err != nil {
			return 0, err
		}
	}

	a.failures.Add(1)
	a.log.Error("vendor request gave up", "req", req, "index", index, "attempts", a.cfg.Retries, "err", lastErr)
	return 0, fmt.Errorf("%w: request %#02x index %#04x after %d attempts: %w",
		ErrUnresponsive, req, index, a.cfg.Retries, lastErr)
}

// Read returns the 32-bit register at off
func (a *Access) Read(ctx context.Context, off uint32) (uint32, error) {
	var buf [4]byte
	n, err := a.VendorRequest(ctx, transport.VendorMultiRead, transport.DirIn, 0, uint16(off), buf[:])
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, fmt.Errorf("%w: short read of reg %#04x (%d bytes)", ErrUnresponsive, off, n)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Write stores val at off as two 16-bit vendor writes, low half first
func (a *Access) Write(ctx context.Context, off, val uint32) error {
	return a.write(ctx, transport.VendorWrite, off, val)
}

// WriteFCE writes through the FCE register path
func (a *Access) WriteFCE(ctx context.Context, off, val uint32) error {
	return a.write(ctx, transport.VendorWriteFCE, off, val)
}

// write holds reqMu across both halves so the chip never latches a mix of
// two writers
func (a *Access) write(ctx context.Context, req uint8, off, val uint32) error {
	a.reqMu.Lock()
	defer a.reqMu.Unlock()
	if _, err := a.vendorRequestLocked(ctx, req, transport.DirOut, uint16(val), uint16(off), nil); err != nil {
		return err
	}
	_, err := a.vendorRequestLocked(ctx, req, transport.DirOut, uint16(val>>16), uint16(off+2), nil)
	return err
}

// RMW replaces the bits of off selected by mask with val and returns the
// new value
func (a *Access) RMW(ctx context.Context, off, mask, val uint32) (uint32, error) {
	a.atomicMu.Lock()
	defer a.atomicMu.Unlock()
	return a.rmw(ctx, off, mask, val)
}

func (a *Access) rmw(ctx context.Context, off, mask, val uint32) (uint32, error) {
	cur, err := a.Read(ctx, off)
	if err != nil {
		return 0, err
	}
	next := cur&^mask | val
	if err := a.Write(ctx, off, next); err != nil {
		return 0, err
	}
	return next, nil
}

// RMC is RMW that skips the write when nothing would change
func (a *Access) RMC(ctx context.Context, off, mask, val uint32) (uint32, error) {
	a.atomicMu.Lock()
	defer a.atomicMu.Unlock()

	cur, err := a.Read(ctx, off)
	if err != nil {
		return 0, err
	}
	next := cur&^mask | val
	if next != cur {
		if err := a.Write(ctx, off, next); err != nil {
			return 0, err
		}
	}
	return next, nil
}

// Set sets bits in off
func (a *Access) Set(ctx context.Context, off, bits uint32) error {
	_, err := a.RMW(ctx, off, 0, bits)
	return err
}

// Clear clears bits in off
func (a *Access) Clear(ctx context.Context, off, bits uint32) error {
	_, err := a.RMW(ctx, off, bits, 0)
	return err
}

// Poll reads off until (value & mask) == val or timeout passes, checking
// at a short interval
func (a *Access) Poll(ctx context.Context, off, mask, val uint32, timeout time.Duration) error {
	return a.poll(ctx, off, mask, val, timeout, 10*time.Microsecond)
}

// PollMsec is Poll for slow conditions, checking every 10ms
func (a *Access) PollMsec(ctx context.Context, off, mask, val uint32, timeout time.Duration) error {
	return a.poll(ctx, off, mask, val, timeout, 10*time.Millisecond)
}

func (a *Access) poll(ctx context.Context, off, mask, val uint32, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		cur, err := a.Read(ctx, off)
		if err != nil {
			return err
		}
		if cur&mask == val {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: reg %#04x mask %#08x want %#08x got %#08x",
				ErrPollTimeout, off, mask, val, cur&mask)
		}
		if err := sleep(ctx, interval); err != nil {
			return err
		}
	}
}

// WriteCopy writes whole words starting at off in one request
func (a *Access) WriteCopy(ctx context.Context, off uint32, data []byte) error {
	if off&3 != 0 || len(data)&3 != 0 {
		return fmt.Errorf("%w: offset %#04x length %d", ErrUnaligned, off, len(data))
	}
	if len(data) == 0 {
		return nil
	}
	_, err := a.VendorRequest(ctx, transport.VendorMultiWrite, transport.DirOut, 0, uint16(off), data)
	return err
}

// ReadCopy fills dst with whole words starting at off
func (a *Access) ReadCopy(ctx context.Context, off uint32, dst []byte) error {
	if off&3 != 0 || len(dst)&3 != 0 {
		return fmt.Errorf("%w: offset %#04x length %d", ErrUnaligned, off, len(dst))
	}
	n, err := a.VendorRequest(ctx, transport.VendorMultiRead, transport.DirIn, 0, uint16(off), dst)
	if err != nil {
		return err
	}
	if n != len(dst) {
		return fmt.Errorf("%w: short read at %#04x (%d of %d bytes)", ErrUnresponsive, off, n, len(dst))
	}
	return nil
}

// AddrWrite stores a MAC address into the register pair at off. The upper
// word carries the last two octets and an all-ones mask byte.
func (a *Access) AddrWrite(ctx context.Context, off uint32, addr [6]byte) error {
	if err := a.Write(ctx, off, binary.LittleEndian.Uint32(addr[:4])); err != nil {
		return err
	}
	return a.Write(ctx, off+4, uint32(addr[4])|uint32(addr[5])<<8|0xff<<16)
}

// Pair is one register write of a table
type Pair struct {
	Reg   uint32
	Value uint32
}

// WritePairs writes each pair at base+Reg in order
func (a *Access) WritePairs(ctx context.Context, base uint32, pairs []Pair) error {
	for _, p := range pairs {
		if err := a.Write(ctx, base+p.Reg, p.Value); err != nil {
			return fmt.Errorf("reg %#04x: %w", base+p.Reg, err)
		}
	}
	return nil
}

// BurstWrite writes consecutive registers starting at off
func (a *Access) BurstWrite(ctx context.Context, off uint32, vals []uint32) error {
	for i, v := range vals {
		if err := a.Write(ctx, off+uint32(i)*4, v); err != nil {
			return err
		}
	}
	return nil
}

// VendorReset asks the chip to reset itself
func (a *Access) VendorReset(ctx context.Context) error {
	_, err := a.VendorRequest(ctx, transport.VendorDevMode, transport.DirOut, transport.VendorDevModeReset, 0, nil)
	return err
}

// WaitASICReady polls MAC_CSR0 until it reads back something other than
// all zeros or all ones
func (a *Access) WaitASICReady(ctx context.Context) error {
	for i := 0; i < a.cfg.ASICReadyAttempts; i++ {
		v, err := a.Read(ctx, RegMACCSR0)
		if err != nil {
			return err
		}
		if v != 0 && v != 0xffffffff {
			return nil
		}
		if err := sleep(ctx, time.Millisecond); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: ASIC not ready after %d polls", ErrUnresponsive, a.cfg.ASICReadyAttempts)
}

// ReadSnapshot reads the diagnostic register set
func (a *Access) ReadSnapshot(ctx context.Context) (*Snapshot, error) {
	s := &Snapshot{}
	fields := []struct {
		off uint32
		dst *uint32
	}{
		{RegASICVersion, &s.ASICVersion},
		{RegWPDMAGloCfg, &s.WPDMAGloCfg},
		{RegUSBDMACfg, &s.USBDMACfg},
		{RegMACCSR0, &s.MACCSR0},
		{RegMACSysCtrl, &s.MACSysCtrl},
		{RegMACAddrDW0, &s.MACAddrDW0},
		{RegMACAddrDW1, &s.MACAddrDW1},
		{RegMACStatus, &s.MACStatus},
		{RegRxFilterCfg, &s.RxFilterCfg},
	}
	for _, f := range fields {
		v, err := a.Read(ctx, f.off)
		if err != nil {
			return nil, fmt.Errorf("failed to read reg %#04x: %w", f.off, err)
		}
		*f.dst = v
	}
	return s, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
