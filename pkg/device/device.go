// Package device brings the adapter up and ties the register, firmware and
// DMA layers together behind one handle.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"periph.io/x/periph/conn"

	"github.com/herlein/wlanusb/pkg/config"
	"github.com/herlein/wlanusb/pkg/dma"
	"github.com/herlein/wlanusb/pkg/logging"
	"github.com/herlein/wlanusb/pkg/mcu"
	"github.com/herlein/wlanusb/pkg/regs"
	"github.com/herlein/wlanusb/pkg/state"
	"github.com/herlein/wlanusb/pkg/transport"
	"github.com/herlein/wlanusb/pkg/wcid"
)

var _ conn.Resource = (*Device)(nil)

// Option configures a Device
type Option func(*Device)

// WithLogger sets the logger; components tag their records from it
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) { d.log = l }
}

// WithFrameHandler receives every segment the RX ring delivers
func WithFrameHandler(h dma.Handler) Option {
	return func(d *Device) { d.onFrame = h }
}

// WithTxReporter receives ring completions for submitted frames
func WithTxReporter(r dma.Reporter) Option {
	return func(d *Device) { d.onTx = r }
}

// WithTxStatusReporter receives entries drained from the TX status FIFO
func WithTxStatusReporter(fn func(TxStatus)) Option {
	return func(d *Device) { d.onStatus = fn }
}

// WithPHY installs the radio collaborator
func WithPHY(p PHY) Option {
	return func(d *Device) { d.phy = p }
}

// Device is one adapter
type Device struct {
	bus  transport.Bus
	cfg  *config.Config
	log  *slog.Logger
	phy  PHY
	regs *regs.Access
	mcu  *mcu.Channel
	dma  *dma.Engine
	peer *wcid.Table

	flags state.Flags

	onFrame  dma.Handler
	onTx     dma.Reporter
	onStatus func(TxStatus)

	mu      sync.Mutex // lifecycle and channel changes
	asicRev uint32
	macRev  uint32
	channel Channel
	torn    bool
}

// New wires a device over bus. A nil cfg uses the defaults. Nothing touches
// the hardware until Init.
func New(bus transport.Bus, cfg *config.Config, opts ...Option) (*Device, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Device{
		bus:  bus,
		cfg:  cfg,
		phy:  NopPHY{},
		peer: wcid.New(),
	}
	for _, opt := range opts {
		opt(d)
	}
	base := d.log
	d.log = logging.For(base, logging.ComponentDevice)

	d.regs = regs.New(bus, &d.flags, cfg.Regs(), base)
	ch, err := mcu.New(bus, &d.flags, cfg.MCUConfig(), base)
	if err != nil {
		return nil, err
	}
	d.mcu = ch
	eng, err := dma.NewEngine(bus, &d.flags, cfg.DMA(), d.handleFrame, d.handleTx, base)
	if err != nil {
		return nil, err
	}
	d.dma = eng
	return d, nil
}

func (d *Device) handleFrame(s dma.Segment) {
	if d.onFrame != nil {
		d.onFrame(s)
	}
}

func (d *Device) handleTx(c dma.TxCompletion) {
	if d.onTx != nil {
		d.onTx(c)
	}
}

// teardownContext bounds cleanup even when the caller's ctx is already done
func (d *Device) teardownContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.cfg.TeardownTimeout())
}

// Init brings the adapter up: wait for the ASIC, start the firmware
// channel, arm the rings and hand over to the PHY. A failure undoes what
// was started and wraps ErrBringUp.
func (d *Device) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.flags.Check(); err != nil {
		return err
	}
	if d.flags.Has(state.Initialized) {
		return nil
	}

	start := time.Now()
	if err := d.bringUp(ctx); err != nil {
		tctx, cancel := d.teardownContext(ctx)
		defer cancel()
		if cerr := d.release(tctx); cerr != nil {
			d.log.Error("cleanup after failed bring-up", "err", cerr)
		}
		d.flags.Clear(state.MCURunning)
		return fmt.Errorf("%w: %w", ErrBringUp, err)
	}
	d.flags.Set(state.Initialized)
	d.log.Info("device initialized",
		"asic", fmt.Sprintf("%#08x", d.asicRev),
		"mac", fmt.Sprintf("%#08x", d.macRev),
		"took", time.Since(start))
	return nil
}

func (d *Device) bringUp(ctx context.Context) error {
	if err := d.regs.WaitASICReady(ctx); err != nil {
		return err
	}
	var err error
	if d.asicRev, err = d.regs.Read(ctx, regs.RegASICVersion); err != nil {
		return err
	}
	if d.macRev, err = d.regs.Read(ctx, regs.RegMACCSR0); err != nil {
		return err
	}

	if err := d.mcu.Init(ctx); err != nil {
		return fmt.Errorf("mcu: %w", err)
	}
	if err := d.mcu.FunctionSelect(ctx, mcu.FuncQSelect, 1); err != nil {
		return fmt.Errorf("mcu queue select: %w", err)
	}
	d.flags.Set(state.MCURunning)

	if err := d.dma.Init(ctx); err != nil {
		return fmt.Errorf("dma: %w", err)
	}
	if err := d.regs.Set(ctx, regs.RegUSBDMACfg, regs.USBDMARxBulkEnable|regs.USBDMATxBulkEnable); err != nil {
		return err
	}

	if err := d.phy.Init(ctx, d.hardware()); err != nil {
		return fmt.Errorf("phy: %w", err)
	}
	return nil
}

func (d *Device) release(ctx context.Context) error {
	return errors.Join(d.dma.Teardown(ctx), d.mcu.Close(ctx))
}

// Start enables the MAC and the DMA engines
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.flags.Require(state.Initialized); err != nil {
		return err
	}
	if d.flags.Has(state.RadioRunning) {
		return nil
	}
	if err := d.regs.Set(ctx, regs.RegWPDMAGloCfg, regs.WPDMATxDMAEnable|regs.WPDMARxDMAEnable); err != nil {
		return err
	}
	if err := d.regs.Set(ctx, regs.RegMACSysCtrl, regs.MACSysCtrlEnableTx|regs.MACSysCtrlEnableRx); err != nil {
		return err
	}
	d.flags.Set(state.RadioRunning)
	d.log.Info("radio started")
	return nil
}

// Stop disables the MAC, waiting a bounded time for TX then RX to go idle.
// A MAC that never reports idle is logged and stopped anyway.
func (d *Device) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.flags.Clear(state.RadioRunning) {
		return nil
	}
	if err := d.flags.Check(); err != nil {
		return err
	}
	idle := d.cfg.MACIdleTimeout()

	steps := []struct {
		name      string
		off, bits uint32
		pollOff   uint32
		pollMask  uint32
	}{
		{"tx", regs.RegMACSysCtrl, regs.MACSysCtrlEnableTx, regs.RegMACStatus, regs.MACStatusTx},
		{"rx", regs.RegMACSysCtrl, regs.MACSysCtrlEnableRx, regs.RegMACStatus, regs.MACStatusRx},
		{"dma", regs.RegWPDMAGloCfg, regs.WPDMATxDMAEnable | regs.WPDMARxDMAEnable, regs.RegWPDMAGloCfg, regs.WPDMATxDMABusy | regs.WPDMARxDMABusy},
	}
	for _, s := range steps {
		if err := d.regs.Clear(ctx, s.off, s.bits); err != nil {
			return fmt.Errorf("stop %s: %w", s.name, err)
		}
		err := d.regs.PollMsec(ctx, s.pollOff, s.pollMask, 0, idle)
		switch {
		case errors.Is(err, regs.ErrPollTimeout):
			d.log.Warn("mac did not go idle", "path", s.name, "timeout", idle)
		case err != nil:
			return fmt.Errorf("stop %s: %w", s.name, err)
		}
	}
	d.log.Info("radio stopped")
	return nil
}

// Remove marks the device gone and releases the rings and firmware
// channel. Completions racing with it see the removed flag before anything
// is freed. Calling it again is safe.
func (d *Device) Remove(ctx context.Context) error {
	if d.flags.MarkRemoved() {
		d.log.Info("device removed")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.torn {
		return nil
	}
	d.torn = true
	d.flags.Clear(state.RadioRunning)
	d.flags.Clear(state.MCURunning)

	tctx, cancel := d.teardownContext(ctx)
	defer cancel()
	return d.release(tctx)
}

// Halt implements conn.Resource. It stops the radio and removes the device.
func (d *Device) Halt() error {
	ctx := context.Background()
	return errors.Join(d.Stop(ctx), d.Remove(ctx))
}

func (d *Device) String() string {
	if s, ok := d.bus.(fmt.Stringer); ok {
		return "wlanusb(" + s.String() + ")"
	}
	return "wlanusb"
}

// Tx queues frame on q. The frame starts with a TxwiLen byte descriptor
// whose packet id Tx fills in; see PacketID. ErrQueueFull means the ring is
// full and the caller should hold further frames until completions free a
// slot.
func (d *Device) Tx(ctx context.Context, q dma.Queue, frame []byte) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(frame) < TxwiLen {
		return 0, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}
	if err := d.flags.Require(state.RadioRunning); err != nil {
		return 0, err
	}
	return d.dma.SubmitStamp(q, frame, stampPacketID(q))
}

// RestartRX rebuilds a degraded RX ring
func (d *Device) RestartRX(ctx context.Context) error {
	if err := d.flags.Require(state.Initialized); err != nil {
		return err
	}
	return d.dma.RestartRX(ctx)
}

// Flags returns the currently set device flags
func (d *Device) Flags() []state.Flag {
	return d.flags.List()
}

// Revision returns the ASIC and MAC revision read during Init
func (d *Device) Revision() (asic, mac uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.asicRev, d.macRev
}

// Regs exposes register access for diagnostics and the PHY
func (d *Device) Regs() *regs.Access {
	return d.regs
}

// MCU exposes the firmware channel
func (d *Device) MCU() *mcu.Channel {
	return d.mcu
}

// Engine exposes the DMA rings
func (d *Device) Engine() *dma.Engine {
	return d.dma
}

// Stats aggregates counters from every layer
type Stats struct {
	Flags string     `json:"flags"`
	Regs  regs.Stats `json:"regs"`
	MCU   mcu.Stats  `json:"mcu"`
	DMA   dma.Stats  `json:"dma"`
	Peers int        `json:"peers"`
}

// Stats returns a snapshot of the device counters
func (d *Device) Stats() Stats {
	return Stats{
		Flags: d.flags.String(),
		Regs:  d.regs.Stats(),
		MCU:   d.mcu.Stats(),
		DMA:   d.dma.Stats(),
		Peers: d.peer.Used(),
	}
}
