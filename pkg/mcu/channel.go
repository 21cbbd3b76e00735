// Package mcu talks to the firmware running on the adapter's microcontroller.
//
// Commands go out on the in-band command endpoint and responses come back on
// a dedicated IN endpoint that always has one transfer armed. Only one
// command is outstanding at a time; its response is matched by the 4-bit
// sequence number echoed in the response info word.
package mcu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/herlein/wlanusb/pkg/dma"
	"github.com/herlein/wlanusb/pkg/logging"
	"github.com/herlein/wlanusb/pkg/state"
	"github.com/herlein/wlanusb/pkg/transport"
)

// Config holds the channel's timing policy
type Config struct {
	// Timeout bounds each wait for a response
	Timeout time.Duration
	// Retries is the number of waits before a command times out
	Retries int
	// WriteTimeout bounds the command write itself
	WriteTimeout time.Duration
	// RespSize is the size of the response buffer
	RespSize int
}

// DefaultConfig returns the firmware's usual latency budget
func DefaultConfig() Config {
	return Config{
		Timeout:      300 * time.Millisecond,
		Retries:      10,
		WriteTimeout: 500 * time.Millisecond,
		RespSize:     1024,
	}
}

// Phase is the state of the outstanding command
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseSent
	PhaseCompleted
	PhaseTimedOut
)

var phaseNames = [...]string{"idle", "sent", "completed", "timed-out"}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// Stats counts channel activity
type Stats struct {
	Sent      uint64 `json:"sent"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Timeouts  uint64 `json:"timeouts"`
	Retries   uint64 `json:"retries"`
	Stale     uint64 `json:"stale"`
	Phase     string `json:"phase"`
	Last      string `json:"last"`
}

type writeResult struct {
	status transport.Status
	n      int
}

// Channel is the MCU command/response channel
type Channel struct {
	bus    transport.Bus
	flags  *state.Flags
	cfg    Config
	log    *slog.Logger
	cmdEP  transport.Endpoint
	respEP transport.Endpoint

	mu      sync.Mutex // one command at a time
	seq     uint8
	cmdXfer transport.Transfer
	cmdBuf  []byte
	writeCh chan writeResult
	onWrite transport.Completion

	respMu     sync.Mutex
	respXfer   transport.Transfer
	respRaw    []byte // transfer buffer
	resp       []byte // matched payload
	respLen    int
	onResp     transport.Completion
	want       uint8 // sequence being waited for, 0 when none
	fired      bool
	evt        Event
	aborted    bool
	mismatched int
	signal     chan struct{}
	closed     bool
	armed      bool
	drained    chan struct{}
	signaled   bool

	phase     atomic.Int32
	last      atomic.Int32
	sent      atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	timeouts  atomic.Uint64
	retries   atomic.Uint64
	stale     atomic.Uint64
}

// New prepares a channel on bus's command endpoints. Zero config fields
// take their defaults.
func New(bus transport.Bus, flags *state.Flags, cfg Config, log *slog.Logger) (*Channel, error) {
	eps := bus.Endpoints()
	if err := eps.Validate(); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = def.Retries
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.RespSize < dma.HdrLen {
		cfg.RespSize = def.RespSize
	}
	c := &Channel{
		bus:     bus,
		flags:   flags,
		cfg:     cfg,
		log:     logging.For(log, logging.ComponentMCU),
		cmdEP:   eps.Out[transport.EPOutInbandCmd],
		respEP:  eps.In[transport.EPInCmdResp],
		writeCh: make(chan writeResult, 1),
		signal:  make(chan struct{}, 1),
	}
	c.onWrite = func(status transport.Status, n int) {
		c.writeCh <- writeResult{status, n}
	}
	c.onResp = c.respComplete
	return c, nil
}

// Init allocates the command and response transfers and arms the response
// slot
func (c *Channel) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmdXfer != nil {
		return errors.New("mcu channel already initialized")
	}
	if err := c.flags.Check(); err != nil {
		return err
	}

	cmd, err := c.bus.NewTransfer(c.cmdEP)
	if err != nil {
		return fmt.Errorf("mcu command transfer: %w", err)
	}
	resp, err := c.bus.NewTransfer(c.respEP)
	if err != nil {
		cmd.Free()
		return fmt.Errorf("mcu response transfer: %w", err)
	}
	if c.cmdBuf == nil {
		c.cmdBuf = make([]byte, dma.WrappedLen(InbandMaxLen))
		c.respRaw = make([]byte, c.cfg.RespSize)
		c.resp = make([]byte, c.cfg.RespSize)
	}

	c.respMu.Lock()
	c.respXfer = resp
	c.closed, c.signaled = false, false
	c.drained = make(chan struct{})
	c.armed = true
	err = resp.Submit(c.respRaw, c.onResp)
	if err != nil {
		c.armed = false
		c.respXfer = nil
	}
	c.respMu.Unlock()
	if err != nil {
		cmd.Free()
		resp.Free()
		if errors.Is(err, transport.ErrNoDevice) {
			c.flags.MarkRemoved()
		}
		return fmt.Errorf("arm mcu response slot: %w", err)
	}
	c.cmdXfer = cmd
	c.log.Debug("mcu channel ready", "cmd", c.cmdEP.String(), "resp", c.respEP.String())
	return nil
}

// respComplete runs in the completion context of the response slot
func (c *Channel) respComplete(status transport.Status, n int) {
	switch status {
	case transport.StatusOK:
		if n > len(c.respRaw) {
			n = len(c.respRaw)
		}
		c.OnResponse(c.respRaw[:n])
	case transport.StatusNoDevice:
		if c.flags.MarkRemoved() {
			c.log.Warn("device removed")
		}
	case transport.StatusCancelled:
	default:
		c.log.Warn("mcu response transfer failed", "status", status)
	}

	c.respMu.Lock()
	defer c.respMu.Unlock()
	if c.closed || c.flags.Removed() {
		c.armed = false
		c.checkDrainedLocked()
		return
	}
	if err := c.respXfer.Submit(c.respRaw, c.onResp); err != nil {
		c.armed = false
		c.log.Error("mcu response slot not rearmed", "err", err)
		if errors.Is(err, transport.ErrNoDevice) {
			c.flags.MarkRemoved()
		}
	}
}

func (c *Channel) checkDrainedLocked() {
	if c.closed && !c.armed && !c.signaled {
		c.signaled = true
		close(c.drained)
	}
}

// OnResponse hands a response transfer to the channel. A response whose
// sequence matches the outstanding command completes it; anything else is
// dropped.
func (c *Channel) OnResponse(buf []byte) {
	r, err := ParseResponse(buf)
	if err != nil {
		c.stale.Add(1)
		c.log.Debug("dropping mcu response", "err", err)
		return
	}

	c.respMu.Lock()
	defer c.respMu.Unlock()
	if c.want == 0 || r.Seq != c.want || c.fired {
		if c.want != 0 && r.Seq != c.want {
			c.mismatched++
		}
		c.stale.Add(1)
		c.log.Debug("discarding mcu response", "seq", r.Seq, "want", c.want, "evt", r.Event)
		return
	}
	c.respLen = copy(c.resp, r.Payload)
	c.evt = r.Event
	c.fire()
}

// fire raises the completion signal, under respMu
func (c *Channel) fire() {
	c.fired = true
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// arm resets the completion signal for seq, under respMu
func (c *Channel) arm(seq uint8) {
	select {
	case <-c.signal:
	default:
	}
	c.want = seq
	c.fired = false
	c.aborted = false
	c.evt = EvtCmdDone
	c.respLen = 0
}

// SendCommand sends cmd with payload and, when expectResp is set, waits for
// the matching response and returns a copy of its payload. Each wait is
// bounded by Config.Timeout and the command gives up after Config.Retries
// waits.
func (c *Channel) SendCommand(ctx context.Context, cmd Command, payload []byte, expectResp bool) ([]byte, error) {
	if len(payload) > InbandMaxLen {
		return nil, fmt.Errorf("%w: %d bytes for %s", ErrPayloadTooLarge, len(payload), cmd)
	}
	if err := c.flags.Check(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmdXfer == nil {
		return nil, ErrClosed
	}

	var seq uint8
	if expectResp {
		c.seq = c.seq%15 + 1
		seq = c.seq
	}
	n, err := dma.Wrap(c.cmdBuf, payload, dma.PortCPUTx, dma.TypeCommand, dma.CommandFlags(seq, uint8(cmd)))
	if err != nil {
		return nil, err
	}

	c.respMu.Lock()
	if c.closed {
		c.respMu.Unlock()
		return nil, ErrClosed
	}
	c.arm(seq)
	c.mismatched = 0
	c.respMu.Unlock()

	c.phase.Store(int32(PhaseSent))
	out, phase, err := c.exchange(ctx, cmd, seq, n, expectResp)

	c.respMu.Lock()
	c.want = 0
	c.respMu.Unlock()
	c.last.Store(int32(phase))
	c.phase.Store(int32(PhaseIdle))
	return out, err
}

func (c *Channel) exchange(ctx context.Context, cmd Command, seq uint8, n int, expectResp bool) ([]byte, Phase, error) {
	log := c.log.With("cmd", cmd.String(), "seq", seq)
	if err := c.write(ctx, n); err != nil {
		c.failed.Add(1)
		return nil, PhaseIdle, fmt.Errorf("mcu %s: %w", cmd, err)
	}
	c.sent.Add(1)
	if !expectResp {
		c.completed.Add(1)
		return nil, PhaseCompleted, nil
	}

	for attempt := 1; attempt <= c.cfg.Retries; attempt++ {
		timer := time.NewTimer(c.cfg.Timeout)
		select {
		case <-c.signal:
			timer.Stop()
			c.respMu.Lock()
			evt, aborted := c.evt, c.aborted
			var out []byte
			if !aborted {
				out = append([]byte{}, c.resp[:c.respLen]...)
			}
			c.respMu.Unlock()

			switch {
			case aborted:
				if c.flags.Removed() {
					return nil, PhaseIdle, state.ErrDeviceRemoved
				}
				return nil, PhaseIdle, fmt.Errorf("mcu %s: %w", cmd, ErrClosed)
			case evt == EvtCmdError:
				c.failed.Add(1)
				return out, PhaseCompleted, fmt.Errorf("mcu %s: %w", cmd, ErrCommandFailed)
			case evt == EvtCmdRetry:
				c.retries.Add(1)
				if attempt == c.cfg.Retries {
					continue
				}
				log.Warn("mcu busy, resending", "attempt", attempt)
				c.respMu.Lock()
				c.arm(seq)
				c.respMu.Unlock()
				if err := c.write(ctx, n); err != nil {
					c.failed.Add(1)
					return nil, PhaseIdle, fmt.Errorf("mcu %s resend: %w", cmd, err)
				}
				continue
			}
			c.completed.Add(1)
			return out, PhaseCompleted, nil

		case <-timer.C:
			c.retries.Add(1)
			log.Warn("mcu response timeout", "attempt", attempt, "of", c.cfg.Retries)

		case <-ctx.Done():
			timer.Stop()
			return nil, PhaseIdle, fmt.Errorf("mcu %s: %w", cmd, ctx.Err())
		}
		if c.flags.Removed() {
			return nil, PhaseIdle, state.ErrDeviceRemoved
		}
	}

	c.timeouts.Add(1)
	c.respMu.Lock()
	mismatched := c.mismatched
	c.respMu.Unlock()
	log.Error("mcu command timed out", "waited", time.Duration(c.cfg.Retries)*c.cfg.Timeout, "mismatched", mismatched)
	if mismatched > 0 {
		return nil, PhaseTimedOut, fmt.Errorf("mcu %s: %w after %d unmatched responses: %w", cmd, ErrSequenceMismatch, mismatched, ErrTimeout)
	}
	return nil, PhaseTimedOut, fmt.Errorf("mcu %s: %w", cmd, ErrTimeout)
}

// write sends the framed command in cmdBuf and waits for the write to
// complete, under mu
func (c *Channel) write(ctx context.Context, n int) error {
	if err := c.cmdXfer.Submit(c.cmdBuf[:n], c.onWrite); err != nil {
		if errors.Is(err, transport.ErrNoDevice) {
			c.flags.MarkRemoved()
			return state.ErrDeviceRemoved
		}
		return err
	}

	timer := time.NewTimer(c.cfg.WriteTimeout)
	defer timer.Stop()
	var res writeResult
	var waitErr error
	select {
	case res = <-c.writeCh:
	case <-timer.C:
		waitErr = ErrTimeout
	case <-ctx.Done():
		waitErr = ctx.Err()
	}
	if waitErr != nil {
		// The transfer always completes after Cancel; cmdBuf is ours again
		// only once it has.
		c.cmdXfer.Cancel()
		res = <-c.writeCh
		if res.status == transport.StatusCancelled {
			return fmt.Errorf("command write: %w", waitErr)
		}
	}

	switch {
	case res.status == transport.StatusNoDevice:
		c.flags.MarkRemoved()
		return state.ErrDeviceRemoved
	case res.status != transport.StatusOK:
		return fmt.Errorf("command write: %w", res.status.Err())
	case res.n != n:
		return fmt.Errorf("command write: short write %d of %d: %w", res.n, n, transport.ErrIO)
	}
	return nil
}

// Close disarms the response slot and frees the transfers. A command
// waiting for a response is woken with ErrClosed. Calling it again is safe.
func (c *Channel) Close(ctx context.Context) error {
	c.respMu.Lock()
	if c.respXfer == nil {
		c.respMu.Unlock()
		return nil
	}
	if !c.closed {
		c.closed = true
		if c.armed {
			c.respXfer.Cancel()
		}
		if c.want != 0 && !c.fired {
			c.aborted = true
			c.fire()
		}
	}
	c.checkDrainedLocked()
	drained := c.drained
	c.respMu.Unlock()

	select {
	case <-drained:
	case <-ctx.Done():
		return fmt.Errorf("mcu close: response slot still armed: %w", ctx.Err())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.respMu.Lock()
	defer c.respMu.Unlock()
	if c.respXfer != nil {
		c.respXfer.Free()
		c.respXfer = nil
	}
	if c.cmdXfer != nil {
		c.cmdXfer.Free()
		c.cmdXfer = nil
	}
	c.log.Debug("mcu channel closed")
	return nil
}

// State returns the phase of the outstanding command
func (c *Channel) State() Phase {
	return Phase(c.phase.Load())
}

// Stats returns a snapshot of the channel counters
func (c *Channel) Stats() Stats {
	return Stats{
		Sent:      c.sent.Load(),
		Completed: c.completed.Load(),
		Failed:    c.failed.Load(),
		Timeouts:  c.timeouts.Load(),
		Retries:   c.retries.Load(),
		Stale:     c.stale.Load(),
		Phase:     c.State().String(),
		Last:      Phase(c.last.Load()).String(),
	}
}
