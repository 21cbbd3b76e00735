package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
)

// Sim is an in-process stand-in for the adapter.
//
// The vendor requests are backed by a 32-bit register file. Bulk transfers
// queue per endpoint in submission order: IN transfers wait for Deliver, OUT
// transfers complete on their own unless writes are held. Completions run
// outside the simulator lock so they may resubmit.
type Sim struct {
	mu         sync.Mutex
	eps        Endpoints
	regs       map[uint32]uint32
	onRead     map[uint32]func() uint32
	onWrite    map[uint32]func(val uint32) uint32
	queues     map[uint8][]*simTransfer
	written    map[uint8][][]byte
	responders map[uint8]simResponder
	backlog    map[uint8][][]byte
	holdWrites bool
	gone       bool
	closed     bool
	ctlFails   int
	ctlErr     error
	subFails   map[uint8]int
	resets     int
	controls   int
	wg         sync.WaitGroup
}

type simResponder struct {
	resp uint8
	fn   func(frame []byte) []byte
}

type simTransfer struct {
	sim      *Sim
	ep       Endpoint
	in       bool
	inFlight bool
	freed    bool
	buf      []byte
	done     Completion
}

// SimEndpoints is the endpoint layout of the adapter
func SimEndpoints() Endpoints {
	return Endpoints{
		In: []Endpoint{
			{Address: 0x84, MaxPacket: 512},
			{Address: 0x85, MaxPacket: 512},
		},
		Out: []Endpoint{
			{Address: 0x04, MaxPacket: 512},
			{Address: 0x05, MaxPacket: 512},
			{Address: 0x06, MaxPacket: 512},
			{Address: 0x07, MaxPacket: 512},
			{Address: 0x08, MaxPacket: 512},
			{Address: 0x09, MaxPacket: 512},
		},
	}
}

// NewSim returns a simulated adapter with the standard endpoint layout
func NewSim() *Sim {
	return &Sim{
		eps:        SimEndpoints(),
		regs:       make(map[uint32]uint32),
		onRead:     make(map[uint32]func() uint32),
		onWrite:    make(map[uint32]func(uint32) uint32),
		queues:     make(map[uint8][]*simTransfer),
		written:    make(map[uint8][][]byte),
		responders: make(map[uint8]simResponder),
		backlog:    make(map[uint8][][]byte),
		subFails:   make(map[uint8]int),
	}
}

func (s *Sim) Endpoints() Endpoints {
	return s.eps
}

// Reg returns the current value of a register
func (s *Sim) Reg(off uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[off]
}

// SetReg sets a register without running write handlers
func (s *Sim) SetReg(off, val uint32) {
	s.mu.Lock()
	s.regs[off] = val
	s.mu.Unlock()
}

// HandleRead installs a function that produces the value of off on each read
func (s *Sim) HandleRead(off uint32, fn func() uint32) {
	s.mu.Lock()
	s.onRead[off] = fn
	s.mu.Unlock()
}

// HandleWrite installs a function run when a full 32-bit value lands in off.
// Its result is what the register holds afterwards.
func (s *Sim) HandleWrite(off uint32, fn func(val uint32) uint32) {
	s.mu.Lock()
	s.onWrite[off] = fn
	s.mu.Unlock()
}

// FailControl makes the next n control requests fail with err
func (s *Sim) FailControl(n int, err error) {
	s.mu.Lock()
	s.ctlFails = n
	s.ctlErr = err
	s.mu.Unlock()
}

// FailSubmit makes the next n submissions on ep fail
func (s *Sim) FailSubmit(ep Endpoint, n int) {
	s.mu.Lock()
	s.subFails[ep.Address] = n
	s.mu.Unlock()
}

// HoldWrites keeps OUT transfers pending until Complete is called
func (s *Sim) HoldWrites(hold bool) {
	s.mu.Lock()
	s.holdWrites = hold
	s.mu.Unlock()
}

// SetResponder runs fn on every frame written to ep and delivers a non-nil
// result on the IN endpoint resp. Like the hardware, a response waits for
// the next IN transfer if none is armed.
func (s *Sim) SetResponder(ep Endpoint, resp Endpoint, fn func(frame []byte) []byte) {
	s.mu.Lock()
	s.responders[ep.Address] = simResponder{resp: resp.Address, fn: fn}
	s.mu.Unlock()
}

// Written returns copies of the frames written to ep so far
func (s *Sim) Written(ep Endpoint) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.written[ep.Address]...)
}

// Pending returns the number of transfers queued on ep
func (s *Sim) Pending(ep Endpoint) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[ep.Address])
}

// Resets returns the number of vendor device resets seen
func (s *Sim) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// ControlCalls returns the number of control requests attempted
func (s *Sim) ControlCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controls
}

// Control emulates the vendor request set on the register file
func (s *Sim) Control(ctx context.Context, request uint8, dir Direction, value, index uint16, buf []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.controls++
	if s.gone {
		s.mu.Unlock()
		return 0, fmt.Errorf("control request %#02x: %w", request, ErrNoDevice)
	}
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	if s.ctlFails > 0 {
		s.ctlFails--
		err := s.ctlErr
		s.mu.Unlock()
		return 0, err
	}

	off := uint32(index)
	var hooks []func()
	switch request {
	case VendorDevMode:
		if value == VendorDevModeReset {
			s.resets++
		}
	case VendorWrite, VendorWriteFCE:
		base := off &^ 3
		cur := s.regs[base]
		if off&2 == 0 {
			s.regs[base] = cur&0xffff0000 | uint32(value)
		} else {
			s.regs[base] = cur&0x0000ffff | uint32(value)<<16
			hooks = append(hooks, s.writeHookLocked(base))
		}
	case VendorMultiWrite:
		for i := 0; i+4 <= len(buf); i += 4 {
			reg := off + uint32(i)
			s.regs[reg] = binary.LittleEndian.Uint32(buf[i:])
			hooks = append(hooks, s.writeHookLocked(reg))
		}
	case VendorMultiRead:
		for i := 0; i+4 <= len(buf); i += 4 {
			reg := off + uint32(i)
			val := s.regs[reg]
			if fn := s.onRead[reg]; fn != nil {
				s.mu.Unlock()
				val = fn()
				s.mu.Lock()
				s.regs[reg] = val
			}
			binary.LittleEndian.PutUint32(buf[i:], val)
		}
	default:
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: unsupported vendor request %#02x", ErrStall, request)
	}
	s.mu.Unlock()

	for _, h := range hooks {
		if h != nil {
			h()
		}
	}
	return len(buf), nil
}

func (s *Sim) writeHookLocked(reg uint32) func() {
	fn := s.onWrite[reg]
	if fn == nil {
		return nil
	}
	val := s.regs[reg]
	return func() {
		res := fn(val)
		s.mu.Lock()
		s.regs[reg] = res
		s.mu.Unlock()
	}
}

// NewTransfer allocates a transfer on ep
func (s *Sim) NewTransfer(ep Endpoint) (Transfer, error) {
	in := false
	found := false
	for _, e := range s.eps.In {
		if e.Address == ep.Address {
			in, found = true, true
		}
	}
	for _, e := range s.eps.Out {
		if e.Address == ep.Address {
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: no endpoint %s", ErrEndpoints, ep)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return &simTransfer{sim: s, ep: ep, in: in}, nil
}

func (t *simTransfer) Submit(buf []byte, done Completion) error {
	s := t.sim
	s.mu.Lock()
	switch {
	case s.gone:
		s.mu.Unlock()
		return ErrNoDevice
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case t.freed:
		s.mu.Unlock()
		return fmt.Errorf("%w: transfer freed", ErrIO)
	case t.inFlight:
		s.mu.Unlock()
		return ErrBusy
	}
	if s.subFails[t.ep.Address] > 0 {
		s.subFails[t.ep.Address]--
		s.mu.Unlock()
		return fmt.Errorf("%w: injected submit failure on %s", ErrIO, t.ep)
	}

	t.inFlight = true
	t.buf = buf
	t.done = done
	if t.in {
		if q := s.backlog[t.ep.Address]; len(q) > 0 {
			data := q[0]
			s.backlog[t.ep.Address] = q[1:]
			s.wg.Add(1)
			s.mu.Unlock()
			go func() {
				defer s.wg.Done()
				t.deliver(data)
			}()
			return nil
		}
		s.queues[t.ep.Address] = append(s.queues[t.ep.Address], t)
		s.mu.Unlock()
		return nil
	}

	frame := append([]byte(nil), buf...)
	s.written[t.ep.Address] = append(s.written[t.ep.Address], frame)
	if s.holdWrites {
		s.queues[t.ep.Address] = append(s.queues[t.ep.Address], t)
		s.mu.Unlock()
		return nil
	}
	responder, hasResponder := s.responders[t.ep.Address]
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		t.complete(StatusOK, len(frame))
		if hasResponder {
			if resp := responder.fn(frame); resp != nil {
				s.respond(responder.resp, resp)
			}
		}
	}()
	return nil
}

func (t *simTransfer) complete(status Status, n int) {
	s := t.sim
	s.mu.Lock()
	done := t.done
	t.done = nil
	t.buf = nil
	t.inFlight = false
	s.mu.Unlock()
	if done != nil {
		done(status, n)
	}
}

// Cancel completes a queued transfer with StatusCancelled
func (t *simTransfer) Cancel() {
	s := t.sim
	s.mu.Lock()
	if !s.dequeueLocked(t) {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		t.complete(StatusCancelled, 0)
	}()
}

func (t *simTransfer) Free() {
	t.sim.mu.Lock()
	t.freed = true
	t.sim.mu.Unlock()
}

func (s *Sim) dequeueLocked(t *simTransfer) bool {
	q := s.queues[t.ep.Address]
	for i, p := range q {
		if p == t {
			s.queues[t.ep.Address] = append(q[:i:i], q[i+1:]...)
			return true
		}
	}
	return false
}

// Head returns a copy of the oldest pending transfer's buffer on ep, the
// one Complete or Deliver would finish next
func (s *Sim) Head(ep Endpoint) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[ep.Address]
	if len(q) == 0 {
		return nil, false
	}
	return append([]byte(nil), q[0].buf...), true
}

func (s *Sim) popLocked(ep Endpoint) *simTransfer {
	q := s.queues[ep.Address]
	if len(q) == 0 {
		return nil
	}
	t := q[0]
	s.queues[ep.Address] = q[1:]
	return t
}

// Deliver completes the oldest pending IN transfer on ep with data. The
// completion runs on the caller's goroutine. It reports false if nothing
// was pending.
func (s *Sim) Deliver(ep Endpoint, data []byte) bool {
	s.mu.Lock()
	t := s.popLocked(ep)
	s.mu.Unlock()
	if t == nil {
		return false
	}
	t.deliver(data)
	return true
}

func (t *simTransfer) deliver(data []byte) {
	t.sim.mu.Lock()
	buf := t.buf
	t.sim.mu.Unlock()
	n := copy(buf, data)
	status := StatusOK
	if len(data) > len(buf) {
		status = StatusOverflow
	}
	t.complete(status, n)
}

// respond delivers data on ep now or, if nothing is armed there, with the
// next submitted transfer
func (s *Sim) respond(ep uint8, data []byte) {
	s.mu.Lock()
	t := s.popLocked(Endpoint{Address: ep})
	if t == nil {
		if !s.gone && !s.closed {
			s.backlog[ep] = append(s.backlog[ep], data)
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	t.deliver(data)
}

// Complete finishes the oldest pending transfer on ep with status
func (s *Sim) Complete(ep Endpoint, status Status) bool {
	s.mu.Lock()
	t := s.popLocked(ep)
	s.mu.Unlock()
	if t == nil {
		return false
	}
	n := 0
	if status == StatusOK && !t.in {
		n = len(t.buf)
	}
	t.complete(status, n)
	return true
}

// Unplug removes the device; every pending transfer completes with
// StatusNoDevice and later requests fail with ErrNoDevice
func (s *Sim) Unplug() {
	s.mu.Lock()
	s.gone = true
	clear(s.backlog)
	var pending []*simTransfer
	for addr, q := range s.queues {
		pending = append(pending, q...)
		delete(s.queues, addr)
	}
	s.mu.Unlock()
	for _, t := range pending {
		t.complete(StatusNoDevice, 0)
	}
}

// Wait blocks until asynchronous completions have run
func (s *Sim) Wait() {
	s.wg.Wait()
}

// Close cancels whatever is pending and waits for the completions
func (s *Sim) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	clear(s.backlog)
	var pending []*simTransfer
	for addr, q := range s.queues {
		pending = append(pending, q...)
		delete(s.queues, addr)
	}
	s.mu.Unlock()
	for _, t := range pending {
		t.complete(StatusCancelled, 0)
	}
	s.wg.Wait()
	return nil
}
