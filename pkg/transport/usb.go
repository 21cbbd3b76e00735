package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/gousb"
)

// USB vendor and product IDs of supported adapters
const (
	VendorID  = 0x148F
	ProductID = 0x7601
)

// ID is a vendor/product pair
type ID struct {
	Vendor  gousb.ID
	Product gousb.ID
}

// SupportedIDs lists the adapters this driver binds to
var SupportedIDs = []ID{
	{Vendor: VendorID, Product: ProductID},
	{Vendor: 0x2717, Product: 0x4106},
	{Vendor: 0x2955, Product: 0x0001},
	{Vendor: 0x2955, Product: 0x1001},
	{Vendor: 0x2a5f, Product: 0x1000},
	{Vendor: 0x7392, Product: 0x7710},
}

func supported(desc *gousb.DeviceDesc) bool {
	for _, id := range SupportedIDs {
		if desc.Vendor == id.Vendor && desc.Product == id.Product {
			return true
		}
	}
	return false
}

// USB is a Bus backed by a libusb device handle
type USB struct {
	usbDevice    *gousb.Device
	usbConfig    *gousb.Config
	usbInterface *gousb.Interface
	in           map[uint8]*gousb.InEndpoint
	out          map[uint8]*outQueue
	eps          Endpoints
	log          *slog.Logger

	Serial       string
	Manufacturer string
	Product      string
	Bus          int
	Address      int

	ctlMu sync.Mutex // ControlTimeout is a field on the shared handle

	mu     sync.Mutex
	closed bool
	xfers  map[*usbTransfer]struct{}
	wg     sync.WaitGroup // in-flight transfers
}

// FindAllDevices opens every connected supported adapter
func FindAllDevices(ctx *gousb.Context, log *slog.Logger) ([]*USB, error) {
	devices := []*USB{}

	usbDevices, err := ctx.OpenDevices(supported)
	if err != nil && len(usbDevices) == 0 {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	for _, usbDev := range usbDevices {
		device, err := wrapDevice(usbDev, log)
		if err != nil {
			usbDev.Close()
			continue
		}
		devices = append(devices, device)
	}

	return devices, nil
}

// OpenDevice opens the first supported adapter, optionally matching serial
func OpenDevice(ctx *gousb.Context, serial string, log *slog.Logger) (*USB, error) {
	return SelectDevice(ctx, DeviceSelector(serial), log)
}

func wrapDevice(usbDev *gousb.Device, log *slog.Logger) (*USB, error) {
	manufacturer, _ := usbDev.Manufacturer()
	product, _ := usbDev.Product()
	serial, _ := usbDev.SerialNumber()

	usbDev.SetAutoDetach(true)

	config, err := usbDev.Config(1)
	if err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}

	iface, err := config.Interface(0, 0)
	if err != nil {
		config.Close()
		return nil, fmt.Errorf("failed to claim interface: %w", err)
	}

	desc := usbDev.Desc
	if log == nil {
		log = slog.Default()
	}
	u := &USB{
		usbDevice:    usbDev,
		usbConfig:    config,
		usbInterface: iface,
		in:           make(map[uint8]*gousb.InEndpoint),
		out:          make(map[uint8]*outQueue),
		xfers:        make(map[*usbTransfer]struct{}),
		Serial:       serial,
		Manufacturer: manufacturer,
		Product:      product,
		Bus:          desc.Bus,
		Address:      desc.Address,
	}
	u.log = log.With("component", "usb", "bus", u.Bus, "addr", u.Address)

	if err := u.mapEndpoints(); err != nil {
		u.closeHandles()
		return nil, err
	}
	return u, nil
}

// mapEndpoints sorts the bulk endpoints into the IN and OUT role tables and
// opens each of them
func (u *USB) mapEndpoints() error {
	var ins, outs []gousb.EndpointDesc
	for _, ep := range u.usbInterface.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn {
			ins = append(ins, ep)
		} else {
			outs = append(outs, ep)
		}
	}
	sort.Slice(ins, func(i, j int) bool { return ins[i].Address < ins[j].Address })
	sort.Slice(outs, func(i, j int) bool { return outs[i].Address < outs[j].Address })

	for _, desc := range ins {
		ep, err := u.usbInterface.InEndpoint(desc.Number)
		if err != nil {
			return fmt.Errorf("failed to get IN endpoint %d: %w", desc.Number, err)
		}
		addr := uint8(desc.Address)
		u.in[addr] = ep
		u.eps.In = append(u.eps.In, Endpoint{Address: addr, MaxPacket: desc.MaxPacketSize})
	}
	for _, desc := range outs {
		ep, err := u.usbInterface.OutEndpoint(desc.Number)
		if err != nil {
			return fmt.Errorf("failed to get OUT endpoint %d: %w", desc.Number, err)
		}
		addr := uint8(desc.Address)
		u.out[addr] = newOutQueue(u, ep)
		u.eps.Out = append(u.eps.Out, Endpoint{Address: addr, MaxPacket: desc.MaxPacketSize})
	}
	return u.eps.Validate()
}

// Endpoints returns the discovered endpoint map
func (u *USB) Endpoints() Endpoints {
	return u.eps
}

// Control performs a vendor control transfer on the default pipe
func (u *USB) Control(ctx context.Context, request uint8, dir Direction, value, index uint16, buf []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	u.mu.Lock()
	closed := u.closed
	u.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	u.ctlMu.Lock()
	defer u.ctlMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		u.usbDevice.ControlTimeout = time.Until(deadline)
	}
	n, err := u.usbDevice.Control(uint8(dir), request, value, index, buf)
	if err != nil {
		return n, fmt.Errorf("control request %#02x index %#04x: %w", request, index, wrapStatus(statusOf(nil, err), err))
	}
	return n, nil
}

// NewTransfer allocates a bulk transfer bound to ep
func (u *USB) NewTransfer(ep Endpoint) (Transfer, error) {
	t := &usbTransfer{bus: u}
	if in, ok := u.in[ep.Address]; ok {
		t.in = in
	} else if q, ok := u.out[ep.Address]; ok {
		t.out = q
	} else {
		return nil, fmt.Errorf("%w: no endpoint %s", ErrEndpoints, ep)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil, ErrClosed
	}
	u.xfers[t] = struct{}{}
	return t, nil
}

// Reset issues a USB port reset
func (u *USB) Reset() error {
	return u.usbDevice.Reset()
}

// String returns a human-readable description of the adapter
func (u *USB) String() string {
	return fmt.Sprintf("%s %s (Serial: %s)", u.Manufacturer, u.Product, u.Serial)
}

// Close cancels outstanding transfers, waits for their completions and
// releases the device
func (u *USB) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	xfers := make([]*usbTransfer, 0, len(u.xfers))
	for t := range u.xfers {
		xfers = append(xfers, t)
	}
	u.mu.Unlock()

	for _, t := range xfers {
		t.Cancel()
	}
	u.wg.Wait()
	for _, q := range u.out {
		q.stop()
	}
	return u.closeHandles()
}

func (u *USB) closeHandles() error {
	if u.usbInterface != nil {
		u.usbInterface.Close()
	}
	if u.usbConfig != nil {
		u.usbConfig.Close()
	}
	if u.usbDevice != nil {
		return u.usbDevice.Close()
	}
	return nil
}

// usbTransfer runs IN transfers on their own goroutine and hands OUT
// transfers to the endpoint's writer so writes complete in submission order
type usbTransfer struct {
	bus *USB
	in  *gousb.InEndpoint
	out *outQueue

	mu       sync.Mutex
	inFlight bool
	ctx      context.Context
	cancel   context.CancelFunc
	buf      []byte
	done     Completion
}

func (t *usbTransfer) Submit(buf []byte, done Completion) error {
	t.mu.Lock()
	if t.inFlight {
		t.mu.Unlock()
		return ErrBusy
	}

	t.bus.mu.Lock()
	if t.bus.closed {
		t.bus.mu.Unlock()
		t.mu.Unlock()
		return ErrClosed
	}
	t.bus.wg.Add(1)
	t.bus.mu.Unlock()

	t.inFlight = true
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.buf = buf
	t.done = done
	t.mu.Unlock()

	if t.in != nil {
		go t.read()
	} else {
		t.out.push(t)
	}
	return nil
}

func (t *usbTransfer) read() {
	n, err := t.in.ReadContext(t.ctx, t.buf)
	t.finish(n, err)
}

func (t *usbTransfer) finish(n int, err error) {
	t.mu.Lock()
	status := statusOf(t.ctx, err)
	done := t.done
	cancel := t.cancel
	t.done = nil
	t.buf = nil
	t.inFlight = false
	t.mu.Unlock()

	cancel()
	if status != StatusOK && status != StatusCancelled {
		t.bus.log.Debug("transfer failed", "status", status, "err", err)
	}
	done(status, n)
	t.bus.wg.Done()
}

func (t *usbTransfer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inFlight {
		t.cancel()
	}
}

func (t *usbTransfer) Free() {
	t.bus.mu.Lock()
	delete(t.bus.xfers, t)
	t.bus.mu.Unlock()
}

// outQueue serializes writes on one OUT endpoint
type outQueue struct {
	bus     *USB
	ep      *gousb.OutEndpoint
	mu      sync.Mutex
	pending []*usbTransfer
	kick    chan struct{}
	quit    chan struct{}
	once    sync.Once
}

func newOutQueue(bus *USB, ep *gousb.OutEndpoint) *outQueue {
	q := &outQueue{
		bus:  bus,
		ep:   ep,
		kick: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *outQueue) push(t *usbTransfer) {
	q.mu.Lock()
	q.pending = append(q.pending, t)
	q.mu.Unlock()
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

func (q *outQueue) run() {
	for {
		select {
		case <-q.quit:
			return
		case <-q.kick:
		}
		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			t := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()

			if err := t.ctx.Err(); err != nil {
				t.finish(0, err)
				continue
			}
			n, err := q.ep.WriteContext(t.ctx, t.buf)
			t.finish(n, err)
		}
	}
}

func (q *outQueue) stop() {
	q.once.Do(func() { close(q.quit) })
}

// statusOf classifies a libusb result
func statusOf(ctx context.Context, err error) Status {
	if err == nil {
		return StatusOK
	}
	if ctx != nil && ctx.Err() != nil {
		return StatusCancelled
	}
	if errors.Is(err, context.Canceled) {
		return StatusCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimeout
	}

	var ts gousb.TransferStatus
	if errors.As(err, &ts) {
		switch ts {
		case gousb.TransferCompleted:
			return StatusOK
		case gousb.TransferCancelled:
			return StatusCancelled
		case gousb.TransferTimedOut:
			return StatusTimeout
		case gousb.TransferStall:
			return StatusStall
		case gousb.TransferNoDevice:
			return StatusNoDevice
		case gousb.TransferOverflow:
			return StatusOverflow
		}
		return StatusError
	}

	var ue gousb.Error
	if errors.As(err, &ue) {
		switch ue {
		case gousb.ErrorNoDevice:
			return StatusNoDevice
		case gousb.ErrorTimeout:
			return StatusTimeout
		case gousb.ErrorPipe:
			return StatusStall
		case gousb.ErrorOverflow:
			return StatusOverflow
		}
	}
	return StatusError
}

func wrapStatus(s Status, err error) error {
	sentinel := s.Err()
	if sentinel == nil {
		return err
	}
	return fmt.Errorf("%w: %v", sentinel, err)
}
