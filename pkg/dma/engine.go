package dma

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/herlein/wlanusb/pkg/state"
	"github.com/herlein/wlanusb/pkg/transport"
)

// Queue selects a TX ring
type Queue int

const (
	QueueBE Queue = iota
	QueueBK
	QueueVI
	QueueVO
	QueueMgmt
	NumQueues
)

var queueNames = [NumQueues]string{"be", "bk", "vi", "vo", "mgmt"}

func (q Queue) String() string {
	if q >= 0 && q < NumQueues {
		return queueNames[q]
	}
	return fmt.Sprintf("queue(%d)", int(q))
}

func (q Queue) endpoint() int {
	return transport.EPOutACBE + int(q)
}

func (q Queue) qsel() QSel {
	if q == QueueMgmt {
		return QSelMgmt
	}
	return QSelEDCA
}

// Config sizes the rings
type Config struct {
	RxEntries int
	RxBufSize int
	TxEntries int
	TxBufSize int
}

// DefaultConfig returns the ring sizes the adapter is normally run with
func DefaultConfig() Config {
	return Config{
		RxEntries: 64,
		RxBufSize: 12 * 2048,
		TxEntries: 64,
		TxBufSize: 2048 + HdrLen + TrailerLen,
	}
}

// Stats aggregates ring counters
type Stats struct {
	Rx RxStats   `json:"rx"`
	Tx []TxStats `json:"tx"`
}

// Engine owns the RX ring and one TX ring per queue
type Engine struct {
	rx  *RxQueue
	tx  [NumQueues]*TxQueue
	log *slog.Logger
}

// NewEngine lays out the rings over bus's endpoint map
func NewEngine(bus transport.Bus, flags *state.Flags, cfg Config, handler Handler, report Reporter, log *slog.Logger) (*Engine, error) {
	eps := bus.Endpoints()
	if err := eps.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{log: log}
	e.rx = NewRxQueue(bus, eps.In[transport.EPInPacket], flags, cfg.RxEntries, cfg.RxBufSize, handler, log)
	for q := Queue(0); q < NumQueues; q++ {
		e.tx[q] = NewTxQueue(q, bus, eps.Out[q.endpoint()], flags, cfg.TxEntries, cfg.TxBufSize, report, log)
	}
	return e, nil
}

// Init allocates every ring and arms RX. On failure whatever was set up is
// torn down again.
func (e *Engine) Init(ctx context.Context) error {
	for q := Queue(0); q < NumQueues; q++ {
		if err := e.tx[q].Init(ctx); err != nil {
			return errors.Join(err, e.Teardown(ctx))
		}
	}
	if err := e.rx.Init(ctx); err != nil {
		return errors.Join(err, e.Teardown(ctx))
	}
	return nil
}

// Submit queues a frame on q
func (e *Engine) Submit(q Queue, frame []byte) (uint32, error) {
	return e.SubmitStamp(q, frame, nil)
}

// SubmitStamp queues a frame on q, letting stamp mark the slot's copy with
// its sequence number
func (e *Engine) SubmitStamp(q Queue, frame []byte, stamp Stamp) (uint32, error) {
	if q < 0 || q >= NumQueues {
		return 0, fmt.Errorf("invalid tx queue %d", int(q))
	}
	return e.tx[q].SubmitStamp(frame, stamp)
}

// Teardown tears down every ring. RX goes first so no new frames surface
// while TX drains.
func (e *Engine) Teardown(ctx context.Context) error {
	errs := []error{e.rx.Teardown(ctx)}
	for _, q := range e.tx {
		errs = append(errs, q.Teardown(ctx))
	}
	return errors.Join(errs...)
}

// RestartRX rebuilds a degraded RX ring
func (e *Engine) RestartRX(ctx context.Context) error {
	return e.rx.Restart(ctx)
}

// Rx returns the RX ring
func (e *Engine) Rx() *RxQueue {
	return e.rx
}

// Tx returns the TX ring for q
func (e *Engine) Tx(q Queue) *TxQueue {
	return e.tx[q]
}

// Stats returns counters for every ring
func (e *Engine) Stats() Stats {
	s := Stats{Rx: e.rx.Stats()}
	for _, q := range e.tx {
		s.Tx = append(s.Tx, q.Stats())
	}
	return s
}
