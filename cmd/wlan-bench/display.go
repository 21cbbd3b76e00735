package main

import (
	"bytes"
	"fmt"
	"image/color"
	"io"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"

	"github.com/herlein/wlanusb/pkg/dma"
)

var (
	colorBusy     = color.NRGBA{0x20, 0xc0, 0x40, 0xff}
	colorIdle     = color.NRGBA{0x30, 0x30, 0x30, 0xff}
	colorDegraded = color.NRGBA{0xd0, 0x20, 0x20, 0xff}
)

// ringDisplay redraws one line of slot blocks per ring in place
type ringDisplay struct {
	w     io.Writer
	buf   bytes.Buffer
	lines int
}

func newRingDisplay() *ringDisplay {
	return &ringDisplay{w: colorable.NewColorableStdout()}
}

func (d *ringDisplay) row(name string, slots []bool, busy color.NRGBA, counters string) {
	fmt.Fprintf(&d.buf, "\r\033[0m%-5s ", name)
	for _, used := range slots {
		c := colorIdle
		if used {
			c = busy
		}
		_, _ = io.WriteString(&d.buf, ansi256.Default.Block(c))
	}
	fmt.Fprintf(&d.buf, "\033[0m %s\033[K\n", counters)
}

func (d *ringDisplay) draw(e *dma.Engine, extra string) error {
	d.buf.Reset()
	if d.lines > 0 {
		fmt.Fprintf(&d.buf, "\033[%dA", d.lines)
	}

	st := e.Stats()
	rxColor := colorBusy
	if st.Rx.Degraded {
		rxColor = colorDegraded
	}
	d.row("rx", e.Rx().Occupancy(), rxColor, fmt.Sprintf("armed %3d  segs %8d  drop %d  err %d",
		st.Rx.Pending, st.Rx.Segments, st.Rx.Dropped, st.Rx.Errors))
	for q := dma.Queue(0); q < dma.NumQueues; q++ {
		t := st.Tx[q]
		d.row(q.String(), e.Tx(q).Occupancy(), colorBusy, fmt.Sprintf("used %3d  done %8d  fail %d  full %d",
			t.Used, t.Completed, t.Failed, t.QueueFull))
	}
	fmt.Fprintf(&d.buf, "\r\033[0m%s\033[K\n", extra)

	d.lines = int(dma.NumQueues) + 2
	_, err := d.buf.WriteTo(d.w)
	return err
}

// Halt leaves the cursor below the display with attributes reset
func (d *ringDisplay) Halt() error {
	_, err := d.w.Write([]byte("\n\033[0m"))
	return err
}
