// wlan-bench: Push frames through the DMA rings and show ring occupancy
//
// This tool brings an adapter up, runs the firmware helper commands once,
// then streams frames round-robin over the data queues while drawing the
// RX and TX rings live. Without a device (or with -sim) it runs against an
// in-process simulated adapter whose air side drains the TX rings and loops
// frames back into the RX ring.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/google/gousb"
	"github.com/herlein/wlanusb/pkg/config"
	"github.com/herlein/wlanusb/pkg/device"
	"github.com/herlein/wlanusb/pkg/dma"
	"github.com/herlein/wlanusb/pkg/logging"
	"github.com/herlein/wlanusb/pkg/mcu"
	"github.com/herlein/wlanusb/pkg/regs"
	"github.com/herlein/wlanusb/pkg/transport"
)

func main() {
	deviceSel := flag.String("d", "", transport.DeviceFlagUsage())
	useSim := flag.Bool("sim", false, "Use the simulated adapter")
	configPath := flag.String("c", "", "Config file (default: etc/wlanusb/<serial>.json if present)")
	count := flag.Int("n", 2000, "Number of frames to send")
	size := flag.Int("size", 256, "Frame payload size in bytes")
	channel := flag.Int("ch", 6, "2.4GHz channel to tune")
	refresh := flag.Duration("refresh", 100*time.Millisecond, "Display refresh interval")
	airPeriod := flag.Duration("air", 200*time.Microsecond, "Simulated air time per frame")
	skipMCU := flag.Bool("no-mcu", false, "Skip the firmware command exercise")
	flag.Parse()

	if *size <= device.TxwiLen || *size > dma.MaxPayload {
		fmt.Fprintf(os.Stderr, "Error: -size must be between %d and %d\n", device.TxwiLen+1, dma.MaxPayload)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Select the bus
	var bus transport.Bus
	var sim *simAdapter
	serial := ""
	if *useSim {
		sim = newSimAdapter()
		bus = sim
		serial = "sim"
	} else {
		usbCtx := gousb.NewContext()
		defer usbCtx.Close()
		usbDev, err := transport.SelectDevice(usbCtx, transport.DeviceSelector(*deviceSel), logging.Discard())
		if errors.Is(err, transport.ErrNotFound) && *deviceSel == "" {
			fmt.Println("No adapter found, using the simulated adapter")
			sim = newSimAdapter()
			bus = sim
			serial = "sim"
		} else if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		} else {
			defer usbDev.Close()
			bus = usbDev
			serial = usbDev.Serial
			fmt.Printf("Connected to: %s\n", usbDev)
		}
	}
	if sim != nil {
		defer sim.Close()
	}

	// Load the policy
	path := *configPath
	if path == "" {
		path = config.GetConfigPath(serial)
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	level, _ := logging.ParseLevel(cfg.Log.Level)
	format, _ := logging.ParseFormat(cfg.Log.Format)
	log := logging.New(os.Stderr, level, format)

	var rxSegs, txOK, txFailed, statuses, retries atomic.Uint64
	var queueStatus [dma.NumQueues]atomic.Uint64
	dev, err := device.New(bus, cfg,
		device.WithLogger(log),
		device.WithFrameHandler(func(dma.Segment) { rxSegs.Add(1) }),
		device.WithTxReporter(func(c dma.TxCompletion) {
			if c.Err != nil {
				txFailed.Add(1)
				return
			}
			txOK.Add(1)
		}),
		device.WithTxStatusReporter(func(s device.TxStatus) {
			statuses.Add(1)
			retries.Add(uint64(s.Retry))
			if q := s.Queue(); q < dma.NumQueues {
				queueStatus[q].Add(1)
			}
		}),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := dev.Halt(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: halt: %v\n", err)
		}
	}()

	start := time.Now()
	if err := dev.Init(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	asic, mac := dev.Revision()
	fmt.Printf("Initialized in %v (ASIC 0x%08X, MAC 0x%08X)\n", time.Since(start).Round(time.Millisecond), asic, mac)

	peer, err := setupLink(ctx, dev, *channel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	if sim != nil {
		sim.setPeer(peer)
	}

	if !*skipMCU {
		exerciseMCU(ctx, dev)
	}

	if err := dev.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	if sim != nil {
		// hold writes so the rings actually fill
		sim.HoldWrites(true)
		airCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go sim.air(airCtx, *airPeriod, *size)
	}

	fmt.Println()
	disp := newRingDisplay()
	defer disp.Halt()
	summary := func() string {
		return fmt.Sprintf("tx ok %d  failed %d  rx segs %d  tx status %d (retries %d)",
			txOK.Load(), txFailed.Load(), rxSegs.Load(), statuses.Load(), retries.Load())
	}
	tick := func() {
		if _, _, err := dev.PollTxStatus(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("tx status poll failed", "err", err)
		}
		if dev.Engine().Rx().Degraded() {
			if err := dev.RestartRX(ctx); err != nil {
				log.Error("rx restart failed", "err", err)
			}
		}
		_ = disp.draw(dev.Engine(), summary())
	}

	queues := []dma.Queue{dma.QueueBE, dma.QueueBK, dma.QueueVI, dma.QueueVO}
	payload := make([]byte, *size)
	ticker := time.NewTicker(*refresh)
	defer ticker.Stop()

	txStart := time.Now()
	sent := 0
	for sent < *count && ctx.Err() == nil {
		payload[device.TxwiLen] = byte(sent)
		_, err := dev.Tx(ctx, queues[sent%len(queues)], payload)
		switch {
		case errors.Is(err, dma.ErrQueueFull):
			time.Sleep(50 * time.Microsecond)
		case err != nil:
			fmt.Fprintf(os.Stderr, "\nError: tx: %v\n", err)
			return
		default:
			sent++
		}
		select {
		case <-ticker.C:
			tick()
		default:
		}
	}

	// let the rings drain
	deadline := time.Now().Add(cfg.TeardownTimeout())
	for txOK.Load()+txFailed.Load() < uint64(sent) && time.Now().Before(deadline) && ctx.Err() == nil {
		<-ticker.C
		tick()
	}
	tick()
	elapsed := time.Since(txStart)

	fmt.Println()
	fmt.Printf("Sent %d frames of %d bytes in %v (%.0f frames/s)\n",
		sent, *size, elapsed.Round(time.Millisecond), float64(sent)/elapsed.Seconds())
	st := dev.Stats()
	fmt.Printf("Control requests %d (retries %d, failures %d)\n", st.Regs.Requests, st.Regs.Retries, st.Regs.Failures)
	fmt.Printf("MCU commands %d (timeouts %d, stale responses %d)\n", st.MCU.Sent, st.MCU.Timeouts, st.MCU.Stale)
	fmt.Print("TX status by queue:")
	for q := dma.Queue(0); q < dma.NumQueues; q++ {
		fmt.Printf(" %s %d", q, queueStatus[q].Load())
	}
	fmt.Println()
	fmt.Printf("Flags: %s\n", st.Flags)
}

// setupLink tunes the channel and binds a peer and the group wcid
func setupLink(ctx context.Context, dev *device.Device, n int) (uint8, error) {
	ch, err := device.Channel2G(n)
	if err != nil {
		return 0, err
	}
	if err := dev.SetChannel(ctx, ch); err != nil {
		return 0, err
	}
	snap, err := dev.Regs().ReadSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	if err := dev.SetMACAddress(ctx, snap.MACAddr()); err != nil {
		return 0, err
	}
	if _, err := dev.BindGroup(ctx, 0); err != nil {
		return 0, err
	}
	peer, err := dev.AddPeer(ctx, net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}, 0)
	if err != nil {
		return 0, err
	}
	fmt.Printf("Tuned %v, own address %s, peer on wcid %d\n", ch, snap.MACAddr(), peer)
	return peer, nil
}

// exerciseMCU runs each firmware helper once and reports the outcome
func exerciseMCU(ctx context.Context, dev *device.Device) {
	m := dev.MCU()
	r := dev.Regs()
	pairs := make([]regs.Pair, 30)
	for i := range pairs {
		pairs[i] = regs.Pair{Reg: 0x2300 + uint32(i)*4, Value: uint32(i)}
	}
	burst := make([]uint32, 60)

	steps := []struct {
		name string
		fn   func() error
	}{
		{"radio on", func() error { return m.PowerSaving(ctx, mcu.RadioOn, 0) }},
		{"calibrate R", func() error { return m.Calibrate(ctx, mcu.CalR, 0) }},
		{"calibrate DCOC", func() error { return m.Calibrate(ctx, mcu.CalDCOC, 1) }},
		{"TSSI kick", func() error { return m.TSSIReadKick(ctx, false) }},
		{"LED mode", func() error { return m.LEDMode(ctx, 1) }},
		{"random write", func() error { return m.RandomWrite(ctx, pairs) }},
		{"burst write", func() error { return m.BurstWrite(ctx, 0x2000, burst) }},
		{"BBP version", func() error {
			v, err := r.BBPRead(ctx, 0)
			if err == nil {
				fmt.Printf("  BBP rev 0x%02X\n", v)
			}
			return err
		}},
	}

	fmt.Println("Firmware commands:")
	for _, s := range steps {
		start := time.Now()
		err := s.fn()
		if err != nil {
			fmt.Printf("  %-15s FAIL (%v)\n", s.name, err)
			continue
		}
		fmt.Printf("  %-15s OK   %v\n", s.name, time.Since(start).Round(time.Microsecond))
	}
	st := m.Stats()
	fmt.Printf("  sent %d, completed %d, timeouts %d, retries %d\n", st.Sent, st.Completed, st.Timeouts, st.Retries)
}
