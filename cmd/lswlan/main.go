// lswlan: List all connected wireless adapters
//
// This tool enumerates the supported USB wireless adapters connected to the
// system and displays their serial numbers and basic information.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/gousb"
	"github.com/herlein/wlanusb/pkg/logging"
	"github.com/herlein/wlanusb/pkg/regs"
	"github.com/herlein/wlanusb/pkg/state"
	"github.com/herlein/wlanusb/pkg/transport"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output (show endpoints and MAC registers)")
	flag.Parse()

	log := logging.New(os.Stderr, logLevel(*verbose), logging.FormatText)

	// Create USB context
	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	devices, err := transport.FindAllDevices(usbCtx, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to enumerate devices: %v\n", err)
		os.Exit(1)
	}

	if len(devices) == 0 {
		fmt.Println("No supported wireless adapters found")
		os.Exit(0)
	}

	fmt.Printf("Found %d adapter(s):\n", len(devices))
	fmt.Println()

	for i, device := range devices {
		defer device.Close()

		if !*verbose {
			fmt.Printf("  #%d  %s  %d:%d\n", i, device.Serial, device.Bus, device.Address)
			continue
		}

		fmt.Printf("Device #%d:\n", i)
		fmt.Printf("  Serial:       %s\n", device.Serial)
		fmt.Printf("  Bus:Address:  %d:%d\n", device.Bus, device.Address)
		fmt.Printf("  Manufacturer: %s\n", device.Manufacturer)
		fmt.Printf("  Product:      %s\n", device.Product)

		eps := device.Endpoints()
		for _, ep := range eps.In {
			fmt.Printf("  IN  %s  max packet %d\n", ep, ep.MaxPacket)
		}
		for _, ep := range eps.Out {
			fmt.Printf("  OUT %s  max packet %d\n", ep, ep.MaxPacket)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		snap, err := regs.New(device, &state.Flags{}, regs.DefaultConfig(), log).ReadSnapshot(ctx)
		cancel()
		if err != nil {
			fmt.Printf("  Registers:    (error: %v)\n", err)
			fmt.Println()
			continue
		}
		fmt.Printf("  ASIC:         0x%08X\n", snap.ASICVersion)
		fmt.Printf("  MAC CSR0:     0x%08X\n", snap.MACCSR0)
		fmt.Printf("  MAC Address:  %s\n", snap.MACAddr())
		fmt.Printf("  MAC SysCtrl:  0x%08X\n", snap.MACSysCtrl)
		fmt.Printf("  MAC Status:   0x%08X\n", snap.MACStatus)
		fmt.Printf("  WPDMA Cfg:    0x%08X\n", snap.WPDMAGloCfg)
		fmt.Printf("  USB DMA Cfg:  0x%08X\n", snap.USBDMACfg)
		fmt.Printf("  RX Filter:    0x%08X\n", snap.RxFilterCfg)
		fmt.Println()
	}

	if !*verbose {
		fmt.Println()
		fmt.Println("Use -d flag with other tools to select device:")
		fmt.Println("  -d \"#0\"      Select by index")
		fmt.Println("  -d \"1:10\"    Select by bus:address")
		fmt.Println("  -d \"009a\"    Select by serial (if unique)")
	}
}

func logLevel(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}
