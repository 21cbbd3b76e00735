// wlan-reset resets wireless adapters to recover from USB errors
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
	vendor := flag.Bool("vendor", true, "Also issue the vendor device-mode reset before the port reset")
	flag.Parse()

	log := logging.New(os.Stderr, slog.LevelWarn, logging.FormatText)

	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	// Try multiple times to find devices
	for attempt := 0; attempt < 3; attempt++ {
		devs, err := transport.FindAllDevices(usbCtx, log)
		if err != nil {
			fmt.Printf("Attempt %d: Error finding devices: %v\n", attempt+1, err)
			time.Sleep(time.Second)
			continue
		}

		if len(devs) == 0 {
			fmt.Printf("Attempt %d: No devices found\n", attempt+1)
			time.Sleep(time.Second)
			continue
		}

		fmt.Printf("Found %d device(s)\n", len(devs))
		failed := false
		for i, dev := range devs {
			fmt.Printf("  Device %d: %s\n", i, dev.Serial)

			if *vendor {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				err := regs.New(dev, &state.Flags{}, regs.DefaultConfig(), log).VendorReset(ctx)
				cancel()
				if err != nil {
					fmt.Printf("    Vendor reset failed: %v\n", err)
				} else {
					fmt.Printf("    Vendor reset OK\n")
				}
			}

			// Reset the device
			if err := dev.Reset(); err != nil {
				fmt.Printf("    Reset failed: %v\n", err)
				failed = true
			} else {
				fmt.Printf("    Reset OK\n")
			}
			dev.Close()
		}
		if failed {
			os.Exit(1)
		}
		os.Exit(0)
	}

	fmt.Println("Failed to find/reset devices after 3 attempts")
	os.Exit(1)
}
