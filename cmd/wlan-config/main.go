// wlan-config: Write or check the driver policy file
//
// Without arguments this tool writes the default policy to
// etc/wlanusb/<serial>.json. Given a file it loads and validates it and
// prints the resulting settings.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/gousb"
	"github.com/herlein/wlanusb/pkg/config"
	"github.com/herlein/wlanusb/pkg/logging"
	"github.com/herlein/wlanusb/pkg/transport"
)

func main() {
	outputFile := flag.String("o", "", "Output file path (default: etc/wlanusb/<serial>.json)")
	serial := flag.String("s", "", "Serial number to write the policy for")
	deviceSel := flag.String("d", "", "Take the serial from an attached device. "+transport.DeviceFlagUsage())
	jsonOutput := flag.Bool("json", false, "Print the config to stdout as JSON instead of writing a file")
	force := flag.Bool("f", false, "Overwrite an existing file")
	flag.Parse()

	// Check mode
	if args := flag.Args(); len(args) > 0 {
		configuration, err := config.LoadFromFile(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s: OK\n", args[0])
		printConfigSummary(configuration)
		return
	}

	configuration := config.DefaultConfig()
	configuration.Serial = *serial

	if *deviceSel != "" {
		usbCtx := gousb.NewContext()
		device, err := transport.SelectDevice(usbCtx, transport.DeviceSelector(*deviceSel), logging.Discard())
		if err != nil {
			usbCtx.Close()
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		configuration.Serial = device.Serial
		device.Close()
		usbCtx.Close()
	}

	if *jsonOutput {
		data, err := json.MarshalIndent(configuration, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: Failed to marshal configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		return
	}

	path := *outputFile
	if path == "" {
		path = config.GetConfigPath(configuration.Serial)
	}
	if _, err := os.Stat(path); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "Error: %s exists (use -f to overwrite)\n", path)
		os.Exit(1)
	}

	if err := config.SaveToFile(configuration, path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to save configuration: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Configuration saved to: %s\n", path)
}

func printConfigSummary(c *config.Config) {
	fmt.Println()
	fmt.Println("Control pipe:")
	fmt.Printf("  Retries:        %d\n", c.Control.Retries)
	fmt.Printf("  Timeout:        %d ms\n", c.Control.TimeoutMs)
	fmt.Printf("  Retry delay:    %d ms\n", c.Control.RetryDelayMs)
	fmt.Printf("  ASIC polls:     %d\n", c.Control.ASICReadyAttempts)
	fmt.Println("MCU:")
	fmt.Printf("  Retries:        %d\n", c.MCU.Retries)
	fmt.Printf("  Timeout:        %d ms\n", c.MCU.TimeoutMs)
	fmt.Printf("  Write timeout:  %d ms\n", c.MCU.WriteTimeoutMs)
	fmt.Printf("  Response buf:   %d bytes\n", c.MCU.RespBufSize)
	fmt.Println("Rings:")
	fmt.Printf("  RX:             %d x %d bytes\n", c.Rings.RxEntries, c.Rings.RxBufSize)
	fmt.Printf("  TX:             %d x %d bytes\n", c.Rings.TxEntries, c.Rings.TxBufSize)
	fmt.Println("Device:")
	fmt.Printf("  Teardown:       %d ms\n", c.Device.TeardownTimeoutMs)
	fmt.Printf("  MAC idle:       %d ms\n", c.Device.MACIdleTimeoutMs)
	fmt.Printf("  Status budget:  %d\n", c.Device.TxStatusBudget)
	fmt.Printf("Log:              %s (%s)\n", c.Log.Level, c.Log.Format)
}
