package config

import (
	"fmt"
	"time"

	"github.com/herlein/wlanusb/pkg/dma"
	"github.com/herlein/wlanusb/pkg/logging"
	"github.com/herlein/wlanusb/pkg/mcu"
	"github.com/herlein/wlanusb/pkg/regs"
)

// Version is the config file format this package writes
const Version = "1.0"

// Config holds the driver's policy parameters. Durations are stored as
// integer milliseconds.
type Config struct {
	Version string    `json:"version"`
	Serial  string    `json:"serial,omitempty"`
	Created time.Time `json:"created"`

	Control ControlJSON `json:"control"`
	MCU     MCUJSON     `json:"mcu"`
	Rings   RingsJSON   `json:"rings"`
	Device  DeviceJSON  `json:"device"`
	Log     LogJSON     `json:"log"`
}

// ControlJSON holds the vendor request retry policy
type ControlJSON struct {
	Retries           int `json:"retries"`
	TimeoutMs         int `json:"timeout_ms"`
	RetryDelayMs      int `json:"retry_delay_ms"`
	ASICReadyAttempts int `json:"asic_ready_attempts"`
	BBPTimeoutMs      int `json:"bbp_timeout_ms"`
}

// MCUJSON holds the firmware command policy
type MCUJSON struct {
	Retries        int `json:"retries"`
	TimeoutMs      int `json:"timeout_ms"`
	WriteTimeoutMs int `json:"write_timeout_ms"`
	RespBufSize    int `json:"resp_buf_size"`
}

// RingsJSON sizes the DMA rings
type RingsJSON struct {
	RxEntries int `json:"rx_entries"`
	RxBufSize int `json:"rx_buf_size"`
	TxEntries int `json:"tx_entries"`
	TxBufSize int `json:"tx_buf_size"`
}

// DeviceJSON holds device level timing
type DeviceJSON struct {
	TeardownTimeoutMs int `json:"teardown_timeout_ms"`
	TxStatusBudget    int `json:"tx_status_budget"`
	MACIdleTimeoutMs  int `json:"mac_idle_timeout_ms"`
}

// LogJSON selects log output
type LogJSON struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DefaultConfig returns the policy the adapter is normally run with
func DefaultConfig() *Config {
	r, m, d := regs.DefaultConfig(), mcu.DefaultConfig(), dma.DefaultConfig()
	return &Config{
		Version: Version,
		Created: time.Now(),
		Control: ControlJSON{
			Retries:           r.Retries,
			TimeoutMs:         ms(r.Timeout),
			RetryDelayMs:      ms(r.RetryDelay),
			ASICReadyAttempts: r.ASICReadyAttempts,
			BBPTimeoutMs:      ms(r.BBPTimeout),
		},
		MCU: MCUJSON{
			Retries:        m.Retries,
			TimeoutMs:      ms(m.Timeout),
			WriteTimeoutMs: ms(m.WriteTimeout),
			RespBufSize:    m.RespSize,
		},
		Rings: RingsJSON{
			RxEntries: d.RxEntries,
			RxBufSize: d.RxBufSize,
			TxEntries: d.TxEntries,
			TxBufSize: d.TxBufSize,
		},
		Device: DeviceJSON{
			TeardownTimeoutMs: 2000,
			TxStatusBudget:    32,
			MACIdleTimeoutMs:  200,
		},
		Log: LogJSON{
			Level:  "info",
			Format: logging.FormatText.String(),
		},
	}
}

func ms(d time.Duration) int {
	return int(d / time.Millisecond)
}

func dur(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Version != Version {
		return fmt.Errorf("%w: %q", ErrConfigVersion, c.Version)
	}

	positive := []struct {
		name string
		v    int
	}{
		{"control.retries", c.Control.Retries},
		{"control.timeout_ms", c.Control.TimeoutMs},
		{"control.asic_ready_attempts", c.Control.ASICReadyAttempts},
		{"control.bbp_timeout_ms", c.Control.BBPTimeoutMs},
		{"mcu.retries", c.MCU.Retries},
		{"mcu.timeout_ms", c.MCU.TimeoutMs},
		{"mcu.write_timeout_ms", c.MCU.WriteTimeoutMs},
		{"rings.rx_entries", c.Rings.RxEntries},
		{"rings.tx_entries", c.Rings.TxEntries},
		{"device.teardown_timeout_ms", c.Device.TeardownTimeoutMs},
		{"device.tx_status_budget", c.Device.TxStatusBudget},
		{"device.mac_idle_timeout_ms", c.Device.MACIdleTimeoutMs},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidValue, p.name, p.v)
		}
	}
	if c.Control.RetryDelayMs < 0 {
		return fmt.Errorf("%w: control.retry_delay_ms is negative", ErrInvalidValue)
	}

	if c.MCU.RespBufSize < 64 {
		return fmt.Errorf("%w: mcu.resp_buf_size %d below 64", ErrInvalidValue, c.MCU.RespBufSize)
	}
	if c.Rings.RxBufSize < 2048 || c.Rings.RxBufSize%4 != 0 {
		return fmt.Errorf("%w: rings.rx_buf_size %d", ErrInvalidValue, c.Rings.RxBufSize)
	}
	if c.Rings.TxBufSize < dma.WrappedLen(0) || c.Rings.TxBufSize > dma.WrappedLen(dma.MaxPayload) {
		return fmt.Errorf("%w: rings.tx_buf_size %d", ErrInvalidValue, c.Rings.TxBufSize)
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	return nil
}

// Regs returns the register access policy
func (c *Config) Regs() regs.Config {
	return regs.Config{
		Retries:           c.Control.Retries,
		Timeout:           dur(c.Control.TimeoutMs),
		RetryDelay:        dur(c.Control.RetryDelayMs),
		ASICReadyAttempts: c.Control.ASICReadyAttempts,
		BBPTimeout:        dur(c.Control.BBPTimeoutMs),
	}
}

// MCUConfig returns the firmware channel policy
func (c *Config) MCUConfig() mcu.Config {
	return mcu.Config{
		Timeout:      dur(c.MCU.TimeoutMs),
		Retries:      c.MCU.Retries,
		WriteTimeout: dur(c.MCU.WriteTimeoutMs),
		RespSize:     c.MCU.RespBufSize,
	}
}

// DMA returns the ring sizes
func (c *Config) DMA() dma.Config {
	return dma.Config{
		RxEntries: c.Rings.RxEntries,
		RxBufSize: c.Rings.RxBufSize,
		TxEntries: c.Rings.TxEntries,
		TxBufSize: c.Rings.TxBufSize,
	}
}

// TeardownTimeout bounds ring and channel teardown
func (c *Config) TeardownTimeout() time.Duration {
	return dur(c.Device.TeardownTimeoutMs)
}

// MACIdleTimeout bounds the wait for the MAC to go idle on stop
func (c *Config) MACIdleTimeout() time.Duration {
	return dur(c.Device.MACIdleTimeoutMs)
}
