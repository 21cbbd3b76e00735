package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/gousb"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusOK, "ok"},
		{StatusError, "error"},
		{StatusStall, "stall"},
		{StatusTimeout, "timeout"},
		{StatusCancelled, "cancelled"},
		{StatusNoDevice, "no-device"},
		{StatusOverflow, "overflow"},
		{Status(42), "status(42)"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.status.String(); got != tt.want {
				t.Errorf("Status.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatus_Err(t *testing.T) {
	tests := []struct {
		status  Status
		wantErr error
	}{
		{StatusOK, nil},
		{StatusError, ErrIO},
		{StatusStall, ErrStall},
		{StatusTimeout, ErrTimeout},
		{StatusCancelled, ErrCancelled},
		{StatusNoDevice, ErrNoDevice},
		{StatusOverflow, ErrOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			if err := tt.status.Err(); !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Errorf("Status.Err() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStatusOf(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want Status
	}{
		{"nil", nil, nil, StatusOK},
		{"ctx cancelled", cancelled, errors.New("whatever"), StatusCancelled},
		{"deadline", nil, context.DeadlineExceeded, StatusTimeout},
		{"transfer stall", nil, gousb.TransferStall, StatusStall},
		{"transfer no device", nil, gousb.TransferNoDevice, StatusNoDevice},
		{"transfer overflow", nil, gousb.TransferOverflow, StatusOverflow},
		{"transfer timed out", nil, gousb.TransferTimedOut, StatusTimeout},
		{"wrapped transfer error", nil, fmt.Errorf("read: %w", gousb.TransferError), StatusError},
		{"libusb no device", nil, gousb.ErrorNoDevice, StatusNoDevice},
		{"libusb pipe", nil, gousb.ErrorPipe, StatusStall},
		{"libusb io", nil, gousb.ErrorIO, StatusError},
		{"other", nil, errors.New("boom"), StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusOf(tt.ctx, tt.err); got != tt.want {
				t.Errorf("statusOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEndpoints_Validate(t *testing.T) {
	if err := SimEndpoints().Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}

	short := SimEndpoints()
	short.Out = short.Out[:3]
	if err := short.Validate(); !errors.Is(err, ErrEndpoints) {
		t.Errorf("Validate() = %v, want ErrEndpoints", err)
	}
}

func TestDeviceSelector_Pick(t *testing.T) {
	devices := []*USB{
		{Serial: "aa01", Bus: 1, Address: 4},
		{Serial: "bb02", Bus: 1, Address: 7},
		{Serial: "bb02", Bus: 2, Address: 3},
	}

	tests := []struct {
		sel     DeviceSelector
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"#1", 1, false},
		{"#3", -1, true},
		{"#x", -1, true},
		{"2:3", 2, false},
		{"2:9", -1, true},
		{"x:3", -1, true},
		{"aa01", 0, false},
		{"bb02", -1, true},
		{"cc03", -1, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.sel), func(t *testing.T) {
			got, err := tt.sel.pick(devices)
			if tt.wantErr {
				if err == nil {
					t.Errorf("pick(%q) = %v, want error", tt.sel, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("pick(%q) error = %v", tt.sel, err)
			}
			if got != devices[tt.want] {
				t.Errorf("pick(%q) picked %+v, want #%d", tt.sel, got, tt.want)
			}
		})
	}
}
