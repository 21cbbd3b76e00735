package state

import (
	"errors"
	"sync"
	"testing"
)

func TestFlags_SetClear(t *testing.T) {
	var f Flags

	if f.Set(Scanning) {
		t.Error("Set(Scanning) reported previously set on zero value")
	}
	if !f.Set(Scanning) {
		t.Error("second Set(Scanning) reported not previously set")
	}
	if !f.Has(Scanning) {
		t.Error("Has(Scanning) = false after Set")
	}
	if !f.Clear(Scanning) {
		t.Error("Clear(Scanning) reported not previously set")
	}
	if f.Clear(Scanning) {
		t.Error("second Clear(Scanning) reported previously set")
	}
}

func TestFlags_StickyFlags(t *testing.T) {
	var f Flags
	f.Set(Initialized)
	if !f.MarkRemoved() {
		t.Error("first MarkRemoved() = false")
	}
	if f.MarkRemoved() {
		t.Error("second MarkRemoved() = true")
	}

	for _, fl := range []Flag{Initialized, Removed} {
		if f.Clear(fl) {
			t.Errorf("Clear(%v) cleared a sticky flag", fl)
		}
		if !f.Has(fl) {
			t.Errorf("%v lost after Clear", fl)
		}
	}
	if !errors.Is(f.Check(), ErrDeviceRemoved) {
		t.Errorf("Check() = %v, want ErrDeviceRemoved", f.Check())
	}
}

func TestFlags_String(t *testing.T) {
	var f Flags
	if got := f.String(); got != "none" {
		t.Errorf("String() = %q, want none", got)
	}
	f.Set(MoreStats)
	f.Set(RadioRunning)
	if got := f.String(); got != "radio-running|more-stats" {
		t.Errorf("String() = %q", got)
	}
}

func TestFlags_ConcurrentSetOnlyOneWinner(t *testing.T) {
	var f Flags
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !f.Set(ReadingStats) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Errorf("%d goroutines won Set(ReadingStats), want 1", winners)
	}
}

func TestFlags_Require(t *testing.T) {
	var f Flags
	if err := f.Require(RadioRunning); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Require() = %v, want ErrNotRunning", err)
	}
	f.Set(RadioRunning)
	f.Set(MCURunning)
	if err := f.Require(RadioRunning, MCURunning); err != nil {
		t.Errorf("Require() = %v", err)
	}
	f.MarkRemoved()
	if err := f.Require(RadioRunning); !errors.Is(err, ErrDeviceRemoved) {
		t.Errorf("Require() after removal = %v", err)
	}
}
