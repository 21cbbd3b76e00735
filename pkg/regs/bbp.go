package regs

import (
	"context"
	"fmt"
)

// BBPRead reads a baseband register through the BBP_CSR_CFG window
func (a *Access) BBPRead(ctx context.Context, reg uint8) (uint8, error) {
	a.atomicMu.Lock()
	defer a.atomicMu.Unlock()
	return a.bbpRead(ctx, reg)
}

// BBPWrite writes a baseband register
func (a *Access) BBPWrite(ctx context.Context, reg, val uint8) error {
	a.atomicMu.Lock()
	defer a.atomicMu.Unlock()
	return a.bbpWrite(ctx, reg, val)
}

// BBPRMW replaces the bits of reg selected by mask with val
func (a *Access) BBPRMW(ctx context.Context, reg, mask, val uint8) (uint8, error) {
	a.atomicMu.Lock()
	defer a.atomicMu.Unlock()

	cur, err := a.bbpRead(ctx, reg)
	if err != nil {
		return 0, err
	}
	next := cur&^mask | val
	if err := a.bbpWrite(ctx, reg, next); err != nil {
		return 0, err
	}
	return next, nil
}

// BBPRMC is BBPRMW that skips the write when nothing would change
func (a *Access) BBPRMC(ctx context.Context, reg, mask, val uint8) (uint8, error) {
	a.atomicMu.Lock()
	defer a.atomicMu.Unlock()

	cur, err := a.bbpRead(ctx, reg)
	if err != nil {
		return 0, err
	}
	next := cur&^mask | val
	if next != cur {
		if err := a.bbpWrite(ctx, reg, next); err != nil {
			return 0, err
		}
	}
	return next, nil
}

// BBPWaitReady reads the BBP version register until it looks sane
func (a *Access) BBPWaitReady(ctx context.Context) error {
	for i := 0; i < a.cfg.ASICReadyAttempts; i++ {
		v, err := a.BBPRead(ctx, 0)
		if err != nil {
			return err
		}
		if v != 0 && v != 0xff {
			return nil
		}
	}
	return fmt.Errorf("%w: BBP not ready", ErrUnresponsive)
}

func (a *Access) bbpRead(ctx context.Context, reg uint8) (uint8, error) {
	if err := a.Poll(ctx, RegBBPCSRCfg, BBPCSRBusy, 0, a.cfg.BBPTimeout); err != nil {
		return 0, fmt.Errorf("bbp read %d: %w", reg, err)
	}
	cmd := SetField(BBPCSRRegNum, uint32(reg)) | BBPCSRRead | BBPCSRBusy | BBPCSRRWMode
	if err := a.Write(ctx, RegBBPCSRCfg, cmd); err != nil {
		return 0, err
	}
	if err := a.Poll(ctx, RegBBPCSRCfg, BBPCSRBusy, 0, a.cfg.BBPTimeout); err != nil {
		return 0, fmt.Errorf("bbp read %d: %w", reg, err)
	}
	v, err := a.Read(ctx, RegBBPCSRCfg)
	if err != nil {
		return 0, err
	}
	if got := Field(BBPCSRRegNum, v); got != uint32(reg) {
		return 0, fmt.Errorf("%w: bbp read %d answered for reg %d", ErrUnresponsive, reg, got)
	}
	return uint8(Field(BBPCSRValue, v)), nil
}

func (a *Access) bbpWrite(ctx context.Context, reg, val uint8) error {
	if err := a.Poll(ctx, RegBBPCSRCfg, BBPCSRBusy, 0, a.cfg.BBPTimeout); err != nil {
		return fmt.Errorf("bbp write %d: %w", reg, err)
	}
	cmd := SetField(BBPCSRValue, uint32(val)) | SetField(BBPCSRRegNum, uint32(reg)) | BBPCSRBusy | BBPCSRRWMode
	return a.Write(ctx, RegBBPCSRCfg, cmd)
}
