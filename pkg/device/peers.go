package device

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/herlein/wlanusb/pkg/regs"
	"github.com/herlein/wlanusb/pkg/state"
	"github.com/herlein/wlanusb/pkg/wcid"
)

// ErrBadAddress is returned for hardware addresses that are not 6 octets
var ErrBadAddress = errors.New("bad hardware address")

func macBytes(addr net.HardwareAddr) ([6]byte, error) {
	var b [6]byte
	if len(addr) != len(b) {
		return b, fmt.Errorf("%w: %q", ErrBadAddress, addr.String())
	}
	copy(b[:], addr)
	return b, nil
}

func wcidAttr(vif uint8) uint32 {
	attr := regs.SetField(regs.WCIDAttrBSSIdx, uint32(vif&7))
	if vif&8 != 0 {
		attr |= regs.WCIDAttrBSSIdxExt
	}
	return attr
}

// programWCID writes the address slot and attribute of idx
func (d *Device) programWCID(ctx context.Context, idx uint8, addr [6]byte, attr uint32) error {
	var slot [8]byte
	copy(slot[:], addr[:])
	if err := d.regs.WriteCopy(ctx, regs.WCIDAddr(idx), slot[:]); err != nil {
		return fmt.Errorf("wcid %d addr: %w", idx, err)
	}
	if err := d.regs.Write(ctx, regs.WCIDAttr(idx), attr); err != nil {
		return fmt.Errorf("wcid %d attr: %w", idx, err)
	}
	return nil
}

// AddPeer binds addr on vif to a free wcid and programs the hardware slot
func (d *Device) AddPeer(ctx context.Context, addr net.HardwareAddr, vif uint8) (uint8, error) {
	mac, err := macBytes(addr)
	if err != nil {
		return 0, err
	}
	if err := d.flags.Require(state.Initialized); err != nil {
		return 0, err
	}
	idx, err := d.peer.AllocUnique(addr, vif)
	if err != nil {
		return 0, err
	}
	if err := d.programWCID(ctx, idx, mac, wcidAttr(vif)); err != nil {
		_ = d.peer.Release(idx)
		return 0, err
	}
	d.log.Debug("peer added", "wcid", idx, "addr", addr, "vif", vif)
	return idx, nil
}

// RemovePeer clears the hardware slot of idx and frees it
func (d *Device) RemovePeer(ctx context.Context, idx uint8) error {
	if d.peer.Lookup(idx) == nil {
		return fmt.Errorf("%w: wcid %d is free", wcid.ErrInvalidIndex, idx)
	}
	// a gone device has no slots left to clear
	if err := d.flags.Check(); err == nil {
		if err := d.programWCID(ctx, idx, [6]byte{}, 0); err != nil {
			return err
		}
	}
	if err := d.peer.Release(idx); err != nil {
		return err
	}
	d.log.Debug("peer removed", "wcid", idx)
	return nil
}

// BindGroup programs the group wcid of vif with the broadcast address
func (d *Device) BindGroup(ctx context.Context, vif uint8) (uint8, error) {
	idx, err := wcid.GroupIndex(vif)
	if err != nil {
		return 0, err
	}
	if err := d.flags.Require(state.Initialized); err != nil {
		return 0, err
	}
	bcast := net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	if err := d.peer.Bind(idx, bcast, vif); err != nil {
		return 0, err
	}
	mac, _ := macBytes(bcast)
	if err := d.programWCID(ctx, idx, mac, wcidAttr(vif)); err != nil {
		_ = d.peer.Release(idx)
		return 0, err
	}
	return idx, nil
}

// Peer returns the binding of idx, or nil
func (d *Device) Peer(idx uint8) *wcid.Entry {
	return d.peer.Lookup(idx)
}

// Peers returns every bound wcid in index order
func (d *Device) Peers() []*wcid.Entry {
	return d.peer.Entries()
}

// SetMACAddress programs the adapter's own address
func (d *Device) SetMACAddress(ctx context.Context, addr net.HardwareAddr) error {
	mac, err := macBytes(addr)
	if err != nil {
		return err
	}
	if err := d.flags.Require(state.Initialized); err != nil {
		return err
	}
	return d.regs.AddrWrite(ctx, regs.RegMACAddrDW0, mac)
}
