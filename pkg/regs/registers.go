package regs

import "net"

// MAC and DMA register offsets
const (
	RegASICVersion   = 0x0000
	RegWPDMAGloCfg   = 0x0208
	RegUSBDMACfg     = 0x0238
	RegMACCSR0       = 0x1000
	RegMACSysCtrl    = 0x1004
	RegMACAddrDW0    = 0x1008
	RegMACAddrDW1    = 0x100c
	RegBBPCSRCfg     = 0x101c
	RegMACStatus     = 0x1200
	RegRxFilterCfg   = 0x1400
	RegTxStatFIFO    = 0x1718
	RegTxStatFIFOExt = 0x1798
	RegWCIDAddrBase  = 0x1800
	RegWCIDAttrBase  = 0x6800
)

// WPDMA_GLO_CFG fields
const (
	WPDMATxDMAEnable = 1 << 0
	WPDMATxDMABusy   = 1 << 1
	WPDMARxDMAEnable = 1 << 2
	WPDMARxDMABusy   = 1 << 3
)

// USB_DMA_CFG fields
const (
	USBDMARxBulkEnable = 1 << 22
	USBDMATxBulkEnable = 1 << 23
	USBDMARxBusy       = 1 << 30
	USBDMATxBusy       = 1 << 31
)

// MAC_SYS_CTRL fields
const (
	MACSysCtrlResetCSR = 1 << 0
	MACSysCtrlResetBBP = 1 << 1
	MACSysCtrlEnableTx = 1 << 2
	MACSysCtrlEnableRx = 1 << 3
)

// MAC_STATUS fields
const (
	MACStatusTx = 1 << 0
	MACStatusRx = 1 << 1
)

// BBP_CSR_CFG fields
const (
	BBPCSRValue  = 0x000000ff
	BBPCSRRegNum = 0x0000ff00
	BBPCSRRead   = 1 << 16
	BBPCSRBusy   = 1 << 17
	BBPCSRRWMode = 1 << 19
)

// TX_STAT_FIFO fields
const (
	TxStatValid   = 1 << 0
	TxStatPIDType = 0x0000001e
	TxStatSuccess = 1 << 5
	TxStatAggr    = 1 << 6
	TxStatAckReq  = 1 << 7
	TxStatWCID    = 0x0000ff00
	TxStatRate    = 0xffff0000
)

// TX_STAT_FIFO_EXT fields
const (
	TxStatExtRetry = 0x000000ff
	TxStatExtPktID = 0x0000ff00
)

// WCID_ATTR fields
const (
	WCIDAttrPairwise  = 1 << 0
	WCIDAttrBSSIdx    = 0x00000070
	WCIDAttrBSSIdxExt = 1 << 21
)

// WCIDAddr returns the address slot of a wcid table entry
func WCIDAddr(idx uint8) uint32 {
	return RegWCIDAddrBase + uint32(idx)*8
}

// WCIDAttr returns the attribute register of a wcid table entry
func WCIDAttr(idx uint8) uint32 {
	return RegWCIDAttrBase + uint32(idx)*4
}

// Field extracts the bits of v selected by mask, shifted down
func Field(mask, v uint32) uint32 {
	if mask == 0 {
		return 0
	}
	for mask&1 == 0 {
		mask >>= 1
		v >>= 1
	}
	return v & mask
}

// SetField places val into the bits selected by mask
func SetField(mask, val uint32) uint32 {
	if mask == 0 {
		return 0
	}
	shift := 0
	for m := mask; m&1 == 0; m >>= 1 {
		shift++
	}
	return (val << shift) & mask
}

// Snapshot holds the MAC status registers worth dumping for diagnostics
type Snapshot struct {
	ASICVersion uint32 `json:"asic_version"`  // 0x0000
	WPDMAGloCfg uint32 `json:"wpdma_glo_cfg"` // 0x0208
	USBDMACfg   uint32 `json:"usb_dma_cfg"`   // 0x0238
	MACCSR0     uint32 `json:"mac_csr0"`      // 0x1000
	MACSysCtrl  uint32 `json:"mac_sys_ctrl"`  // 0x1004
	MACAddrDW0  uint32 `json:"mac_addr_dw0"`  // 0x1008
	MACAddrDW1  uint32 `json:"mac_addr_dw1"`  // 0x100c
	MACStatus   uint32 `json:"mac_status"`    // 0x1200
	RxFilterCfg uint32 `json:"rx_filter_cfg"` // 0x1400
}

// MACAddr decodes the address held in MAC_ADDR_DW0/DW1
func (s *Snapshot) MACAddr() net.HardwareAddr {
	return net.HardwareAddr{
		byte(s.MACAddrDW0), byte(s.MACAddrDW0 >> 8), byte(s.MACAddrDW0 >> 16), byte(s.MACAddrDW0 >> 24),
		byte(s.MACAddrDW1), byte(s.MACAddrDW1 >> 8),
	}
}
