package mcu

import (
	"encoding/binary"
	"fmt"

	"github.com/herlein/wlanusb/pkg/dma"
	"github.com/herlein/wlanusb/pkg/regs"
)

// InbandMaxLen is the largest command payload the firmware accepts
const InbandMaxLen = 192

// Command is a firmware command opcode
type Command uint8

const (
	CmdFunSetOp        Command = 1
	CmdLoadCR          Command = 2
	CmdInitGainOp      Command = 3
	CmdDyncVGAOp       Command = 6
	CmdTDLSChSw        Command = 7
	CmdBurstWrite      Command = 8
	CmdReadModifyWrite Command = 9
	CmdRandomRead      Command = 10
	CmdBurstRead       Command = 11
	CmdRandomWrite     Command = 12
	CmdLEDModeOp       Command = 16
	CmdPowerSavingOp   Command = 20
	CmdWOWConfig       Command = 21
	CmdWOWQuery        Command = 22
	CmdWOWFeature      Command = 24
	CmdCarrierDetectOp Command = 28
	CmdRadarDetectOp   Command = 29
	CmdSwitchChannelOp Command = 30
	CmdCalibrationOp   Command = 31
	CmdBeaconOp        Command = 32
	CmdAntennaOp       Command = 33
)

var commandNames = map[Command]string{
	CmdFunSetOp:        "fun-set-op",
	CmdLoadCR:          "load-cr",
	CmdInitGainOp:      "init-gain-op",
	CmdDyncVGAOp:       "dync-vga-op",
	CmdTDLSChSw:        "tdls-ch-sw",
	CmdBurstWrite:      "burst-write",
	CmdReadModifyWrite: "read-modify-write",
	CmdRandomRead:      "random-read",
	CmdBurstRead:       "burst-read",
	CmdRandomWrite:     "random-write",
	CmdLEDModeOp:       "led-mode-op",
	CmdPowerSavingOp:   "power-saving-op",
	CmdWOWConfig:       "wow-config",
	CmdWOWQuery:        "wow-query",
	CmdWOWFeature:      "wow-feature",
	CmdCarrierDetectOp: "carrier-detect-op",
	CmdRadarDetectOp:   "radar-detect-op",
	CmdSwitchChannelOp: "switch-channel-op",
	CmdCalibrationOp:   "calibration-op",
	CmdBeaconOp:        "beacon-op",
	CmdAntennaOp:       "antenna-op",
}

func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return fmt.Sprintf("cmd(%d)", uint8(c))
}

// Event is the event type echoed in a response
type Event uint8

const (
	EvtCmdDone Event = iota
	EvtCmdError
	EvtCmdRetry
	EvtPwrRsp
	EvtWOWRsp
	EvtCarrierDetectRsp
	EvtDFSDetectRsp
)

var eventNames = [...]string{"cmd-done", "cmd-error", "cmd-retry", "pwr-rsp", "wow-rsp", "carrier-detect-rsp", "dfs-detect-rsp"}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("evt(%d)", uint8(e))
}

// Function selects what CmdFunSetOp configures
type Function uint32

const (
	FuncQSelect           Function = 1
	FuncAtomicTSSISetting Function = 5
)

// PowerMode is the argument of CmdPowerSavingOp
type PowerMode uint32

const (
	RadioOff           PowerMode = 0x30
	RadioOn            PowerMode = 0x31
	RadioOffAutoWakeup PowerMode = 0x32
	RadioOffAdvance    PowerMode = 0x33
	RadioOnAdvance     PowerMode = 0x34
)

// Calibration selects the routine run by CmdCalibrationOp
type Calibration uint32

const (
	CalR Calibration = iota + 1
	CalDCOC
	CalLC
	CalLOFT
	CalTXIQ
	CalBW
	CalDPD
	CalRXIQ
	CalTXDCOC
)

// Response is one decoded response transfer
type Response struct {
	Seq     uint8
	Event   Event
	Payload []byte
}

// ParseResponse decodes a response transfer: a little-endian info word with
// the payload length, sequence and event type, followed by the payload.
// Payload aliases buf.
func ParseResponse(buf []byte) (Response, error) {
	if len(buf) < dma.HdrLen {
		return Response{}, fmt.Errorf("%w: %d bytes", ErrBadResponse, len(buf))
	}
	info := binary.LittleEndian.Uint32(buf)
	n := int(info & dma.RxInfoLen)
	if dma.HdrLen+n > len(buf) {
		return Response{}, fmt.Errorf("%w: length %d in %d byte transfer", ErrBadResponse, n, len(buf))
	}
	return Response{
		Seq:     uint8(regs.Field(dma.FCECmdSeq, info)),
		Event:   Event(regs.Field(dma.FCEEvtType, info)),
		Payload: buf[dma.HdrLen : dma.HdrLen+n],
	}, nil
}

// AppendResponse encodes a response the way the firmware sends it
func AppendResponse(buf []byte, seq uint8, evt Event, payload []byte) []byte {
	info := uint32(len(payload))&dma.RxInfoLen |
		regs.SetField(dma.FCECmdSeq, uint32(seq)) |
		regs.SetField(dma.FCEEvtType, uint32(evt)) |
		regs.SetField(dma.FCEInfoPort, uint32(dma.PortCPURx)) |
		regs.SetField(dma.FCEInfoType, uint32(dma.TypeCommand))
	buf = binary.LittleEndian.AppendUint32(buf, info)
	return append(buf, payload...)
}

// Frame is a decoded command frame as written to the command endpoint
type Frame struct {
	Seq     uint8
	Cmd     Command
	Payload []byte
}

// ParseFrame decodes a wrapped command frame. Payload keeps the padding
// to a multiple of 4.
func ParseFrame(buf []byte) (Frame, error) {
	if len(buf) < dma.HdrLen {
		return Frame{}, fmt.Errorf("%w: %d byte command frame", ErrBadResponse, len(buf))
	}
	info := binary.LittleEndian.Uint32(buf)
	n := int(info & dma.TxInfoLen)
	if dma.HdrLen+n > len(buf) {
		return Frame{}, fmt.Errorf("%w: command length %d in %d bytes", ErrBadResponse, n, len(buf))
	}
	return Frame{
		Seq:     uint8(regs.Field(dma.TxCmdSeq, info)),
		Cmd:     Command(regs.Field(dma.TxCmdType, info)),
		Payload: buf[dma.HdrLen : dma.HdrLen+n],
	}, nil
}
