package dma

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/herlein/wlanusb/pkg/regs"
)

func TestWrap_Layout(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	dst := make([]byte, 64)

	n, err := Wrap(dst, payload, PortCPUTx, TypeCommand, CommandFlags(6, 0x0c))
	if err != nil {
		t.Fatal(err)
	}
	if n != WrappedLen(len(payload)) || n != 4+8+4 {
		t.Fatalf("Wrap() = %d bytes, want 16", n)
	}

	info := binary.LittleEndian.Uint32(dst)
	checks := []struct {
		name string
		mask uint32
		want uint32
	}{
		{"len", TxInfoLen, 8},
		{"port", TxInfoPort, uint32(PortCPUTx)},
		{"type", TxInfoType, uint32(TypeCommand)},
		{"seq", TxCmdSeq, 6},
		{"cmd", TxCmdType, 0x0c},
	}
	for _, c := range checks {
		if got := regs.Field(c.mask, info); got != c.want {
			t.Errorf("info %s = %d, want %d", c.name, got, c.want)
		}
	}
	if !bytes.Equal(dst[4:9], payload) {
		t.Errorf("payload = %v", dst[4:9])
	}
	if !bytes.Equal(dst[9:16], make([]byte, 7)) {
		t.Errorf("padding not zeroed: %v", dst[9:16])
	}
}

func TestWrap_ClearsStalePadding(t *testing.T) {
	dst := bytes.Repeat([]byte{0xee}, 32)
	n, err := Wrap(dst, []byte{0xaa}, PortWLAN, TypePacket, PacketFlags(QSelEDCA))
	if err != nil {
		t.Fatal(err)
	}
	for i := 5; i < n; i++ {
		if dst[i] != 0 {
			t.Fatalf("dst[%d] = %#x, want 0", i, dst[i])
		}
	}
	info := binary.LittleEndian.Uint32(dst)
	if regs.Field(TxPktQSel, info) != uint32(QSelEDCA) || info&TxPkt80211 == 0 {
		t.Errorf("packet flags missing: %#x", info)
	}
}

func TestWrap_TooLarge(t *testing.T) {
	if _, err := Wrap(make([]byte, 8), make([]byte, 8), PortWLAN, TypePacket, 0); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Wrap() into small buffer = %v", err)
	}
	if _, err := Wrap(make([]byte, 1<<17), make([]byte, MaxPayload+1), PortWLAN, TypePacket, 0); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Wrap() oversize payload = %v", err)
	}
}

func TestSplitSegments(t *testing.T) {
	var buf []byte
	buf = AppendSegment(buf, []byte("abcd"), 0x11)
	buf = AppendSegment(buf, []byte("efghijkl"), 0x22)

	var got []Segment
	n, err := SplitSegments(buf, func(s Segment) {
		got = append(got, Segment{Data: append([]byte(nil), s.Data...), Info: s.Info})
	})
	if err != nil || n != 2 {
		t.Fatalf("SplitSegments() = %d, %v", n, err)
	}
	if string(got[0].Data) != "abcd" || got[0].Info != 0x11 {
		t.Errorf("segment 0 = %q %#x", got[0].Data, got[0].Info)
	}
	if string(got[1].Data) != "efghijkl" || got[1].Info != 0x22 {
		t.Errorf("segment 1 = %q %#x", got[1].Data, got[1].Info)
	}
}

func TestSplitSegments_Malformed(t *testing.T) {
	good := AppendSegment(nil, []byte("abcd"), 1)

	tests := []struct {
		name string
		buf  []byte
		want int
	}{
		{"zero length", append(append([]byte(nil), good...), 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0), 1},
		{"unaligned length", []byte{6, 0, 0, 0, 1, 2, 3, 4, 5, 6, 0, 0, 0, 0, 0, 0}, 0},
		{"overrun", []byte{64, 0, 0, 0, 1, 2, 3, 4, 0, 0, 0, 0}, 0},
		{"short tail", append(append([]byte(nil), good...), 1, 2, 3), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := SplitSegments(tt.buf, func(Segment) {})
			if !errors.Is(err, ErrBadSegment) {
				t.Errorf("err = %v, want ErrBadSegment", err)
			}
			if n != tt.want {
				t.Errorf("delivered %d segments, want %d", n, tt.want)
			}
		})
	}
}

func TestSegment_Fields(t *testing.T) {
	info := regs.SetField(FCECmdSeq, 9) | regs.SetField(FCEEvtType, 2) |
		regs.SetField(FCEInfoPort, uint32(PortCPURx)) | regs.SetField(FCEInfoType, uint32(TypeCommand))
	s := Segment{Info: info}
	if s.CmdSeq() != 9 || s.EvtType() != 2 || s.Port() != PortCPURx || s.Type() != TypeCommand {
		t.Errorf("fields = seq %d evt %d port %d type %d", s.CmdSeq(), s.EvtType(), s.Port(), s.Type())
	}
}
