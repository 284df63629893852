package bridge

// Host <-> dongle framing used by the USB radio bridge firmware:
//
//	sig(2) | size(2, LE) | type(1) | crc8(1) | crc16(2, LE) | seq(1) | data
//
// size counts everything after the size field. crc8 covers size and type;
// crc16 covers seq and data.

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	frameSig0       = 0xDE
	frameSig1       = 0xAD
	frameHeaderSize = 6 // sig(2) + size(2) + type(1) + crc8(1)
	frameBodyMin    = 3 // crc16(2) + seq(1)
	frameMaxData    = 512
)

// Frame types. Host requests are answered with frameResult carrying the same seq.
const (
	frameInit       uint8 = 0x01
	frameAddPeer    uint8 = 0x02
	frameDelPeer    uint8 = 0x03
	frameSend       uint8 = 0x04
	frameResult     uint8 = 0x80
	frameRecv       uint8 = 0x81
	frameSendStatus uint8 = 0x82
)

// Result status codes reported by the dongle.
const (
	statusOK       uint8 = 0x00
	statusExists   uint8 = 0x01
	statusNotFound uint8 = 0x02
	statusFailed   uint8 = 0x03
)

var errBadFrame = errors.New("bridge: bad frame")

type frame struct {
	Type uint8
	Seq  uint8
	Data []byte
}

func frameTypeName(t uint8) string {
	switch t {
	case frameInit:
		return "Init"
	case frameAddPeer:
		return "AddPeer"
	case frameDelPeer:
		return "DelPeer"
	case frameSend:
		return "Send"
	case frameResult:
		return "Result"
	case frameRecv:
		return "Recv"
	case frameSendStatus:
		return "SendStatus"
	default:
		return fmt.Sprintf("0x%02X", t)
	}
}

// --- CRC-8 (reflected poly 0xB2, init 0xFF, xorout 0xFF) ---

var crc8Table [256]uint8

func init() {
	const poly = 0xB2
	for i := 0; i < 256; i++ {
		crc := uint8(i)
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		crc8Table[i] = crc
	}
}

func crc8(data []byte) uint8 {
	crc := uint8(0xFF)
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc ^ 0xFF
}

// --- CRC-16 reflected (poly 0x8408, init 0x0000) ---

func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

func encodeFrame(f frame) []byte {
	size := 2 + frameBodyMin + len(f.Data) // type + crc8 + body
	buf := make([]byte, 4+size)
	buf[0] = frameSig0
	buf[1] = frameSig1
	binary.LittleEndian.PutUint16(buf[2:4], uint16(size))
	buf[4] = f.Type
	buf[5] = crc8(buf[2:5])
	buf[8] = f.Seq
	copy(buf[9:], f.Data)
	binary.LittleEndian.PutUint16(buf[6:8], crc16(buf[8:]))
	return buf
}

// readFrame scans r for the next valid frame, skipping noise before the signature.
func readFrame(r *bufio.Reader) (frame, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return frame{}, err
		}
		if b != frameSig0 {
			continue
		}
		next, err := r.Peek(1)
		if err != nil {
			return frame{}, err
		}
		if next[0] != frameSig1 {
			continue
		}
		r.ReadByte()
		return readFrameBody(r)
	}
}

func readFrameBody(r *bufio.Reader) (frame, error) {
	var hdr [4]byte // size(2) + type(1) + crc8(1)
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frame{}, err
	}
	if got := crc8(hdr[:3]); got != hdr[3] {
		return frame{}, fmt.Errorf("%w: header crc8 0x%02X, want 0x%02X", errBadFrame, hdr[3], got)
	}
	size := int(binary.LittleEndian.Uint16(hdr[0:2]))
	bodyLen := size - 2
	if bodyLen < frameBodyMin || bodyLen > frameBodyMin+frameMaxData {
		return frame{}, fmt.Errorf("%w: body length %d", errBadFrame, bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return frame{}, err
	}
	want := binary.LittleEndian.Uint16(body[0:2])
	if got := crc16(body[2:]); got != want {
		return frame{}, fmt.Errorf("%w: body crc16 0x%04X, want 0x%04X", errBadFrame, want, got)
	}
	return frame{Type: hdr[2], Seq: body[2], Data: body[3:]}, nil
}
