package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire layouts are big endian and fixed for the lifetime of a test run.
//
// Data header: seq(4) | send_ts(8) | offset(8) | declared_size(4)
// Sync message: t1(8) | t2(8) | t3(8)
const (
	HeaderLen      = 24
	MinPacketLen   = HeaderLen + 1
	MaxPacketLen   = 8192
	SyncMessageLen = 24
)

var (
	ErrShortPacket = errors.New("datagram shorter than data header")
	ErrShortBuffer = errors.New("buffer shorter than data header")
	ErrShortSync   = errors.New("datagram shorter than sync message")
)

// Header is the fixed prefix of every data packet. SendTime and Offset are
// monotonic seconds in the sender's clock. DeclaredSize is the size the
// sender intended to transmit; it is informational only.
type Header struct {
	Seq          uint32
	SendTime     float64
	Offset       float64
	DeclaredSize uint32
}

// EncodeHeader overwrites the header region of buf in place. Bytes beyond
// the header are left untouched.
func EncodeHeader(buf []byte, h *Header) error {
	if len(buf) < HeaderLen {
		return ErrShortBuffer
	}
	if _, err := binary.Encode(buf[:HeaderLen], binary.BigEndian, h); err != nil {
		return fmt.Errorf("binary.Encode on header: %w", err)
	}
	return nil
}

// DecodeHeader reads the fixed header from a received datagram. Payload
// bytes are never interpreted; only their count matters to the caller.
func DecodeHeader(h *Header, buf []byte) error {
	if len(buf) < HeaderLen {
		return ErrShortPacket
	}
	if _, err := binary.Decode(buf[:HeaderLen], binary.BigEndian, h); err != nil {
		return fmt.Errorf("binary.Decode on header: %w", err)
	}
	return nil
}

// SyncMessage is the clock synchronization exchange. The client fills T1 and
// sends all three fields; the server fills T2 and T3 and echoes the message.
type SyncMessage struct {
	T1 float64
	T2 float64
	T3 float64
}

func EncodeSync(buf []byte, m *SyncMessage) error {
	if len(buf) < SyncMessageLen {
		return ErrShortBuffer
	}
	if _, err := binary.Encode(buf[:SyncMessageLen], binary.BigEndian, m); err != nil {
		return fmt.Errorf("binary.Encode on sync message: %w", err)
	}
	return nil
}

func DecodeSync(m *SyncMessage, buf []byte) error {
	if len(buf) < SyncMessageLen {
		return ErrShortSync
	}
	if _, err := binary.Decode(buf[:SyncMessageLen], binary.BigEndian, m); err != nil {
		return fmt.Errorf("binary.Decode on sync message: %w", err)
	}
	return nil
}
