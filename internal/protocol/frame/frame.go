package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/mbclink/internal/protocol"
)

const (
	Magic          uint32 = 0x4D424331 // "MBC1"
	Version        uint16 = 1
	FixedHeaderLen        = 20

	FlagLast uint8 = 0x01
)

// Kind identifies what the payload carries.
type Kind uint8

const (
	KindHello    Kind = 1
	KindHelloAck Kind = 2
	KindLoad     Kind = 3
	KindState    Kind = 4
	KindAbort    Kind = 5
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindHelloAck:
		return "hello.ack"
	case KindLoad:
		return "load"
	case KindState:
		return "state"
	case KindAbort:
		return "abort"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	ErrInvalidMagic       = fmt.Errorf("%w: invalid magic", protocol.ErrFrameSize)
	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported version", protocol.ErrFrameSize)
	ErrPayloadTooLarge    = fmt.Errorf("%w: payload too large", protocol.ErrFrameSize)
)

// Header is the fixed wire header.
type Header struct {
	Magic      uint32
	Version    uint16
	Kind       Kind
	Flags      uint8
	ConfigID   uint32
	Step       uint32
	PayloadLen uint32
}

func (h Header) Last() bool {
	return h.Flags&FlagLast != 0
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 256 * 1024 * 1024,
	}
}

// ExactReader is satisfied by transports that block until n bytes arrive.
type ExactReader interface {
	ReadExact(n int) ([]byte, error)
}

// ExactWriter is satisfied by transports that write all of b or fail.
type ExactWriter interface {
	WriteExact(b []byte) error
}

// ReadFrame reads one frame. Transport errors are returned unchanged.
func ReadFrame(r ExactReader, limits Limits) (Frame, error) {
	h, err := ReadHeader(r, limits)
	if err != nil {
		return Frame{}, err
	}
	payload, err := ReadPayload(r, h)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Header: h, Payload: payload}, nil
}

// ReadHeader reads and decodes the fixed header only, so callers can reject
// a frame before its payload is read.
func ReadHeader(r ExactReader, limits Limits) (Header, error) {
	fixed, err := r.ReadExact(FixedHeaderLen)
	if err != nil {
		return Header{}, err
	}
	h, err := DecodeHeader(fixed)
	if err != nil {
		return Header{}, err
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Header{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.PayloadLen, limits.MaxPayloadBytes)
	}
	return h, nil
}

// ReadPayload reads the h.PayloadLen bytes following h.
func ReadPayload(r ExactReader, h Header) ([]byte, error) {
	if h.PayloadLen == 0 {
		return nil, nil
	}
	return r.ReadExact(int(h.PayloadLen))
}

// WriteFrame writes header and payload with a single exact write.
func WriteFrame(w ExactWriter, f Frame, limits Limits) error {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}
	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.PayloadLen = uint32(len(f.Payload))

	buf := make([]byte, FixedHeaderLen+len(f.Payload))
	putHeader(buf, h)
	copy(buf[FixedHeaderLen:], f.Payload)
	return w.WriteExact(buf)
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	putHeader(buf, h)
	return buf
}

func putHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	buf[6] = byte(h.Kind)
	buf[7] = h.Flags
	binary.BigEndian.PutUint32(buf[8:12], h.ConfigID)
	binary.BigEndian.PutUint32(buf[12:16], h.Step)
	binary.BigEndian.PutUint32(buf[16:20], h.PayloadLen)
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != FixedHeaderLen {
		return Header{}, fmt.Errorf("%w: invalid fixed header length: %d", protocol.ErrFrameSize, len(b))
	}
	h := Header{
		Magic:      binary.BigEndian.Uint32(b[0:4]),
		Version:    binary.BigEndian.Uint16(b[4:6]),
		Kind:       Kind(b[6]),
		Flags:      b[7],
		ConfigID:   binary.BigEndian.Uint32(b[8:12]),
		Step:       binary.BigEndian.Uint32(b[12:16]),
		PayloadLen: binary.BigEndian.Uint32(b[16:20]),
	}
	if h.Magic != Magic {
		return Header{}, ErrInvalidMagic
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	return h, nil
}
