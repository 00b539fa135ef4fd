package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/danmuck/mbclink/internal/protocol"
	"github.com/danmuck/mbclink/internal/protocol/tlv"
)

// bufferIO adapts a bytes.Buffer to the exact read/write contract.
type bufferIO struct {
	buf bytes.Buffer
}

func (b *bufferIO) ReadExact(n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(&b.buf, out); err != nil {
		return nil, protocol.ErrTransportClosed
	}
	return out, nil
}

func (b *bufferIO) WriteExact(p []byte) error {
	_, err := b.buf.Write(p)
	return err
}

func TestReadWriteFrameRoundTrip(t *testing.T) {
	payload := tlv.EncodeFields([]tlv.Field{{ID: 1, Type: tlv.TypeString, Value: []byte("session-1")}})
	in := Frame{
		Header:  Header{Kind: KindHello, Flags: FlagLast, ConfigID: 0xABCD, Step: 42},
		Payload: payload,
	}
	var rw bufferIO
	if err := WriteFrame(&rw, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if rw.buf.Len() != FixedHeaderLen+len(payload) {
		t.Fatalf("unexpected wire length: %d", rw.buf.Len())
	}
	out, err := ReadFrame(&rw, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.Kind != KindHello || out.Header.ConfigID != 0xABCD || out.Header.Step != 42 || !out.Header.Last() {
		t.Fatalf("header mismatch: got=%+v", out.Header)
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameEmptyPayload(t *testing.T) {
	var rw bufferIO
	if err := WriteFrame(&rw, Frame{Header: Header{Kind: KindAbort}}, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(&rw, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.Kind != KindAbort || len(out.Payload) != 0 {
		t.Fatalf("unexpected frame: %+v", out)
	}
}

func TestReadFrameShortHeaderReturnsTransportError(t *testing.T) {
	rw := &bufferIO{}
	rw.buf.Write([]byte{1, 2, 3})
	_, err := ReadFrame(rw, DefaultLimits())
	if !errors.Is(err, protocol.ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
}

func TestDecodeHeaderInvalidMagic(t *testing.T) {
	buf := EncodeHeader(Header{Magic: 0x01020304, Version: Version, Kind: KindLoad})
	_, err := DecodeHeader(buf)
	if !errors.Is(err, ErrInvalidMagic) || !errors.Is(err, protocol.ErrFrameSize) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestDecodeHeaderUnsupportedVersion(t *testing.T) {
	buf := EncodeHeader(Header{Magic: Magic, Version: Version + 1, Kind: KindLoad})
	_, err := DecodeHeader(buf)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestReadFramePayloadLimit(t *testing.T) {
	rw := &bufferIO{}
	rw.buf.Write(EncodeHeader(Header{Magic: Magic, Version: Version, Kind: KindState, PayloadLen: 1024}))
	_, err := ReadFrame(rw, Limits{MaxPayloadBytes: 16})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestReadHeaderLeavesPayloadUnread(t *testing.T) {
	var rw bufferIO
	in := Frame{Header: Header{Kind: KindLoad, Step: 3}, Payload: []byte{1, 2, 3, 4}}
	if err := WriteFrame(&rw, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	h, err := ReadHeader(&rw, DefaultLimits())
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if h.PayloadLen != 4 || rw.buf.Len() != 4 {
		t.Fatalf("header len=%d unread=%d", h.PayloadLen, rw.buf.Len())
	}
	payload, err := ReadPayload(&rw, h)
	if err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if !bytes.Equal(payload, in.Payload) {
		t.Fatalf("payload got=%v", payload)
	}
}

func TestReadHeaderRejectsOversizedDeclaration(t *testing.T) {
	var rw bufferIO
	h := Header{Magic: Magic, Version: Version, Kind: KindHello, PayloadLen: 8192}
	rw.buf.Write(EncodeHeader(h))
	_, err := ReadHeader(&rw, Limits{MaxPayloadBytes: 4096})
	if !errors.Is(err, ErrPayloadTooLarge) || !errors.Is(err, protocol.ErrFrameSize) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}
