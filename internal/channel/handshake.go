package channel

import (
	"fmt"
	"strconv"

	"github.com/danmuck/mbclink/internal/protocol"
	"github.com/danmuck/mbclink/internal/protocol/frame"
	"github.com/danmuck/mbclink/internal/protocol/schema"
	"github.com/danmuck/mbclink/internal/protocol/tlv"
	"github.com/danmuck/mbclink/internal/transport"
)

const (
	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"
)

// handshakeLimits bounds hello payloads; a declaration is well under 1 KiB.
var handshakeLimits = frame.Limits{MaxPayloadBytes: 4 << 10}

// hello is the negotiation payload; Status and Reason are set on the ack only.
type hello struct {
	Version   uint16
	SessionID string
	Side      Side
	Config    protocol.Config
	Status    string
	Reason    string
}

func (h hello) fields(ack bool) []tlv.Field {
	fields := []tlv.Field{
		tlv.U16(schema.FieldProtocolVersion, h.Version),
		tlv.String(schema.FieldSessionID, h.SessionID),
		tlv.U8(schema.FieldSide, uint8(h.Side)),
		tlv.Bool(schema.FieldRigid, h.Config.Rigid),
		tlv.U32(schema.FieldNodes, h.Config.Nodes),
		tlv.Bool(schema.FieldLabels, h.Config.Labels),
		tlv.U8(schema.FieldRotation, uint8(h.Config.Rotation)),
		tlv.Bool(schema.FieldAccels, h.Config.Accels),
	}
	if ack {
		fields = append(fields,
			tlv.String(schema.FieldStatus, h.Status),
			tlv.String(schema.FieldReason, h.Reason),
		)
	}
	return fields
}

func writeHello(conn *transport.Conn, kind frame.Kind, h hello) error {
	payload := tlv.EncodeFields(h.fields(kind == frame.KindHelloAck))
	return frame.WriteFrame(conn, frame.Frame{
		Header: frame.Header{
			Kind:     kind,
			ConfigID: h.Config.ID(),
		},
		Payload: payload,
	}, handshakeLimits)
}

func readHello(conn *transport.Conn, kind frame.Kind) (hello, error) {
	f, err := frame.ReadFrame(conn, handshakeLimits)
	if err != nil {
		return hello{}, err
	}
	if f.Header.Kind != kind {
		return hello{}, fmt.Errorf("expected %s frame, got %s", kind, f.Header.Kind)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return hello{}, err
	}
	msgType := schema.MsgHello
	if kind == frame.KindHelloAck {
		msgType = schema.MsgHelloAck
	}
	if err := schema.Validate(msgType, fields); err != nil {
		return hello{}, err
	}
	return parseHello(fields, kind == frame.KindHelloAck)
}

func parseHello(fields []tlv.Field, ack bool) (hello, error) {
	var (
		h   hello
		err error
		u8  uint8
	)
	get := func(id uint16) tlv.Field {
		f, _ := tlv.GetField(fields, id)
		return f
	}
	if h.Version, err = get(schema.FieldProtocolVersion).U16(); err != nil {
		return hello{}, err
	}
	if h.SessionID, err = get(schema.FieldSessionID).Str(); err != nil {
		return hello{}, err
	}
	if u8, err = get(schema.FieldSide).U8(); err != nil {
		return hello{}, err
	}
	h.Side = Side(u8)
	if h.Config.Rigid, err = get(schema.FieldRigid).Bool(); err != nil {
		return hello{}, err
	}
	if h.Config.Nodes, err = get(schema.FieldNodes).U32(); err != nil {
		return hello{}, err
	}
	if h.Config.Labels, err = get(schema.FieldLabels).Bool(); err != nil {
		return hello{}, err
	}
	if u8, err = get(schema.FieldRotation).U8(); err != nil {
		return hello{}, err
	}
	h.Config.Rotation = protocol.Rotation(u8)
	if h.Config.Accels, err = get(schema.FieldAccels).Bool(); err != nil {
		return hello{}, err
	}
	if !ack {
		return h, nil
	}
	if h.Status, err = get(schema.FieldStatus).Str(); err != nil {
		return hello{}, err
	}
	if h.Reason, err = get(schema.FieldReason).Str(); err != nil {
		return hello{}, err
	}
	return h, nil
}

// checkPeer compares what the peer declared against the local declaration.
func checkPeer(local, peer hello) error {
	if local.Version != peer.Version {
		return protocol.MismatchError{
			Field: "version",
			Local: strconv.FormatUint(uint64(local.Version), 10),
			Peer:  strconv.FormatUint(uint64(peer.Version), 10),
		}
	}
	if peer.Side != local.Side.Peer() {
		return protocol.MismatchError{Field: "side", Local: local.Side.String(), Peer: peer.Side.String()}
	}
	return local.Config.Diff(peer.Config)
}

// handshakeInitiator sends the hello and waits for the listener's verdict.
func handshakeInitiator(conn *transport.Conn, local hello) (hello, error) {
	if err := writeHello(conn, frame.KindHello, local); err != nil {
		return hello{}, fmt.Errorf("%w: write hello: %w", protocol.ErrConnection, err)
	}
	ack, err := readHello(conn, frame.KindHelloAck)
	if err != nil {
		return hello{}, fmt.Errorf("%w: read hello.ack: %w", protocol.ErrConnection, err)
	}
	mismatch := checkPeer(local, ack)
	if ack.Status != AckStatusAccepted {
		if mismatch != nil {
			return ack, mismatch
		}
		return ack, fmt.Errorf("%w: peer rejected: %s", protocol.ErrConfigMismatch, ack.Reason)
	}
	if mismatch != nil {
		return ack, mismatch
	}
	return ack, nil
}

// handshakeListener answers one hello. A mismatch is reported to the peer
// before it is returned locally.
func handshakeListener(conn *transport.Conn, local hello) (hello, error) {
	peer, err := readHello(conn, frame.KindHello)
	if err != nil {
		return hello{}, fmt.Errorf("%w: read hello: %w", protocol.ErrConnection, err)
	}
	ack := local
	ack.SessionID = peer.SessionID
	ack.Status = AckStatusAccepted
	mismatch := checkPeer(local, peer)
	if mismatch != nil {
		ack.Status = AckStatusRejected
		ack.Reason = mismatch.Error()
	}
	if err := writeHello(conn, frame.KindHelloAck, ack); err != nil {
		return peer, fmt.Errorf("%w: write hello.ack: %w", protocol.ErrConnection, err)
	}
	if mismatch != nil {
		return peer, mismatch
	}
	return peer, nil
}
