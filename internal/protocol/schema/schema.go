package schema

import (
	"fmt"

	"github.com/danmuck/mbclink/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs carried in handshake frames.
const (
	MsgHello    uint32 = 1
	MsgHelloAck uint32 = 2
)

// Field IDs from tlv contract.
const (
	FieldProtocolVersion uint16 = 1
	FieldSessionID       uint16 = 2
	FieldSide            uint16 = 3

	FieldRigid    uint16 = 100
	FieldNodes    uint16 = 101
	FieldLabels   uint16 = 102
	FieldRotation uint16 = 103
	FieldAccels   uint16 = 104

	FieldStatus uint16 = 200
	FieldReason uint16 = 201
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var configRequirements = []Requirement{
	{FieldProtocolVersion, tlv.TypeU16},
	{FieldSessionID, tlv.TypeString},
	{FieldSide, tlv.TypeU8},
	{FieldRigid, tlv.TypeBool},
	{FieldNodes, tlv.TypeU32},
	{FieldLabels, tlv.TypeBool},
	{FieldRotation, tlv.TypeU8},
	{FieldAccels, tlv.TypeBool},
}

var requirements = map[uint32][]Requirement{
	MsgHello: configRequirements,
	MsgHelloAck: append(append([]Requirement{}, configRequirements...),
		Requirement{FieldStatus, tlv.TypeString},
		Requirement{FieldReason, tlv.TypeString},
	),
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored so newer peers may add fields.
func Validate(messageType uint32, fields []tlv.Field) error {
	log.Debug().Uint32("message_type", messageType).Int("fields", len(fields)).Msg("schema.Validate")
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
