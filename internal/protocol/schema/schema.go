package schema

import (
	"fmt"

	logs "github.com/danmuck/bridgectl/internal/logging"
	"github.com/danmuck/bridgectl/internal/protocol/tlv"
)

// Message type IDs carried in the frame header.
const (
	MsgPair    uint32 = 1
	MsgPairAck uint32 = 2
	MsgData    uint32 = 3
	MsgClose   uint32 = 4
)

// Field IDs from tlv contract.
const (
	FieldSide         uint16 = 1
	FieldSessionID    uint16 = 2
	FieldPeerIdentity uint16 = 3

	FieldStatus      uint16 = 100
	FieldMessage     uint16 = 101
	FieldTimestampMS uint16 = 102

	FieldPayload uint16 = 200

	FieldReason uint16 = 300
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

var requirements = map[uint32][]Requirement{
	MsgPair: {
		{FieldSide, tlv.TypeU8},
		{FieldSessionID, tlv.TypeString},
		{FieldPeerIdentity, tlv.TypeString},
	},
	MsgPairAck: {
		{FieldStatus, tlv.TypeString},
		{FieldSide, tlv.TypeU8},
		{FieldSessionID, tlv.TypeString},
		{FieldTimestampMS, tlv.TypeU64},
	},
	MsgData: {
		{FieldPayload, tlv.TypeBytes},
	},
	MsgClose: {
		{FieldReason, tlv.TypeString},
	},
}

// Name returns a log-friendly name for a message type.
func Name(messageType uint32) string {
	switch messageType {
	case MsgPair:
		return "pair"
	case MsgPairAck:
		return "pair.ack"
	case MsgData:
		return "data"
	case MsgClose:
		return "close"
	default:
		return fmt.Sprintf("unknown(%d)", messageType)
	}
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	logs.Tracef("schema.Validate message_type=%s fields=%d", Name(messageType), len(fields))
	reqs, ok := requirements[messageType]
	if !ok {
		logs.Errf("schema.Validate unknown message_type=%d", messageType)
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			logs.Errf(
				"schema.Validate missing field message_type=%s field_id=%d",
				Name(messageType),
				req.ID,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			logs.Errf(
				"schema.Validate type mismatch message_type=%s field_id=%d got=%d want=%d",
				Name(messageType),
				req.ID,
				f.Type,
				req.Type,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
