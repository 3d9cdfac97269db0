package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/bridgectl/internal/protocol/frame"
	"github.com/danmuck/bridgectl/internal/protocol/schema"
	"github.com/danmuck/bridgectl/internal/protocol/tlv"
)

const (
	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"
)

// Wire side values. They match bridge.Side.
const (
	SideNone uint8 = 0
	SideFar  uint8 = 1
	SideNear uint8 = 2
)

var (
	ErrInvalidPair     = errors.New("session: invalid pair")
	ErrInvalidPairAck  = errors.New("session: invalid pair ack")
	ErrUnexpectedFrame = errors.New("session: unexpected frame type")
	ErrPairRejected    = errors.New("session: pair rejected")
)

// Pair is the dialer->acceptor session-start payload.
type Pair struct {
	Side         uint8
	SessionID    string
	PeerIdentity string
}

func (p Pair) Validate() error {
	if p.Side != SideFar && p.Side != SideNear {
		return fmt.Errorf("%w: side=%d", ErrInvalidPair, p.Side)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		return fmt.Errorf("%w: missing session_id", ErrInvalidPair)
	}
	return nil
}

// PairAck is the acceptor->dialer handshake response.
type PairAck struct {
	Status      string
	Side        uint8
	SessionID   string
	Message     string
	TimestampMS uint64
}

func (a PairAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidPairAck)
	}
	if strings.TrimSpace(a.SessionID) == "" {
		return fmt.Errorf("%w: missing session_id", ErrInvalidPairAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidPairAck)
	}
	return nil
}

// Evaluate decides whether a pair request from a peer may join local.
func Evaluate(local Pair, remote Pair) (bool, string) {
	if err := remote.Validate(); err != nil {
		return false, err.Error()
	}
	if remote.SessionID != local.SessionID {
		return false, fmt.Sprintf("session mismatch: %q", remote.SessionID)
	}
	if remote.Side == local.Side {
		return false, "both endpoints claim the same side"
	}
	return true, "paired"
}

func EncodePairFrame(messageID uint64, p Pair) (frame.Frame, error) {
	if err := p.Validate(); err != nil {
		return frame.Frame{}, err
	}
	fields := []tlv.Field{
		tlv.U8(schema.FieldSide, p.Side),
		tlv.String(schema.FieldSessionID, p.SessionID),
		tlv.String(schema.FieldPeerIdentity, p.PeerIdentity),
	}
	return buildFrame(messageID, schema.MsgPair, 0, fields)
}

func DecodePairFrame(f frame.Frame) (Pair, error) {
	fields, err := decodeFields(f, schema.MsgPair)
	if err != nil {
		return Pair{}, err
	}
	side, err := tlv.GetU8(fields, schema.FieldSide)
	if err != nil {
		return Pair{}, err
	}
	p := Pair{Side: side}
	if p.SessionID, err = tlv.GetString(fields, schema.FieldSessionID); err != nil {
		return Pair{}, err
	}
	if p.PeerIdentity, err = tlv.GetString(fields, schema.FieldPeerIdentity); err != nil {
		return Pair{}, err
	}
	return p, nil
}

func EncodePairAckFrame(messageID uint64, ack PairAck) (frame.Frame, error) {
	if err := ack.Validate(); err != nil {
		return frame.Frame{}, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldStatus, ack.Status),
		tlv.U8(schema.FieldSide, ack.Side),
		tlv.String(schema.FieldSessionID, ack.SessionID),
		tlv.U64(schema.FieldTimestampMS, ack.TimestampMS),
	}
	if ack.Message != "" {
		fields = append(fields, tlv.String(schema.FieldMessage, ack.Message))
	}
	return buildFrame(messageID, schema.MsgPairAck, frame.FlagIsResponse, fields)
}

func DecodePairAckFrame(f frame.Frame) (PairAck, error) {
	fields, err := decodeFields(f, schema.MsgPairAck)
	if err != nil {
		return PairAck{}, err
	}
	var ack PairAck
	if ack.Status, err = tlv.GetString(fields, schema.FieldStatus); err != nil {
		return PairAck{}, err
	}
	if ack.Side, err = tlv.GetU8(fields, schema.FieldSide); err != nil {
		return PairAck{}, err
	}
	if ack.SessionID, err = tlv.GetString(fields, schema.FieldSessionID); err != nil {
		return PairAck{}, err
	}
	if ack.TimestampMS, err = tlv.GetU64(fields, schema.FieldTimestampMS); err != nil {
		return PairAck{}, err
	}
	if msg, err := tlv.GetString(fields, schema.FieldMessage); err == nil {
		ack.Message = msg
	}
	if err := ack.Validate(); err != nil {
		return PairAck{}, err
	}
	return ack, nil
}

// EncodeDataFrame wraps an opaque payload. The payload is copied.
func EncodeDataFrame(messageID uint64, payload []byte) (frame.Frame, error) {
	fields := []tlv.Field{tlv.Bytes(schema.FieldPayload, payload)}
	return buildFrame(messageID, schema.MsgData, 0, fields)
}

func DecodeDataFrame(f frame.Frame) ([]byte, error) {
	fields, err := decodeFields(f, schema.MsgData)
	if err != nil {
		return nil, err
	}
	return tlv.GetBytes(fields, schema.FieldPayload)
}

func EncodeCloseFrame(messageID uint64, reason string) (frame.Frame, error) {
	fields := []tlv.Field{tlv.String(schema.FieldReason, reason)}
	return buildFrame(messageID, schema.MsgClose, 0, fields)
}

func DecodeCloseFrame(f frame.Frame) (string, error) {
	fields, err := decodeFields(f, schema.MsgClose)
	if err != nil {
		return "", err
	}
	return tlv.GetString(fields, schema.FieldReason)
}

func buildFrame(messageID uint64, messageType uint32, flags uint32, fields []tlv.Field) (frame.Frame, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return frame.Frame{}, err
	}
	payload := tlv.EncodeFields(fields)
	if uint64(len(payload)) > frame.DefaultLimits().MaxPayloadBytes {
		return frame.Frame{}, frame.ErrPayloadTooLarge
	}
	return frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: messageType,
			Flags:       flags,
		},
		Payload: payload,
	}, nil
}

func decodeFields(f frame.Frame, want uint32) ([]tlv.Field, error) {
	if f.Header.MessageType != want {
		return nil, fmt.Errorf(
			"%w: got=%s want=%s",
			ErrUnexpectedFrame,
			schema.Name(f.Header.MessageType),
			schema.Name(want),
		)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(want, fields); err != nil {
		return nil, err
	}
	return fields, nil
}
