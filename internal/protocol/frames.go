package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameType tags a frame on the wire. Client and server frames share one tag
// namespace; the direction determines which subset is legal.
type FrameType string

// Client -> server frames. Authenticate must be the first frame on any
// connection.
const (
	FrameAuthenticate FrameType = "authenticate"
	FrameJoinRoom     FrameType = "join_room"
	FrameSendMessage  FrameType = "send_message"
	FrameTyping       FrameType = "typing"
	FrameStatusUpdate FrameType = "status_update"
)

// Server -> client frames.
const (
	FrameAck        FrameType = "ack"
	FrameReject     FrameType = "reject"
	FrameMessage    FrameType = "message"
	FrameStatus     FrameType = "status"
	FrameRoomUpdate FrameType = "room_update"
	FrameTypingEcho FrameType = "typing_echo"
	FrameError      FrameType = "error"
)

// ClientFrame is the closed set of frames a client may send.
type ClientFrame interface {
	FrameType() FrameType
}

// AuthenticateFrame opens a session. Token is opaque to this layer.
type AuthenticateFrame struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

func (AuthenticateFrame) FrameType() FrameType { return FrameAuthenticate }

// JoinRoomFrame subscribes the session to a room's live traffic.
type JoinRoomFrame struct {
	RoomID string `json:"roomId"`
}

func (JoinRoomFrame) FrameType() FrameType { return FrameJoinRoom }

// SendMessageFrame submits a message. MessageID is client-generated and
// doubles as the canonical id after persistence, so retransmissions dedup
// server-side.
type SendMessageFrame struct {
	MessageID string          `json:"messageId"`
	RoomID    string          `json:"roomId"`
	Content   json.RawMessage `json:"content"`
	ReplyTo   string          `json:"replyTo,omitempty"`
}

func (SendMessageFrame) FrameType() FrameType { return FrameSendMessage }

// TypingFrame signals typing state in a room. Never persisted.
type TypingFrame struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

func (TypingFrame) FrameType() FrameType { return FrameTyping }

// StatusUpdateFrame is a delivery or read receipt from a recipient.
type StatusUpdateFrame struct {
	MessageID string        `json:"messageId"`
	Status    MessageStatus `json:"status"`
}

func (StatusUpdateFrame) FrameType() FrameType { return FrameStatusUpdate }

// ServerFrame is the closed set of frames the server may push.
type ServerFrame interface {
	FrameType() FrameType
}

// AckFrame confirms durable persistence of a sent message.
type AckFrame struct {
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

func (AckFrame) FrameType() FrameType { return FrameAck }

// RejectFrame is an explicit per-message rejection (room missing, sender not
// a member, malformed content). Distinct from a disconnect so the client can
// treat the attempt as failed and keep the connection.
type RejectFrame struct {
	MessageID string `json:"messageId"`
	Reason    string `json:"reason"`
}

func (RejectFrame) FrameType() FrameType { return FrameReject }

// MessageFrame broadcasts a persisted message to room participants.
type MessageFrame struct {
	Message Message `json:"message"`
}

func (MessageFrame) FrameType() FrameType { return FrameMessage }

// StatusFrame relays a per-recipient status change back to the sender.
type StatusFrame struct {
	MessageID string        `json:"messageId"`
	UserID    string        `json:"userId"`
	Status    MessageStatus `json:"status"`
}

func (StatusFrame) FrameType() FrameType { return FrameStatus }

// RoomUpdateFrame carries per-recipient room bookkeeping after a message.
type RoomUpdateFrame struct {
	RoomID      string `json:"roomId"`
	UpdatedAt   int64  `json:"updatedAt"`
	UnreadCount int    `json:"unreadCount"`
	Preview     string `json:"preview,omitempty"`
}

func (RoomUpdateFrame) FrameType() FrameType { return FrameRoomUpdate }

// TypingEchoFrame relays a typing indicator to the other participants.
type TypingEchoFrame struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

func (TypingEchoFrame) FrameType() FrameType { return FrameTypingEcho }

// ErrorFrame reports a protocol-level error on the connection.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (ErrorFrame) FrameType() FrameType { return FrameError }

type frameTag struct {
	Type FrameType `json:"type"`
}

// EncodeClientFrame serializes a client frame as a tagged JSON object.
func EncodeClientFrame(f ClientFrame) ([]byte, error) {
	return encodeTagged(f.FrameType(), f)
}

// EncodeServerFrame serializes a server frame as a tagged JSON object.
func EncodeServerFrame(f ServerFrame) ([]byte, error) {
	return encodeTagged(f.FrameType(), f)
}

func encodeTagged(t FrameType, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	// Splice the tag into the payload object.
	tag, err := json.Marshal(frameTag{Type: t})
	if err != nil {
		return nil, err
	}
	if string(payload) == "{}" {
		return tag, nil
	}
	out := append(tag[:len(tag)-1], ',')
	out = append(out, payload[1:]...)
	return out, nil
}

// DecodeClientFrame parses a tagged JSON object into a client frame.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	var tag frameTag
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("decode frame tag: %w", err)
	}

	var f ClientFrame
	switch tag.Type {
	case FrameAuthenticate:
		f = &AuthenticateFrame{}
	case FrameJoinRoom:
		f = &JoinRoomFrame{}
	case FrameSendMessage:
		f = &SendMessageFrame{}
	case FrameTyping:
		f = &TypingFrame{}
	case FrameStatusUpdate:
		f = &StatusUpdateFrame{}
	default:
		return nil, fmt.Errorf("unknown client frame type %q", tag.Type)
	}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, err
	}
	return f, nil
}

// DecodeServerFrame parses a tagged JSON object into a server frame.
func DecodeServerFrame(data []byte) (ServerFrame, error) {
	var tag frameTag
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("decode frame tag: %w", err)
	}

	var f ServerFrame
	switch tag.Type {
	case FrameAck:
		f = &AckFrame{}
	case FrameReject:
		f = &RejectFrame{}
	case FrameMessage:
		f = &MessageFrame{}
	case FrameStatus:
		f = &StatusFrame{}
	case FrameRoomUpdate:
		f = &RoomUpdateFrame{}
	case FrameTypingEcho:
		f = &TypingEchoFrame{}
	case FrameError:
		f = &ErrorFrame{}
	default:
		return nil, fmt.Errorf("unknown server frame type %q", tag.Type)
	}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, err
	}
	return f, nil
}
