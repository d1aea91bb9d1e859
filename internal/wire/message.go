// Package wire implements the tagged record protocol spoken between agents
// and the server. Transport framing records (Message, MessageList,
// PackedMessageList, ClientCommunication) are encoded with protobuf wire
// encoding, field by field in tag order. Action arguments and results ride
// inside Message.Payload and are encoded through the payload registry.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/vigilsec/fleet/internal/ids"
)

// APIVersion is the only protocol version this server speaks. Peers
// announcing a lower version are treated as legacy (short-HMAC) clients.
const APIVersion = 3

// MessageType distinguishes the three kinds of responses an agent can send
// for a request.
type MessageType uint32

const (
	TypeMessage  MessageType = 0 // regular typed payload
	TypeStatus   MessageType = 1 // terminal status, always last
	TypeIterator MessageType = 2 // iterator continuation state
)

// AuthState records whether a decoded message arrived under a verified
// cipher session.
type AuthState uint32

const (
	Unauthenticated AuthState = 0
	Authenticated   AuthState = 1
)

// Priority hints at outbound queue ordering.
type Priority uint32

const (
	PriorityLow    Priority = 0
	PriorityMedium Priority = 1
	PriorityHigh   Priority = 2
)

// Message is the unit of agent<->server communication. Server-to-agent
// messages carry an action name and arguments; agent-to-server messages
// carry responses addressed to a session id.
type Message struct {
	SessionID         ids.SessionID
	RequestID         uint64
	ResponseID        uint64
	Name              string // action name (server -> agent)
	ArgsType          string // payload registry type name
	Payload           []byte
	Source            ids.ClientID
	Auth              AuthState
	Type              MessageType
	TaskID            uint64
	CPULimit          uint64
	NetworkBytesLimit uint64
	RequireFastpoll   bool
	Priority          Priority
}

// Field tags of Message. The numbering is part of the protocol and must not
// be reordered.
const (
	msgTagSessionID  = 1
	msgTagRequestID  = 2
	msgTagResponseID = 3
	msgTagName       = 4
	msgTagArgsType   = 5
	msgTagPayload    = 6
	msgTagSource     = 7
	msgTagAuthState  = 8
	msgTagType       = 9
	msgTagTaskID     = 10
	msgTagCPULimit   = 11
	msgTagNetLimit   = 12
	msgTagFastpoll   = 13
	msgTagPriority   = 14
)

// Marshal serializes the message in tag order.
func (m *Message) Marshal() []byte {
	var b []byte
	if m.SessionID != "" {
		b = protowire.AppendTag(b, msgTagSessionID, protowire.BytesType)
		b = protowire.AppendString(b, string(m.SessionID))
	}
	if m.RequestID != 0 {
		b = protowire.AppendTag(b, msgTagRequestID, protowire.VarintType)
		b = protowire.AppendVarint(b, m.RequestID)
	}
	if m.ResponseID != 0 {
		b = protowire.AppendTag(b, msgTagResponseID, protowire.VarintType)
		b = protowire.AppendVarint(b, m.ResponseID)
	}
	if m.Name != "" {
		b = protowire.AppendTag(b, msgTagName, protowire.BytesType)
		b = protowire.AppendString(b, m.Name)
	}
	if m.ArgsType != "" {
		b = protowire.AppendTag(b, msgTagArgsType, protowire.BytesType)
		b = protowire.AppendString(b, m.ArgsType)
	}
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, msgTagPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	if m.Source != 0 {
		b = protowire.AppendTag(b, msgTagSource, protowire.BytesType)
		b = protowire.AppendString(b, m.Source.String())
	}
	if m.Auth != Unauthenticated {
		b = protowire.AppendTag(b, msgTagAuthState, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Auth))
	}
	if m.Type != TypeMessage {
		b = protowire.AppendTag(b, msgTagType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Type))
	}
	if m.TaskID != 0 {
		b = protowire.AppendTag(b, msgTagTaskID, protowire.VarintType)
		b = protowire.AppendVarint(b, m.TaskID)
	}
	if m.CPULimit != 0 {
		b = protowire.AppendTag(b, msgTagCPULimit, protowire.VarintType)
		b = protowire.AppendVarint(b, m.CPULimit)
	}
	if m.NetworkBytesLimit != 0 {
		b = protowire.AppendTag(b, msgTagNetLimit, protowire.VarintType)
		b = protowire.AppendVarint(b, m.NetworkBytesLimit)
	}
	if m.RequireFastpoll {
		b = protowire.AppendTag(b, msgTagFastpoll, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if m.Priority != PriorityLow {
		b = protowire.AppendTag(b, msgTagPriority, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Priority))
	}
	return b
}

// UnmarshalMessage parses a serialized Message. Unknown fields are skipped
// so older servers tolerate newer agents.
func UnmarshalMessage(b []byte) (*Message, error) {
	m := &Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("message: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case msgTagSessionID:
			s, n, err := consumeString(b, typ)
			if err != nil {
				return nil, err
			}
			m.SessionID, b = ids.SessionID(s), b[n:]
		case msgTagRequestID:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			m.RequestID, b = v, b[n:]
		case msgTagResponseID:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			m.ResponseID, b = v, b[n:]
		case msgTagName:
			s, n, err := consumeString(b, typ)
			if err != nil {
				return nil, err
			}
			m.Name, b = s, b[n:]
		case msgTagArgsType:
			s, n, err := consumeString(b, typ)
			if err != nil {
				return nil, err
			}
			m.ArgsType, b = s, b[n:]
		case msgTagPayload:
			p, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			m.Payload, b = p, b[n:]
		case msgTagSource:
			s, n, err := consumeString(b, typ)
			if err != nil {
				return nil, err
			}
			id, err := ids.ParseClientID(s)
			if err != nil {
				return nil, fmt.Errorf("message source: %w", err)
			}
			m.Source, b = id, b[n:]
		case msgTagAuthState:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			m.Auth, b = AuthState(v), b[n:]
		case msgTagType:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			m.Type, b = MessageType(v), b[n:]
		case msgTagTaskID:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			m.TaskID, b = v, b[n:]
		case msgTagCPULimit:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			m.CPULimit, b = v, b[n:]
		case msgTagNetLimit:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			m.NetworkBytesLimit, b = v, b[n:]
		case msgTagFastpoll:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			m.RequireFastpoll, b = v != 0, b[n:]
		case msgTagPriority:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			m.Priority, b = Priority(v), b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("message: bad field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}

// MessageList is an ordered batch of messages; order within a list is
// preserved end to end.
type MessageList struct {
	Messages []*Message
}

const listTagMessage = 1

// Marshal serializes each message as a length-delimited field 1.
func (l *MessageList) Marshal() []byte {
	var b []byte
	for _, m := range l.Messages {
		b = protowire.AppendTag(b, listTagMessage, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Marshal())
	}
	return b
}

// UnmarshalMessageList parses a serialized MessageList.
func UnmarshalMessageList(b []byte) (*MessageList, error) {
	l := &MessageList{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("message list: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num != listTagMessage {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("message list: bad field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		p, n, err := consumeBytes(b, typ)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		m, err := UnmarshalMessage(p)
		if err != nil {
			return nil, err
		}
		l.Messages = append(l.Messages, m)
	}
	return l, nil
}

func consumeVarint(b []byte, typ protowire.Type) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("wire: expected varint, got type %d", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(b []byte, typ protowire.Type) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("wire: expected bytes, got type %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, n, nil
}

func consumeString(b []byte, typ protowire.Type) (string, int, error) {
	v, n, err := consumeBytes(b, typ)
	return string(v), n, err
}
