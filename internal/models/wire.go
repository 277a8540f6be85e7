package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

var ErrMalformedFrame = errors.New("malformed frame")

// WireMessage is a message as the server encodes it, both over the socket
// and in REST responses.
type WireMessage struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id,omitempty"`
	SenderID       int64     `json:"sender_id"`
	ReceiverID     int64     `json:"receiver_id"`
	Message        string    `json:"message"`
	MessageType    Kind      `json:"message_type,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	IsRead         bool      `json:"is_read"`
}

// ToMessage converts a server record into a confirmed client message.
func (w WireMessage) ToMessage() Message {
	kind := w.MessageType
	if kind == "" {
		kind = KindText
	}
	return Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		ReceiverID:     w.ReceiverID,
		Body:           w.Message,
		Kind:           kind,
		CreatedAt:      w.CreatedAt,
		Delivery:       DeliverySent,
		Read:           w.IsRead,
	}
}

// WireConversation is a conversation as returned by the REST collaborator.
type WireConversation struct {
	ID            int64     `json:"id"`
	User1ID       int64     `json:"user1_id"`
	User2ID       int64     `json:"user2_id"`
	LastMessage   string    `json:"last_message"`
	LastMessageAt time.Time `json:"last_message_at"`
	UnreadCount   int       `json:"unread_count"`
}

func (w WireConversation) Conversation() Conversation {
	return Conversation{
		ID:            w.ID,
		Participants:  [2]int64{w.User1ID, w.User2ID},
		LastMessage:   w.LastMessage,
		LastMessageAt: w.LastMessageAt,
		UnreadCount:   w.UnreadCount,
	}
}

// SendFrame is the client frame for a plain message send.
type SendFrame struct {
	ReceiverID  int64  `json:"receiver_id"`
	Message     string `json:"message"`
	MessageType Kind   `json:"message_type"`
}

const FrameTypeTyping = "typing"

// TypingFrame is the client frame for a typing signal.
type TypingFrame struct {
	Type       string `json:"type"`
	ReceiverID int64  `json:"receiver_id"`
	IsTyping   bool   `json:"is_typing"`
}

func NewTypingFrame(receiverID int64, typing bool) TypingFrame {
	return TypingFrame{Type: FrameTypeTyping, ReceiverID: receiverID, IsTyping: typing}
}

type ServerFrameType string

const (
	ServerFrameHistory     ServerFrameType = "history"
	ServerFrameOnlineUsers ServerFrameType = "online_users"
	ServerFrameTyping      ServerFrameType = "typing"
	ServerFrameMessage     ServerFrameType = "message"
)

// ServerFrame is the envelope of every frame pushed by the server. A frame
// without a type, or with type "message", carries a full message object.
type ServerFrame struct {
	Type     ServerFrameType `json:"type"`
	Messages []WireMessage   `json:"messages,omitempty"`
	Users    []int64         `json:"users,omitempty"`

	// Message is either a nested message object or, for flattened frames,
	// the message text itself.
	Message json.RawMessage `json:"message,omitempty"`

	SenderID   int64 `json:"sender_id,omitempty"`
	ReceiverID int64 `json:"receiver_id,omitempty"`
	IsTyping   bool  `json:"is_typing,omitempty"`
}

// InboundEvent is one decoded server frame.
type InboundEvent interface {
	inbound()
}

// HistoryEvent is the session snapshot, ordered oldest first.
type HistoryEvent struct {
	Messages []Message
}

// PresenceEvent carries the complete set of online participants.
type PresenceEvent struct {
	Online []int64
}

type TypingEvent struct {
	SenderID   int64
	ReceiverID int64
	IsTyping   bool
}

type MessageEvent struct {
	Message Message
}

func (HistoryEvent) inbound()  {}
func (PresenceEvent) inbound() {}
func (TypingEvent) inbound()   {}
func (MessageEvent) inbound()  {}

// DecodeFrame parses a raw server frame. Any failure is reported as
// ErrMalformedFrame so the caller can skip the frame and keep reading.
func DecodeFrame(data []byte) (InboundEvent, error) {
	var frame ServerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch frame.Type {
	case ServerFrameHistory:
		msgs := make([]Message, 0, len(frame.Messages))
		for _, w := range frame.Messages {
			msgs = append(msgs, w.ToMessage())
		}
		// newest first on the wire
		slices.Reverse(msgs)
		return HistoryEvent{Messages: msgs}, nil
	case ServerFrameOnlineUsers:
		online := frame.Users
		if online == nil {
			online = []int64{}
		}
		return PresenceEvent{Online: online}, nil
	case ServerFrameTyping:
		if frame.SenderID == 0 || frame.ReceiverID == 0 {
			return nil, fmt.Errorf("%w: typing frame without participants", ErrMalformedFrame)
		}
		return TypingEvent{
			SenderID:   frame.SenderID,
			ReceiverID: frame.ReceiverID,
			IsTyping:   frame.IsTyping,
		}, nil
	case ServerFrameMessage, "":
		raw := data
		if len(frame.Message) > 0 && frame.Message[0] == '{' {
			raw = frame.Message
		}
		var w WireMessage
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return messageEvent(w)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, frame.Type)
	}
}

func messageEvent(w WireMessage) (InboundEvent, error) {
	if w.ID == 0 || w.SenderID == 0 || w.ReceiverID == 0 {
		return nil, fmt.Errorf("%w: incomplete message", ErrMalformedFrame)
	}
	return MessageEvent{Message: w.ToMessage()}, nil
}
