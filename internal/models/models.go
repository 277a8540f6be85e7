package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrTooManyImages = fmt.Errorf("too many images in one message (max %d)", MaxImagesPerMessage)
	ErrNoImages      = errors.New("no images to send")
)

// MaxImagesPerMessage caps how many uploaded files are sent as one message.
const MaxImagesPerMessage = 5

type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

type Delivery int

const (
	DeliveryPending Delivery = iota
	DeliverySent
	DeliveryFailed
)

func (d Delivery) String() string {
	switch d {
	case DeliveryPending:
		return "pending"
	case DeliverySent:
		return "sent"
	case DeliveryFailed:
		return "failed"
	default:
		return fmt.Sprintf("Invalid Delivery: %d", int(d))
	}
}

// Message represents a chat message as the client sees it.
type Message struct {
	// ID is issued by the server; zero while the message is optimistic.
	ID int64 `json:"id"`
	// TransientID is generated locally when the message is sent from this client.
	TransientID    int64     `json:"transientId,omitempty"`
	ConversationID int64     `json:"conversationId"`
	SenderID       int64     `json:"senderId"`
	ReceiverID     int64     `json:"receiverId"`
	Body           string    `json:"body"`
	Kind           Kind      `json:"kind"`
	CreatedAt      time.Time `json:"createdAt"`
	Delivery       Delivery  `json:"delivery"`
	Read           bool      `json:"read"`
}

// Key returns the identity the UI can use for the message.
func (m Message) Key() string {
	if m.ID != 0 {
		return fmt.Sprintf("s%d", m.ID)
	}
	return fmt.Sprintf("t%d", m.TransientID)
}

func (m Message) Confirmed() bool {
	return m.ID != 0
}

func (m Message) PairKey() PairKey {
	return NewPairKey(m.SenderID, m.ReceiverID)
}

// StatusLabel is the per-message status shown next to own messages.
func (m Message) StatusLabel() string {
	switch {
	case m.Delivery == DeliveryFailed:
		return "Failed"
	case m.Delivery == DeliveryPending:
		return "Sending..."
	case m.Read:
		return "Seen"
	default:
		return "Delivered"
	}
}

// Images returns the URLs of an image message, nil for text.
func (m Message) Images() []string {
	if m.Kind != KindImage {
		return nil
	}
	return DecodeImageBody(m.Body)
}

// EncodeImageBody returns a single URL as is and several URLs as a JSON array.
func EncodeImageBody(urls []string) (string, error) {
	switch {
	case len(urls) == 0:
		return "", ErrNoImages
	case len(urls) > MaxImagesPerMessage:
		return "", ErrTooManyImages
	case len(urls) == 1:
		return urls[0], nil
	}
	data, err := json.Marshal(urls)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func DecodeImageBody(body string) []string {
	body = strings.TrimSpace(body)
	if strings.HasPrefix(body, "[") {
		var urls []string
		if err := json.Unmarshal([]byte(body), &urls); err == nil {
			return urls
		}
	}
	if body == "" {
		return nil
	}
	return []string{body}
}

// PairKey identifies a two-party conversation regardless of direction.
type PairKey struct {
	Low  int64
	High int64
}

func NewPairKey(a, b int64) PairKey {
	if a > b {
		a, b = b, a
	}
	return PairKey{Low: a, High: b}
}

func (p PairKey) Has(id int64) bool {
	return p.Low == id || p.High == id
}

func (p PairKey) String() string {
	return fmt.Sprintf("%d:%d", p.Low, p.High)
}

// Conversation represents a direct conversation between two participants.
type Conversation struct {
	ID            int64     `json:"id"`
	Participants  [2]int64  `json:"participants"`
	LastMessage   string    `json:"lastMessage"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	UnreadCount   int       `json:"unreadCount"`
}

func (c Conversation) PairKey() PairKey {
	return NewPairKey(c.Participants[0], c.Participants[1])
}

// Peer returns the participant that is not me.
func (c Conversation) Peer(me int64) int64 {
	if c.Participants[0] == me {
		return c.Participants[1]
	}
	return c.Participants[0]
}

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return fmt.Sprintf("Invalid Status: %d", int(s))
	}
}

// Identity is the authenticated user the engine acts for.
type Identity struct {
	UserID int64
	Token  string
}

func (i Identity) Valid() bool {
	return i.UserID != 0 && i.Token != ""
}
