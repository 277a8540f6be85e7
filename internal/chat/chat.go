package chat

import (
	"sync"

	"parley/internal/models"
)

// DefaultMaxRecords bounds one conversation's in-memory timeline.
const DefaultMaxRecords = 500

type MergeResult int

const (
	// MergeUpdated means an entry with the same server id was updated in place.
	MergeUpdated MergeResult = iota
	// MergeCollapsed means a pending optimistic entry became the confirmed message.
	MergeCollapsed
	// MergeAppended means the message was new and went to the end.
	MergeAppended
)

func (r MergeResult) String() string {
	switch r {
	case MergeUpdated:
		return "updated"
	case MergeCollapsed:
		return "collapsed"
	case MergeAppended:
		return "appended"
	default:
		return "unknown"
	}
}

// Chat is the ordered message timeline of one conversation. Entries keep the
// order in which they were appended; merges never move an entry.
type Chat struct {
	Pair       models.PairKey
	Self       int64
	Records    []models.Message
	MaxRecords int

	mux sync.RWMutex
}

type Config struct {
	Pair       models.PairKey
	Self       int64
	MaxRecords int
}

func New(config Config) *Chat {
	if config.MaxRecords <= 0 {
		config.MaxRecords = DefaultMaxRecords
	}
	return &Chat{
		Pair:       config.Pair,
		Self:       config.Self,
		MaxRecords: config.MaxRecords,
	}
}

// AppendOptimistic adds a locally created message in pending state. It is
// never deduplicated against existing entries.
func (c *Chat) AppendOptimistic(msg models.Message) models.Message {
	c.mux.Lock()
	defer c.mux.Unlock()

	msg.ID = 0
	msg.Delivery = models.DeliveryPending
	msg.Read = false
	c.append(msg)
	return msg
}

// MergeConfirmed folds a server-confirmed message into the timeline:
//   - an entry with the same server id is updated in place;
//   - otherwise the oldest pending entry sent by us with the same body is
//     replaced in place;
//   - otherwise the message is appended.
func (c *Chat) MergeConfirmed(msg models.Message) (models.Message, MergeResult) {
	c.mux.Lock()
	defer c.mux.Unlock()

	msg.Delivery = models.DeliverySent

	for i := range c.Records {
		if msg.ID != 0 && c.Records[i].ID == msg.ID {
			msg.TransientID = c.Records[i].TransientID
			if msg.ConversationID == 0 {
				msg.ConversationID = c.Records[i].ConversationID
			}
			c.Records[i] = msg
			return msg, MergeUpdated
		}
	}

	if msg.SenderID == c.Self {
		for i := range c.Records {
			r := c.Records[i]
			if r.Delivery != models.DeliveryPending || r.SenderID != msg.SenderID {
				continue
			}
			if r.Body != msg.Body || r.Kind != msg.Kind {
				continue
			}
			msg.TransientID = r.TransientID
			c.Records[i] = msg
			return msg, MergeCollapsed
		}
	}

	c.append(msg)
	return msg, MergeAppended
}

// MarkFailed flips the pending entry with the given transient id to failed.
// The entry stays in the timeline.
func (c *Chat) MarkFailed(transientID int64) (models.Message, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()

	for i := range c.Records {
		r := &c.Records[i]
		if r.TransientID == transientID && r.Delivery == models.DeliveryPending {
			r.Delivery = models.DeliveryFailed
			return *r, true
		}
	}
	return models.Message{}, false
}

// MarkPending flips a failed entry back to pending for a retry.
func (c *Chat) MarkPending(transientID int64) (models.Message, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()

	for i := range c.Records {
		r := &c.Records[i]
		if r.TransientID == transientID && r.Delivery == models.DeliveryFailed {
			r.Delivery = models.DeliveryPending
			return *r, true
		}
	}
	return models.Message{}, false
}

func (c *Chat) append(msg models.Message) {
	c.Records = append(c.Records, msg)
	if over := len(c.Records) - c.MaxRecords; over > 0 {
		// Drop the oldest entries; copy so the backing array does not grow forever.
		c.Records = append([]models.Message(nil), c.Records[over:]...)
	}
}

// GetRecords returns a copy of the timeline, oldest first.
func (c *Chat) GetRecords() []models.Message {
	c.mux.RLock()
	defer c.mux.RUnlock()

	result := make([]models.Message, len(c.Records))
	copy(result, c.Records)
	return result
}

// GetLastRecords returns up to count most recent entries, oldest first.
func (c *Chat) GetLastRecords(count int) []models.Message {
	c.mux.RLock()
	defer c.mux.RUnlock()

	if count > len(c.Records) {
		count = len(c.Records)
	}
	if count <= 0 {
		return []models.Message{}
	}
	result := make([]models.Message, count)
	copy(result, c.Records[len(c.Records)-count:])
	return result
}

func (c *Chat) Len() int {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return len(c.Records)
}

// Last returns the newest entry.
func (c *Chat) Last() (models.Message, bool) {
	c.mux.RLock()
	defer c.mux.RUnlock()
	if len(c.Records) == 0 {
		return models.Message{}, false
	}
	return c.Records[len(c.Records)-1], true
}
