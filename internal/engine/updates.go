package engine

import (
	"parley/internal/chat"
	"parley/internal/models"
)

type UpdateKind int

const (
	UpdateMessages UpdateKind = iota
	UpdateConversations
	UpdatePresence
	UpdateTyping
	UpdateStatus
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateMessages:
		return "messages"
	case UpdateConversations:
		return "conversations"
	case UpdatePresence:
		return "presence"
	case UpdateTyping:
		return "typing"
	case UpdateStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Update tells a presentation layer which part of the state changed. Pair is
// set for message and conversation updates that concern one conversation.
type Update struct {
	Kind UpdateKind
	Pair models.PairKey
}

// Updates delivers change notifications. Slow readers miss notifications,
// never state: re-read with Snapshot.
func (e *Engine) Updates() <-chan Update {
	return e.updates
}

func (e *Engine) publish(u Update) {
	select {
	case e.updates <- u:
	default:
	}
}

func (e *Engine) storeChanged(c chat.Change) {
	switch c.Kind {
	case chat.ChangeMessages:
		e.publish(Update{Kind: UpdateMessages, Pair: c.Pair})
	case chat.ChangeConversations:
		e.publish(Update{Kind: UpdateConversations, Pair: c.Pair})
	}
}
