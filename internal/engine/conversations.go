package engine

import (
	"context"
	"fmt"
	"slices"

	"parley/internal/models"
)

// Open makes the conversation with peerID the active one, creating it on the
// server if needed, and loads its messages when none are known locally.
func (e *Engine) Open(ctx context.Context, peerID int64) (models.Conversation, error) {
	if peerID == 0 {
		return models.Conversation{}, ErrUnknownPeer
	}
	if e.backend == nil {
		return models.Conversation{}, fmt.Errorf("no backend configured")
	}

	conv, err := e.backend.GetOrCreateConversation(ctx, peerID)
	if err != nil {
		return models.Conversation{}, err
	}

	var (
		pair  models.PairKey
		empty bool
	)
	err = e.call(ctx, func() {
		pair = e.store.Upsert(conv)
		e.store.SetActive(pair)
		empty = len(e.store.Messages(pair)) == 0
	})
	if err != nil {
		return models.Conversation{}, err
	}

	if empty && conv.ID != 0 {
		msgs, err := e.backend.ListMessages(ctx, conv.ID)
		if err != nil {
			return conv, fmt.Errorf("load messages: %w", err)
		}
		if err := e.call(ctx, func() {
			if !e.store.ApplyBootstrap(pair, msgs) {
				e.log.Debug("bootstrap ignored, timeline not empty", "conversation_id", conv.ID)
			}
		}); err != nil {
			return conv, err
		}
	}

	if current, ok := e.store.Conversation(pair); ok {
		conv = current
	}
	return conv, nil
}

// SetActive marks the conversation with peerID as open without any request.
func (e *Engine) SetActive(ctx context.Context, peerID int64) error {
	return e.call(ctx, func() {
		e.store.SetActive(models.NewPairKey(e.self, peerID))
	})
}

func (e *Engine) ClearActive(ctx context.Context) error {
	return e.call(ctx, func() {
		e.store.ClearActive()
	})
}

// RefreshConversations reloads the conversation list from the server.
func (e *Engine) RefreshConversations(ctx context.Context) error {
	if e.backend == nil {
		return fmt.Errorf("no backend configured")
	}
	list, err := e.backend.ListConversations(ctx)
	if err != nil {
		return err
	}
	return e.call(ctx, func() {
		e.store.ReplaceConversations(list)
		e.unpark()
	})
}

// Messages returns the timeline with peerID, oldest first.
func (e *Engine) Messages(peerID int64) []models.Message {
	return e.store.Messages(models.NewPairKey(e.self, peerID))
}

// Snapshot is a consistent copy of the state a presentation layer renders.
type Snapshot struct {
	Status        models.Status
	Conversations []models.Conversation
	// Active is the open conversation, HasActive false when none is open.
	Active    models.PairKey
	HasActive bool
	Messages  []models.Message
	Online    []int64
	Typing    []int64
	Failed    []models.Message
}

// Peer returns the other participant of the active conversation.
func (s Snapshot) Peer(self int64) int64 {
	if s.Active.Low == self {
		return s.Active.High
	}
	return s.Active.Low
}

func (s Snapshot) IsOnline(id int64) bool {
	_, found := slices.BinarySearch(s.Online, id)
	return found
}

func (s Snapshot) IsTyping(id int64) bool {
	return slices.Contains(s.Typing, id)
}

func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := e.call(ctx, func() {
		snap.Status = e.status
		snap.Conversations = e.store.Conversations()
		snap.Active, snap.HasActive = e.store.Active()
		if snap.HasActive {
			snap.Messages = e.store.Messages(snap.Active)
		}
		snap.Online = make([]int64, 0, len(e.online))
		for id := range e.online {
			snap.Online = append(snap.Online, id)
		}
		slices.Sort(snap.Online)
		snap.Typing = e.typing.Typing()
		snap.Failed = e.store.Failed()
	})
	return snap, err
}
