package engine

import (
	"context"

	"parley/internal/chat"
	"parley/internal/models"
	"parley/internal/ws"
)

func (e *Engine) handle(ev any) {
	switch ev := ev.(type) {
	case ws.StatusEvent:
		e.status = ev.Status
		if ev.Status == models.StatusDisconnected {
			e.failInflight(ev.Err)
		}
		e.log.Debug("status changed", "status", ev.Status, "attempt", ev.Attempt)
		e.publish(Update{Kind: UpdateStatus})
	case models.InboundEvent:
		e.route(ev)
	default:
		e.log.Warn("unexpected transport event", "event", ev)
	}
}

func (e *Engine) route(ev models.InboundEvent) {
	switch ev := ev.(type) {
	case models.HistoryEvent:
		if !e.store.ApplyHistory(ev.Messages) {
			e.log.Debug("history ignored, store not empty", "messages", len(ev.Messages))
		}
	case models.PresenceEvent:
		online := make(map[int64]struct{}, len(ev.Online))
		for _, id := range ev.Online {
			online[id] = struct{}{}
		}
		e.online = online
		e.publish(Update{Kind: UpdatePresence})
	case models.TypingEvent:
		if ev.ReceiverID != e.self {
			return
		}
		e.typing.Set(ev.SenderID, ev.IsTyping)
	case models.MessageEvent:
		e.receive(ev.Message)
	}
}

func (e *Engine) receive(msg models.Message) {
	if merged, res, ok := e.store.MergeConfirmed(msg); ok {
		if res == chat.MergeCollapsed {
			delete(e.inflight, merged.TransientID)
		}
		if msg.SenderID != e.self && e.typing.IsTyping(msg.SenderID) {
			e.typing.Set(msg.SenderID, false)
		}
		return
	}
	if !msg.PairKey().Has(e.self) {
		e.log.Warn("dropping message for another user", "message_id", msg.ID)
		return
	}

	if len(e.parked) >= maxParked {
		e.log.Warn("parked messages overflow, dropping oldest", "message_id", e.parked[0].ID)
		e.parked = e.parked[1:]
	}
	e.parked = append(e.parked, msg)
	e.metrics.Parked()
	e.refresh()
}

// refresh reloads the conversation list once at a time and re-routes parked
// messages when it lands.
func (e *Engine) refresh() {
	if e.refreshing || e.backend == nil {
		return
	}
	e.refreshing = true
	e.background(func(ctx context.Context) func() {
		list, err := e.backend.ListConversations(ctx)
		return func() {
			e.refreshing = false
			if err != nil {
				e.log.Error("failed to refresh conversations", "error", err, "parked", len(e.parked))
				return
			}
			e.store.ReplaceConversations(list)
			e.unpark()
		}
	})
}

func (e *Engine) unpark() {
	parked := e.parked
	e.parked = nil
	for _, msg := range parked {
		if _, _, ok := e.store.MergeRefreshed(msg); !ok {
			e.log.Warn("no conversation for message after refresh", "message_id", msg.ID, "sender_id", msg.SenderID)
		}
	}
}
