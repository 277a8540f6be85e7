package engine

import (
	"context"
	"fmt"
	"strings"

	"parley/internal/metrics"
	"parley/internal/models"
	"parley/internal/typing"
)

// Send sends a text message to receiverID. The returned message is the
// optimistic entry; confirmation arrives later through the store.
func (e *Engine) Send(ctx context.Context, receiverID int64, body string) (models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return models.Message{}, ErrEmptyMessage
	}
	return e.send(ctx, receiverID, body, models.KindText)
}

// SendImages uploads up to five files and sends them as one image message.
func (e *Engine) SendImages(ctx context.Context, receiverID int64, paths []string) (models.Message, error) {
	if e.uploader == nil {
		return models.Message{}, fmt.Errorf("image upload not configured")
	}
	if len(paths) > models.MaxImagesPerMessage {
		return models.Message{}, models.ErrTooManyImages
	}
	urls, err := e.uploader.UploadImages(ctx, paths)
	if err != nil {
		return models.Message{}, fmt.Errorf("upload images: %w", err)
	}
	body, err := models.EncodeImageBody(urls)
	if err != nil {
		return models.Message{}, err
	}
	return e.send(ctx, receiverID, body, models.KindImage)
}

// SendBody sends a body that is already encoded for its kind, such as a
// message replayed from an earlier session.
func (e *Engine) SendBody(ctx context.Context, receiverID int64, body string, kind models.Kind) (models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return models.Message{}, ErrEmptyMessage
	}
	if kind == "" {
		kind = models.KindText
	}
	return e.send(ctx, receiverID, body, kind)
}

func (e *Engine) send(ctx context.Context, receiverID int64, body string, kind models.Kind) (models.Message, error) {
	if receiverID == 0 {
		return models.Message{}, ErrUnknownPeer
	}
	var msg models.Message
	err := e.call(ctx, func() {
		msg = e.store.AppendOptimistic(models.Message{
			TransientID: e.nextTransientID(),
			SenderID:    e.self,
			ReceiverID:  receiverID,
			Body:        body,
			Kind:        kind,
			CreatedAt:   e.now(),
		})
		e.deliver(msg)
	})
	return msg, err
}

// Retry resends a failed message in place.
func (e *Engine) Retry(ctx context.Context, transientID int64) (models.Message, error) {
	var (
		msg models.Message
		ok  bool
	)
	err := e.call(ctx, func() {
		if msg, ok = e.store.MarkPending(transientID); ok {
			e.deliver(msg)
		}
	})
	if err != nil {
		return models.Message{}, err
	}
	if !ok {
		return models.Message{}, fmt.Errorf("failed message %d: %w", transientID, models.ErrNotFound)
	}
	return msg, nil
}

// deliver picks the live path when connected, the REST fallback otherwise.
func (e *Engine) deliver(msg models.Message) {
	if e.status == models.StatusConnected {
		_ = e.transport.Send(models.NewTypingFrame(msg.ReceiverID, false))
		err := e.transport.Send(models.SendFrame{
			ReceiverID:  msg.ReceiverID,
			Message:     msg.Body,
			MessageType: msg.Kind,
		})
		if err == nil {
			e.inflight[msg.TransientID] = struct{}{}
			e.metrics.Sent(metrics.PathLive)
			return
		}
		e.log.Debug("live send failed, using fallback", "error", err)
	}
	e.sendREST(msg)
}

func (e *Engine) sendREST(msg models.Message) {
	e.metrics.Sent(metrics.PathREST)
	if e.backend == nil {
		e.fail(msg, fmt.Errorf("no fallback configured"))
		return
	}
	e.background(func(ctx context.Context) func() {
		confirmed, err := e.backend.SendMessage(ctx, msg.ReceiverID, msg.Body, msg.Kind)
		return func() {
			if err != nil {
				e.fail(msg, err)
				return
			}
			if _, _, ok := e.store.MergeConfirmed(confirmed); !ok {
				e.receive(confirmed)
			}
		}
	})
}

// failInflight marks live sends that were never confirmed as failed once
// the socket they were queued on is gone.
func (e *Engine) failInflight(cause error) {
	for id := range e.inflight {
		if msg, ok := e.store.MarkFailed(id); ok {
			e.log.Warn("live send lost with connection", "transient_id", id, "receiver_id", msg.ReceiverID, "error", cause)
			e.metrics.SendFailed()
		}
	}
	clear(e.inflight)
}

func (e *Engine) fail(msg models.Message, err error) {
	e.log.Error("failed to send message", "error", err, "transient_id", msg.TransientID, "receiver_id", msg.ReceiverID)
	e.metrics.SendFailed()
	e.store.MarkFailed(msg.TransientID)
}

// InputChanged transmits the typing state for the current input. Nothing is
// sent while disconnected.
func (e *Engine) InputChanged(ctx context.Context, receiverID int64, input string) error {
	return e.post(ctx, func() {
		if e.status != models.StatusConnected || receiverID == 0 {
			return
		}
		if err := e.transport.Send(models.NewTypingFrame(receiverID, typing.Signal(input))); err != nil {
			e.log.Debug("typing signal not sent", "error", err)
		}
	})
}
