package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"parley/internal/models"
	"parley/internal/ws"
)

const (
	me    int64 = 1
	alice int64 = 2
	bob   int64 = 3
)

type fakeTransport struct {
	mu        sync.Mutex
	events    chan any
	sent      []any
	connected bool
	connects  int
	closed    int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan any, 64)}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	f.connected = false
}

func (f *fakeTransport) Send(frame any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ws.ErrNotConnected
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTransport) Events() <-chan any {
	return f.events
}

func (f *fakeTransport) setStatus(s models.Status) {
	f.mu.Lock()
	f.connected = s == models.StatusConnected
	f.mu.Unlock()
	f.events <- ws.StatusEvent{Status: s}
}

func (f *fakeTransport) frames() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.sent...)
}

type fakeBackend struct {
	mu            sync.Mutex
	conversations []models.Conversation
	messages      map[int64][]models.Message
	sendErr       error
	nextID        int64
	sends         int
	lists         int
	messageLists  int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{messages: make(map[int64][]models.Message), nextID: 1000}
}

func (b *fakeBackend) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists++
	return append([]models.Conversation(nil), b.conversations...), nil
}

func (b *fakeBackend) GetOrCreateConversation(ctx context.Context, peerID int64) (models.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conversations {
		if c.PairKey() == models.NewPairKey(me, peerID) {
			return c, nil
		}
	}
	c := models.Conversation{ID: int64(len(b.conversations) + 1), Participants: [2]int64{me, peerID}}
	b.conversations = append(b.conversations, c)
	return c, nil
}

func (b *fakeBackend) ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messageLists++
	return b.messages[conversationID], nil
}

func (b *fakeBackend) SendMessage(ctx context.Context, receiverID int64, body string, kind models.Kind) (models.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sends++
	if b.sendErr != nil {
		return models.Message{}, b.sendErr
	}
	b.nextID++
	return models.Message{
		ID:         b.nextID,
		SenderID:   me,
		ReceiverID: receiverID,
		Body:       body,
		Kind:       kind,
		CreatedAt:  time.Now(),
		Delivery:   models.DeliverySent,
	}, nil
}

func (b *fakeBackend) setSendErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

type fakeUploader struct {
	paths []string
}

func (u *fakeUploader) UploadImages(ctx context.Context, paths []string) ([]string, error) {
	u.paths = paths
	urls := make([]string, len(paths))
	for i, p := range paths {
		urls[i] = "https://cdn.test/" + p
	}
	return urls, nil
}

type harness struct {
	engine    *Engine
	transport *fakeTransport
	backend   *fakeBackend
	uploader  *fakeUploader
	ctx       context.Context
	done      chan error
}

func start(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		transport: newFakeTransport(),
		backend:   newFakeBackend(),
		uploader:  &fakeUploader{},
		done:      make(chan error, 1),
	}
	h.engine = New(Config{
		Identity:      models.Identity{UserID: me, Token: "tok"},
		TypingTimeout: 50 * time.Millisecond,
	}, Deps{Backend: h.backend, Uploader: h.uploader, Transport: h.transport})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.ctx = ctx
	go func() { h.done <- h.engine.Run(ctx) }()
	return h
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	snap, err := h.engine.Snapshot(h.ctx)
	require.NoError(t, err)
	return snap
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	h.transport.setStatus(models.StatusConnected)
	require.Eventually(t, func() bool {
		return h.snapshot(t).Status == models.StatusConnected
	}, time.Second, 5*time.Millisecond)
}

func (h *harness) push(ev models.InboundEvent) {
	h.transport.events <- ev
}

// sync waits until the loop has handled everything pushed so far. The loop
// handles one event at a time, so once the channel is drained a round trip
// through it lands after the last event.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.transport.events) == 0
	}, time.Second, time.Millisecond)
	h.snapshot(t)
}

func incoming(id, convID, from int64, body string) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       from,
		ReceiverID:     me,
		Body:           body,
		Kind:           models.KindText,
		CreatedAt:      time.Now(),
		Delivery:       models.DeliverySent,
	}
}

func TestEngine_LiveSendThenEcho(t *testing.T) {
	h := start(t)
	h.connect(t)
	_, err := h.engine.Open(h.ctx, alice)
	require.NoError(t, err)

	pending, err := h.engine.Send(h.ctx, alice, "hello")
	require.NoError(t, err)
	require.Equal(t, models.DeliveryPending, pending.Delivery)
	require.NotZero(t, pending.TransientID)

	frames := h.transport.frames()
	require.Len(t, frames, 2)
	require.Equal(t, models.NewTypingFrame(alice, false), frames[0], "typing stop goes out before the message")
	require.Equal(t, models.SendFrame{ReceiverID: alice, Message: "hello", MessageType: models.KindText}, frames[1])

	echo := models.Message{ID: 77, ConversationID: 1, SenderID: me, ReceiverID: alice, Body: "hello", Kind: models.KindText}
	h.push(models.MessageEvent{Message: echo})
	h.push(models.MessageEvent{Message: echo})
	h.sync(t)

	msgs := h.engine.Messages(alice)
	require.Len(t, msgs, 1)
	require.Equal(t, int64(77), msgs[0].ID)
	require.Equal(t, pending.TransientID, msgs[0].TransientID)
	require.Equal(t, "Delivered", msgs[0].StatusLabel())
	require.Zero(t, h.backend.sends)
}

func TestEngine_UnconfirmedLiveSendFailsOnDisconnect(t *testing.T) {
	h := start(t)
	h.connect(t)
	_, err := h.engine.Open(h.ctx, alice)
	require.NoError(t, err)

	confirmed, err := h.engine.Send(h.ctx, alice, "made it")
	require.NoError(t, err)
	lost, err := h.engine.Send(h.ctx, alice, "lost")
	require.NoError(t, err)

	echo := models.Message{ID: 5, ConversationID: 1, SenderID: me, ReceiverID: alice, Body: "made it", Kind: models.KindText}
	h.push(models.MessageEvent{Message: echo})
	h.transport.setStatus(models.StatusDisconnected)
	h.sync(t)

	snap := h.snapshot(t)
	require.Len(t, snap.Failed, 1)
	require.Equal(t, lost.TransientID, snap.Failed[0].TransientID)

	msgs := h.engine.Messages(alice)
	require.Len(t, msgs, 2)
	require.Equal(t, confirmed.TransientID, msgs[0].TransientID)
	require.Equal(t, models.DeliverySent, msgs[0].Delivery)

	// Retried over the new socket and confirmed.
	h.connect(t)
	_, err = h.engine.Retry(h.ctx, lost.TransientID)
	require.NoError(t, err)
	h.push(models.MessageEvent{Message: models.Message{ID: 6, ConversationID: 1, SenderID: me, ReceiverID: alice, Body: "lost", Kind: models.KindText}})
	h.transport.setStatus(models.StatusDisconnected)
	h.sync(t)

	require.Empty(t, h.snapshot(t).Failed, "confirmed sends are not failed by a later drop")
	msgs = h.engine.Messages(alice)
	require.Equal(t, models.DeliverySent, msgs[1].Delivery)
	require.Equal(t, int64(6), msgs[1].ID)
}

func TestEngine_FallbackWhenDisconnected(t *testing.T) {
	h := start(t)

	_, err := h.engine.Send(h.ctx, alice, "offline hello")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := h.engine.Messages(alice)
		return len(msgs) == 1 && msgs[0].Delivery == models.DeliverySent
	}, time.Second, 5*time.Millisecond)
	require.Empty(t, h.transport.frames())

	// A late echo of the same server message does not duplicate it.
	confirmed := h.engine.Messages(alice)[0]
	h.push(models.MessageEvent{Message: confirmed})
	h.sync(t)
	require.Len(t, h.engine.Messages(alice), 1)
}

func TestEngine_FallbackFailureAndRetry(t *testing.T) {
	h := start(t)
	h.backend.setSendErr(errors.New("503"))

	pending, err := h.engine.Send(h.ctx, alice, "doomed")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(h.snapshot(t).Failed) == 1
	}, time.Second, 5*time.Millisecond)
	msgs := h.engine.Messages(alice)
	require.Len(t, msgs, 1, "failed message stays visible")
	require.Equal(t, "Failed", msgs[0].StatusLabel())

	h.backend.setSendErr(nil)
	_, err = h.engine.Retry(h.ctx, pending.TransientID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := h.engine.Messages(alice)
		return len(msgs) == 1 && msgs[0].Delivery == models.DeliverySent
	}, time.Second, 5*time.Millisecond)

	_, err = h.engine.Retry(h.ctx, pending.TransientID)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestEngine_EmptyMessageRejected(t *testing.T) {
	h := start(t)
	_, err := h.engine.Send(h.ctx, alice, "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)
	_, err = h.engine.Send(h.ctx, 0, "hi")
	require.ErrorIs(t, err, ErrUnknownPeer)
	_, err = h.engine.SendBody(h.ctx, alice, "", models.KindImage)
	require.ErrorIs(t, err, ErrEmptyMessage)

	msg, err := h.engine.SendBody(h.ctx, alice, "saved earlier", "")
	require.NoError(t, err)
	require.Equal(t, models.KindText, msg.Kind)
}

func TestEngine_UnreadOnlyForInactive(t *testing.T) {
	h := start(t)
	h.backend.conversations = []models.Conversation{
		{ID: 1, Participants: [2]int64{me, alice}},
		{ID: 2, Participants: [2]int64{me, bob}},
	}
	require.NoError(t, h.engine.RefreshConversations(h.ctx))
	_, err := h.engine.Open(h.ctx, alice)
	require.NoError(t, err)

	for i := int64(1); i <= 3; i++ {
		h.push(models.MessageEvent{Message: incoming(i, 1, alice, "from alice")})
		h.push(models.MessageEvent{Message: incoming(100+i, 2, bob, "from bob")})
	}
	h.sync(t)

	unread := map[int64]int{}
	for _, c := range h.snapshot(t).Conversations {
		unread[c.ID] = c.UnreadCount
	}
	require.Equal(t, 0, unread[1])
	require.Equal(t, 3, unread[2])
}

func TestEngine_HistoryOnlyWhenEmpty(t *testing.T) {
	h := start(t)

	h.push(models.HistoryEvent{Messages: []models.Message{incoming(1, 1, alice, "old")}})
	h.sync(t)
	require.Len(t, h.engine.Messages(alice), 1)

	// Reconnect delivers a second snapshot plus a live message.
	h.push(models.HistoryEvent{Messages: []models.Message{incoming(1, 1, alice, "old"), incoming(2, 1, alice, "new")}})
	h.push(models.MessageEvent{Message: incoming(2, 1, alice, "new")})
	h.sync(t)

	msgs := h.engine.Messages(alice)
	require.Len(t, msgs, 2)
	require.Equal(t, "old", msgs[0].Body)
	require.Equal(t, "new", msgs[1].Body)
}

func TestEngine_UnknownConversationRefreshes(t *testing.T) {
	h := start(t)
	// The server already counts the message that triggered the refresh.
	h.backend.conversations = []models.Conversation{{ID: 5, Participants: [2]int64{bob, me}, UnreadCount: 1}}

	h.push(models.MessageEvent{Message: incoming(9, 5, bob, "surprise")})

	require.Eventually(t, func() bool {
		return len(h.engine.Messages(bob)) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, h.backend.lists)

	snap := h.snapshot(t)
	require.Len(t, snap.Conversations, 1)
	require.Equal(t, 1, snap.Conversations[0].UnreadCount)
}

func TestEngine_TypingSignals(t *testing.T) {
	h := start(t)

	// Not connected: nothing goes out.
	require.NoError(t, h.engine.InputChanged(h.ctx, alice, "h"))
	h.sync(t)
	require.Empty(t, h.transport.frames())

	h.connect(t)
	require.NoError(t, h.engine.InputChanged(h.ctx, alice, "hi"))
	require.NoError(t, h.engine.InputChanged(h.ctx, alice, ""))
	h.sync(t)
	require.Equal(t, []any{
		models.NewTypingFrame(alice, true),
		models.NewTypingFrame(alice, false),
	}, h.transport.frames())

	// Inbound: only signals addressed to me count, and they expire.
	h.push(models.TypingEvent{SenderID: bob, ReceiverID: alice, IsTyping: true})
	h.push(models.TypingEvent{SenderID: alice, ReceiverID: me, IsTyping: true})
	h.sync(t)
	snap := h.snapshot(t)
	require.Equal(t, []int64{alice}, snap.Typing)
	require.True(t, snap.IsTyping(alice))

	require.Eventually(t, func() bool {
		return len(h.snapshot(t).Typing) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestEngine_PresenceReplaced(t *testing.T) {
	h := start(t)

	h.push(models.PresenceEvent{Online: []int64{alice, bob}})
	h.push(models.PresenceEvent{Online: []int64{bob}})
	h.sync(t)

	snap := h.snapshot(t)
	require.Equal(t, []int64{bob}, snap.Online)
	require.False(t, snap.IsOnline(alice))
	require.True(t, snap.IsOnline(bob))
}

func TestEngine_OpenBootstrapsOnce(t *testing.T) {
	h := start(t)
	h.backend.messages[1] = []models.Message{incoming(1, 1, alice, "a"), incoming(2, 1, alice, "b")}

	conv, err := h.engine.Open(h.ctx, alice)
	require.NoError(t, err)
	require.Equal(t, int64(1), conv.ID)
	require.Len(t, h.engine.Messages(alice), 2)

	snap := h.snapshot(t)
	require.True(t, snap.HasActive)
	require.Equal(t, alice, snap.Peer(me))
	require.Len(t, snap.Messages, 2)

	_, err = h.engine.Open(h.ctx, alice)
	require.NoError(t, err)
	require.Equal(t, 1, h.backend.messageLists)
}

func TestEngine_ReopenKeepsNewerPreview(t *testing.T) {
	h := start(t)
	// The backend keeps returning the same conversation, like a cached lookup.
	h.backend.conversations = []models.Conversation{{
		ID:            1,
		Participants:  [2]int64{me, alice},
		LastMessage:   "old",
		LastMessageAt: time.Now().Add(-time.Hour),
	}}

	_, err := h.engine.Open(h.ctx, alice)
	require.NoError(t, err)
	require.NoError(t, h.engine.ClearActive(h.ctx))

	h.push(models.MessageEvent{Message: incoming(10, 1, alice, "newest")})
	h.sync(t)

	conv, err := h.engine.Open(h.ctx, alice)
	require.NoError(t, err)
	require.Equal(t, "newest", conv.LastMessage)
	require.Zero(t, conv.UnreadCount)

	snap := h.snapshot(t)
	require.Equal(t, "newest", snap.Conversations[0].LastMessage)
}

func TestEngine_SendImages(t *testing.T) {
	h := start(t)
	h.connect(t)

	msg, err := h.engine.SendImages(h.ctx, alice, []string{"a.png", "b.png"})
	require.NoError(t, err)
	require.Equal(t, models.KindImage, msg.Kind)
	require.Equal(t, []string{"https://cdn.test/a.png", "https://cdn.test/b.png"}, msg.Images())

	_, err = h.engine.SendImages(h.ctx, alice, make([]string, 6))
	require.ErrorIs(t, err, models.ErrTooManyImages)
}

func TestEngine_Close(t *testing.T) {
	h := start(t)
	h.sync(t)

	h.engine.Close()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}

	require.Equal(t, 1, h.transport.closed)
	_, err := h.engine.Snapshot(h.ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestNextTransientIDMonotonic(t *testing.T) {
	e := New(Config{Identity: models.Identity{UserID: me, Token: "t"}}, Deps{Transport: newFakeTransport()})
	fixed := time.UnixMilli(5000)
	e.now = func() time.Time { return fixed }

	require.Equal(t, int64(5000), e.nextTransientID())
	require.Equal(t, int64(5001), e.nextTransientID())
	require.Equal(t, int64(5002), e.nextTransientID())
}
