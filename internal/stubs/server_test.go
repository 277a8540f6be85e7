package stubs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"parley/internal/api"
	"parley/internal/models"
	"parley/internal/ws"
)

func dial(t *testing.T, srv *Server, token string) ws.Conn {
	t.Helper()
	client := api.NewClient(context.Background(), api.Config{BaseURL: srv.URL()})
	conn, err := ws.WebsocketDialer{}.Dial(context.Background(), client.SocketURL(), token)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func next(t *testing.T, conn ws.Conn) models.InboundEvent {
	t.Helper()
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := models.DecodeFrame(data)
	require.NoError(t, err)
	return ev
}

func TestServer_SocketHistoryAndBroadcast(t *testing.T) {
	srv := NewServer()
	defer srv.Close()

	conn := dial(t, srv, srv.Token(1))

	history, ok := next(t, conn).(models.HistoryEvent)
	require.True(t, ok)
	require.Len(t, history.Messages, 2)
	require.Equal(t, "Hello Bob!", history.Messages[0].Body, "history decodes oldest first")

	presence, ok := next(t, conn).(models.PresenceEvent)
	require.True(t, ok)
	require.Equal(t, []int64{1}, presence.Online)

	require.NoError(t, conn.WriteJSON(models.SendFrame{ReceiverID: 2, Message: "echo me", MessageType: models.KindText}))
	msg, ok := next(t, conn).(models.MessageEvent)
	require.True(t, ok)
	require.Equal(t, "echo me", msg.Message.Body)
	require.Equal(t, int64(1), msg.Message.SenderID)
	require.NotZero(t, msg.Message.ConversationID)
}

func TestServer_RejectsUnknownToken(t *testing.T) {
	srv := NewServer()
	defer srv.Close()

	client := api.NewClient(context.Background(), api.Config{BaseURL: srv.URL()})
	_, err := ws.WebsocketDialer{}.Dial(context.Background(), client.SocketURL(), "nope")
	require.Error(t, err)
}

func TestServer_RESTFlow(t *testing.T) {
	srv := NewServer()
	defer srv.Close()
	ctx := context.Background()

	anon := api.NewClient(ctx, api.Config{BaseURL: srv.URL()})
	login, err := anon.Login(ctx, "bob@example.com", "bob")
	require.NoError(t, err)
	require.Equal(t, int64(2), login.User.ID)

	_, err = anon.Login(ctx, "bob@example.com", "wrong")
	require.ErrorIs(t, err, api.ErrUnauthorized)

	client := api.NewClient(ctx, api.Config{BaseURL: srv.URL(), Token: login.Token})
	conv, err := client.GetOrCreateConversation(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, models.NewPairKey(2, 3), conv.PairKey())

	sent, err := client.SendMessage(ctx, 3, "hey Charlie", models.KindText)
	require.NoError(t, err)
	require.Equal(t, conv.ID, sent.ConversationID)

	msgs, err := client.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	srv.RejectSends(true)
	_, err = client.SendMessage(ctx, 3, "dropped", models.KindText)
	require.Error(t, err)
}

func TestServer_DropConnections(t *testing.T) {
	srv := NewServer()
	defer srv.Close()

	conn := dial(t, srv, srv.Token(2))
	next(t, conn)
	require.Eventually(t, func() bool { return srv.Connections() == 1 }, time.Second, 10*time.Millisecond)

	srv.DropConnections()
	require.Eventually(t, func() bool {
		_, _, err := conn.ReadMessage()
		return err != nil
	}, time.Second, 10*time.Millisecond)
}
