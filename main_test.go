package main

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"parley/internal/stubs"
)

// safeBuffer collects command output written from several goroutines.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func setupEnv(t *testing.T, srv *stubs.Server) {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("PARLEY_BASE_URL", srv.URL())
	t.Setenv("PARLEY_DB", filepath.Join(dir, "parley.db"))
	t.Setenv("PARLEY_RECONNECT_BASE", "50ms")
	t.Setenv("PARLEY_RECONNECT_MAX", "200ms")
	t.Setenv("PARLEY_LOG_LEVEL", "error")
}

func execute(ctx context.Context, in io.Reader, out io.Writer, args ...string) error {
	cmd := newRootCmd(in, out)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func waitForOutput(t *testing.T, out *safeBuffer, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), want)
	}, 5*time.Second, 20*time.Millisecond, "output never contained %q:\n%s", want, out.String())
}

func TestIntegration(t *testing.T) {
	srv := stubs.NewServer()
	defer srv.Close()
	setupEnv(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Step 1: login saves the session
	var loginOut bytes.Buffer
	err := execute(ctx, nil, &loginOut, "login", "--email", "alice@example.com", "--password", "alice")
	require.NoError(t, err)
	require.Contains(t, loginOut.String(), "Logged in as Alice (id 1)")

	// Step 2: open the widget with Bob using the saved session
	in, input := io.Pipe()
	out := &safeBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- execute(ctx, in, out, "widget", "2")
	}()

	waitForOutput(t, out, "Chat with user 2")
	waitForOutput(t, out, "user 2: Hi Alice!")
	waitForOutput(t, out, "you: Hello Bob!")
	waitForOutput(t, out, "* connected")

	// Step 3: a sent message is confirmed exactly once
	_, err = io.WriteString(input, "how are you?\n")
	require.NoError(t, err)
	waitForOutput(t, out, "you: how are you? (Delivered)")

	count := 0
	for _, m := range srv.Messages() {
		if m.Message == "how are you?" {
			count++
			require.Equal(t, int64(1), m.SenderID)
			require.Equal(t, int64(2), m.ReceiverID)
		}
	}
	require.Equal(t, 1, count)

	// Step 4: live messages from the peer show up
	srv.Inject(2, 1, "fine, thanks")
	waitForOutput(t, out, "user 2: fine, thanks")

	// Step 5: after a server-side drop the client reconnects by itself
	srv.DropConnections()
	require.Eventually(t, func() bool {
		return strings.Count(out.String(), "* connected") >= 2
	}, 5*time.Second, 20*time.Millisecond)

	_, err = io.WriteString(input, "/quit\n")
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("widget did not exit")
	}
	require.Equal(t, 1, strings.Count(out.String(), "you: how are you? (Delivered)"))
}

func TestWidgetRequiresLogin(t *testing.T) {
	srv := stubs.NewServer()
	defer srv.Close()
	setupEnv(t, srv)

	err := execute(context.Background(), strings.NewReader(""), io.Discard, "widget", "2")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not logged in")
}

func TestLoginRejected(t *testing.T) {
	srv := stubs.NewServer()
	defer srv.Close()
	setupEnv(t, srv)

	err := execute(context.Background(), nil, io.Discard, "login", "--email", "alice@example.com", "--password", "wrong")
	require.Error(t, err)
	require.Contains(t, err.Error(), "login failed")
}

func TestWidgetInvalidPeer(t *testing.T) {
	err := execute(context.Background(), nil, io.Discard, "widget", "bob")
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid user id")
}
