package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"parley/internal/content"
	"parley/internal/engine"
	"parley/internal/models"
)

// previewLength bounds conversation previews in listings.
const previewLength = 40

// Outbox keeps failed messages across runs.
type Outbox interface {
	PutOutbox(msg models.Message) error
	ListOutbox() ([]models.Message, error)
	DeleteOutbox(transientID int64) error
}

type Options struct {
	In  io.Reader
	Out io.Writer
	// Names maps user ids to display names.
	Names map[int64]string
	// Outbox is optional; without it failed messages live only in memory.
	Outbox Outbox
	Logger *slog.Logger
}

// terminal is the line-oriented view shared by the widget and the inbox.
type terminal struct {
	eng    *engine.Engine
	out    io.Writer
	names  map[int64]string
	outbox Outbox
	log    *slog.Logger

	// delivery state of every printed message, by view key
	printed map[string]models.Delivery
	// transient ids currently saved in the outbox
	stored     map[int64]struct{}
	lastStatus models.Status
	typing     bool
}

func newTerminal(eng *engine.Engine, opts Options) *terminal {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &terminal{
		eng:        eng,
		out:        opts.Out,
		names:      opts.Names,
		outbox:     opts.Outbox,
		log:        opts.Logger,
		printed:    make(map[string]models.Delivery),
		stored:     make(map[int64]struct{}),
		lastStatus: models.StatusDisconnected,
	}
}

func (t *terminal) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) name(id int64) string {
	if id == t.eng.Self() {
		return "you"
	}
	if n, ok := t.names[id]; ok && n != "" {
		return n
	}
	return fmt.Sprintf("user %d", id)
}

func viewKey(m models.Message) string {
	if m.TransientID != 0 {
		return fmt.Sprintf("t%d", m.TransientID)
	}
	return m.Key()
}

func (t *terminal) formatMessage(m models.Message) string {
	var body string
	if urls := m.Images(); urls != nil {
		body = "[image] " + strings.Join(urls, " ")
	} else {
		body = content.Plain(m.Body)
	}
	at := m.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	line := fmt.Sprintf("[%s] %s: %s", at.Local().Format("15:04"), t.name(m.SenderID), body)
	if m.SenderID == t.eng.Self() {
		line += " (" + m.StatusLabel() + ")"
		if m.Delivery == models.DeliveryFailed {
			line += fmt.Sprintf(" /retry %d", m.TransientID)
		}
	}
	return line
}

// render prints messages not shown yet and own messages whose delivery
// state changed since they were printed.
func (t *terminal) render(msgs []models.Message) {
	for _, m := range msgs {
		key := viewKey(m)
		prev, seen := t.printed[key]
		if seen && (prev == m.Delivery || m.SenderID != t.eng.Self()) {
			continue
		}
		t.printed[key] = m.Delivery
		t.printf("%s\n", t.formatMessage(m))
	}
}

func (t *terminal) renderStatus(snap engine.Snapshot) {
	if snap.Status != t.lastStatus {
		t.lastStatus = snap.Status
		t.printf("* %s\n", snap.Status)
	}
	if !snap.HasActive {
		return
	}
	peer := snap.Peer(t.eng.Self())
	typing := snap.IsTyping(peer)
	if typing && !t.typing {
		t.printf("* %s is typing...\n", t.name(peer))
	}
	t.typing = typing
}

func contentPreview(body string) string {
	return content.Truncate(content.Plain(body), previewLength)
}

func (t *terminal) formatConversation(c models.Conversation, snap engine.Snapshot) string {
	peer := c.Peer(t.eng.Self())
	line := fmt.Sprintf("%d %s", peer, t.name(peer))
	if snap.IsOnline(peer) {
		line += " (online)"
	}
	if c.LastMessage != "" {
		line += ": " + contentPreview(c.LastMessage)
	}
	if c.UnreadCount > 0 {
		line += fmt.Sprintf(" [%d unread]", c.UnreadCount)
	}
	return line
}

// syncOutbox saves newly failed messages and forgets the ones that went
// through on retry.
func (t *terminal) syncOutbox(snap engine.Snapshot) {
	if t.outbox == nil {
		return
	}
	failed := make(map[int64]struct{}, len(snap.Failed))
	for _, m := range snap.Failed {
		failed[m.TransientID] = struct{}{}
		if _, ok := t.stored[m.TransientID]; ok {
			continue
		}
		if err := t.outbox.PutOutbox(m); err != nil {
			t.log.Error("failed to save outbox message", "error", err, "transient_id", m.TransientID)
			continue
		}
		t.stored[m.TransientID] = struct{}{}
	}
	for id := range t.stored {
		if _, ok := failed[id]; ok {
			continue
		}
		if err := t.outbox.DeleteOutbox(id); err != nil {
			t.log.Error("failed to delete outbox message", "error", err, "transient_id", id)
			continue
		}
		delete(t.stored, id)
	}
}

// resendOutbox sends messages that failed in an earlier run and drops them
// from the outbox once handed to the engine.
func (t *terminal) resendOutbox(ctx context.Context) error {
	if t.outbox == nil {
		return nil
	}
	msgs, err := t.outbox.ListOutbox()
	if err != nil {
		return fmt.Errorf("failed to read outbox: %w", err)
	}
	for _, m := range msgs {
		if _, err := t.eng.SendBody(ctx, m.ReceiverID, m.Body, m.Kind); err != nil {
			return fmt.Errorf("failed to resend message %d: %w", m.TransientID, err)
		}
		if err := t.outbox.DeleteOutbox(m.TransientID); err != nil {
			return fmt.Errorf("failed to delete outbox message: %w", err)
		}
	}
	if len(msgs) > 0 {
		t.printf("* resent %d message(s) from the outbox\n", len(msgs))
	}
	return nil
}

// readLines feeds input lines to a channel that is closed at EOF.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// redraw brings the view up to date with the engine state.
func (t *terminal) redraw(ctx context.Context) (engine.Snapshot, error) {
	snap, err := t.eng.Snapshot(ctx)
	if err != nil {
		return snap, err
	}
	t.renderStatus(snap)
	if snap.HasActive {
		t.render(snap.Messages)
	}
	t.syncOutbox(snap)
	return snap, nil
}

// loop feeds input lines to handle and redraws on every engine update. It
// returns when input ends, handle asks to quit, ctx is done or the engine
// stops.
func (t *terminal) loop(ctx context.Context, in io.Reader, handle func(line string) bool, onSnapshot func(engine.Snapshot)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := readLines(ctx, in)
	updates := t.eng.Updates()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if handle(line) {
				return nil
			}
		case <-updates:
		case <-t.eng.Done():
			return nil
		case <-ctx.Done():
			return nil
		}

		snap, err := t.redraw(ctx)
		if err != nil {
			if errors.Is(err, engine.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if onSnapshot != nil {
			onSnapshot(snap)
		}
	}
}

// command splits "/name args..." into its parts.
func command(line string) (string, []string, bool) {
	if !strings.HasPrefix(line, "/") {
		return "", nil, false
	}
	fields := strings.Fields(line)
	return strings.ToLower(fields[0]), fields[1:], true
}

func (t *terminal) retry(ctx context.Context, args []string) {
	if len(args) != 1 {
		t.printf("! usage: /retry <id>\n")
		return
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		t.printf("! invalid message id %q\n", args[0])
		return
	}
	if _, err := t.eng.Retry(ctx, id); err != nil {
		t.printf("! %v\n", err)
	}
}

func (t *terminal) send(ctx context.Context, peerID int64, line string) {
	if err := content.ValidateBody(line); err != nil {
		t.printf("! %v\n", err)
		return
	}
	// A line is one burst of typing: signal it, then Send stops it.
	if err := t.eng.InputChanged(ctx, peerID, line); err != nil {
		t.log.Debug("typing signal not posted", "error", err)
	}
	if _, err := t.eng.Send(ctx, peerID, line); err != nil {
		t.printf("! %v\n", err)
	}
}

func (t *terminal) sendImages(ctx context.Context, peerID int64, paths []string) {
	if len(paths) == 0 {
		t.printf("! usage: /image <file>...\n")
		return
	}
	if _, err := t.eng.SendImages(ctx, peerID, paths); err != nil {
		t.printf("! %v\n", err)
	}
}
