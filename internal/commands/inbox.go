package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"parley/internal/engine"
	"parley/internal/models"
	"parley/internal/transcript"
)

const inboxHelp = `Commands:
  /list              show conversations
  /open <user id>    open a conversation
  /close             leave the open conversation
  /image <file>...   send pictures to the open conversation
  /retry <id>        resend a failed message
  /export <file>     save the open conversation as HTML
  /quit              exit
Anything else is sent to the open conversation.
`

type inbox struct {
	*terminal
	ctx    context.Context
	unread map[models.PairKey]int
}

// Inbox runs the multi-conversation view.
func Inbox(ctx context.Context, eng *engine.Engine, opts Options) error {
	b := &inbox{
		terminal: newTerminal(eng, opts),
		ctx:      ctx,
		unread:   make(map[models.PairKey]int),
	}

	if err := eng.RefreshConversations(ctx); err != nil {
		b.printf("! could not load conversations: %v\n", err)
	}
	if err := b.resendOutbox(ctx); err != nil {
		return err
	}
	snap, err := b.redraw(ctx)
	if err != nil {
		return err
	}
	b.list(snap)
	b.printf("Type /help for commands.\n")
	b.notify(snap)

	return b.loop(ctx, opts.In, b.handle, b.notify)
}

func (b *inbox) handle(line string) bool {
	name, args, ok := command(line)
	if !ok {
		if peer, open := b.activePeer(); open {
			b.send(b.ctx, peer, line)
		} else {
			b.printf("! no open conversation, use /open <user id>\n")
		}
		return false
	}

	switch name {
	case "/quit":
		return true
	case "/help":
		b.printf("%s", inboxHelp)
	case "/list":
		if snap, err := b.eng.Snapshot(b.ctx); err == nil {
			b.list(snap)
		}
	case "/open":
		b.open(args)
	case "/close":
		if err := b.eng.ClearActive(b.ctx); err != nil {
			b.printf("! %v\n", err)
		}
	case "/image":
		if peer, open := b.activePeer(); open {
			b.sendImages(b.ctx, peer, args)
		} else {
			b.printf("! no open conversation\n")
		}
	case "/retry":
		b.retry(b.ctx, args)
	case "/export":
		b.export(args)
	default:
		b.printf("! unknown command %s, try /help\n", name)
	}
	return false
}

func (b *inbox) activePeer() (int64, bool) {
	snap, err := b.eng.Snapshot(b.ctx)
	if err != nil || !snap.HasActive {
		return 0, false
	}
	return snap.Peer(b.eng.Self()), true
}

func (b *inbox) list(snap engine.Snapshot) {
	if len(snap.Conversations) == 0 {
		b.printf("No conversations yet.\n")
		return
	}
	for _, c := range snap.Conversations {
		b.printf("  %s\n", b.formatConversation(c, snap))
	}
}

func (b *inbox) open(args []string) {
	if len(args) != 1 {
		b.printf("! usage: /open <user id>\n")
		return
	}
	peer, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || peer == b.eng.Self() {
		b.printf("! invalid user id %q\n", args[0])
		return
	}
	if _, err := b.eng.Open(b.ctx, peer); err != nil {
		b.printf("! %v\n", err)
		return
	}
	b.printf("--- %s ---\n", b.name(peer))
	// Show the whole timeline again when coming back to a conversation.
	for _, m := range b.eng.Messages(peer) {
		delete(b.printed, viewKey(m))
	}
}

func (b *inbox) export(args []string) {
	if len(args) != 1 {
		b.printf("! usage: /export <file>\n")
		return
	}
	peer, open := b.activePeer()
	if !open {
		b.printf("! no open conversation\n")
		return
	}

	f, err := os.Create(args[0])
	if err != nil {
		b.printf("! %v\n", err)
		return
	}
	defer func() { _ = f.Close() }()

	err = transcript.Render(f, b.eng.Messages(peer), transcript.Options{
		Title: fmt.Sprintf("Conversation with %s", b.name(peer)),
		Self:  b.eng.Self(),
		Names: b.names,
	})
	if err != nil {
		b.printf("! export failed: %v\n", err)
		return
	}
	b.printf("* saved to %s\n", args[0])
}

// notify announces unread messages in conversations that are not open.
func (b *inbox) notify(snap engine.Snapshot) {
	for _, c := range snap.Conversations {
		if snap.HasActive && c.PairKey() == snap.Active {
			b.unread[c.PairKey()] = 0
			continue
		}
		if c.UnreadCount > b.unread[c.PairKey()] {
			b.printf("* %d unread from %s: %s\n", c.UnreadCount, b.name(c.Peer(b.eng.Self())), preview(c))
		}
		b.unread[c.PairKey()] = c.UnreadCount
	}
}

func preview(c models.Conversation) string {
	if c.LastMessage == "" {
		return ""
	}
	return contentPreview(c.LastMessage)
}
