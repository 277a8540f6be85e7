package commands

import (
	"context"
	"fmt"

	"parley/internal/engine"
)

// Widget runs a single conversation with peerID. Lines are sent as
// messages; /image, /retry and /quit are the only commands.
func Widget(ctx context.Context, eng *engine.Engine, peerID int64, opts Options) error {
	t := newTerminal(eng, opts)

	if _, err := eng.Open(ctx, peerID); err != nil {
		return fmt.Errorf("failed to open conversation with %d: %w", peerID, err)
	}
	t.printf("Chat with %s. /image <file>... sends pictures, /quit leaves.\n", t.name(peerID))

	if err := t.resendOutbox(ctx); err != nil {
		return err
	}
	if _, err := t.redraw(ctx); err != nil {
		return err
	}

	return t.loop(ctx, opts.In, func(line string) bool {
		name, args, ok := command(line)
		if !ok {
			t.send(ctx, peerID, line)
			return false
		}
		switch name {
		case "/quit":
			return true
		case "/image":
			t.sendImages(ctx, peerID, args)
		case "/retry":
			t.retry(ctx, args)
		default:
			t.printf("! unknown command %s\n", name)
		}
		return false
	}, nil)
}
