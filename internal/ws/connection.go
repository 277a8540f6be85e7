package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"parley/internal/models"
)

var ErrSendBufferFull = errors.New("send buffer full")

const sendBufferSize = 64

// Connection drives one socket. Inbound frames are decoded and handed to the
// handler in arrival order; outbound frames are written by a single loop.
// Any read or write error tears the socket down.
type Connection struct {
	ws         Conn
	handler    func(models.InboundEvent)
	onMalform  func()
	log        *slog.Logger
	fromServer chan models.InboundEvent
	toServer   chan any
	errorCh    chan error
	done       chan struct{}
	closeOnce  sync.Once
}

func NewConnection(
	ws Conn,
	handler func(models.InboundEvent),
	log *slog.Logger,
) *Connection {
	if log == nil {
		log = slog.Default()
	}
	return &Connection{
		ws:         ws,
		handler:    handler,
		log:        log,
		fromServer: make(chan models.InboundEvent),
		toServer:   make(chan any, sendBufferSize),
		errorCh:    make(chan error, 2),
		done:       make(chan struct{}),
	}
}

// Send queues a frame for writing. It never blocks.
func (c *Connection) Send(frame any) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	select {
	case c.toServer <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Handle runs until the socket fails or ctx is cancelled. It returns nil on
// cancellation.
func (c *Connection) Handle(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer func() {
		c.closeOnce.Do(func() { close(c.done) })
		close(c.errorCh)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if parent.Err() != nil {
		return nil
	}
	for err == nil && len(c.errorCh) > 0 {
		err = <-c.errorCh
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		ev, err := models.DecodeFrame(data)
		if err != nil {
			c.log.Warn("dropping inbound frame", "error", err, "size", len(data))
			if c.onMalform != nil {
				c.onMalform()
			}
			continue
		}
		select {
		case c.fromServer <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-c.fromServer:
			if c.handler != nil {
				c.handler(ev)
			}
		case frame := <-c.toServer:
			if err := c.ws.WriteJSON(frame); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
