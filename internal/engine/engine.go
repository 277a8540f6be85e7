package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"parley/internal/backoff"
	"parley/internal/chat"
	"parley/internal/metrics"
	"parley/internal/models"
	"parley/internal/typing"
	"parley/internal/ws"
)

var (
	ErrClosed       = errors.New("engine closed")
	ErrEmptyMessage = errors.New("empty message")
	ErrUnknownPeer  = errors.New("peer id required")
)

// maxParked bounds messages waiting for a conversation refresh.
const maxParked = 256

// Backend is the REST collaborator for conversations and messages.
type Backend interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	GetOrCreateConversation(ctx context.Context, peerID int64) (models.Conversation, error)
	ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error)
	SendMessage(ctx context.Context, receiverID int64, body string, kind models.Kind) (models.Message, error)
}

type Uploader interface {
	UploadImages(ctx context.Context, paths []string) ([]string, error)
}

// Transport is the live connection. ws.Manager implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Close()
	Send(frame any) error
	Events() <-chan any
}

type Config struct {
	Identity      models.Identity
	SocketURL     string
	Policy        backoff.Policy
	TypingTimeout time.Duration
	MaxRecords    int
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

type Deps struct {
	Backend   Backend
	Uploader  Uploader
	Transport Transport
}

// Engine is the client side of one chat session. All state changes run on
// the goroutine started by Run; public methods hand work to it.
type Engine struct {
	self      int64
	session   string
	backend   Backend
	uploader  Uploader
	transport Transport
	store     *chat.Store
	typing    *typing.Tracker
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	ops       chan func()
	updates   chan Update
	quit      chan struct{}
	quitOnce  sync.Once
	done      chan struct{}
	runCtx    context.Context
	closeOnce sync.Once

	// owned by the loop
	status        models.Status
	online        map[int64]struct{}
	parked        []models.Message
	// live sends written to the socket buffer but not confirmed yet
	inflight      map[int64]struct{}
	refreshing    bool
	lastTransient int64
}

func New(config Config, deps Deps) *Engine {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	session := uuid.NewString()
	log := config.Logger.With("user_id", config.Identity.UserID, "session", session)

	if deps.Transport == nil {
		deps.Transport = ws.NewManager(ws.Config{
			URL:      config.SocketURL,
			Identity: config.Identity,
			Policy:   config.Policy,
			Metrics:  config.Metrics,
			Logger:   config.Logger,
		})
	}

	e := &Engine{
		self:      config.Identity.UserID,
		session:   session,
		backend:   deps.Backend,
		uploader:  deps.Uploader,
		transport: deps.Transport,
		log:       log,
		metrics:   config.Metrics,
		now:       time.Now,
		ops:       make(chan func(), 64),
		updates:   make(chan Update, 64),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		online:    make(map[int64]struct{}),
		inflight:  make(map[int64]struct{}),
	}
	e.store = chat.NewStore(chat.StoreConfig{
		Self:       config.Identity.UserID,
		MaxRecords: config.MaxRecords,
		OnChange:   e.storeChanged,
	})
	e.typing = typing.New(config.TypingTimeout, func(int64, bool) {
		e.publish(Update{Kind: UpdateTyping})
	})
	return e
}

// Self returns the local user id.
func (e *Engine) Self() int64 {
	return e.self
}

// Run connects the transport and processes events until ctx is done or
// Close is called. It returns nil on a clean stop.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.runCtx = ctx

	defer func() {
		e.transport.Close()
		e.typing.Stop()
		e.closeOnce.Do(func() { close(e.done) })
	}()

	if err := e.transport.Connect(ctx); err != nil {
		return err
	}
	e.log.Info("engine started")

	events := e.transport.Events()
	for {
		select {
		case fn := <-e.ops:
			fn()
		case ev := <-events:
			e.handle(ev)
		case <-e.quit:
			e.log.Info("engine closed")
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Close stops Run. The transport is closed on purpose so no reconnect
// follows.
func (e *Engine) Close() {
	e.quitOnce.Do(func() { close(e.quit) })
}

// Done is closed once Run has returned.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

func (e *Engine) post(ctx context.Context, fn func()) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	select {
	case e.ops <- fn:
		return nil
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the loop and waits for it.
func (e *Engine) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := e.post(ctx, func() {
		fn()
		close(finished)
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// background runs fn off the loop and posts its continuation back.
func (e *Engine) background(fn func(ctx context.Context) func()) {
	ctx := e.runCtx
	go func() {
		next := fn(ctx)
		if next == nil {
			return
		}
		if err := e.post(context.Background(), next); err != nil {
			e.log.Debug("dropping result after shutdown")
		}
	}()
}

func (e *Engine) nextTransientID() int64 {
	id := e.now().UnixMilli()
	if id <= e.lastTransient {
		id = e.lastTransient + 1
	}
	e.lastTransient = id
	return id
}
