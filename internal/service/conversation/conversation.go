// Package conversation wires session resolution, streaming, pacing and the
// transcript into the surface a chat UI drives.
package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/stretch-coach/internal/bus"
	"github.com/zhouzirui/stretch-coach/internal/client"
	"github.com/zhouzirui/stretch-coach/internal/identity"
	"github.com/zhouzirui/stretch-coach/internal/model/chat"
	"github.com/zhouzirui/stretch-coach/internal/model/profile"
	"github.com/zhouzirui/stretch-coach/internal/reveal"
	"github.com/zhouzirui/stretch-coach/internal/service/migration"
	"github.com/zhouzirui/stretch-coach/internal/service/session"
	"github.com/zhouzirui/stretch-coach/internal/stream"
)

var (
	ErrSessionNotReady = errors.New("session is not ready")
	ErrClosed          = errors.New("conversation closed")
)

const (
	greeting        = "어떻게 아프냐부기?"
	msgNotReady     = "세션을 준비하고 있어요. 잠시 후 다시 보내주세요."
	msgNoIdentity   = "세션 정보를 찾을 수 없습니다. 페이지를 새로고침 해주세요."
	updateBuffer    = 64
	statusBuffer    = 16
	subscriberQueue = 32
)

// Status is the state of the send affordance.
type Status string

const (
	StatusIdle Status = "idle"
	StatusBusy Status = "busy"
)

// API is everything the engine needs from the backend.
type API interface {
	session.Backend
	migration.Backend
	stream.Opener
	Login(ctx context.Context, username string) (client.LoginResult, error)
}

// Deps are the collaborators of a Conversation.
type Deps struct {
	API      API
	Store    *identity.Store
	Profiles profile.Provider
	Log      zerolog.Logger
}

// Options tune the engine. Zero values take package defaults.
type Options struct {
	MinLength      int
	ConnectTimeout time.Duration
	RevealInterval time.Duration
	RevealChunk    int
	DedupWindow    time.Duration
	Now            func() time.Time
}

// Conversation is one running chat engine.
type Conversation struct {
	api       API
	profiles  profile.Provider
	bus       *bus.Bus
	scheduler *reveal.Scheduler
	sessions  *session.Coordinator
	migrator  *migration.Coordinator
	consumer  *stream.Consumer
	ids       *chat.IDSource
	log       zerolog.Logger

	updates chan reveal.Update
	status  chan Status
	ready   chan struct{}
	sending atomic.Bool

	mu      sync.RWMutex
	profile profile.Profile

	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New builds an engine. Call Start before Send.
func New(deps Deps, opts Options) *Conversation {
	if deps.Profiles == nil {
		deps.Profiles = profile.Static(profile.Default())
	}
	log := deps.Log.With().Str("component", "conversation").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conversation{
		api:      deps.API,
		profiles: deps.Profiles,
		ids:      chat.NewIDSource(),
		log:      log,
		updates:  make(chan reveal.Update, updateBuffer),
		status:   make(chan Status, statusBuffer),
		ready:    make(chan struct{}),
		profile:  profile.Default(),
		ctx:      ctx,
		cancel:   cancel,
	}

	c.bus = bus.New(bus.Options{Window: opts.DedupWindow, Now: opts.Now}, deps.Log)
	c.scheduler = reveal.New(c.deliver, reveal.Options{
		Interval: opts.RevealInterval,
		Chunk:    opts.RevealChunk,
	}, deps.Log)
	c.sessions = session.NewCoordinator(deps.API, deps.Store, deps.Log)
	c.migrator = migration.NewCoordinator(deps.API, deps.Store, deps.Log)
	c.consumer = stream.NewConsumer(deps.API, c.scheduler, c.bus, stream.Options{
		MinLength:      opts.MinLength,
		ConnectTimeout: opts.ConnectTimeout,
		OnBusy:         c.setBusy,
	}, deps.Log)
	return c
}

// Start resolves the session and loads the profile concurrently, then
// greets the user. SessionReady is closed when it returns. Only the first
// call does any work.
func (c *Conversation) Start(ctx context.Context) error {
	var err error
	c.startOnce.Do(func() {
		c.scheduler.Start(c.ctx)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.bus.Run(c.ctx)
		}()
		err = c.start(ctx)
		close(c.ready)
	})
	return err
}

func (c *Conversation) start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := c.sessions.Resolve(gctx)
		return err
	})
	g.Go(func() error {
		p, err := c.profiles.Profile(gctx)
		if err != nil {
			c.log.Warn().Err(err).Msg("profile unavailable, using defaults")
			return nil
		}
		c.mu.Lock()
		c.profile = p
		c.mu.Unlock()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, session.ErrNoIdentity) {
		c.bus.Publish(chat.AssistantMessage(c.ids.Next(), msgNoIdentity, chat.AnnotationError))
		return err
	}
	if err != nil {
		return err
	}

	c.bus.Publish(chat.AssistantMessage(c.ids.Next(), greeting))
	return nil
}

// SessionReady is closed once Start has finished.
func (c *Conversation) SessionReady() <-chan struct{} {
	return c.ready
}

// Session returns the current session, if resolved.
func (c *Conversation) Session() (chat.Session, bool) {
	return c.sessions.Current()
}

// Profile returns the profile attached to guidance requests.
func (c *Conversation) Profile() profile.Profile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.profile
}

// Send runs one user turn and blocks until its terminal assistant message
// has been published. The returned error is for logs; the user already sees
// an explanatory message.
func (c *Conversation) Send(ctx context.Context, text string) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}

	// Ids are allocated before any I/O so the reply always sorts after the
	// turn that triggered it. The turn id also scopes duplicate detection.
	turn := c.ids.Next()

	sess, ok := c.sessions.Current()
	if !ok {
		c.bus.Publish(chat.AssistantMessage(c.ids.Next(), msgNotReady, chat.AnnotationError).InReplyTo(turn))
		return ErrSessionNotReady
	}

	if !c.sending.CompareAndSwap(false, true) {
		return stream.ErrBusy
	}
	defer c.sending.Store(false)

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	unlink := context.AfterFunc(c.ctx, stop)
	defer unlink()

	if strings.TrimSpace(text) != "" {
		c.bus.Publish(chat.UserMessage(turn, text))
	}
	replyID := c.ids.Next()

	var annotations []chat.Annotation
	if sess.Anonymous() {
		annotations = append(annotations, chat.AnnotationSignupOffer)
	}

	_, err := c.consumer.Send(ctx, stream.Request{
		SessionID:   sess.ID,
		Text:        text,
		Profile:     c.Profile(),
		Turn:        turn,
		MessageID:   replyID,
		Annotations: annotations,
	})
	return err
}

// Busy reports whether a stream is open.
func (c *Conversation) Busy() bool {
	return c.consumer.Busy()
}

// StatusChanges reports idle/busy transitions. Slow readers miss
// intermediate transitions; Busy is authoritative.
func (c *Conversation) StatusChanges() <-chan Status {
	return c.status
}

// Updates carries progressive reveal text. It is lossy; the final text of
// every reply also arrives through the Bus.
func (c *Conversation) Updates() <-chan reveal.Update {
	return c.updates
}

// Bus is the transcript.
func (c *Conversation) Bus() *bus.Bus {
	return c.bus
}

// Subscribe is shorthand for Bus().Subscribe with a sensible buffer.
func (c *Conversation) Subscribe() (<-chan chat.Message, func()) {
	return c.bus.Subscribe(subscriberQueue)
}

// Login authenticates username and then runs HandleLogin.
func (c *Conversation) Login(ctx context.Context, username string) (migration.Result, error) {
	res, err := c.api.Login(ctx, username)
	if err != nil {
		return migration.Result{}, err
	}
	return c.HandleLogin(ctx, res)
}

// HandleLogin adopts the authenticated session, keeping the one it replaces
// as the migration candidate, and migrates it. Migration failure is logged
// and reported in the result but never returned as an error.
func (c *Conversation) HandleLogin(ctx context.Context, login client.LoginResult) (migration.Result, error) {
	sess := login.Session
	if sess.Owner == nil {
		user := login.User
		sess.Owner = &user
	}
	sess.Kind = chat.KindAuthenticated

	if _, err := c.sessions.Adopt(ctx, sess); err != nil {
		return migration.Result{}, err
	}

	previous := c.sessions.PreviousSessionID()
	if previous == sess.ID {
		previous = ""
	}

	result := c.migrator.Migrate(ctx, previous)
	if result.Success && previous != "" {
		c.sessions.ForgetPrevious(previous)
	}
	if result.Success && result.Notice != "" {
		c.bus.Publish(chat.AssistantMessage(c.ids.Next(), result.Notice))
	}
	return result, nil
}

// Close cancels any in-flight stream and stops the scheduler.
func (c *Conversation) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.scheduler.Stop()
		c.wg.Wait()
	})
}

// deliver runs under the scheduler lock.
func (c *Conversation) deliver(u reveal.Update) {
	select {
	case c.updates <- u:
	default:
	}
}

func (c *Conversation) setBusy(busy bool) {
	s := StatusIdle
	if busy {
		s = StatusBusy
	}
	select {
	case c.status <- s:
	default:
	}
}
