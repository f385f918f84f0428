// Package relay mirrors a transcript bus to other processes over WebSocket.
// Both ends publish what they receive into their local bus and forward what
// their bus accepts, so id dedup on each side stops echoes.
package relay

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/stretch-coach/internal/bus"
	"github.com/zhouzirui/stretch-coach/internal/model/chat"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
	maxFrame   = 64 << 10
	queue      = 32
)

// Bus is the local side of a relay.
type Bus interface {
	bus.Publisher
	bus.Subscriber
}

// Server accepts remote views of a bus.
type Server struct {
	bus      Bus
	log      zerolog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	peers  atomic.Int32
}

// NewServer returns an http.Handler that attaches every connection to b.
func NewServer(b Bus, log zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		bus: b,
		log: log.With().Str("component", "relay").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "relay closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	log := s.log.With().Str("remote", r.RemoteAddr).Logger()
	log.Info().Msg("view attached")
	p := newPeer(conn, s.bus, log)
	p.onAttach = func() { s.peers.Add(1) }
	p.run(s.ctx)
	s.peers.Add(-1)
	log.Info().Msg("view detached")
}

// Peers reports how many views are attached.
func (s *Server) Peers() int {
	return int(s.peers.Load())
}

// Close detaches every view and waits for their connections to end.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

// Peer is a client-side attachment made by Dial.
type Peer struct {
	conn     *websocket.Conn
	bus      Bus
	log      zerolog.Logger
	onAttach func()

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(conn *websocket.Conn, b Bus, log zerolog.Logger) *Peer {
	return &Peer{
		conn:     conn,
		bus:      b,
		log:      log,
		onAttach: func() {},
		done:     make(chan struct{}),
	}
}

// Dial connects to a relay server at url and attaches b to it.
func Dial(ctx context.Context, url string, b Bus, log zerolog.Logger) (*Peer, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	p := newPeer(conn, b, log.With().Str("component", "relay").Str("url", url).Logger())
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.run(runCtx)
	return p, nil
}

// Done is closed once the connection has ended.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Close ends the connection and waits for it to wind down.
func (p *Peer) Close() error {
	p.closeOnce.Do(p.cancel)
	<-p.done
	return nil
}

func (p *Peer) run(ctx context.Context) {
	defer close(p.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs, unsubscribe := p.bus.Subscribe(queue)
	defer unsubscribe()
	p.onAttach()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		p.writeLoop(ctx, cancel, msgs)
	}()

	p.readLoop()
	cancel()
	<-writerDone
}

// readLoop publishes inbound messages until the connection fails.
func (p *Peer) readLoop() {
	p.conn.SetReadLimit(maxFrame)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg chat.Message
		if err := p.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				p.log.Warn().Err(err).Msg("read error")
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))

		if msg.ID == 0 || msg.Sender == "" {
			p.log.Warn().Int64("id", msg.ID).Msg("dropping invalid relayed message")
			continue
		}
		if p.bus.Publish(msg) {
			p.log.Debug().Int64("id", msg.ID).Msg("relayed message accepted")
		}
	}
}

// writeLoop is the only writer on conn and owns closing it.
func (p *Peer) writeLoop(ctx context.Context, cancel context.CancelFunc, msgs <-chan chat.Message) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer p.conn.Close()

	for {
		select {
		case <-ctx.Done():
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case msg := <-msgs:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(msg); err != nil {
				p.log.Warn().Err(err).Msg("write failed")
				cancel()
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cancel()
				return
			}
		}
	}
}
