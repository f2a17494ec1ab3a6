package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3"
	"go.uber.org/zap"
)

// Handler receives the body of one message pushed on a subscribed topic.
// Handlers run on the subscription's pump goroutine; per topic, messages
// arrive in the order the transport received them.
type Handler func(body []byte)

const DefaultReconnectDelay = 5 * time.Second

// Adapter is one logical pub/sub channel to the backend: STOMP over a
// websocket. It reconnects after a fixed delay on any drop and re-establishes
// every desired subscription on the new connection. Publish on a
// disconnected adapter returns false rather than an error so callers can
// fall back to REST.
type Adapter struct {
	url   string
	log   *zap.Logger
	delay time.Duration

	mu        sync.Mutex
	conn      *stomp.Conn
	live      *liveConn
	connected bool
	closed    bool

	subs     map[int]*subscription
	nextSub  int
	watchers map[int]func(bool)
	nextW    int

	wake chan struct{}
	done chan struct{}
}

type subscription struct {
	topic     string
	handler   Handler
	active    *stomp.Subscription
	cancelled bool
}

// liveConn ties the fate of one physical connection together: the first
// failure wins and tears the whole session down.
type liveConn struct {
	failed chan error
	once   sync.Once
}

func (l *liveConn) fail(err error) {
	l.once.Do(func() { l.failed <- err })
}

type Option func(*Adapter)

func WithReconnectDelay(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.delay = d
		}
	}
}

// Dial starts the adapter's manage loop. It returns immediately; the first
// connection attempt happens in the background.
func Dial(url string, log *zap.Logger, opts ...Option) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Adapter{
		url:      url,
		log:      log,
		delay:    DefaultReconnectDelay,
		subs:     make(map[int]*subscription),
		watchers: make(map[int]func(bool)),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.manage()
	return a
}

func (a *Adapter) manage() {
	for {
		a.mu.Lock()
		closed := a.closed
		a.mu.Unlock()
		if closed {
			return
		}

		if err := a.runOnce(); err != nil {
			a.log.Warn("transport session ended", zap.String("url", a.url), zap.Error(err))
		}

		select {
		case <-a.done:
			return
		case <-a.wake:
		case <-time.After(a.delay):
		}
	}
}

// runOnce dials, attaches subscriptions, then blocks until the connection
// fails or the adapter closes.
func (a *Adapter) runOnce() error {
	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	ws, _, err := websocket.Dial(dialCtx, a.url, nil)
	cancel()
	if err != nil {
		return err
	}

	netConn := websocket.NetConn(context.Background(), ws, websocket.MessageText)
	conn, err := stomp.Connect(netConn, stomp.ConnOpt.HeartBeat(0, 0))
	if err != nil {
		ws.Close(websocket.StatusProtocolError, "stomp connect failed")
		return err
	}

	live := &liveConn{failed: make(chan error, 1)}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = conn.Disconnect()
		return nil
	}
	a.conn = conn
	a.live = live
	a.connected = true
	subs := make([]*subscription, 0, len(a.subs))
	for _, s := range a.subs {
		subs = append(subs, s)
	}
	watchers := a.snapshotWatchersLocked()
	a.mu.Unlock()

	a.log.Info("transport connected", zap.String("url", a.url))
	for _, w := range watchers {
		w(true)
	}
	for _, s := range subs {
		a.attach(conn, live, s)
	}

	select {
	case err = <-live.failed:
	case <-a.done:
		err = nil
	}

	a.mu.Lock()
	a.connected = false
	a.conn = nil
	a.live = nil
	for _, s := range a.subs {
		s.active = nil
	}
	watchers = a.snapshotWatchersLocked()
	a.mu.Unlock()

	for _, w := range watchers {
		w(false)
	}
	_ = conn.Disconnect()
	ws.Close(websocket.StatusNormalClosure, "")
	return err
}

func (a *Adapter) snapshotWatchersLocked() []func(bool) {
	out := make([]func(bool), 0, len(a.watchers))
	for _, w := range a.watchers {
		out = append(out, w)
	}
	return out
}

// attach subscribes s on conn and starts the pump goroutine feeding its
// handler. An errored or unexpectedly closed subscription fails the whole
// connection and the manage loop rebuilds everything on reconnect; a
// cancelled subscription just winds its pump down.
func (a *Adapter) attach(conn *stomp.Conn, live *liveConn, s *subscription) {
	a.mu.Lock()
	if s.cancelled {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	sub, err := conn.Subscribe(s.topic, stomp.AckAuto)
	if err != nil {
		live.fail(err)
		return
	}

	a.mu.Lock()
	if s.cancelled {
		a.mu.Unlock()
		_ = sub.Unsubscribe()
		return
	}
	s.active = sub
	a.mu.Unlock()

	go func() {
		for msg := range sub.C {
			if msg.Err != nil {
				if a.subCancelled(s) {
					return
				}
				live.fail(msg.Err)
				return
			}
			s.handler(msg.Body)
		}
		if a.subCancelled(s) {
			return
		}
		live.fail(errors.New("subscription channel closed"))
	}()
}

func (a *Adapter) subCancelled(s *subscription) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return s.cancelled
}

// Subscribe registers a desired subscription and returns its cancel func.
// While disconnected the topic is only recorded; it attaches on the next
// (re)connect.
func (a *Adapter) Subscribe(topic string, h Handler) func() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return func() {}
	}
	id := a.nextSub
	a.nextSub++
	s := &subscription{topic: topic, handler: h}
	a.subs[id] = s
	conn := a.conn
	live := a.live
	a.mu.Unlock()

	if conn != nil {
		a.attach(conn, live, s)
	}

	return func() {
		a.mu.Lock()
		current, ok := a.subs[id]
		delete(a.subs, id)
		var active *stomp.Subscription
		if ok {
			// Flag first so the pump treats the channel close as deliberate
			// rather than a connection failure.
			current.cancelled = true
			active = current.active
		}
		a.mu.Unlock()
		if active != nil {
			// Best effort; a dead connection cleans up on its own.
			_ = active.Unsubscribe()
		}
	}
}

// Publish sends payload as JSON to a destination. Returns false when the
// channel is down (or the payload cannot be encoded); callers fall back to
// REST or surface the failure to the player.
func (a *Adapter) Publish(dest string, payload any) bool {
	a.mu.Lock()
	conn := a.conn
	live := a.live
	a.mu.Unlock()
	if conn == nil {
		return false
	}

	body, err := json.Marshal(payload)
	if err != nil {
		a.log.Error("encode publish payload", zap.String("dest", dest), zap.Error(err))
		return false
	}
	if err := conn.Send(dest, "application/json", body); err != nil {
		live.fail(err)
		return false
	}
	return true
}

func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// OnStatus registers a connection-state watcher and returns its cancel func.
// Watchers fire with true/false on every connect/disconnect.
func (a *Adapter) OnStatus(fn func(connected bool)) func() {
	a.mu.Lock()
	id := a.nextW
	a.nextW++
	a.watchers[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.watchers, id)
		a.mu.Unlock()
	}
}

// Close tears the adapter down for good; no reconnect after this.
func (a *Adapter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	live := a.live
	a.mu.Unlock()

	close(a.done)
	if live != nil {
		live.fail(errors.New("adapter closed"))
	}
}
