package backendtest

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3/frame"
	"go.uber.org/zap"
)

// broker is a minimal STOMP 1.2 endpoint over a websocket, covering exactly
// the verbs the client uses: CONNECT, SUBSCRIBE, UNSUBSCRIBE, SEND and
// DISCONNECT. Heartbeats are negotiated off.
type broker struct {
	log    *zap.Logger
	onSend func(destination string, body []byte)

	mu     sync.Mutex
	conns  map[*brokerConn]struct{}
	nextID int
}

type brokerConn struct {
	mu      sync.Mutex
	netConn net.Conn
	writer  *frame.Writer
	// subs maps topic -> subscription id as sent by the client.
	subs map[string]string
}

func newBroker(log *zap.Logger, onSend func(destination string, body []byte)) *broker {
	return &broker{
		log:    log,
		onSend: onSend,
		conns:  make(map[*brokerConn]struct{}),
	}
}

func (b *broker) serveHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		b.log.Warn("websocket accept", zap.Error(err))
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	netConn := websocket.NetConn(r.Context(), ws, websocket.MessageText)
	b.serveConn(netConn)
}

func (b *broker) serveConn(netConn net.Conn) {
	conn := &brokerConn{
		netConn: netConn,
		writer:  frame.NewWriter(netConn),
		subs:    make(map[string]string),
	}
	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
	}()

	reader := frame.NewReader(netConn)
	for {
		f, err := reader.Read()
		if err != nil {
			return
		}
		if f == nil {
			// heartbeat
			continue
		}
		switch f.Command {
		case frame.CONNECT, frame.STOMP:
			conn.write(frame.New(frame.CONNECTED,
				frame.Version, "1.2",
				frame.HeartBeat, "0,0"))
		case frame.SUBSCRIBE:
			dest := f.Header.Get(frame.Destination)
			id := f.Header.Get(frame.Id)
			conn.mu.Lock()
			conn.subs[dest] = id
			conn.mu.Unlock()
		case frame.UNSUBSCRIBE:
			id := f.Header.Get(frame.Id)
			conn.mu.Lock()
			for dest, subID := range conn.subs {
				if subID == id {
					delete(conn.subs, dest)
				}
			}
			conn.mu.Unlock()
		case frame.SEND:
			if b.onSend != nil {
				b.onSend(f.Header.Get(frame.Destination), f.Body)
			}
		case frame.DISCONNECT:
			if receipt := f.Header.Get(frame.Receipt); receipt != "" {
				conn.write(frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
			}
			return
		default:
			b.log.Debug("unhandled stomp frame", zap.String("command", f.Command))
		}
	}
}

func (c *brokerConn) write(f *frame.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.writer.Write(f)
}

// publish delivers a MESSAGE frame to every connection subscribed to topic.
func (b *broker) publish(topic string, body []byte) {
	b.mu.Lock()
	b.nextID++
	msgID := fmt.Sprintf("msg-%d", b.nextID)
	conns := make([]*brokerConn, 0, len(b.conns))
	for conn := range b.conns {
		conns = append(conns, conn)
	}
	b.mu.Unlock()

	for _, conn := range conns {
		conn.mu.Lock()
		subID, ok := conn.subs[topic]
		conn.mu.Unlock()
		if !ok {
			continue
		}
		f := frame.New(frame.MESSAGE,
			frame.Destination, topic,
			frame.Subscription, subID,
			frame.MessageId, msgID,
			frame.ContentType, "application/json")
		f.Body = body
		conn.write(f)
	}
}

// dropAll severs every live connection, as a backend restart would.
func (b *broker) dropAll() {
	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for conn := range b.conns {
		conns = append(conns, conn)
	}
	b.mu.Unlock()
	for _, conn := range conns {
		_ = conn.netConn.Close()
	}
}

// subscriberCount reports how many live connections hold a subscription on
// topic; tests use it to wait for the client to attach.
func (b *broker) subscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for conn := range b.conns {
		conn.mu.Lock()
		if _, ok := conn.subs[topic]; ok {
			n++
		}
		conn.mu.Unlock()
	}
	return n
}

// splitAppDest parses "/app/{kind}/{id}/{action}".
func splitAppDest(dest string) (kind, id, action string, ok bool) {
	trimmed := strings.TrimPrefix(dest, "/app/")
	if trimmed == dest {
		return "", "", "", false
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
