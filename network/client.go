package network

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "masterkit/errors"
	"masterkit/protocol"
)

// ConnState is the client connection state machine. Messages sent while
// Connecting are queued and flushed once the connection is Established.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateEstablished
	StateClosed
)

// Client is the connection a spawner agent, room process or game client
// keeps to the master. It sends requests and also serves requests the master
// pushes down (spawn commands, kill commands, access checks).
type Client struct {
	log  *slog.Logger
	url  string
	acks *AckRegistry

	mu       sync.Mutex
	state    ConnState
	queue    []*protocol.Message
	conn     *websocket.Conn
	handlers map[protocol.OpCode]HandlerFunc

	writeCh chan []byte
	done    chan struct{}

	peer *remotePeer
}

func NewClient(log *slog.Logger, url string, acks *AckRegistry, outBuffer int) *Client {
	c := &Client{
		log:      log,
		url:      url,
		acks:     acks,
		state:    StateDisconnected,
		handlers: make(map[protocol.OpCode]HandlerFunc),
		writeCh:  make(chan []byte, outBuffer),
		done:     make(chan struct{}),
	}
	c.peer = &remotePeer{client: c}
	return c
}

// Peer is the remote master viewed as a peer, usable wherever the core wants
// the minimal peer abstraction (responding to pushed requests, tests).
func (c *Client) Peer() Peer {
	return c.peer
}

// HandleFunc registers a handler for requests pushed by the master.
func (c *Client) HandleFunc(op protocol.OpCode, h HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[op] = h
}

func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the master and flushes everything queued while connecting.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return apperrors.ErrNotConnected
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("dialing master at %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateEstablished
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	go c.writePump()

	for _, m := range queued {
		if err := c.Send(m); err != nil {
			return err
		}
	}
	return nil
}

// Send enqueues a message. While Connecting the message is held back and
// flushed when the connection settles.
func (c *Client) Send(m *protocol.Message) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting:
		c.queue = append(c.queue, m)
		c.mu.Unlock()
		return nil
	case StateEstablished:
		c.mu.Unlock()
		select {
		case c.writeCh <- m.Encode():
			return nil
		case <-c.done:
			return apperrors.ErrNotConnected
		}
	default:
		c.mu.Unlock()
		return apperrors.ErrNotConnected
	}
}

// SendRequest sends a message expecting a response; the handler fires exactly
// once on the read loop (response), the sweep (timeout) or here (dead link).
func (c *Client) SendRequest(m *protocol.Message, h ResponseHandler, timeout time.Duration) int32 {
	id := c.acks.Register(c.peer, h, timeout)
	m.AckRequestID = id
	if err := c.Send(m); err != nil {
		c.acks.Resolve(id, protocol.StatusNotConnected, syntheticResponse(c.peer, protocol.StatusNotConnected, "not connected"))
		return -1
	}
	return id
}

// Request is the synchronous form of SendRequest.
func (c *Client) Request(ctx context.Context, m *protocol.Message, timeout time.Duration) (protocol.ResponseStatus, *IncomingMessage, error) {
	type result struct {
		status protocol.ResponseStatus
		msg    *IncomingMessage
	}
	ch := make(chan result, 1)
	c.SendRequest(m, func(status protocol.ResponseStatus, resp *IncomingMessage) {
		ch <- result{status: status, msg: resp}
	}, timeout)

	select {
	case <-ctx.Done():
		return protocol.StatusTimeout, nil, ctx.Err()
	case r := <-ch:
		return r.status, r.msg, nil
	}
}

// Run reads frames and drives the ack timeout sweep until the context ends
// or the connection drops. A lost connection is terminal for the client;
// re-establishing a session means re-authenticating, which is the caller's
// call to make.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("client is not connected")
	}

	// Without the sweep, per-request timeouts would never fire on the
	// client and expired entries would pile up in the registry.
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go func() { _ = c.acks.Run(sweepCtx) }()

	go func() {
		<-ctx.Done()
		c.Close()
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			c.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("connection to master lost: %w", err)
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			c.log.Warn("Dropping malformed frame from master", "error", err)
			continue
		}
		c.dispatch(&IncomingMessage{Msg: msg, Peer: c.peer})
	}
}

func (c *Client) dispatch(m *IncomingMessage) {
	if m.Msg.AckResponseID != 0 {
		c.acks.Resolve(m.Msg.AckResponseID, m.Msg.Status, m)
		return
	}

	c.mu.Lock()
	handler, ok := c.handlers[m.Msg.OpCode]
	c.mu.Unlock()

	if !ok {
		c.log.Warn("No handler for pushed operation", "opCode", m.Msg.OpCode)
		m.RespondString(protocol.StatusNotHandled, "operation not handled")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Handler panicked", "opCode", m.Msg.OpCode, "panic", r)
			m.RespondString(protocol.StatusError, fmt.Sprintf("internal error: %v", r))
		}
	}()
	handler(m)
}

// Close tears the connection down; safe to call from any goroutine.
func (c *Client) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	close(c.done)
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	// Outside the lock: handlers may call straight back into the client.
	c.acks.FailPeer(c.peer)
}

func (c *Client) writePump() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.writeCh:
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.Close()
				return
			}
		}
	}
}

// remotePeer adapts the client connection to the peer abstraction.
type remotePeer struct {
	client *Client

	idOnce sync.Once
	id     int32

	mu       sync.Mutex
	props    map[PropertyKey]any
	security *SecurityExtension
}

func (p *remotePeer) ID() int32 {
	p.idOnce.Do(func() {
		p.id = nextPeerID()
	})
	return p.id
}

func (p *remotePeer) IsConnected() bool {
	return p.client.State() == StateEstablished || p.client.State() == StateConnecting
}

func (p *remotePeer) Send(m *protocol.Message) error {
	return p.client.Send(m)
}

func (p *remotePeer) SendRequest(m *protocol.Message, h ResponseHandler, timeout time.Duration) int32 {
	return p.client.SendRequest(m, h, timeout)
}

func (p *remotePeer) SetProperty(key PropertyKey, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.props == nil {
		p.props = make(map[PropertyKey]any)
	}
	p.props[key] = value
}

func (p *remotePeer) Property(key PropertyKey) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.props[key]
}

func (p *remotePeer) Security() *SecurityExtension {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.security
}

func (p *remotePeer) SetSecurity(ext *SecurityExtension) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.security = ext
}
