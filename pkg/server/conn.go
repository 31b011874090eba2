// Package server wires the library packages (pkg/directory, pkg/session,
// pkg/textsession, pkg/chatsession, pkg/communication, pkg/account,
// pkg/storage) to a concrete transport: the XML stream of spec.md §6
// carried over a WebSocket connection wrapped in TLS, per SPEC_FULL.md §6's
// grounding decision.
// Grounded on kolabpad's pkg/server/connection.go: one goroutine reads,
// one drains an outbound queue, a context cancels both on error or close.
package server

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// sendJob is one queued outbound frame plus the callback the communication
// registry uses to learn when it has actually gone out over the wire.
type sendJob struct {
	data   []byte
	onSent func()
}

// Conn adapts a WebSocket connection to communication.Connection: an
// identity, an open flag, and an async, serialized send queue so multiple
// groups on the same underlying socket never interleave partial writes.
type Conn struct {
	id      uint64
	traceID string
	ws      *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	open atomic.Bool
	jobs chan sendJob

	account string // account id bound after authentication, "" until then

	mu     sync.Mutex
	groups map[string]struct{} // names of communication groups this conn has joined
}

// NewConn wraps ws as a fresh, open connection identified by id.
func NewConn(ctx context.Context, id uint64, ws *websocket.Conn) *Conn {
	cctx, cancel := context.WithCancel(ctx)
	c := &Conn{
		id:      id,
		traceID: uuid.NewString(),
		ws:      ws,
		ctx:     cctx,
		cancel:  cancel,
		jobs:    make(chan sendJob, 64),
		groups:  make(map[string]struct{}),
	}
	c.open.Store(true)
	go c.writeLoop()
	return c
}

// ID implements communication.Connection and session.Connection.
func (c *Conn) ID() uint64 { return c.id }

// TraceID is a per-connection identifier for log correlation, independent
// of the small integer ID the wire protocol uses.
func (c *Conn) TraceID() string { return c.traceID }

// Open implements communication.Connection and session.Connection.
func (c *Conn) Open() bool { return c.open.Load() }

// Account reports the authenticated account id, if any.
func (c *Conn) Account() string { return c.account }

// SetAccount binds the authenticated account id to this connection.
func (c *Conn) SetAccount(id string) { c.account = id }

// Send implements communication.Connection: data is enqueued and written
// by the dedicated writer goroutine; onSent fires once the write call
// returns successfully.
func (c *Conn) Send(data []byte, onSent func()) {
	if !c.Open() {
		return
	}
	select {
	case c.jobs <- sendJob{data: data, onSent: onSent}:
	case <-c.ctx.Done():
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case job := <-c.jobs:
			err := c.ws.Write(c.ctx, websocket.MessageText, job.data)
			if err != nil {
				c.Close()
				return
			}
			if job.onSent != nil {
				job.onSent()
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Read blocks for the next inbound frame.
func (c *Conn) Read() ([]byte, error) {
	_, data, err := c.ws.Read(c.ctx)
	return data, err
}

// Context returns the connection's lifetime context, canceled on Close.
func (c *Conn) Context() context.Context { return c.ctx }

// Close marks the connection dead and cancels its context; safe to call
// more than once.
func (c *Conn) Close() {
	if c.open.CompareAndSwap(true, false) {
		c.cancel()
	}
}

// JoinedGroup records that conn has joined the named communication group,
// for cleanup bookkeeping on disconnect.
func (c *Conn) JoinedGroup(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[name] = struct{}{}
}

// LeftGroup forgets a joined group.
func (c *Conn) LeftGroup(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.groups, name)
}

// Groups returns the names of every communication group conn has joined.
func (c *Conn) Groups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.groups))
	for name := range c.groups {
		out = append(out, name)
	}
	return out
}
