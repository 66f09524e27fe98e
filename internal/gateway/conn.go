package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskgate/cli/internal/logging"
)

var (
	ErrConnClosed = errors.New("gateway connection closed")
	ErrRPCTimeout = errors.New("gateway rpc timeout")
)

type rpcResult struct {
	payload json.RawMessage
	err     error
}

// Conn multiplexes concurrent request/response pairs over one socket.
// Responses correlate by id only; arrival order is unconstrained. Unsolicited
// event frames are delivered to one-shot waiters registered via WaitEvent.
type Conn struct {
	sock   Socket
	logger *slog.Logger

	mu           sync.Mutex
	pending      map[string]chan rpcResult
	eventWaiters map[string][]chan json.RawMessage
	eventCache   map[string]json.RawMessage
	closed       bool

	cancelRead context.CancelFunc
	readDone   chan struct{}
}

func NewConn(sock Socket, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = logging.Nop()
	}
	readCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		sock:         sock,
		logger:       logger,
		pending:      map[string]chan rpcResult{},
		eventWaiters: map[string][]chan json.RawMessage{},
		eventCache:   map[string]json.RawMessage{},
		cancelRead:   cancel,
		readDone:     make(chan struct{}),
	}
	go c.readLoop(readCtx)
	return c
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.readDone)
	for {
		text, err := c.sock.ReadText(ctx)
		if err != nil {
			c.failAll(fmt.Errorf("%w: %v", ErrConnClosed, err))
			return
		}
		c.dispatch(text)
	}
}

// dispatch routes one inbound frame. Malformed frames are dropped; a response
// with no pending entry (timed out, or a duplicate) is ignored.
func (c *Conn) dispatch(text string) {
	var frame Frame
	if err := json.Unmarshal([]byte(text), &frame); err != nil {
		c.logger.Debug("dropping malformed gateway frame", "err", err)
		return
	}

	switch frame.Type {
	case "event":
		c.deliverEvent(frame.Event, frame.Payload)
	case "res":
		c.mu.Lock()
		ch, ok := c.pending[frame.ID]
		if ok {
			delete(c.pending, frame.ID)
		}
		c.mu.Unlock()
		if !ok {
			return
		}
		if frame.OK {
			ch <- rpcResult{payload: frame.Payload}
			return
		}
		msg := "gateway rpc request failed"
		if frame.Error != nil && frame.Error.Message != "" {
			msg = frame.Error.Message
		}
		ch <- rpcResult{err: errors.New(msg)}
	}
}

func (c *Conn) deliverEvent(event string, payload json.RawMessage) {
	if event == "" {
		return
	}
	c.mu.Lock()
	// Cache the payload so a waiter that registers after arrival still sees
	// it; the server may push connect.challenge before we start waiting.
	c.eventCache[event] = payload
	waiters := c.eventWaiters[event]
	delete(c.eventWaiters, event)
	c.mu.Unlock()
	for _, w := range waiters {
		w <- payload
	}
}

// WaitEvent blocks until the named event arrives, the wait elapses, or the
// connection closes. The waiter is one-shot: it is removed on any outcome.
func (c *Conn) WaitEvent(ctx context.Context, event string, wait time.Duration) (json.RawMessage, bool) {
	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	if payload, ok := c.eventCache[event]; ok {
		c.mu.Unlock()
		return payload, true
	}
	if c.closed {
		c.mu.Unlock()
		return nil, false
	}
	c.eventWaiters[event] = append(c.eventWaiters[event], ch)
	c.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case payload := <-ch:
		return payload, true
	case <-timer.C:
	case <-ctx.Done():
	case <-c.readDone:
	}
	c.removeEventWaiter(event, ch)
	// The event may have raced the timer; prefer delivery.
	select {
	case payload := <-ch:
		return payload, true
	default:
		return nil, false
	}
}

func (c *Conn) removeEventWaiter(event string, ch chan json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.eventWaiters[event]
	for i, w := range waiters {
		if w == ch {
			c.eventWaiters[event] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(c.eventWaiters[event]) == 0 {
		delete(c.eventWaiters, event)
	}
}

// Request sends one RPC and blocks for its correlated response. Concurrent
// requests on the same connection are legal and resolve independently.
func (c *Conn) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}

	id := uuid.NewString()
	ch := make(chan rpcResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	frame, err := json.Marshal(Frame{Type: "req", ID: id, Method: method, Params: raw})
	if err != nil {
		c.dropPending(id)
		return nil, err
	}
	if err := c.sock.WriteText(ctx, string(frame)); err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.payload, nil
	case <-timer.C:
		c.dropPending(id)
		return nil, fmt.Errorf("%w calling %s", ErrRPCTimeout, method)
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

func (c *Conn) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = map[string]chan rpcResult{}
	c.eventWaiters = map[string][]chan json.RawMessage{}
	c.closed = true
	c.mu.Unlock()

	// Event waiters observe closure through readDone.
	for _, ch := range pending {
		ch <- rpcResult{err: err}
	}
}

// Close releases the socket and fails every still-pending request with
// ErrConnClosed. Safe to call from any exit path, more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	c.cancelRead()
	_ = c.sock.Close()
	if !alreadyClosed {
		<-c.readDone
	}
}
