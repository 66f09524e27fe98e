package gateway

import (
	"context"
	"io"
	"sync"
)

type Socket interface {
	ReadText(ctx context.Context) (string, error)
	WriteText(ctx context.Context, text string) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// FakeSocket is an in-memory Socket for tests: frames pushed with EmitText
// become reads, and everything written is observable via Writes. readCh is
// never closed; closure is signaled through done, so EmitText stays safe to
// call concurrently with Close.
type FakeSocket struct {
	mu     sync.Mutex
	closed bool
	done   chan struct{}
	readCh chan string
	writes chan string
}

func NewFakeSocket() *FakeSocket {
	return &FakeSocket{
		done:   make(chan struct{}),
		readCh: make(chan string, 32),
		writes: make(chan string, 32),
	}
}

func (f *FakeSocket) EmitText(text string) {
	select {
	case f.readCh <- text:
	case <-f.done:
	}
}

func (f *FakeSocket) ReadText(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-f.done:
		return "", io.EOF
	case text := <-f.readCh:
		return text, nil
	}
}

func (f *FakeSocket) WriteText(ctx context.Context, text string) error {
	select {
	case f.writes <- text:
	default:
	}
	return nil
}

// Writes exposes the outbound frames in write order.
func (f *FakeSocket) Writes() <-chan string {
	return f.writes
}

func (f *FakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.done)
	return nil
}

// FakeDialer hands out pre-built sockets in order.
type FakeDialer struct {
	mu      sync.Mutex
	sockets []*FakeSocket
	err     error
}

func NewFakeDialer(sockets ...*FakeSocket) *FakeDialer {
	return &FakeDialer{sockets: sockets}
}

func (d *FakeDialer) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *FakeDialer) Dial(ctx context.Context, url string) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	if len(d.sockets) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	sock := d.sockets[0]
	d.sockets = d.sockets[1:]
	return sock, nil
}
