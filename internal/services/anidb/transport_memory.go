package anidb

import (
	"context"
	"sync"
	"time"
)

// ReplyFunc scripts a fake server. It receives each decoded request and
// returns the datagrams to send back, nil for silence.
type ReplyFunc func(name string, params Params) []string

// MemoryTransport is an in-process Transport for tests and dry runs
type MemoryTransport struct {
	mu      sync.Mutex
	handler ReplyFunc
	sent    [][]byte
	inbox   chan []byte
	closed  chan struct{}
	once    sync.Once
}

// NewMemoryTransport creates a transport answered by handler (which may be nil)
func NewMemoryTransport(handler ReplyFunc) *MemoryTransport {
	return &MemoryTransport{
		handler: handler,
		inbox:   make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

// SetHandler replaces the reply script
func (t *MemoryTransport) SetHandler(handler ReplyFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Send records data and queues the scripted replies
func (t *MemoryTransport) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.closed:
		return newError(KindTransportFailure, "send", 0, "transport closed", nil)
	default:
	}

	t.mu.Lock()
	t.sent = append(t.sent, append([]byte(nil), data...))
	handler := t.handler
	t.mu.Unlock()

	if handler == nil {
		return nil
	}
	name, params := ParseRequest(data)
	for _, reply := range handler(name, params) {
		t.Deliver(reply)
	}
	return nil
}

// Deliver injects a datagram as if the server had sent it
func (t *MemoryTransport) Deliver(datagram string) {
	select {
	case t.inbox <- []byte(datagram):
	case <-t.closed:
	}
}

// Receive waits for an injected datagram
func (t *MemoryTransport) Receive(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data := <-t.inbox:
		return data, nil
	case <-t.closed:
		return nil, newError(KindTransportFailure, "receive", 0, "transport closed", nil)
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// Sent returns every datagram written so far
func (t *MemoryTransport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}

// SentCount returns how many datagrams carried the named command
func (t *MemoryTransport) SentCount(command string) int {
	count := 0
	for _, data := range t.Sent() {
		if name, _ := ParseRequest(data); name == command {
			count++
		}
	}
	return count
}

func (t *MemoryTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}
