package anidb

import (
	"strconv"
	"sync"
	"time"
)

// pendingRequest is a request awaiting its tagged reply
type pendingRequest struct {
	tag      string
	command  string
	payload  []byte
	sentAt   time.Time
	attempts int
	deadline time.Time
	reply    chan *Response // Buffered with capacity 1
	fail     chan error     // Buffered with capacity 1
}

// pendingRegistry maps correlation tags to requests. Insert happens before the
// first send, removal when the request returns for any reason.
type pendingRegistry struct {
	mu      sync.Mutex
	counter uint64
	entries map[string]*pendingRequest
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{entries: make(map[string]*pendingRequest)}
}

// open registers a new request under a fresh tag
func (r *pendingRegistry) open(command string) *pendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.counter++
	req := &pendingRequest{
		tag:     "t" + strconv.FormatUint(r.counter, 36),
		command: command,
		reply:   make(chan *Response, 1),
		fail:    make(chan error, 1),
	}
	r.entries[req.tag] = req
	return req
}

func (r *pendingRegistry) remove(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, tag)
}

// resolve hands resp to the request with the matching tag. It returns false
// for unknown tags and for duplicates of an already delivered reply.
func (r *pendingRegistry) resolve(resp *Response) bool {
	r.mu.Lock()
	req, ok := r.entries[resp.Tag]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case req.reply <- resp:
		return true
	default:
		return false
	}
}

// failAll delivers err to every pending request and returns how many were failed
func (r *pendingRegistry) failAll(err error) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, req := range r.entries {
		select {
		case req.fail <- err:
		default:
		}
	}
	return len(r.entries)
}

func (r *pendingRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
