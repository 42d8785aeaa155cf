package signal

import (
	"context"
	"sync"
)

// Transport is one registered endpoint on a signaling network.
type Transport interface {
	// Register claims an endpoint ID and returns it.
	Register(ctx context.Context) (string, error)
	Send(ctx context.Context, msg Message) error
	// Subscribe returns inbound messages. The channel closes when the
	// transport closes.
	Subscribe() (<-chan Message, func())
	Close() error
}

// Fanout delivers inbound messages to subscribers without blocking the
// reader; a full subscriber drops the message.
type Fanout struct {
	mu     sync.Mutex
	subs   map[chan Message]struct{}
	closed bool
}

func NewFanout() *Fanout {
	return &Fanout{subs: map[chan Message]struct{}{}}
}

func (f *Fanout) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, 64)
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
	}
}

func (f *Fanout) Publish(m Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	delivered := false
	for ch := range f.subs {
		select {
		case ch <- m:
			delivered = true
		default:
		}
	}
	return delivered
}

// Close closes every subscriber channel. Later subscribers get a closed
// channel.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.subs {
		close(ch)
	}
	f.subs = nil
}
