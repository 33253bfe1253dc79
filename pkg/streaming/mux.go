// Package streaming multiplexes per-invocation frame channels onto a single
// outbound connection. Each invocation gets an ordered, unidirectional
// channel of progress frames followed by exactly one terminal frame;
// channels are independent and interleaving never corrupts per-channel
// order. When the consumer lags, intermediate progress frames are coalesced
// (latest wins); terminal frames are never dropped.
package streaming

import (
	"context"
	"errors"
	"sync"

	"github.com/easel-ai/easel-engine/pkg/models"
)

// ErrMuxClosed is returned when opening a channel on a finished or
// disconnected mux.
var ErrMuxClosed = errors.New("stream closed")

// Channel is the producer side of one invocation's frame sequence.
type Channel struct {
	mux             *Mux
	id              string
	cancel          context.CancelFunc
	pendingProgress *models.Frame
	terminal        *models.Frame
	delivered       bool
}

// Mux fans frames from many invocation channels into one ordered outbound
// stream. One dispatcher goroutine serializes delivery; per-channel FIFO is
// preserved because each channel holds at most one pending progress frame
// (latest wins) which is always flushed before its terminal frame.
type Mux struct {
	mu       sync.Mutex
	cond     *sync.Cond
	channels map[string]*Channel
	order    []string

	out      chan models.Frame
	done     chan struct{}
	finished bool
	closed   bool
}

// NewMux creates a mux and starts its dispatcher.
func NewMux() *Mux {
	m := &Mux{
		channels: make(map[string]*Channel),
		out:      make(chan models.Frame),
		done:     make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	go m.run()
	return m
}

// Frames returns the outbound stream. It is closed when every open channel
// has delivered its terminal frame and Finish was called, or when the mux
// is closed by the consumer side.
func (m *Mux) Frames() <-chan models.Frame {
	return m.out
}

// Open registers a channel for an invocation. The cancel function is
// invoked if the consumer disconnects before the channel's terminal frame
// is delivered, propagating cancellation to the invocation.
func (m *Mux) Open(invocationID string, cancel context.CancelFunc) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.finished {
		return nil, ErrMuxClosed
	}
	if _, exists := m.channels[invocationID]; exists {
		return nil, errors.New("invocation channel already open")
	}
	ch := &Channel{mux: m, id: invocationID, cancel: cancel}
	m.channels[invocationID] = ch
	m.order = append(m.order, invocationID)
	return ch, nil
}

// Progress queues a progress frame. If an earlier progress frame is still
// pending it is replaced; the consumer only ever needs the latest
// percentage. Progress after the terminal frame is ignored.
func (c *Channel) Progress(progress int) {
	c.mux.mu.Lock()
	defer c.mux.mu.Unlock()
	if c.terminal != nil || c.delivered || c.mux.closed {
		return
	}
	f := models.NewProgressFrame(c.id, progress)
	c.pendingProgress = &f
	c.mux.cond.Broadcast()
}

// Terminal queues the channel's single terminal frame. Subsequent calls
// are ignored.
func (c *Channel) Terminal(frame models.Frame) {
	c.mux.mu.Lock()
	defer c.mux.mu.Unlock()
	if c.terminal != nil || c.delivered {
		return
	}
	c.terminal = &frame
	c.mux.cond.Broadcast()
}

// Finish marks the producer side complete: once every open channel has
// delivered its terminal frame, the outbound stream is closed.
func (m *Mux) Finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = true
	m.cond.Broadcast()
}

// Close tears the mux down from the consumer side (disconnect). Every open
// invocation's cancel function is invoked; undelivered frames are dropped,
// which is safe because no consumer remains to observe them.
func (m *Mux) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var cancels []context.CancelFunc
	for _, ch := range m.channels {
		if !ch.delivered && ch.cancel != nil {
			cancels = append(cancels, ch.cancel)
		}
	}
	m.cond.Broadcast()
	m.mu.Unlock()

	close(m.done)
	for _, cancel := range cancels {
		cancel()
	}
}

// run is the dispatcher: it pops one frame at a time and delivers it,
// blocking on the consumer. Coalescing happens naturally while a send
// blocks, because newer progress overwrites the pending slot under the
// lock.
func (m *Mux) run() {
	for {
		m.mu.Lock()
		var frame *models.Frame
		var ch *Channel
		for {
			if m.closed {
				m.mu.Unlock()
				close(m.out)
				return
			}
			frame, ch = m.next()
			if frame != nil {
				break
			}
			if m.finished && m.allDelivered() {
				m.mu.Unlock()
				close(m.out)
				return
			}
			m.cond.Wait()
		}
		if frame.Terminal() {
			ch.delivered = true
		}
		m.mu.Unlock()

		select {
		case m.out <- *frame:
		case <-m.done:
			close(m.out)
			return
		}
	}
}

// next pops the next deliverable frame, preserving per-channel order:
// a pending progress frame always precedes the channel's terminal frame.
// Caller holds the lock.
func (m *Mux) next() (*models.Frame, *Channel) {
	for _, id := range m.order {
		ch := m.channels[id]
		if ch.delivered {
			continue
		}
		if ch.pendingProgress != nil {
			f := ch.pendingProgress
			ch.pendingProgress = nil
			return f, ch
		}
		if ch.terminal != nil {
			return ch.terminal, ch
		}
	}
	return nil, nil
}

// allDelivered reports whether every open channel reached its terminal
// frame. Caller holds the lock.
func (m *Mux) allDelivered() bool {
	for _, ch := range m.channels {
		if !ch.delivered {
			return false
		}
	}
	return true
}
