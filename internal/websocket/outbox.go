package websocket

import (
	"errors"
	"fmt"
	"sync"
)

// OverflowPolicy decides what a full outbox does with a new frame.
type OverflowPolicy int

const (
	// DropOldest discards the oldest queued frame to make room.
	DropOldest OverflowPolicy = iota
	// Disconnect rejects the frame; the caller closes the session.
	Disconnect
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case Disconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
}

// ParseOverflowPolicy maps a config value to a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "drop_oldest":
		return DropOldest, nil
	case "disconnect":
		return Disconnect, nil
	default:
		return DropOldest, fmt.Errorf("unknown overflow policy %q", s)
	}
}

var (
	ErrOutboxClosed = errors.New("outbox closed")
	ErrOutboxFull   = errors.New("outbox full")
)

// Outbox is a bounded FIFO of encoded frames waiting for the write pump.
// Push never blocks.
type Outbox struct {
	mu      sync.Mutex
	frames  [][]byte
	limit   int
	policy  OverflowPolicy
	closed  bool
	dropped uint64
	ready   chan struct{}
}

// NewOutbox creates an outbox holding at most limit frames.
func NewOutbox(limit int, policy OverflowPolicy) *Outbox {
	if limit < 1 {
		limit = 1
	}
	return &Outbox{
		frames: make([][]byte, 0, min(limit, 64)),
		limit:  limit,
		policy: policy,
		ready:  make(chan struct{}, 1),
	}
}

// Push appends a frame. With DropOldest a full outbox evicts its head and
// reports evicted=true; with Disconnect it returns ErrOutboxFull.
func (o *Outbox) Push(frame []byte) (evicted bool, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		o.dropped++
		return false, ErrOutboxClosed
	}

	if len(o.frames) >= o.limit {
		if o.policy == Disconnect {
			o.dropped++
			return false, ErrOutboxFull
		}
		o.frames[0] = nil
		o.frames = o.frames[1:]
		o.dropped++
		evicted = true
	}

	o.frames = append(o.frames, frame)
	o.signal()
	return evicted, nil
}

func (o *Outbox) signal() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled whenever frames are queued or the outbox closes.
func (o *Outbox) Ready() <-chan struct{} {
	return o.ready
}

// Drain removes and returns every queued frame in order. closed reports
// whether the outbox has been closed; once closed, Drain returns no frames.
func (o *Outbox) Drain() (frames [][]byte, closed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, true
	}
	frames = o.frames
	o.frames = make([][]byte, 0, min(o.limit, 64))
	return frames, false
}

// Close abandons queued frames and rejects later pushes.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true
	o.frames = nil
	o.signal()
}

// Len returns the number of queued frames.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

// Dropped returns how many frames were evicted or rejected.
func (o *Outbox) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
