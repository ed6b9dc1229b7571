// Package transmission implements the bounded, many-to-many typed channel
// used between treatments: batching, fan-out, and end-of-stream
// propagation, per spec.md §4.4.
//
// A ReceiveTransmitter owns an unbounded queue of value batches. A
// SendTransmitter holds a list of receive transmitters; connecting a send
// to a receive attaches the receiver to that list. The soft buffer limit
// inside each send transmitter (~1 MiB) is the sole in-process
// back-pressure mechanism (spec.md §5).
package transmission

import (
	"context"
	"errors"
	"sync"

	"github.com/melodium-lang/melodium/dtype"
	"github.com/melodium-lang/melodium/value"
)

// Batch is a contiguous run of values delivered together.
type Batch []value.Value

// clone returns an independent copy of the batch, since each attached
// receiver gets its own clone of a flushed buffer.
func (b Batch) clone() Batch {
	out := make(Batch, len(b))
	copy(out, b)
	return out
}

// softLimitBytes is the approximate send-buffer flush threshold (spec.md
// §4.4: "one megabyte worth of samples").
const softLimitBytes = 1 << 20

// ErrNoReceiver is returned by Send/SendMultiple when no receiver has ever
// been attached to the sender.
var ErrNoReceiver = errors.New("transmission: no receiver attached")

// ErrEverythingClosed is returned by Send/SendMultiple when every attached
// receiver has dropped its read side.
var ErrEverythingClosed = errors.New("transmission: every receiver closed")

// ErrEndOfStream is returned by RecvOne/RecvMany once every sender
// attached to a receiver has closed and the queue has drained.
var ErrEndOfStream = errors.New("transmission: end of stream")

// ReceiveTransmitter is the consumer side of a transmission link. Zero
// value is not usable; construct with NewReceiveTransmitter.
type ReceiveTransmitter struct {
	mu          sync.Mutex
	cond        *sync.Cond
	queue       []Batch
	liveSenders int
	dropped     bool // consumer called Close
}

// NewReceiveTransmitter creates an empty receive transmitter.
func NewReceiveTransmitter() *ReceiveTransmitter {
	r := &ReceiveTransmitter{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// push is called by an attached SendTransmitter to deliver a flushed
// batch. It is a no-op if the consumer has already dropped this receiver
// (spec.md §5: "closing a receiver's read side causes all sends to it to
// become no-ops").
func (r *ReceiveTransmitter) push(b Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dropped || len(b) == 0 {
		return
	}
	r.queue = append(r.queue, b)
	r.cond.Broadcast()
}

// attachSender registers that one more live sender targets this receiver,
// for end-of-stream fan-in accounting.
func (r *ReceiveTransmitter) attachSender() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.liveSenders++
}

// detachSender records that an attached sender has closed. Once every
// attached sender has closed and the queue is empty, RecvOne/RecvMany
// return ErrEndOfStream.
func (r *ReceiveTransmitter) detachSender() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.liveSenders--
	r.cond.Broadcast()
}

// waitLocked blocks until either the queue is non-empty, the stream has
// ended, the receiver has been dropped by its own consumer, or ctx is
// done. Must be called with r.mu held; returns with r.mu held.
func (r *ReceiveTransmitter) waitLocked(ctx context.Context) error {
	for len(r.queue) == 0 && r.liveSenders > 0 && !r.dropped {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stop := context.AfterFunc(ctx, func() {
			r.mu.Lock()
			r.cond.Broadcast()
			r.mu.Unlock()
		})
		r.cond.Wait()
		stop()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// RecvMany returns the next full batch, blocking until one is available,
// the stream ends, or ctx is cancelled.
func (r *ReceiveTransmitter) RecvMany(ctx context.Context) (Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.waitLocked(ctx); err != nil {
		return nil, err
	}
	if len(r.queue) == 0 {
		return nil, ErrEndOfStream
	}
	b := r.queue[0]
	r.queue = r.queue[1:]
	return b, nil
}

// recvState tracks an in-progress batch being drained one value at a time
// by RecvOne.
type recvState struct {
	batch Batch
	pos   int
}

// RecvOne returns the next single value, transparently pulling a new
// batch via RecvMany when the current one is exhausted.
func (r *ReceiveTransmitter) RecvOne(ctx context.Context, state *recvState) (value.Value, *recvState, error) {
	if state == nil {
		state = &recvState{}
	}
	for state.pos >= len(state.batch) {
		b, err := r.RecvMany(ctx)
		if err != nil {
			return value.Void, state, err
		}
		state.batch = b
		state.pos = 0
	}
	v := state.batch[state.pos]
	state.pos++
	return v, state, nil
}

// Close drops the consumer's read side. Attached senders observe this as
// a silently-dropped receiver: their sends become no-ops against it, and
// once every one of a sender's receivers is dropped the sender reports
// ErrEverythingClosed.
func (r *ReceiveTransmitter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = true
	r.cond.Broadcast()
}

// isDropped reports whether the consumer has closed this receiver.
func (r *ReceiveTransmitter) isDropped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// SendTransmitter is the producer side of a transmission link. Zero value
// is not usable; construct with NewSendTransmitter.
type SendTransmitter struct {
	mu          sync.Mutex
	receivers   []*ReceiveTransmitter
	buffer      Batch
	bufferBytes int
	closed      bool
}

// NewSendTransmitter creates an empty send transmitter.
func NewSendTransmitter() *SendTransmitter {
	return &SendTransmitter{}
}

// Attach connects this sender to a receiver: the receiver's sender clone
// is pushed onto the send list, per spec.md §4.4.
func (s *SendTransmitter) Attach(r *ReceiveTransmitter) {
	s.mu.Lock()
	s.receivers = append(s.receivers, r)
	s.mu.Unlock()
	r.attachSender()
}

func (s *SendTransmitter) allReceiversDroppedLocked() bool {
	if len(s.receivers) == 0 {
		return false
	}
	for _, r := range s.receivers {
		if !r.isDropped() {
			return false
		}
	}
	return true
}

// Send appends a value to the internal buffer, flushing to every attached
// receiver once the soft limit is reached.
func (s *SendTransmitter) Send(v value.Value) error {
	return s.SendMultiple(Batch{v})
}

// SendMultiple extends the internal buffer with a batch, flushing to every
// attached receiver once the soft limit is reached.
func (s *SendTransmitter) SendMultiple(batch Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrEverythingClosed
	}
	if len(s.receivers) == 0 {
		return ErrNoReceiver
	}
	if s.allReceiversDroppedLocked() {
		return ErrEverythingClosed
	}

	s.buffer = append(s.buffer, batch...)
	for _, v := range batch {
		s.bufferBytes += approxSize(v)
	}
	if s.bufferBytes >= softLimitBytes {
		s.flushLocked()
	}
	return nil
}

// flushLocked delivers the current buffer to every still-live receiver and
// resets it. Must be called with s.mu held.
func (s *SendTransmitter) flushLocked() {
	if len(s.buffer) == 0 {
		return
	}
	for _, r := range s.receivers {
		r.push(s.buffer.clone())
	}
	s.buffer = nil
	s.bufferBytes = 0
}

// Flush forces delivery of the current buffer without waiting for the
// soft limit or for Close. Nothing in the world package calls it.
func (s *SendTransmitter) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

// Close flushes the remaining buffer and drops every sender clone,
// causing every attached receiver to observe end-of-stream once its other
// senders (if any) have also closed.
func (s *SendTransmitter) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.flushLocked()
	s.closed = true
	for _, r := range s.receivers {
		r.detachSender()
	}
}

// approxSize estimates a value's footprint in bytes for back-pressure
// accounting. It is deliberately coarse: the soft limit is a heuristic,
// not an exact memory bound.
func approxSize(v value.Value) int {
	switch v.Kind() {
	case dtype.String:
		s, _ := v.ToString()
		return len(s) + 16
	case dtype.Vec:
		elems, _ := v.AsVec()
		total := 16
		for _, e := range elems {
			total += approxSize(e)
		}
		return total
	case dtype.Option:
		if inner, has := v.AsOption(); has {
			return 8 + approxSize(inner)
		}
		return 8
	default:
		return 16
	}
}
