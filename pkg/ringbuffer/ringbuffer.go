// Package ringbuffer implements a fixed-capacity single-writer, multi-reader
// circular buffer. Every reader owns a cursor and reads each value at most once,
// in write order. A slow reader either loses the oldest values (Lossy) or holds
// the writer back (Backpressure).
package ringbuffer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrBufferFull      = errors.New("buffer full")
	ErrWriterAttached  = errors.New("writer already attached")
	ErrNoData          = errors.New("no data available")
	ErrClosed          = errors.New("buffer closed")
	ErrReset           = errors.New("buffer reset")
	ErrInvalidCapacity = errors.New("capacity must be positive")
)

type Policy int

const (
	// Lossy overwrites the oldest value when full and counts a gap when a
	// cursor had not read it yet.
	Lossy Policy = iota
	// Backpressure refuses writes while the slowest cursor is a full buffer behind.
	Backpressure
)

func (p Policy) String() string {
	switch p {
	case Lossy:
		return "lossy"
	case Backpressure:
		return "backpressure"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lossy", "drop_oldest":
		return Lossy, nil
	case "backpressure", "block":
		return Backpressure, nil
	}
	return Lossy, fmt.Errorf("unknown buffer policy %q", s)
}

func (p *Policy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	policy, err := ParsePolicy(s)
	if err != nil {
		return err
	}
	*p = policy
	return nil
}

func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Entry is one value returned by a cursor.
type Entry[T any] struct {
	Value T
	// Seq is the write sequence number of Value, starting at 0 per buffer.
	Seq uint64
	// Missed counts values this cursor lost to overwrites since its last read.
	Missed uint64
}

type Stats struct {
	Capacity       int    `json:"capacity"`
	Size           int    `json:"size"`
	Policy         string `json:"policy"`
	Writes         uint64 `json:"writes"`
	Reads          uint64 `json:"reads"`
	Gaps           uint64 `json:"gaps"`
	FullRejections uint64 `json:"full_rejections"`
	Cursors        int    `json:"cursors"`
	Closed         bool   `json:"closed"`
}

type RingBuffer[T any] struct {
	mu       sync.Mutex
	slots    []T
	capacity uint64
	policy   Policy
	metrics  *Metrics

	// Values with sequence numbers in [tail, head) are present.
	head uint64
	tail uint64

	epoch   uint64
	closed  bool
	writer  *Writer[T]
	cursors map[*Cursor[T]]struct{}

	writerWaiting bool
	notify        chan struct{}

	writes, reads, gaps, full uint64
}

type Option func(*options)

type options struct {
	policy  Policy
	metrics *Metrics
}

func WithPolicy(p Policy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithMetrics reports buffer activity to m. m may be shared by successive
// buffers of the same component.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func New[T any](capacity int, opts ...Option) (*RingBuffer[T], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	o := options{policy: Lossy}
	for _, opt := range opts {
		opt(&o)
	}
	return &RingBuffer[T]{
		slots:    make([]T, capacity),
		capacity: uint64(capacity),
		policy:   o.policy,
		metrics:  o.metrics,
		cursors:  make(map[*Cursor[T]]struct{}),
		notify:   make(chan struct{}),
	}, nil
}

func (rb *RingBuffer[T]) Capacity() int { return int(rb.capacity) }

func (rb *RingBuffer[T]) Policy() Policy { return rb.policy }

// broadcast wakes every goroutine waiting on the buffer. Caller holds mu.
func (rb *RingBuffer[T]) broadcast() {
	close(rb.notify)
	rb.notify = make(chan struct{})
}

// Writer claims the single writer slot.
func (rb *RingBuffer[T]) Writer() (*Writer[T], error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return nil, ErrClosed
	}
	if rb.writer != nil {
		return nil, ErrWriterAttached
	}
	rb.writer = &Writer[T]{rb: rb}
	return rb.writer, nil
}

// NewCursor attaches a reader positioned at the current write position. It
// only sees values written after it was created.
func (rb *RingBuffer[T]) NewCursor() *Cursor[T] {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	c := &Cursor[T]{rb: rb, pos: rb.head, epoch: rb.epoch}
	rb.cursors[c] = struct{}{}
	if rb.metrics != nil {
		rb.metrics.cursors.Inc()
	}
	return c
}

// Reset drops every stored value and invalidates all cursors. It fails while a
// writer is attached.
func (rb *RingBuffer[T]) Reset() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.writer != nil {
		return ErrWriterAttached
	}
	var zero T
	for i := range rb.slots {
		rb.slots[i] = zero
	}
	rb.tail = rb.head
	rb.epoch++
	rb.closed = false
	if rb.metrics != nil {
		rb.metrics.cursors.Sub(float64(len(rb.cursors)))
		rb.metrics.size.Set(0)
	}
	rb.cursors = make(map[*Cursor[T]]struct{})
	rb.broadcast()
	return nil
}

func (rb *RingBuffer[T]) Gaps() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.gaps
}

func (rb *RingBuffer[T]) Stats() Stats {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return Stats{
		Capacity:       int(rb.capacity),
		Size:           int(rb.head - rb.tail),
		Policy:         rb.policy.String(),
		Writes:         rb.writes,
		Reads:          rb.reads,
		Gaps:           rb.gaps,
		FullRejections: rb.full,
		Cursors:        len(rb.cursors),
		Closed:         rb.closed,
	}
}

// slowest returns the smallest cursor position, or head when no cursor is attached.
func (rb *RingBuffer[T]) slowest() uint64 {
	min := rb.head
	for c := range rb.cursors {
		if c.pos < min {
			min = c.pos
		}
	}
	return min
}

// write stores v. When the buffer is full in Backpressure mode it returns
// ErrBufferFull and, if wait is set, the channel signalled by the next read.
func (rb *RingBuffer[T]) write(w *Writer[T], v T, wait bool) (<-chan struct{}, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.writer != w {
		return nil, ErrClosed
	}

	if rb.policy == Backpressure && rb.head-rb.slowest() >= rb.capacity {
		if !wait {
			rb.full++
			if rb.metrics != nil {
				rb.metrics.full.Inc()
			}
			return nil, ErrBufferFull
		}
		rb.writerWaiting = true
		return rb.notify, ErrBufferFull
	}

	if rb.head-rb.tail == rb.capacity {
		// Evict the oldest value. In lossy mode a cursor still pointing at it
		// will observe a gap on its next read.
		if rb.policy == Lossy && rb.slowest() <= rb.tail {
			rb.gaps++
			if rb.metrics != nil {
				rb.metrics.gaps.Inc()
			}
		}
		rb.tail++
	}

	rb.slots[rb.head%rb.capacity] = v
	rb.head++
	rb.writes++
	if rb.metrics != nil {
		rb.metrics.writes.Inc()
		rb.metrics.size.Set(float64(rb.head - rb.tail))
	}
	rb.broadcast()
	return nil, nil
}

// Writer is the handle of the single producer.
type Writer[T any] struct {
	rb *RingBuffer[T]
}

// Write appends v. In Backpressure mode it returns ErrBufferFull instead of
// overwriting unread data; in Lossy mode it never fails while attached.
func (w *Writer[T]) Write(v T) error {
	_, err := w.rb.write(w, v, false)
	return err
}

// WriteContext is Write, but waits for room in Backpressure mode.
func (w *Writer[T]) WriteContext(ctx context.Context, v T) error {
	for {
		notify, err := w.rb.write(w, v, true)
		if !errors.Is(err, ErrBufferFull) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		}
	}
}

// Close releases the writer and ends the stream. Cursors drain what is left
// and then get ErrClosed. Close is idempotent.
func (w *Writer[T]) Close() error {
	rb := w.rb
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.writer != w {
		return nil
	}
	rb.writer = nil
	rb.closed = true
	rb.broadcast()
	return nil
}

// Release detaches the writer without ending the stream, so the buffer can be
// Reset or handed to another writer. Cursors keep waiting.
func (w *Writer[T]) Release() {
	rb := w.rb
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.writer == w {
		rb.writer = nil
	}
}

// Cursor is the read position of one reader.
type Cursor[T any] struct {
	rb     *RingBuffer[T]
	pos    uint64
	epoch  uint64
	closed bool
}

// Read returns the next unread value. It waits up to timeout (forever when
// timeout <= 0) and returns ErrNoData if nothing arrived.
func (c *Cursor[T]) Read(ctx context.Context, timeout time.Duration) (Entry[T], error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	rb := c.rb
	for {
		rb.mu.Lock()
		e, ok, err := c.tryRead()
		notify := rb.notify
		rb.mu.Unlock()
		if ok {
			return e, err
		}

		select {
		case <-ctx.Done():
			return Entry[T]{}, ctx.Err()
		case <-expired:
			return Entry[T]{}, ErrNoData
		case <-notify:
		}
	}
}

// tryRead reports ok=false when the caller should wait. Caller holds rb.mu.
func (c *Cursor[T]) tryRead() (Entry[T], bool, error) {
	rb := c.rb
	if c.closed {
		return Entry[T]{}, true, ErrClosed
	}
	if c.epoch != rb.epoch {
		return Entry[T]{}, true, ErrReset
	}

	var missed uint64
	if c.pos < rb.tail {
		missed = rb.tail - c.pos
		c.pos = rb.tail
	}
	if c.pos < rb.head {
		e := Entry[T]{Value: rb.slots[c.pos%rb.capacity], Seq: c.pos, Missed: missed}
		c.pos++
		rb.reads++
		if rb.metrics != nil {
			rb.metrics.reads.Inc()
		}
		if rb.writerWaiting {
			rb.writerWaiting = false
			rb.broadcast()
		}
		return e, true, nil
	}
	if rb.closed {
		return Entry[T]{}, true, ErrClosed
	}
	return Entry[T]{}, false, nil
}

// Lag is the number of values written but not yet read by this cursor.
func (c *Cursor[T]) Lag() int {
	c.rb.mu.Lock()
	defer c.rb.mu.Unlock()
	if c.closed || c.epoch != c.rb.epoch {
		return 0
	}
	return int(c.rb.head - c.pos)
}

// Close detaches the cursor so it no longer holds back the writer.
func (c *Cursor[T]) Close() {
	rb := c.rb
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if _, ok := rb.cursors[c]; ok {
		delete(rb.cursors, c)
		if rb.metrics != nil {
			rb.metrics.cursors.Dec()
		}
	}
	rb.broadcast()
}
