// Package dispatch serializes agent reply delivery to a channel.
//
// Agent runs produce replies of several kinds (tool results, streamed text
// blocks, final replies) from concurrent goroutines. The dispatcher pushes
// them through a single worker so delivery order matches submission order
// across all kinds, regardless of how long any individual send takes.
package dispatch

import (
	"context"
	"sync"
)

// Kind tags a reply for delivery and error reporting.
type Kind string

const (
	KindTool  Kind = "tool"
	KindBlock Kind = "block"
	KindFinal Kind = "final"
)

// DeliverFunc sends one normalized reply to the channel.
type DeliverFunc func(ctx context.Context, text string, kind Kind) error

// Options configures a Dispatcher. Deliver is required.
type Options struct {
	Deliver DeliverFunc

	// OnError receives per-item delivery failures. A failing item never
	// blocks or reorders the items behind it.
	OnError func(err error, kind Kind)

	// OnIdle fires once each time the pending count drains to zero.
	OnIdle func()

	// OnReplyStart fires on the delivery worker before the first item of
	// a burst is delivered, so it can never land after the burst's OnIdle.
	OnReplyStart func()

	// ResponsePrefix is prepended to every non-empty reply.
	ResponsePrefix string
}

// QueuedCounts is a point-in-time snapshot of undelivered replies.
type QueuedCounts struct {
	Tool    int
	Block   int
	Final   int
	Pending int
}

type item struct {
	text string
	kind Kind
}

// Dispatcher owns a single delivery worker. Send methods return false when
// normalization discards the payload; accepted payloads are delivered in
// strict submission order.
type Dispatcher struct {
	opts Options

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []item
	counts   map[Kind]int
	pending  int
	inBurst  bool
	busyDone chan struct{}
	closed   bool
	done     chan struct{}
}

// New starts the delivery worker and returns the dispatcher.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		opts:   opts,
		counts: make(map[Kind]int),
		done:   make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.worker()
	return d
}

// NewWithTyping wires a TypingController into the idle/start hooks so the
// indicator tracks actual delivery progress: start on the first queued
// reply, stop when the queue drains.
func NewWithTyping(opts Options, tc TypingController) *Dispatcher {
	userStart := opts.OnReplyStart
	userIdle := opts.OnIdle
	opts.OnReplyStart = func() {
		tc.Start()
		if userStart != nil {
			userStart()
		}
	}
	opts.OnIdle = func() {
		tc.Stop()
		if userIdle != nil {
			userIdle()
		}
	}
	return New(opts)
}

// TypingController drives a channel's typing indicator.
type TypingController interface {
	Start()
	Stop()
}

// SendToolResult queues a tool result reply.
func (d *Dispatcher) SendToolResult(text string) bool { return d.send(text, KindTool) }

// SendBlockReply queues a streamed text block.
func (d *Dispatcher) SendBlockReply(text string) bool { return d.send(text, KindBlock) }

// SendFinalReply queues the final reply of a run.
func (d *Dispatcher) SendFinalReply(text string) bool { return d.send(text, KindFinal) }

func (d *Dispatcher) send(text string, kind Kind) bool {
	out, ok := normalize(text, d.opts.ResponsePrefix)
	if !ok {
		return false
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	if d.pending == 0 {
		d.busyDone = make(chan struct{})
	}
	d.pending++
	d.counts[kind]++
	d.queue = append(d.queue, item{text: out, kind: kind})
	d.cond.Signal()
	d.mu.Unlock()
	return true
}

// WaitForIdle blocks until all queued replies have been delivered, or the
// context is cancelled. Returns immediately when nothing is pending.
func (d *Dispatcher) WaitForIdle(ctx context.Context) error {
	d.mu.Lock()
	if d.pending == 0 {
		d.mu.Unlock()
		return nil
	}
	ch := d.busyDone
	d.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueuedCounts reports undelivered replies per kind.
func (d *Dispatcher) QueuedCounts() QueuedCounts {
	d.mu.Lock()
	defer d.mu.Unlock()
	return QueuedCounts{
		Tool:    d.counts[KindTool],
		Block:   d.counts[KindBlock],
		Final:   d.counts[KindFinal],
		Pending: d.pending,
	}
}

// Close drains already-accepted replies, rejects further sends, and stops
// the worker.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) worker() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.closed {
			d.mu.Unlock()
			return
		}
		it := d.queue[0]
		d.queue = d.queue[1:]
		// Burst hooks run on this goroutine only, so OnReplyStart always
		// precedes the first delivery and can never race past OnIdle.
		startBurst := !d.inBurst
		d.inBurst = true
		d.mu.Unlock()

		if startBurst && d.opts.OnReplyStart != nil {
			d.opts.OnReplyStart()
		}

		if err := d.opts.Deliver(context.Background(), it.text, it.kind); err != nil {
			if d.opts.OnError != nil {
				d.opts.OnError(err, it.kind)
			}
		}

		d.mu.Lock()
		d.counts[it.kind]--
		d.pending--
		idle := d.pending == 0
		if idle {
			d.inBurst = false
			close(d.busyDone)
		}
		d.mu.Unlock()

		if idle && d.opts.OnIdle != nil {
			d.opts.OnIdle()
		}
	}
}
