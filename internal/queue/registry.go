package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("chatmux/queue")

// FollowupRun is one deferred prompt execution. Run carries the owning
// session's execution context (session id, workspace, model, timeout, ...)
// captured at enqueue time; the queue passes it through verbatim.
type FollowupRun struct {
	Prompt     string
	Summary    string // optional pre-built one-line summary; Prompt is elided when empty
	EnqueuedAt time.Time
	Run        any
}

// RunFunc executes one followup. Errors are logged by the drain loop and do
// not stop it.
type RunFunc func(prompt string, runCtx any) error

// InterruptFunc is the session layer's pre-enqueue hook for ModeInterrupt.
// It should abort the in-flight run for the key (if any) and report whether
// it did. The queue itself never cancels anything.
type InterruptFunc func(key string) bool

// queueState is the per-session-key buffer. All fields are guarded by the
// owning Registry's mutex. draining doubles as the at-most-one-run-per-key
// flag: it is true while either a drain goroutine or a direct run owns the
// key.
type queueState struct {
	items          []FollowupRun
	draining       bool
	lastEnqueuedAt time.Time
	settings       Settings
	droppedCount   int
	summaryLines   []string
	lastRun        any
}

func (st *queueState) empty() bool {
	return len(st.items) == 0 && st.droppedCount == 0
}

// Registry owns followup queues keyed by session key. It is created by the
// gateway and passed by handle, so tests get isolated instances and shutdown
// is just dropping the reference.
type Registry struct {
	mu        sync.Mutex
	states    map[string]*queueState
	clock     clockwork.Clock
	interrupt InterruptFunc
}

// NewRegistry creates an empty registry using the real clock.
func NewRegistry() *Registry {
	return NewRegistryWithClock(clockwork.NewRealClock())
}

// NewRegistryWithClock creates a registry with an injected clock. Tests use
// clockwork fake clocks to drive debounce waits deterministically.
func NewRegistryWithClock(clock clockwork.Clock) *Registry {
	return &Registry{
		states: make(map[string]*queueState),
		clock:  clock,
	}
}

// SetInterrupt installs the session layer's abort hook for ModeInterrupt.
func (r *Registry) SetInterrupt(fn InterruptFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interrupt = fn
}

// Submit is the gateway entry point: if the key is idle the run starts
// immediately on its own goroutine; otherwise it is enqueued behind the
// active run and a drain is (re)scheduled. Returns false only when the
// queue is full and the drop policy rejects new items.
func (r *Registry) Submit(key string, run FollowupRun, settings Settings, runFn RunFunc) bool {
	if settings.Mode == ModeInterrupt {
		r.mu.Lock()
		fn := r.interrupt
		r.mu.Unlock()
		if fn != nil && fn(key) {
			slog.Info("queue: interrupted in-flight run", "session", key)
		}
	}

	r.mu.Lock()
	st := r.states[key]
	// The immediate path requires a truly idle key: no active run AND no
	// buffered items. A non-draining state can still hold items in the gap
	// between a run ending and its re-scheduled drain starting; a new run
	// must queue behind them, not jump ahead.
	if st == nil || (st.empty() && !st.draining) {
		if st == nil {
			st = &queueState{}
			r.states[key] = st
		}
		st.settings = settings
		st.draining = true
		st.lastEnqueuedAt = r.clock.Now()
		st.lastRun = run.Run
		r.mu.Unlock()

		go func() {
			if err := tracedRun(key, "queue.run", settings.Mode, runFn, run.Prompt, run.Run); err != nil {
				slog.Error("queue: run failed", "session", key, "error", err)
			}
			r.release(key, runFn)
		}()
		return true
	}
	r.mu.Unlock()

	accepted := r.Enqueue(key, run, settings)
	if accepted {
		r.ScheduleDrain(key, runFn)
	}
	return accepted
}

// release ends a direct run: the key goes idle, or a drain loop takes over
// anything that arrived while the run was executing.
func (r *Registry) release(key string, runFn RunFunc) {
	r.mu.Lock()
	st := r.states[key]
	if st == nil {
		r.mu.Unlock()
		return
	}
	st.draining = false
	if st.empty() {
		delete(r.states, key)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.ScheduleDrain(key, runFn)
}

// Enqueue buffers a followup for key, refreshing the queue's policy from
// settings (a queue's mode/debounce/cap can change between enqueues).
// Returns false when the queue is at capacity and DropPolicy is DropNew.
func (r *Registry) Enqueue(key string, run FollowupRun, settings Settings) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.states[key]
	if st == nil {
		st = &queueState{}
		r.states[key] = st
	}
	st.settings = settings
	st.lastEnqueuedAt = r.clock.Now()
	if run.EnqueuedAt.IsZero() {
		run.EnqueuedAt = st.lastEnqueuedAt
	}
	st.lastRun = run.Run

	if len(st.items) >= st.settings.Cap {
		if st.settings.DropPolicy == DropNew {
			return false
		}
		dropCount := len(st.items) - st.settings.Cap + 1
		dropped := st.items[:dropCount]
		st.items = append([]FollowupRun(nil), st.items[dropCount:]...)

		// Both eviction policies keep user-visible accounting of what was
		// lost; only DropNew (handled above) discards without trace.
		for _, d := range dropped {
			st.droppedCount++
			line := d.Summary
			if line == "" {
				line = d.Prompt
			}
			st.summaryLines = append(st.summaryLines, elideLine(line, summaryLineMax))
		}
		if excess := len(st.summaryLines) - st.settings.Cap; excess > 0 {
			st.summaryLines = append([]string(nil), st.summaryLines[excess:]...)
		}
		slog.Debug("queue: dropped items at cap",
			"session", key, "dropped", dropCount, "policy", st.settings.DropPolicy)
	}

	st.items = append(st.items, run)
	return true
}

// ScheduleDrain starts the drain loop for key unless one is already active.
// Fire-and-forget and idempotent.
func (r *Registry) ScheduleDrain(key string, runFn RunFunc) {
	r.mu.Lock()
	st := r.states[key]
	if st == nil || st.draining {
		r.mu.Unlock()
		return
	}
	st.draining = true
	r.mu.Unlock()

	go r.drainLoop(key, runFn)
}

// drainLoop owns the key until its queue is fully empty. One iteration =
// one followup run (or one coalesced batch). The trailing debounce is
// recomputed against lastEnqueuedAt each pass, so a burst of enqueues keeps
// pushing the wait out.
func (r *Registry) drainLoop(key string, runFn RunFunc) {
	for {
		r.mu.Lock()
		st := r.states[key]
		if st == nil {
			r.mu.Unlock()
			return
		}
		if st.empty() {
			st.draining = false
			delete(r.states, key)
			r.mu.Unlock()
			return
		}

		if elapsed := r.clock.Since(st.lastEnqueuedAt); elapsed < st.settings.Debounce {
			wait := st.settings.Debounce - elapsed
			r.mu.Unlock()
			<-r.clock.After(wait)
			continue
		}

		var prompt string
		var runCtx any
		mode := st.settings.Mode
		switch {
		case st.settings.Mode == ModeCollect && len(st.items) > 0:
			items := st.items
			st.items = nil
			prompt = buildCollectPrompt(items, st.droppedCount, st.summaryLines)
			runCtx = items[len(items)-1].Run
			if runCtx == nil {
				runCtx = st.lastRun
			}
			st.droppedCount = 0
			st.summaryLines = nil

		case st.droppedCount > 0:
			prompt = buildDropNotice(st.droppedCount, st.summaryLines)
			runCtx = st.lastRun
			st.droppedCount = 0
			st.summaryLines = nil

		default:
			item := st.items[0]
			st.items = append([]FollowupRun(nil), st.items[1:]...)
			prompt = item.Prompt
			runCtx = item.Run
		}
		r.mu.Unlock()

		if err := tracedRun(key, "queue.drain", mode, runFn, prompt, runCtx); err != nil {
			slog.Error("queue: followup run failed", "session", key, "error", err)
		}
	}
}

// tracedRun wraps one runFn invocation in a span covering its full duration.
func tracedRun(key, spanName string, mode Mode, runFn RunFunc, prompt string, runCtx any) error {
	_, span := tracer.Start(context.Background(), spanName, trace.WithAttributes(
		attribute.String("session.key", key),
		attribute.String("queue.mode", string(mode)),
	))
	defer span.End()

	err := runFn(prompt, runCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Snapshot is a point-in-time view of one queue, for introspection and
// tests.
type Snapshot struct {
	Items        int
	Dropped      int
	SummaryLines []string
	Draining     bool
	Mode         Mode
}

// Snapshot returns the state for key; ok is false when no queue exists.
func (r *Registry) Snapshot(key string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[key]
	if st == nil {
		return Snapshot{}, false
	}
	return Snapshot{
		Items:        len(st.items),
		Dropped:      st.droppedCount,
		SummaryLines: append([]string(nil), st.summaryLines...),
		Draining:     st.draining,
		Mode:         st.settings.Mode,
	}, true
}

// Len returns the number of live session queues.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

const summaryLineMax = 160

// elideLine collapses text to a single line of at most max characters,
// cutting on rune boundaries so multi-byte text never ends up split.
func elideLine(text string, max int) string {
	line := strings.Join(strings.Fields(text), " ")
	runes := []rune(line)
	if len(runes) <= max {
		return line
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

// buildCollectPrompt coalesces every queued item into one combined run
// prompt: header, pending drop-summary block, then each item in order.
func buildCollectPrompt(items []FollowupRun, dropped int, summaryLines []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d message(s) arrived while the previous run was in progress. Handle them together:\n", len(items))
	if dropped > 0 {
		b.WriteString("\n")
		b.WriteString(buildDropNotice(dropped, summaryLines))
		b.WriteString("\n")
	}
	for i, item := range items {
		fmt.Fprintf(&b, "\n--- Queued #%d\n%s", i+1, item.Prompt)
	}
	return b.String()
}

// buildDropNotice renders the accumulated drop accounting as a prompt block.
func buildDropNotice(dropped int, summaryLines []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d queued message(s) were dropped because the queue was full:]", dropped)
	for _, line := range summaryLines {
		b.WriteString("\n- ")
		b.WriteString(line)
	}
	return b.String()
}
