package queue

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
)

// runRecorder collects drained prompts in order.
type runRecorder struct {
	mu      sync.Mutex
	prompts []string
	done    chan string
}

func newRunRecorder() *runRecorder {
	return &runRecorder{done: make(chan string, 32)}
}

func (rr *runRecorder) run(prompt string, _ any) error {
	rr.mu.Lock()
	rr.prompts = append(rr.prompts, prompt)
	rr.mu.Unlock()
	rr.done <- prompt
	return nil
}

func (rr *runRecorder) wait(t *testing.T) string {
	t.Helper()
	select {
	case p := <-rr.done:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for followup run")
		return ""
	}
}

func (rr *runRecorder) expectNoRun(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case p := <-rr.done:
		t.Fatalf("unexpected followup run: %q", p)
	case <-time.After(within):
	}
}

func waitForEmpty(t *testing.T, r *Registry) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.Len() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("registry not empty after drain: %d queues live", r.Len())
}

func followupSettings(cap int, policy DropPolicy) Settings {
	return Settings{Mode: ModeFollowup, Debounce: 0, Cap: cap, DropPolicy: policy}
}

func TestEnqueueRejectsNewAtCap(t *testing.T) {
	r := NewRegistry()
	s := followupSettings(2, DropNew)

	for i := 0; i < 2; i++ {
		if !r.Enqueue("k", FollowupRun{Prompt: fmt.Sprintf("m%d", i)}, s) {
			t.Fatalf("enqueue %d rejected below cap", i)
		}
	}
	if r.Enqueue("k", FollowupRun{Prompt: "overflow"}, s) {
		t.Fatal("enqueue accepted at cap with DropNew")
	}

	snap, ok := r.Snapshot("k")
	if !ok {
		t.Fatal("no queue state for key")
	}
	if snap.Items != 2 || snap.Dropped != 0 {
		t.Fatalf("queue changed by rejected enqueue: items=%d dropped=%d", snap.Items, snap.Dropped)
	}
}

func TestEnqueueDropsOldestWithAccounting(t *testing.T) {
	r := NewRegistry()
	s := followupSettings(2, DropOld)

	for _, p := range []string{"A", "B", "C"} {
		if !r.Enqueue("k", FollowupRun{Prompt: p}, s) {
			t.Fatalf("enqueue %q rejected", p)
		}
	}

	snap, _ := r.Snapshot("k")
	if snap.Items != 2 {
		t.Fatalf("items = %d, want 2", snap.Items)
	}
	if snap.Dropped != 1 {
		t.Fatalf("dropped = %d, want 1", snap.Dropped)
	}
	if len(snap.SummaryLines) != 1 || snap.SummaryLines[0] != "A" {
		t.Fatalf("summary lines = %v, want [A]", snap.SummaryLines)
	}
}

func TestSummaryLinesBoundedByCap(t *testing.T) {
	r := NewRegistry()
	s := followupSettings(2, DropSummarize)

	for i := 0; i < 10; i++ {
		r.Enqueue("k", FollowupRun{Prompt: fmt.Sprintf("msg-%d", i)}, s)
	}

	snap, _ := r.Snapshot("k")
	if len(snap.SummaryLines) > s.Cap {
		t.Fatalf("summaryLines length %d exceeds cap %d", len(snap.SummaryLines), s.Cap)
	}
	if snap.Dropped != 8 {
		t.Fatalf("dropped = %d, want 8", snap.Dropped)
	}
}

func TestSummaryLineElided(t *testing.T) {
	r := NewRegistry()
	s := followupSettings(1, DropSummarize)

	long := strings.Repeat("word ", 100)
	r.Enqueue("k", FollowupRun{Prompt: long}, s)
	r.Enqueue("k", FollowupRun{Prompt: "next"}, s)

	snap, _ := r.Snapshot("k")
	if len(snap.SummaryLines) != 1 {
		t.Fatalf("summary lines = %d, want 1", len(snap.SummaryLines))
	}
	if got := len(snap.SummaryLines[0]); got > 160 {
		t.Fatalf("summary line length %d exceeds 160", got)
	}
	if strings.ContainsAny(snap.SummaryLines[0], "\n") {
		t.Fatal("summary line contains a newline")
	}
}

func TestSummaryLineElisionKeepsValidUTF8(t *testing.T) {
	r := NewRegistry()
	s := followupSettings(1, DropSummarize)

	long := strings.Repeat("héllo wörld ", 40)
	r.Enqueue("k", FollowupRun{Prompt: long}, s)
	r.Enqueue("k", FollowupRun{Prompt: "next"}, s)

	snap, _ := r.Snapshot("k")
	if len(snap.SummaryLines) != 1 {
		t.Fatalf("summary lines = %d, want 1", len(snap.SummaryLines))
	}
	line := snap.SummaryLines[0]
	if !utf8.ValidString(line) {
		t.Fatalf("summary line is not valid UTF-8: %q", line)
	}
	if got := utf8.RuneCountInString(line); got > 160 {
		t.Fatalf("summary line rune count %d exceeds 160", got)
	}
}

func TestDrainFIFO(t *testing.T) {
	r := NewRegistry()
	rr := newRunRecorder()
	s := followupSettings(20, DropSummarize)

	r.Enqueue("k", FollowupRun{Prompt: "R1"}, s)
	r.Enqueue("k", FollowupRun{Prompt: "R2"}, s)
	r.ScheduleDrain("k", rr.run)

	if got := rr.wait(t); got != "R1" {
		t.Fatalf("first run = %q, want R1", got)
	}
	if got := rr.wait(t); got != "R2" {
		t.Fatalf("second run = %q, want R2", got)
	}
	waitForEmpty(t, r)
}

func TestDrainCollectCoalesces(t *testing.T) {
	r := NewRegistry()
	rr := newRunRecorder()
	s := Settings{Mode: ModeCollect, Debounce: 0, Cap: 20, DropPolicy: DropSummarize}

	for _, p := range []string{"first", "second", "third"} {
		r.Enqueue("k", FollowupRun{Prompt: p}, s)
	}
	r.ScheduleDrain("k", rr.run)

	prompt := rr.wait(t)
	for i, want := range []string{"Queued #1", "Queued #2", "Queued #3"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("collect prompt missing %q:\n%s", want, prompt)
		}
		if i > 0 {
			prev := fmt.Sprintf("Queued #%d", i)
			if strings.Index(prompt, prev) > strings.Index(prompt, want) {
				t.Fatalf("collect prompt out of order: %q after %q", prev, want)
			}
		}
	}
	for _, body := range []string{"first", "second", "third"} {
		if !strings.Contains(prompt, body) {
			t.Fatalf("collect prompt missing body %q", body)
		}
	}

	rr.expectNoRun(t, 100*time.Millisecond)
	waitForEmpty(t, r)
}

func TestDrainEmitsDropSummaryFirst(t *testing.T) {
	r := NewRegistry()
	rr := newRunRecorder()
	s := followupSettings(2, DropOld)

	for _, p := range []string{"A", "B", "C"} {
		r.Enqueue("k", FollowupRun{Prompt: p}, s)
	}
	r.ScheduleDrain("k", rr.run)

	first := rr.wait(t)
	if !strings.Contains(first, "dropped") || !strings.Contains(first, "A") {
		t.Fatalf("first run should be the drop summary mentioning A, got %q", first)
	}
	if got := rr.wait(t); got != "B" {
		t.Fatalf("second run = %q, want B", got)
	}
	if got := rr.wait(t); got != "C" {
		t.Fatalf("third run = %q, want C", got)
	}
	waitForEmpty(t, r)
}

func TestTrailingDebounceRestartsOnEnqueue(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewRegistryWithClock(clock)
	rr := newRunRecorder()
	s := Settings{Mode: ModeCollect, Debounce: time.Second, Cap: 20, DropPolicy: DropSummarize}

	r.Enqueue("k", FollowupRun{Prompt: "early"}, s)
	r.ScheduleDrain("k", rr.run)

	// Drain loop is now parked on the 1s debounce timer.
	clock.BlockUntil(1)
	clock.Advance(500 * time.Millisecond)

	// A second enqueue mid-wait resets lastEnqueuedAt; the drain must wait a
	// fresh full second rather than act when the first timer expires.
	r.Enqueue("k", FollowupRun{Prompt: "late"}, s)
	clock.Advance(500 * time.Millisecond) // first timer fires; 500ms elapsed since "late"

	clock.BlockUntil(1)
	rr.expectNoRun(t, 50*time.Millisecond)
	clock.Advance(500 * time.Millisecond)

	prompt := rr.wait(t)
	if !strings.Contains(prompt, "early") || !strings.Contains(prompt, "late") {
		t.Fatalf("restarted debounce should coalesce both messages, got %q", prompt)
	}
	waitForEmpty(t, r)
}

func TestSubmitRunsImmediatelyWhenIdle(t *testing.T) {
	r := NewRegistry()
	release := make(chan struct{})
	started := make(chan string, 4)
	var order []string
	var mu sync.Mutex

	blockingRun := func(prompt string, _ any) error {
		mu.Lock()
		order = append(order, prompt)
		mu.Unlock()
		started <- prompt
		if prompt == "first" {
			<-release
		}
		return nil
	}

	s := followupSettings(20, DropSummarize)
	if !r.Submit("k", FollowupRun{Prompt: "first"}, s, blockingRun) {
		t.Fatal("idle submit rejected")
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("immediate run did not start")
	}

	// Session is busy: this one must queue, not run concurrently.
	if !r.Submit("k", FollowupRun{Prompt: "second"}, s, blockingRun) {
		t.Fatal("busy submit rejected")
	}
	snap, ok := r.Snapshot("k")
	if !ok || snap.Items != 1 {
		t.Fatalf("expected one queued item while busy, got %+v ok=%v", snap, ok)
	}

	close(release)
	select {
	case p := <-started:
		if p != "second" {
			t.Fatalf("followup run = %q, want second", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("queued followup never ran")
	}
	waitForEmpty(t, r)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("run order = %v, want [first second]", order)
	}
}

func TestSubmitQueuesBehindBufferedItems(t *testing.T) {
	// A non-draining state can still hold items (enqueued but not yet
	// drained). A new submit must go to the back of the line, never start
	// its run directly.
	r := NewRegistry()
	rr := newRunRecorder()
	s := followupSettings(20, DropSummarize)

	r.Enqueue("k", FollowupRun{Prompt: "R1"}, s)
	if !r.Submit("k", FollowupRun{Prompt: "R2"}, s, rr.run) {
		t.Fatal("submit rejected")
	}

	if got := rr.wait(t); got != "R1" {
		t.Fatalf("first run = %q, want R1 (submit jumped the queue)", got)
	}
	if got := rr.wait(t); got != "R2" {
		t.Fatalf("second run = %q, want R2", got)
	}
	waitForEmpty(t, r)
}

func TestSubmitAtCapKeepsDropAccounting(t *testing.T) {
	// A submit against a buffered-but-idle key goes through Enqueue, so cap
	// enforcement and drop accounting apply to it like any other enqueue.
	r := NewRegistry()
	rr := newRunRecorder()
	s := followupSettings(1, DropOld)

	r.Enqueue("k", FollowupRun{Prompt: "A"}, s)
	if !r.Submit("k", FollowupRun{Prompt: "B"}, s, rr.run) {
		t.Fatal("submit rejected")
	}

	first := rr.wait(t)
	if !strings.Contains(first, "dropped") || !strings.Contains(first, "A") {
		t.Fatalf("first run = %q, want drop notice for A", first)
	}
	if got := rr.wait(t); got != "B" {
		t.Fatalf("second run = %q, want B", got)
	}
	waitForEmpty(t, r)
}

func TestSubmitInterruptHook(t *testing.T) {
	r := NewRegistry()
	interrupted := make(chan string, 4)
	r.SetInterrupt(func(key string) bool {
		interrupted <- key
		return true
	})

	release := make(chan struct{})
	runFn := func(prompt string, _ any) error {
		if prompt == "slow" {
			<-release
		}
		return nil
	}

	s := Settings{Mode: ModeInterrupt, Debounce: 0, Cap: 20, DropPolicy: DropSummarize}
	r.Submit("k", FollowupRun{Prompt: "slow"}, s, runFn)
	r.Submit("k", FollowupRun{Prompt: "urgent"}, s, runFn)

	select {
	case key := <-interrupted:
		if key != "k" {
			t.Fatalf("interrupt hook key = %q, want k", key)
		}
	case <-time.After(time.Second):
		t.Fatal("interrupt hook not invoked")
	}

	close(release)
	waitForEmpty(t, r)
}

func TestSubmitInterruptWithoutHook(t *testing.T) {
	// The open contract: with no hook installed, interrupt mode degrades to
	// plain FIFO queueing — the in-flight run is untouched.
	r := NewRegistry()
	rr := newRunRecorder()
	s := Settings{Mode: ModeInterrupt, Debounce: 0, Cap: 20, DropPolicy: DropSummarize}

	r.Enqueue("k", FollowupRun{Prompt: "R1"}, s)
	r.Enqueue("k", FollowupRun{Prompt: "R2"}, s)
	r.ScheduleDrain("k", rr.run)

	if got := rr.wait(t); got != "R1" {
		t.Fatalf("first run = %q, want R1", got)
	}
	if got := rr.wait(t); got != "R2" {
		t.Fatalf("second run = %q, want R2", got)
	}
	waitForEmpty(t, r)
}

func TestDrainSwallowsRunErrors(t *testing.T) {
	r := NewRegistry()
	var calls []string
	var mu sync.Mutex
	done := make(chan struct{}, 4)
	failing := func(prompt string, _ any) error {
		mu.Lock()
		calls = append(calls, prompt)
		mu.Unlock()
		done <- struct{}{}
		return fmt.Errorf("boom: %s", prompt)
	}

	s := followupSettings(20, DropSummarize)
	r.Enqueue("k", FollowupRun{Prompt: "R1"}, s)
	r.Enqueue("k", FollowupRun{Prompt: "R2"}, s)
	r.ScheduleDrain("k", failing)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("drain loop stopped after a run error")
		}
	}
	waitForEmpty(t, r)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 {
		t.Fatalf("calls = %v, want both runs attempted", calls)
	}
}

func TestScheduleDrainIdempotent(t *testing.T) {
	r := NewRegistry()
	rr := newRunRecorder()
	s := followupSettings(20, DropSummarize)

	r.Enqueue("k", FollowupRun{Prompt: "only"}, s)
	for i := 0; i < 5; i++ {
		r.ScheduleDrain("k", rr.run)
	}

	if got := rr.wait(t); got != "only" {
		t.Fatalf("run = %q, want only", got)
	}
	rr.expectNoRun(t, 100*time.Millisecond)
	waitForEmpty(t, r)
}
