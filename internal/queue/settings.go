// Package queue implements per-session followup queues: when a message
// arrives for a session whose agent run is still in progress, the message is
// buffered here and replayed once the session goes idle. Queues are bounded,
// debounced, and support coalescing, with user-visible accounting of
// anything that had to be dropped.
package queue

import "time"

// Mode controls what the drain loop does with buffered followups.
type Mode string

const (
	// ModeSteer replays followups one at a time, FIFO.
	ModeSteer Mode = "steer"
	// ModeFollowup replays followups one at a time, FIFO.
	ModeFollowup Mode = "followup"
	// ModeCollect coalesces everything queued into a single combined run.
	ModeCollect Mode = "collect"
	// ModeSteerBacklog replays FIFO; the caller may additionally surface a
	// backlog notice to the user.
	ModeSteerBacklog Mode = "steer-backlog"
	// ModeInterrupt asks the session layer to abort the in-flight run before
	// the new message is accepted. The abort itself is the caller's job (see
	// Registry.SetInterrupt); queue behavior is FIFO.
	ModeInterrupt Mode = "interrupt"
)

// DropPolicy controls what happens when a queue is at capacity.
type DropPolicy string

const (
	// DropOld evicts the oldest queued items to make room.
	DropOld DropPolicy = "old"
	// DropNew rejects the incoming item, leaving the queue unchanged.
	DropNew DropPolicy = "new"
	// DropSummarize evicts oldest items but keeps a one-line summary of each
	// so the agent can be told what it missed.
	DropSummarize DropPolicy = "summarize"
)

// Settings is the effective queue policy for one enqueue. It is resolved
// fresh on every enqueue and re-applied to the live queue, so a session's
// policy can change between messages.
type Settings struct {
	Mode       Mode
	Debounce   time.Duration
	Cap        int
	DropPolicy DropPolicy
}

const (
	defaultDebounce = 1000 * time.Millisecond
	defaultCap      = 20
)

// DefaultSettings returns the surface default: collect mode, 1s trailing
// debounce, cap 20, summarize on overflow.
func DefaultSettings() Settings {
	return Settings{
		Mode:       ModeCollect,
		Debounce:   defaultDebounce,
		Cap:        defaultCap,
		DropPolicy: DropSummarize,
	}
}

// Overrides is a partial settings layer. Nil fields fall through to the next
// precedence level.
type Overrides struct {
	Mode       *Mode
	Debounce   *time.Duration
	Cap        *int
	DropPolicy *DropPolicy

	// Reset ignores every softer layer and reverts to config/defaults.
	// Set by the "default"/"reset"/"clear" directive tokens.
	Reset bool
}

// Resolve computes effective settings, highest precedence first: inline
// directive > session override > per-surface config > global config >
// surface default. Unknown or missing values in a layer fall through to the
// next one; Resolve never fails. An inline Reset reverts to the config
// levels, discarding the session override.
func Resolve(inline, session, surfaceCfg, globalCfg *Overrides) Settings {
	out := DefaultSettings()
	applyLayer(&out, globalCfg)
	applyLayer(&out, surfaceCfg)

	if inline == nil || !inline.Reset {
		applyLayer(&out, session)
		applyLayer(&out, inline)
	}

	if out.Cap < 1 {
		out.Cap = 1
	}
	if out.Debounce < 0 {
		out.Debounce = 0
	}
	return out
}

func applyLayer(s *Settings, l *Overrides) {
	if l == nil || l.Reset {
		return
	}
	if l.Mode != nil && validMode(*l.Mode) {
		s.Mode = *l.Mode
	}
	if l.Debounce != nil && *l.Debounce >= 0 {
		s.Debounce = *l.Debounce
	}
	if l.Cap != nil && *l.Cap >= 1 {
		s.Cap = *l.Cap
	}
	if l.DropPolicy != nil && validDropPolicy(*l.DropPolicy) {
		s.DropPolicy = *l.DropPolicy
	}
}

func validMode(m Mode) bool {
	switch m {
	case ModeSteer, ModeFollowup, ModeCollect, ModeSteerBacklog, ModeInterrupt:
		return true
	}
	return false
}

func validDropPolicy(p DropPolicy) bool {
	switch p {
	case DropOld, DropNew, DropSummarize:
		return true
	}
	return false
}

// ParseMode maps a config/directive token (including aliases) to a canonical
// Mode. ok is false for unrecognized tokens.
func ParseMode(token string) (Mode, bool) {
	switch token {
	case "queue", "queued", "steer", "steering":
		return ModeSteer, true
	case "interrupt", "interrupts", "abort":
		return ModeInterrupt, true
	case "followup", "followups", "follow-ups":
		return ModeFollowup, true
	case "collect", "coalesce":
		return ModeCollect, true
	case "steer+backlog", "steer-backlog", "steer_backlog":
		return ModeSteerBacklog, true
	}
	return "", false
}

// ParseDropPolicy maps a config/directive token (including aliases) to a
// DropPolicy. ok is false for unrecognized tokens.
func ParseDropPolicy(token string) (DropPolicy, bool) {
	switch token {
	case "old", "oldest":
		return DropOld, true
	case "new", "newest":
		return DropNew, true
	case "summarize", "summary":
		return DropSummarize, true
	}
	return "", false
}

// OverridesFromConfig builds an Overrides layer from raw config strings.
// Empty or invalid values are left nil so they fall through.
func OverridesFromConfig(mode string, debounceMs int, cap int, dropPolicy string) *Overrides {
	o := &Overrides{}
	if m, ok := ParseMode(mode); ok {
		o.Mode = &m
	}
	if debounceMs > 0 {
		d := time.Duration(debounceMs) * time.Millisecond
		o.Debounce = &d
	}
	if cap >= 1 {
		o.Cap = &cap
	}
	if p, ok := ParseDropPolicy(dropPolicy); ok {
		o.DropPolicy = &p
	}
	if o.Mode == nil && o.Debounce == nil && o.Cap == nil && o.DropPolicy == nil {
		return nil
	}
	return o
}
