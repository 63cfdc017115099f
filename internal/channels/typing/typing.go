// Package typing drives platform "is typing" indicators. Chat APIs expire
// the indicator after a few seconds, so it must be re-sent on a keepalive
// interval until the reply is delivered, with a hard TTL so a crashed run
// never leaves the indicator stuck.
package typing

import (
	"log/slog"
	"sync"
	"time"
)

// Options configures a typing Controller.
type Options struct {
	// MaxDuration is the hard TTL; the controller stops itself after this
	// even if Stop is never called.
	MaxDuration time.Duration
	// KeepaliveInterval is how often StartFn is re-invoked while active.
	KeepaliveInterval time.Duration
	// StartFn sends one typing indicator to the platform.
	StartFn func() error
}

// Controller sends typing indicators on a keepalive loop between Start and
// Stop. Safe for concurrent use; Start and Stop are idempotent.
type Controller struct {
	opts Options

	mu     sync.Mutex
	stopCh chan struct{}
}

// New creates a typing controller. Zero-value options get safe defaults
// (60s TTL, 5s keepalive).
func New(opts Options) *Controller {
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 60 * time.Second
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 5 * time.Second
	}
	return &Controller{opts: opts}
}

// Start begins the keepalive loop. If already started, the previous loop is
// stopped first so the TTL restarts.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.stopCh != nil {
		close(c.stopCh)
	}
	stopCh := make(chan struct{})
	c.stopCh = stopCh
	c.mu.Unlock()

	go c.run(stopCh)
}

// Stop ends the keepalive loop. No-op if not started.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
}

func (c *Controller) run(stopCh chan struct{}) {
	if c.opts.StartFn != nil {
		if err := c.opts.StartFn(); err != nil {
			slog.Debug("typing indicator failed", "error", err)
		}
	}

	ticker := time.NewTicker(c.opts.KeepaliveInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.opts.MaxDuration)
	defer deadline.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-deadline.C:
			return
		case <-ticker.C:
			if c.opts.StartFn != nil {
				if err := c.opts.StartFn(); err != nil {
					slog.Debug("typing keepalive failed", "error", err)
				}
			}
		}
	}
}
