package tracking

import (
	"context"
	"time"
)

// post schedules fn on the loop. It never blocks and reports false once the
// controller is disposed.
func (c *Controller) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	c.mailbox.Push(fn)
	select {
	case c.signal <- struct{}{}:
	default:
	}
	return true
}

// call runs fn on the loop and waits for its result.
func (c *Controller) call(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if !c.post(func() {
		if c.disposed.Load() {
			res <- ErrDisposed
			return
		}
		res <- fn()
	}) {
		return ErrDisposed
	}
	select {
	case err := <-res:
		return err
	case <-c.stopped:
		select {
		case err := <-res:
			return err
		default:
			return ErrDisposed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync waits until everything posted before it has run.
func (c *Controller) Sync(ctx context.Context) error {
	return c.call(ctx, func() error { return nil })
}

// Run drives the loop until ctx ends or the controller is deactivated.
// Cancelling ctx deactivates the controller.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(c.stopped)

	for {
		var frames <-chan time.Time
		if c.ticker != nil {
			frames = c.ticker.C()
		}

		select {
		case <-ctx.Done():
			c.drain()
			c.dispose()
			return ctx.Err()
		case <-c.done:
			c.drain()
			return nil
		case <-c.signal:
			c.drain()
		case now := <-frames:
			c.frame(now)
		}
		c.scheduleFrames()
	}
}

func (c *Controller) drain() {
	for {
		fn, ok := c.mailbox.Pop()
		if !ok {
			return
		}
		c.runSafely(fn)
	}
}

func (c *Controller) runSafely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Tracking loop task panicked", "panic", r)
		}
	}()
	fn()
}

func (c *Controller) frame(now time.Time) {
	if !c.surface.Tick(now) {
		c.stopFrames()
	}
}

// scheduleFrames starts the frame ticker while markers are animating.
func (c *Controller) scheduleFrames() {
	if c.ticker != nil || c.disposed.Load() || !c.surface.Animating() {
		return
	}
	c.ticker = c.clock.NewTicker(c.cfg.FrameInterval)
}

func (c *Controller) stopFrames() {
	if c.ticker == nil {
		return
	}
	c.ticker.Stop()
	c.ticker = nil
}
