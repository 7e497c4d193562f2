package events

import "sync"

// Control gates the pipeline at its suspension points. Pause blocks the next
// Check call until Resume; Cancel makes every subsequent Check return
// ErrCancelled and wakes a paused pipeline.
type Control struct {
	mu        sync.Mutex
	cond      *sync.Cond
	paused    bool
	cancelled bool
}

func NewControl() *Control {
	c := &Control{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *Control) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

func (c *Control) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *Control) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	c.paused = false
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Check blocks while paused and reports cancellation.
func (c *Control) Check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.paused && !c.cancelled {
		c.cond.Wait()
	}
	if c.cancelled {
		return ErrCancelled
	}
	return nil
}
