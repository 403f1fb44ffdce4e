package nbmodel

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewId returns a fresh ulid string, used for cell ids, prompt and
// message ids, and transaction origins.
func NewId() string {
	return ulid.Make().String()
}

// event is a set-once-many-waiters flag, clearable for reuse across
// sessions.
type event struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

func newEvent() *event {
	return &event{
		ch: make(chan struct{}),
	}
}

func (self *event) Set() {
	self.mu.Lock()
	defer self.mu.Unlock()
	if !self.set {
		self.set = true
		close(self.ch)
	}
}

func (self *event) Clear() {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.set {
		self.set = false
		self.ch = make(chan struct{})
	}
}

func (self *event) IsSet() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.set
}

// WaitTimeout returns true if the event was set before the timeout or
// context end.
func (self *event) WaitTimeout(ctx context.Context, timeout time.Duration) bool {
	self.mu.Lock()
	ch := self.ch
	if self.set {
		self.mu.Unlock()
		return true
	}
	self.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
