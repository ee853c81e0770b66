package util

import (
	"sync"
	"time"
)

// Notifier is a broadcast condition usable in select statements. Waiters grab
// C() while holding whatever lock guards their condition, release the lock,
// then wait on the channel; Broadcast closes it and installs a fresh one.
type Notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func (n *Notifier) C() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch == nil {
		n.ch = make(chan struct{})
	}
	return n.ch
}

func (n *Notifier) Broadcast() {
	n.mu.Lock()
	if n.ch != nil {
		close(n.ch)
	}
	n.ch = make(chan struct{})
	n.mu.Unlock()
}

// Deadline converts a relative timeout into a timer channel. A zero timeout
// yields a nil channel, which blocks forever in a select.
type Deadline struct {
	timer *time.Timer
}

func NewDeadline(timeout time.Duration) *Deadline {
	if timeout <= 0 {
		return &Deadline{}
	}
	return &Deadline{timer: time.NewTimer(timeout)}
}

func (d *Deadline) C() <-chan time.Time {
	if d.timer == nil {
		return nil
	}
	return d.timer.C
}

func (d *Deadline) Stop() {
	if d.timer != nil {
		d.timer.Stop()
	}
}
