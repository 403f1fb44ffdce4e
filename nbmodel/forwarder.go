package nbmodel

import (
	"sync"
)

// updateForwarder relays locally produced update messages to the
// transport, strictly in enqueue order, from one consumer goroutine.
//
// Shutdown law: everything enqueued before Close began is transmitted
// before Close returns; messages offered after Close began are dropped.
// Nothing is ever reordered.
type updateForwarder struct {
	send func(message []byte) error
	log  LogFunction

	mu     sync.Mutex
	queue  [][]byte
	closed bool
	failed bool

	notify chan struct{}
	done   chan struct{}
}

func newUpdateForwarder(send func(message []byte) error, log LogFunction) *updateForwarder {
	forwarder := &updateForwarder{
		send:   send,
		log:    log,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go forwarder.run()
	return forwarder
}

// Enqueue appends one message. Returns false when the forwarder already
// began shutting down and the message was dropped.
func (self *updateForwarder) Enqueue(message []byte) bool {
	self.mu.Lock()
	if self.closed {
		failed := self.failed
		self.mu.Unlock()
		if failed {
			self.log("dropping update, transport send already failed")
		} else {
			self.log("dropping update enqueued after shutdown began")
		}
		return false
	}
	self.queue = append(self.queue, message)
	self.mu.Unlock()

	select {
	case self.notify <- struct{}{}:
	default:
	}
	return true
}

func (self *updateForwarder) run() {
	defer close(self.done)

	for {
		self.mu.Lock()
		if 0 < len(self.queue) {
			message := self.queue[0]
			self.queue = self.queue[1:]
			self.mu.Unlock()

			if err := self.send(message); err != nil {
				self.log("send failed, abandoning %d queued updates = %s", self.pendingCount(), err)
				self.mu.Lock()
				self.closed = true
				self.failed = true
				self.queue = nil
				self.mu.Unlock()
				return
			}
			continue
		}
		closed := self.closed
		self.mu.Unlock()

		if closed {
			return
		}
		<-self.notify
	}
}

func (self *updateForwarder) pendingCount() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return len(self.queue)
}

// Close stops intake, then blocks until every message queued before the
// call has reached the transport. Idempotent.
func (self *updateForwarder) Close() {
	self.mu.Lock()
	self.closed = true
	self.mu.Unlock()

	select {
	case self.notify <- struct{}{}:
	default:
	}
	<-self.done
}

// Abort stops intake and discards the queue without draining, for a
// transport already known dead. Idempotent, safe to mix with Close.
func (self *updateForwarder) Abort() {
	self.mu.Lock()
	dropped := len(self.queue)
	self.closed = true
	self.failed = true
	self.queue = nil
	self.mu.Unlock()

	if 0 < dropped {
		self.log("discarding %d queued updates, transport gone", dropped)
	}
	select {
	case self.notify <- struct{}{}:
	default:
	}
	<-self.done
}
