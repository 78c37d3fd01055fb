package engine

import (
	"sync"

	"github.com/starford/driftwatch/internal/models"
)

// mailbox is an unbounded FIFO of intents for one worker. push never
// blocks, so a worker stuck on a slow path cannot stall dispatch for the
// paths owned by other workers.
type mailbox struct {
	mu     sync.Mutex
	items  []models.ChangeIntent
	closed bool
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) push(intent models.ChangeIntent) {
	m.mu.Lock()
	m.items = append(m.items, intent)
	m.mu.Unlock()
	m.wake()
}

// close marks the end of input. Intents already queued are still returned
// by next.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
}

func (m *mailbox) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// next blocks until an intent is available. ok is false once the mailbox
// is closed and empty.
func (m *mailbox) next() (intent models.ChangeIntent, ok bool) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			intent = m.items[0]
			m.items[0] = models.ChangeIntent{}
			m.items = m.items[1:]
			m.mu.Unlock()
			return intent, true
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return models.ChangeIntent{}, false
		}
		<-m.notify
	}
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
