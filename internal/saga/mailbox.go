package saga

import (
	"encoding/json"
	"sync"
)

// Signal is an asynchronous message delivered to a running instance.
type Signal struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// letter is a queued signal together with the seq of its signal_received record.
type letter struct {
	seq    int64
	signal Signal
}

// mailbox is an unbounded FIFO of signals for one instance. Any goroutine may
// post; only the instance goroutine takes. ready carries a coalesced wake-up.
type mailbox struct {
	mu      sync.Mutex
	letters []letter
	closed  bool
	ready   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		letters: make([]letter, 0, 8),
		ready:   make(chan struct{}, 1),
	}
}

// post appends a letter. It returns false once the mailbox is closed.
func (m *mailbox) post(l letter) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.letters = append(m.letters, l)
	select {
	case m.ready <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) take() (letter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.letters) == 0 {
		return letter{}, false
	}
	l := m.letters[0]
	m.letters[0] = letter{}
	if len(m.letters) == 1 {
		m.letters = m.letters[:0]
	} else {
		m.letters = m.letters[1:]
	}
	return l, true
}

func (m *mailbox) wait() <-chan struct{} {
	return m.ready
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.letters)
}

// close rejects further posts and drops anything still queued.
func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.letters = nil
}
