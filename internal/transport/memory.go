package transport

import (
	"context"
	"sync"
)

// Memory is an in-process Transport double for dispatcher tests: Inject
// feeds an Update as if it came from the wire, and Sent records every
// outbound message for assertions.
type Memory struct {
	updates chan Update
	mu      sync.Mutex
	sent    []Outbound
}

func NewMemory() *Memory {
	return &Memory{updates: make(chan Update, 64)}
}

func (m *Memory) Updates() <-chan Update {
	return m.updates
}

func (m *Memory) Send(ctx context.Context, out Outbound) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, out)
	return nil
}

func (m *Memory) Run(ctx context.Context) error {
	<-ctx.Done()
	close(m.updates)
	return nil
}

// Inject delivers an Update to whatever is reading from Updates().
func (m *Memory) Inject(u Update) {
	m.updates <- u
}

// Sent returns a snapshot of everything sent so far, in order.
func (m *Memory) Sent() []Outbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Outbound, len(m.sent))
	copy(out, m.sent)
	return out
}
