package intake

import (
	"context"
	"sync"
)

// CompletionSlot names the slot the confirmation message is posted to.
const CompletionSlot = "successMessage"

// Mailbox hands a single message from one stage to the next. Take returns the
// message at most once.
type Mailbox interface {
	Post(ctx context.Context, message string) error
	Take(ctx context.Context) (message string, ok bool, err error)
}

type MemoryMailbox struct {
	mutex   sync.Mutex
	message string
	held    bool
}

func NewMemoryMailbox() *MemoryMailbox {
	return &MemoryMailbox{}
}

func (m *MemoryMailbox) Post(_ context.Context, message string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.message = message
	m.held = true
	return nil
}

func (m *MemoryMailbox) Take(_ context.Context) (string, bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.held {
		return "", false, nil
	}
	msg := m.message
	m.message, m.held = "", false
	return msg, true, nil
}
