package push

import (
	"context"
	"sync"
)

// MockProvider records sends instead of delivering them. Used in tests and
// local development.
type MockProvider struct {
	mu   sync.Mutex
	sent []*Notification

	// FailTokens lists token values the mock reports as invalid.
	FailTokens []string
}

// Send implements Provider
func (m *MockProvider) Send(_ context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.mu.Lock()
	m.sent = append(m.sent, notification)
	m.mu.Unlock()

	result := &SendResult{}
	fail := make(map[string]bool, len(m.FailTokens))
	for _, t := range m.FailTokens {
		fail[t] = true
	}
	for _, t := range tokens {
		if fail[t] {
			result.FailureCount++
			result.InvalidTokens = append(result.InvalidTokens, t)
		} else {
			result.SuccessCount++
		}
	}
	return result, nil
}

// Sent returns the notifications recorded so far.
func (m *MockProvider) Sent() []*Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Notification, len(m.sent))
	copy(out, m.sent)
	return out
}
