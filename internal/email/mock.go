package email

import (
	"context"
	"sync"
)

// SentEmail records one mock delivery.
type SentEmail struct {
	To       string
	Subject  string
	HTML     string
	FromName string
}

// MockSender records sends instead of delivering them.
type MockSender struct {
	mu    sync.Mutex
	Err   error
	Sends []SentEmail
}

// Send records the email and returns the configured error.
func (m *MockSender) Send(_ context.Context, to, subject, html, fromName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sends = append(m.Sends, SentEmail{To: to, Subject: subject, HTML: html, FromName: fromName})
	return nil
}

// SendCount returns the number of recorded sends.
func (m *MockSender) SendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sends)
}
