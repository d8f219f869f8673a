package mocks

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/yuguri76/fitbit/internal/telegram"
)

// MockTelegramBot implements telegram.BotAPI and records sent messages
type MockTelegramBot struct {
	SentMessages []SentMessage
	SentCount    int
	Errors       []error
	updates      []telegram.Message
	mu           sync.Mutex
}

// SentMessage represents a sent message
type SentMessage struct {
	ChatID    int64
	Text      string
	ParseMode string
	Time      time.Time
}

var (
	_ telegram.BotAPI          = (*MockTelegramBot)(nil)
	_ telegram.ParseModeSender = (*MockTelegramBot)(nil)
)

// NewMockTelegramBot creates a new mock Telegram bot
func NewMockTelegramBot() *MockTelegramBot {
	return &MockTelegramBot{
		SentMessages: make([]SentMessage, 0),
		Errors:       make([]error, 0),
	}
}

// SendMessage records a plain message.
func (m *MockTelegramBot) SendMessage(chatID int64, text string) error {
	return m.SendMessageWithParseMode(chatID, text, "")
}

// SendMessageWithParseMode records a message, failing with the next queued error if any.
func (m *MockTelegramBot) SendMessageWithParseMode(chatID int64, text, parseMode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.Errors) > 0 {
		err := m.Errors[0]
		m.Errors = m.Errors[1:]
		return err
	}

	m.SentCount++
	m.SentMessages = append(m.SentMessages, SentMessage{
		ChatID:    chatID,
		Text:      text,
		ParseMode: parseMode,
		Time:      time.Now(),
	})
	return nil
}

// GetUpdates drains the queued incoming messages.
func (m *MockTelegramBot) GetUpdates() ([]telegram.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.updates
	m.updates = nil
	return out, nil
}

// PushUpdate queues an incoming chat message.
func (m *MockTelegramBot) PushUpdate(chatID int64, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, telegram.Message{
		ID:        int64(len(m.updates) + 1),
		ChatID:    chatID,
		Text:      text,
		Timestamp: time.Now(),
	})
}

// FailNext makes the next send fail.
func (m *MockTelegramBot) FailNext(err error) {
	if err == nil {
		err = errors.New("telegram unavailable")
	}
	m.mu.Lock()
	m.Errors = append(m.Errors, err)
	m.mu.Unlock()
}

// GetSentMessages returns a copy of the sent messages
func (m *MockTelegramBot) GetSentMessages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}

// FindMessage returns the first sent message containing substr.
func (m *MockTelegramBot) FindMessage(substr string) (SentMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.SentMessages {
		if strings.Contains(msg.Text, substr) {
			return msg, true
		}
	}
	return SentMessage{}, false
}

// GetSentCount returns the number of sent messages
func (m *MockTelegramBot) GetSentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SentCount
}

// Clear clears all sent messages
func (m *MockTelegramBot) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentMessages = make([]SentMessage, 0)
	m.SentCount = 0
	m.Errors = make([]error, 0)
}
