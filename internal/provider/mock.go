package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"oncall-pager/internal/classifier"
)

// SentMessage is a text message recorded by Mock.
type SentMessage struct {
	To   string
	Body string
}

// Mock is a network-free backend used for local runs and as the fallback when a real backend
// cannot be constructed. Call ids are deterministic: mock_call_<incident>.
type Mock struct {
	logger *zap.Logger

	mu       sync.Mutex
	calls    []PlaceCallRequest
	messages []SentMessage
	outcome  func(callID string) classifier.Observation
}

// NewMock returns a Mock whose calls are answered by a human and held for 10 seconds.
func NewMock(logger *zap.Logger) *Mock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mock{logger: logger}
}

func (m *Mock) Name() string { return string(KindMock) }

// PlaceCall records the request and returns mock_call_<incident>.
func (m *Mock) PlaceCall(_ context.Context, req PlaceCallRequest) string {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	m.logger.Info("mock: call placed",
		zap.String("incident_id", req.IncidentID),
		zap.String("to", req.To),
		zap.String("tts", spokenText(req)))
	return "mock_call_" + req.IncidentID
}

// SendMessage records the message and returns a sequential id.
func (m *Mock) SendMessage(_ context.Context, to, body string) string {
	m.mu.Lock()
	m.messages = append(m.messages, SentMessage{To: to, Body: body})
	n := len(m.messages)
	m.mu.Unlock()
	m.logger.Info("mock: message sent", zap.String("to", to))
	return fmt.Sprintf("mock_sms_%d", n)
}

// FetchCall reports the scripted outcome for callID.
func (m *Mock) FetchCall(_ context.Context, callID string) (classifier.Observation, error) {
	m.mu.Lock()
	fn := m.outcome
	m.mu.Unlock()
	if fn != nil {
		return fn(callID), nil
	}
	return classifier.Observation{
		Status:     classifier.StatusCompleted,
		Duration:   10 * time.Second,
		AnsweredBy: "human",
	}, nil
}

// SetOutcome scripts the observation FetchCall returns.
func (m *Mock) SetOutcome(fn func(callID string) classifier.Observation) {
	m.mu.Lock()
	m.outcome = fn
	m.mu.Unlock()
}

// Calls returns a copy of the placed calls.
func (m *Mock) Calls() []PlaceCallRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PlaceCallRequest(nil), m.calls...)
}

// Messages returns a copy of the sent messages.
func (m *Mock) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.messages...)
}
