package agent

import (
	"context"
	"sync"

	"github.com/emberward/residentd/interfaces"
)

// MockClient is a scripted interfaces.CompletionClient for tests. Results
// are consumed in order; once the script runs out the last result repeats.
type MockClient struct {
	mu       sync.Mutex
	script   []MockTurn
	next     int
	Requests []*interfaces.CompletionRequest
}

// MockTurn is one scripted response.
type MockTurn struct {
	Result *interfaces.CompletionResult
	Err    error
}

// NewMockClient creates a scripted client.
func NewMockClient(turns ...MockTurn) *MockClient {
	return &MockClient{script: turns}
}

func (m *MockClient) Complete(ctx context.Context, req *interfaces.CompletionRequest) (*interfaces.CompletionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)

	if len(m.script) == 0 {
		return &interfaces.CompletionResult{Text: "ok", TokensUsed: 1}, nil
	}
	turn := m.script[m.next]
	if m.next < len(m.script)-1 {
		m.next++
	}
	return turn.Result, turn.Err
}
