package payments

import (
	"context"
	"sync"
)

// MockOracle implements Oracle for testing and development. By default it
// accepts any non-empty proof; individual proofs can be overridden.
type MockOracle struct {
	mu      sync.Mutex
	results map[string]*VerifyResult
	errs    map[string]error
	calls   []VerifyRequest
}

// NewMockOracle creates a new mock oracle.
func NewMockOracle() *MockOracle {
	return &MockOracle{
		results: make(map[string]*VerifyResult),
		errs:    make(map[string]error),
	}
}

// SetResult fixes the result returned for a specific proof.
func (m *MockOracle) SetResult(proof string, result *VerifyResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[proof] = result
}

// SetError makes verification of a specific proof fail.
func (m *MockOracle) SetError(proof string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[proof] = err
}

// Calls returns a copy of all verification requests seen so far.
func (m *MockOracle) Calls() []VerifyRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]VerifyRequest(nil), m.calls...)
}

func (m *MockOracle) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)

	if err, ok := m.errs[req.Proof]; ok {
		return nil, err
	}
	if result, ok := m.results[req.Proof]; ok {
		return result, nil
	}
	if req.Proof == "" {
		return &VerifyResult{Status: StatusInsufficient, Reason: "no payment proof presented"}, nil
	}
	return &VerifyResult{Status: StatusValid}, nil
}
