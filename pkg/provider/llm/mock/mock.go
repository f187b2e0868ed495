// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify what the dispatcher sends upstream
// and to feed controlled replies without a live backend. All fields are
// safe to set before calling any method.
//
// Example:
//
//	p := &mock.Provider{StreamDeltas: []string{"Hi", " there"}}
//	deltas, err := p.Stream(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/aurin-ai/aurin/pkg/provider/llm"
)

// Call records a single invocation of Generate or Stream.
type Call struct {
	// Method is "Generate" or "Stream".
	Method string
	// Req is the request passed in.
	Req llm.Request
}

// Provider is a mock implementation of llm.Provider.
// Zero values cause methods to return zero values and nil errors.
type Provider struct {
	mu sync.Mutex

	// GenerateResponse is returned by Generate when GenerateErr is nil.
	GenerateResponse *llm.Response

	// GenerateErr, if non-nil, is returned by Generate.
	GenerateErr error

	// StreamDeltas is returned by Stream when StreamErr is nil. When nil
	// and GenerateResponse is set, Stream collapses to one delta.
	StreamDeltas []string

	// StreamErr, if non-nil, is returned by Stream.
	StreamErr error

	// Messages, when true, makes SupportsMessages report true.
	Messages bool

	// Calls records every invocation in order.
	Calls []Call
}

// Compile-time interface check.
var _ llm.Provider = (*Provider)(nil)

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.record("Generate", req)
	if p.GenerateErr != nil {
		return nil, p.GenerateErr
	}
	if p.GenerateResponse != nil {
		resp := *p.GenerateResponse
		return &resp, nil
	}
	return &llm.Response{}, nil
}

// Stream implements llm.Provider.
func (p *Provider) Stream(ctx context.Context, req llm.Request) ([]string, error) {
	p.record("Stream", req)
	if p.StreamErr != nil {
		return nil, p.StreamErr
	}
	if p.StreamDeltas != nil {
		return append([]string(nil), p.StreamDeltas...), nil
	}
	if p.GenerateResponse != nil {
		return []string{p.GenerateResponse.Text}, nil
	}
	return nil, nil
}

// SupportsMessages implements llm.Provider.
func (p *Provider) SupportsMessages() bool { return p.Messages }

// CallCount returns how many times any method was invoked.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// LastCall returns the most recent recorded call, or a zero Call.
func (p *Provider) LastCall() Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Calls) == 0 {
		return Call{}
	}
	return p.Calls[len(p.Calls)-1]
}

func (p *Provider) record(method string, req llm.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, Call{Method: method, Req: req})
}
