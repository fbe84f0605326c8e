// Package mock provides a test double for the llm.Provider interface.
//
// Configure Responses with the replies the consumer should receive, in call
// order; the last response is repeated once the queue is exhausted. Set
// CompleteFn for full control over per-request behaviour.
package mock

import (
	"context"
	"sync"

	"github.com/voxatc/voxatc/pkg/provider/llm"
)

// CompleteCall records a single invocation of Provider.Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Responses is the queue of replies returned by successive Complete
	// calls. When exhausted, the last element is returned again. When empty
	// and CompleteFn is nil, Complete returns an empty response.
	Responses []*llm.CompletionResponse

	// CompleteErr, if non-nil, is returned by every Complete call.
	CompleteErr error

	// CompleteFn, if non-nil, overrides the Responses queue entirely.
	CompleteFn func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// CapabilitiesResult is returned by Capabilities.
	CapabilitiesResult llm.ModelCapabilities

	// CompleteCalls records every call to Complete in order.
	CompleteCalls []CompleteCall

	next int
}

// Complete records the call and returns the next configured response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	fn := p.CompleteFn
	err := p.CompleteErr
	var resp *llm.CompletionResponse
	if fn == nil && err == nil {
		switch {
		case len(p.Responses) == 0:
			resp = &llm.CompletionResponse{}
		case p.next < len(p.Responses):
			resp = p.Responses[p.next]
			p.next++
		default:
			resp = p.Responses[len(p.Responses)-1]
		}
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Capabilities returns CapabilitiesResult.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CapabilitiesResult
}

// CompleteCallCount returns the number of Complete calls. Thread-safe.
func (p *Provider) CompleteCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}

// Reset clears all recorded calls and rewinds the response queue.
// Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.next = 0
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
