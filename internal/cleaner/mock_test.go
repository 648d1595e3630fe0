package cleaner

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/loan-ingest/pkg/anthropic"
)

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

type mockAdapter struct {
	mock.Mock
}

func (m *mockAdapter) Clean(ctx context.Context, req Request) (*Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Response), args.Error(1)
}

// adapterFunc adapts a function to Adapter.
type adapterFunc func(ctx context.Context, req Request) (*Response, error)

func (f adapterFunc) Clean(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 100, OutputTokens: 20},
	}
}
