package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

func TestIsFatalAPIError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"nil error", nil, false},
		{"generic error", errors.New("connection reset"), false},
		{"credit balance", errors.New("insufficient credit balance"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"quota exceeded", errors.New("quota exceeded for model"), true},
		{"billing issue", errors.New("billing account inactive"), true},
		{"invalid api key", errors.New("invalid api key"), true},
		{"authentication failed", errors.New("authentication failed"), true},
		{"unauthorized", errors.New("unauthorized request"), true},
		{"401 status", errors.New("HTTP 401: not allowed"), true},
		{"403 status", errors.New("HTTP 403: forbidden"), true},
		{"wrapped error", fmt.Errorf("embed: %w", errors.New("credit balance too low")), true},
		{"404 not fatal", errors.New("HTTP 404: not found"), false},
		{"timeout not fatal", errors.New("context deadline exceeded"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isFatalAPIError(tt.err)
			if got != tt.fatal {
				t.Errorf("isFatalAPIError(%v) = %v, want %v", tt.err, got, tt.fatal)
			}
		})
	}
}

func TestWrapFatalError(t *testing.T) {
	t.Run("wraps fatal error", func(t *testing.T) {
		err := errors.New("invalid api key provided")
		wrapped := wrapFatalError(err)
		if !errors.Is(wrapped, ErrFatalAPI) {
			t.Errorf("expected wrapped error to match ErrFatalAPI")
		}
	})

	t.Run("passes through non-fatal error", func(t *testing.T) {
		err := errors.New("network timeout")
		result := wrapFatalError(err)
		if errors.Is(result, ErrFatalAPI) {
			t.Errorf("non-fatal error should not be wrapped with ErrFatalAPI")
		}
		if result != err {
			t.Errorf("expected original error returned, got %v", result)
		}
	})

	t.Run("nil error", func(t *testing.T) {
		result := wrapFatalError(nil)
		if result != nil {
			t.Errorf("expected nil, got %v", result)
		}
	})
}

// stubModel is an llms.Model returning canned content.
type stubModel struct {
	content  string
	err      error
	delay    time.Duration
	messages []llms.MessageContent
}

func (s *stubModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	s.messages = messages
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:        s.content,
		GenerationInfo: map[string]any{"input_tokens": 12, "output_tokens": 3},
	}}}, nil
}

func (s *stubModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, s, prompt, options...)
}

func TestModelGenerate(t *testing.T) {
	stub := &stubModel{content: `{"topics":[]}`}
	m := newModel(stub, "ollama", "llama3.1", time.Second, nil, nil)

	out, err := m.Generate(context.Background(), "extract", "you are an extractor", "uk")
	require.NoError(t, err)
	assert.Equal(t, `{"topics":[]}`, out)

	require.Len(t, stub.messages, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, stub.messages[0].Role)
	system := stub.messages[0].Parts[0].(llms.TextContent).Text
	assert.Contains(t, system, "you are an extractor")
	assert.Contains(t, system, "Ukrainian")
}

func TestModelGenerateTimeoutIsRetryable(t *testing.T) {
	stub := &stubModel{delay: time.Second}
	m := newModel(stub, "ollama", "llama3.1", 10*time.Millisecond, nil, nil)

	_, err := m.Generate(context.Background(), "p", "s", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestModelGenerateFatal(t *testing.T) {
	stub := &stubModel{err: errors.New("HTTP 401: invalid api key")}
	m := newModel(stub, "openai", "gpt-4o", time.Second, nil, nil)

	_, err := m.Generate(context.Background(), "p", "s", "en")
	assert.ErrorIs(t, err, ErrFatalAPI)
}

func TestModelGenerateNoChoices(t *testing.T) {
	m := newModel(&emptyModel{}, "ollama", "x", time.Second, nil, nil)
	_, err := m.Generate(context.Background(), "p", "s", "")
	assert.Error(t, err)
}

type emptyModel struct{}

func (emptyModel) GenerateContent(context.Context, []llms.MessageContent, ...llms.CallOption) (*llms.ContentResponse, error) {
	return &llms.ContentResponse{}, nil
}

func (e emptyModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return "", nil
}
