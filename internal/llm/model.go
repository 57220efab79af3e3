// Package llm provides LLM generation and embedding services using langchaingo.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/raphaelgruber/atomgraph/internal/config"
	"github.com/raphaelgruber/atomgraph/internal/metrics"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// languageNames maps ISO 639-1 codes to the names used in prompts.
var languageNames = map[string]string{
	"en": "English",
	"uk": "Ukrainian",
}

// LanguageName returns the prompt name of an ISO 639-1 code, or the code itself.
func LanguageName(code string) string {
	if name, ok := languageNames[strings.ToLower(code)]; ok {
		return name
	}
	return code
}

// Model wraps a langchaingo LLM for text generation.
type Model struct {
	llm       llms.Model
	provider  string
	modelName string
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *metrics.Collector
}

// NewModel creates an LLM model for the given provider and model name.
func NewModel(ctx context.Context, cfg config.Config, provider, modelName string, logger *slog.Logger, collector *metrics.Collector) (*Model, error) {
	var model llms.Model
	var err error

	switch provider {
	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(modelName),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, errors.New("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(modelName),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, errors.New("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(modelName),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	case config.ProviderBedrock:
		awsCfg, awsErr := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if awsErr != nil {
			return nil, fmt.Errorf("load aws config: %w", awsErr)
		}
		model, err = bedrock.New(
			bedrock.WithClient(bedrockruntime.NewFromConfig(awsCfg)),
			bedrock.WithModel(modelName),
		)
		if err != nil {
			return nil, fmt.Errorf("create bedrock model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", provider)
	}

	return newModel(model, provider, modelName, cfg.RequestTimeout, logger, collector), nil
}

func newModel(model llms.Model, provider, modelName string, timeout time.Duration, logger *slog.Logger, collector *metrics.Collector) *Model {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Model{
		llm:       model,
		provider:  provider,
		modelName: modelName,
		timeout:   timeout,
		logger:    logger.With("component", "llm", "provider", provider, "model", modelName),
		metrics:   collector,
	}
}

// Generate sends a system and user prompt and returns the first choice.
// A non-empty languageHint (ISO 639-1) is appended to the system prompt.
// Each call is bounded by the request timeout; exceeding it yields ErrRequestTimeout.
func (m *Model) Generate(ctx context.Context, prompt, systemPrompt, languageHint string) (string, error) {
	if languageHint != "" {
		systemPrompt = fmt.Sprintf("%s\n\nRespond in %s.", systemPrompt, LanguageName(languageHint))
	}
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	response, err := m.llm.GenerateContent(reqCtx, messages)
	duration := time.Since(start)

	if err != nil {
		m.logger.Warn("generation failed", "duration_ms", duration.Milliseconds(), "error", err)
		if ctx.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("generate after %s: %w", m.timeout, ErrRequestTimeout)
		}
		return "", fmt.Errorf("generate: %w", wrapFatalError(err))
	}
	if len(response.Choices) == 0 {
		return "", errors.New("generate: no response choices")
	}

	choice := response.Choices[0]
	in, out := tokenUsage(choice.GenerationInfo)
	m.metrics.RecordLLMUsage(metrics.OpLLMGenerate, duration, in, out)
	m.logger.Debug("generation complete", "duration_ms", duration.Milliseconds(), "input_tokens", in, "output_tokens", out)

	return choice.Content, nil
}

// Provider returns the provider name.
func (m *Model) Provider() string {
	return m.provider
}

// Model returns the LLM model name.
func (m *Model) Model() string {
	return m.modelName
}

// tokenUsage reads token counts from provider-specific generation info keys.
func tokenUsage(info map[string]any) (input, output int64) {
	input = firstInt(info, "PromptTokens", "InputTokens", "input_tokens", "prompt_tokens")
	output = firstInt(info, "CompletionTokens", "OutputTokens", "output_tokens", "completion_tokens")
	return input, output
}

func firstInt(info map[string]any, keys ...string) int64 {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return int64(v)
		case int32:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
	}
	return 0
}
