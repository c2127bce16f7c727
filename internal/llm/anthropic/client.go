// Package anthropic adapts github.com/anthropics/anthropic-sdk-go to the
// internal/llm.Provider contract (spec §6, SPEC_FULL §B). It is the one
// shipped LLMProvider adapter; the rest of the interface is a collaborator
// boundary the core only depends on abstractly.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/devforge/orchestrator/internal/llm"
)

const defaultMaxTokens = 4096

// Client wraps the official SDK client with the model id this task's
// requests default to when a call omits one.
type Client struct {
	sdk   anthropic.Client
	model string
}

// New builds a Client. Model should come from repo config
// (StaticMemory/app config), never hardcoded by a caller.
func New(apiKey, model string) *Client {
	return &Client{
		sdk:   anthropic.NewClient(option.WithAPIKey(apiKey)),
		model: model,
	}
}

// Complete implements llm.Provider. It maps the provider-agnostic Request
// onto one non-streaming Messages.New call and classifies the error into
// the §4.5/§7 transport-vs-non-retryable split the Agent Runtime's retry
// policy dispatches on.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserPrompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return llm.Response{}, classify(err)
	}

	var text string
	for _, block := range msg.Content {
		if tb := block.AsAny(); tb != nil {
			if t, ok := tb.(anthropic.TextBlock); ok {
				text += t.Text
			}
		}
	}

	return llm.Response{
		Text: text,
		Usage: llm.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// classify turns an SDK error into the §4.5/§7 transport/non-retryable
// split: rate limits, timeouts, and 5xx are retryable; auth (401/403) and
// invalid-request (400, which covers content-policy refusals) are not.
func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return &llm.TransportError{Err: err}
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusBadRequest:
			return &llm.NonRetryableError{Err: err}
		default:
			if apiErr.StatusCode >= 500 {
				return &llm.TransportError{Err: err}
			}
			return &llm.NonRetryableError{Err: err}
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && (netErr.Timeout() || errors.Is(err, context.DeadlineExceeded)) {
		return &llm.TransportError{Err: err}
	}
	return &llm.TransportError{Err: fmt.Errorf("anthropic: %w", err)}
}
