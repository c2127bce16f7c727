// Package agent implements the Agent Runtime (spec §4.5): a uniform
// Agent<I,O> invocation contract — prompt assembly, model call, JSON
// parse, schema validation, token/latency accounting — grounded on the
// teacher's internal/clients/openai.Client.GenerateJSON (schema-
// constrained structured output) and internal/pkg/httpx (transport-error
// classification, jittered backoff) for the retryable-transport policy.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/devforge/orchestrator/internal/domain"
	"github.com/devforge/orchestrator/internal/llm"
	"github.com/devforge/orchestrator/internal/memory"
	"github.com/devforge/orchestrator/internal/pkg/httpx"
)

// maxTransportAttempts caps the retry policy at 3 attempts total (spec
// §4.5 point 3: "exponential backoff with base 1s, cap <= 3 attempts").
const maxTransportAttempts = 3

// backoffBase is the retry policy's exponential-backoff base.
const backoffBase = time.Second

// FailureKind classifies why one invocation did not produce a usable
// output, mirroring the §7 taxonomy entries relevant at this layer.
type FailureKind string

const (
	FailureTransport FailureKind = "transport"
	FailureSchema    FailureKind = "schema"
	FailurePolicy    FailureKind = "policy"
)

// InvokeError is the non-nil error Invoke returns; Kind lets the state
// machine (§4.3) decide whether the failure consumes an attempt.
type InvokeError struct {
	Kind FailureKind
	Err  error
}

func (e *InvokeError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *InvokeError) Unwrap() error { return e.Err }

// Result carries the accounting spec §4.5 point 4 requires on every
// invocation's TaskEvent: tokens, latency, and the model identity used.
type Result struct {
	Model      string
	TokensUsed int
	DurationMs int
}

// Spec is the per-role agent definition: how to render a prompt from a
// compiled context plus role-specific input, and how to validate the
// parsed JSON output. O is the closed-schema struct for one of the six
// roles (spec §4.5 "Recognized options per agent output").
type Spec[O any] struct {
	Role         domain.AgentRole
	BuildPrompt  func(cc memory.CompiledContext) (system, user string)
	Validate     func(out O) error
	Model        string
	Temperature  float64
	MaxTokens    int
}

// reasoningEffortFor maps a task's estimated complexity onto the
// three-level provider knob (spec §4.5 point 2).
func reasoningEffortFor(c domain.Complexity) llm.ReasoningEffort {
	switch c {
	case domain.ComplexityXS, domain.ComplexityS:
		return llm.EffortLow
	case domain.ComplexityM:
		return llm.EffortMedium
	default:
		return llm.EffortHigh
	}
}

// Invoke runs one agent call end to end (spec §4.5 points 1-4): merge
// compiled context with prompt assembly, call the model with the
// transport-retry policy, parse the first JSON object in the response,
// validate it against the role's schema, and return accounting alongside
// the typed output.
func Invoke[O any](ctx context.Context, provider llm.Provider, spec Spec[O], cc memory.CompiledContext, complexity domain.Complexity) (O, Result, error) {
	var zero O
	system, user := spec.BuildPrompt(cc)

	req := llm.Request{
		Model:           spec.Model,
		SystemPrompt:    system,
		UserPrompt:      user,
		Temperature:     spec.Temperature,
		MaxTokens:       spec.MaxTokens,
		ReasoningEffort: reasoningEffortFor(complexity),
	}

	var resp llm.Response
	var err error
	start := time.Now()

	for attempt := 1; attempt <= maxTransportAttempts; attempt++ {
		resp, err = provider.Complete(ctx, req)
		if err == nil {
			break
		}
		var transportErr *llm.TransportError
		if !errors.As(err, &transportErr) {
			// Non-transport (auth, content policy): non-retryable at this
			// layer (spec §4.5 "Non-retryable at this layer").
			return zero, Result{}, &InvokeError{Kind: FailurePolicy, Err: err}
		}
		if attempt == maxTransportAttempts {
			return zero, Result{}, &InvokeError{Kind: FailureTransport, Err: err}
		}
		sleep := httpx.JitterSleep(backoffBase * time.Duration(1<<(attempt-1)))
		select {
		case <-ctx.Done():
			return zero, Result{}, &InvokeError{Kind: FailureTransport, Err: ctx.Err()}
		case <-time.After(sleep):
		}
	}

	result := Result{
		Model:      req.Model,
		TokensUsed: resp.Usage.InputTokens + resp.Usage.OutputTokens,
		DurationMs: int(time.Since(start).Milliseconds()),
	}

	out, perr := parseJSONObject[O](resp.Text)
	if perr != nil {
		return zero, result, &InvokeError{Kind: FailureSchema, Err: perr}
	}
	if spec.Validate != nil {
		if verr := spec.Validate(out); verr != nil {
			return zero, result, &InvokeError{Kind: FailureSchema, Err: verr}
		}
	}
	return out, result, nil
}

// parseJSONObject extracts and decodes the first top-level JSON object in
// text (spec §4.5 point 4: "Parses the first JSON object from the
// response"), tolerating surrounding prose a model might emit despite
// instructions.
func parseJSONObject[O any](text string) (O, error) {
	var zero O
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return zero, fmt.Errorf("agent: no JSON object found in response")
	}
	depth := 0
	inString := false
	escaped := false
	end := -1
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				end = i
			}
		}
		if end != -1 {
			break
		}
	}
	if end == -1 {
		return zero, fmt.Errorf("agent: unterminated JSON object in response")
	}
	var out O
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return zero, fmt.Errorf("agent: decode JSON object: %w", err)
	}
	return out, nil
}
