package agent

import (
	"context"
	"fmt"
	"sync"

	domain "github.com/devforge/orchestrator/internal/domain"
	"github.com/devforge/orchestrator/internal/llm"
	"github.com/devforge/orchestrator/internal/memory"
)

// Invoker is the minimal contract every role implementation satisfies, the
// agent-package analogue of the teacher's runtime.Handler: it decouples
// the task state machine from any particular role's I/O types, the same
// way the teacher's registry decouples job scheduling from job_type
// business logic (internal/jobs/runtime/registry.go).
//
// Invoke returns the role's structured output as `any`; callers that know
// the role (the state machine does, because it drives the transition
// graph) type-assert to the concrete domain.*Output type.
type Invoker interface {
	Role() domain.AgentRole
	Invoke(ctx context.Context, provider llm.Provider, cc memory.CompiledContext, complexity domain.Complexity) (any, Result, error)
}

// Registry is a concurrency-safe map of AgentRole -> Invoker. At most one
// Invoker may be registered per role; registration happens once at
// process startup (mirrors internal/jobs/runtime.Registry exactly).
type Registry struct {
	mu       sync.RWMutex
	invokers map[domain.AgentRole]Invoker
}

// NewRegistry constructs an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{invokers: make(map[domain.AgentRole]Invoker)}
}

// Register adds an Invoker, rejecting a nil invoker, an empty role, or a
// duplicate registration for a role already bound — each case is a
// wiring bug, not a retryable condition.
func (r *Registry) Register(inv Invoker) error {
	if inv == nil {
		return fmt.Errorf("agent: nil invoker")
	}
	role := inv.Role()
	if role == "" {
		return fmt.Errorf("agent: invoker Role() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.invokers[role]; exists {
		return fmt.Errorf("agent: invoker already registered for role=%s", role)
	}
	r.invokers[role] = inv
	return nil
}

// Get retrieves the Invoker bound to role.
func (r *Registry) Get(role domain.AgentRole) (Invoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invokers[role]
	return inv, ok
}
