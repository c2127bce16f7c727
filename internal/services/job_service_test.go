package services

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	domain "github.com/devforge/orchestrator/internal/domain"
	"github.com/devforge/orchestrator/internal/pkg/pointers"
)

func taskWithStatus(status domain.TaskStatus) *domain.Task {
	return &domain.Task{ID: uuid.New(), Status: status}
}

func TestDeriveRollup_AllNew_Pending(t *testing.T) {
	members := []*domain.Task{taskWithStatus(domain.TaskNew), taskWithStatus(domain.TaskNew)}
	status, summary := deriveRollup(domain.JobPending, members)
	require.Equal(t, domain.JobPending, status)
	require.Equal(t, 2, summary.Total)
}

func TestDeriveRollup_SomeInProgress_Running(t *testing.T) {
	members := []*domain.Task{taskWithStatus(domain.TaskNew), taskWithStatus(domain.TaskCoding)}
	status, _ := deriveRollup(domain.JobPending, members)
	require.Equal(t, domain.JobRunning, status)
}

func TestDeriveRollup_AllCompleted_Completed(t *testing.T) {
	members := []*domain.Task{taskWithStatus(domain.TaskCompleted), taskWithStatus(domain.TaskCompleted)}
	status, summary := deriveRollup(domain.JobRunning, members)
	require.Equal(t, domain.JobCompleted, status)
	require.Equal(t, 2, summary.Completed)
	require.Equal(t, 0, summary.Failed)
}

func TestDeriveRollup_AllFailed_Failed(t *testing.T) {
	members := []*domain.Task{taskWithStatus(domain.TaskFailed), taskWithStatus(domain.TaskFailed)}
	status, summary := deriveRollup(domain.JobRunning, members)
	require.Equal(t, domain.JobFailed, status)
	require.Equal(t, 2, summary.Failed)
}

func TestDeriveRollup_MixedTerminal_Partial(t *testing.T) {
	members := []*domain.Task{taskWithStatus(domain.TaskCompleted), taskWithStatus(domain.TaskFailed)}
	status, summary := deriveRollup(domain.JobRunning, members)
	require.Equal(t, domain.JobPartial, status)
	require.Equal(t, 1, summary.Completed)
	require.Equal(t, 1, summary.Failed)
}

func TestDeriveRollup_Summary_CollectsPRRefs(t *testing.T) {
	completed := taskWithStatus(domain.TaskCompleted)
	completed.PRRef = pointers.String("acme/widgets#42")
	members := []*domain.Task{completed}

	_, summary := deriveRollup(domain.JobRunning, members)
	require.Equal(t, []string{"acme/widgets#42"}, summary.PRs)
}

func TestDeriveRollup_Cancelled_IsSticky(t *testing.T) {
	members := []*domain.Task{taskWithStatus(domain.TaskFailed), taskWithStatus(domain.TaskCompleted)}
	status, summary := deriveRollup(domain.JobCancelled, members)
	require.Equal(t, domain.JobCancelled, status, "a cancelled job must never be recomputed back to running/completed")
	require.Equal(t, 1, summary.Completed)
	require.Equal(t, 1, summary.Failed)
}

func TestDeriveRollup_Empty_Pending(t *testing.T) {
	status, summary := deriveRollup(domain.JobPending, nil)
	require.Equal(t, domain.JobPending, status)
	require.Equal(t, 0, summary.Total)
}
