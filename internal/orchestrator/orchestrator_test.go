package orchestrator

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	domain "github.com/devforge/orchestrator/internal/domain"
	"github.com/devforge/orchestrator/internal/data/repos/testutil"
)

func TestValidateSubtaskGraph_AcyclicGraph_ReturnsTopologicalOrder(t *testing.T) {
	subtasks := []domain.SubtaskSpec{
		{Title: "A"},
		{Title: "B", DependsOn: []int{0}},
		{Title: "C", DependsOn: []int{0}},
	}
	order, err := validateSubtaskGraph(subtasks)
	require.NoError(t, err)
	require.Len(t, order, 3)
	require.Equal(t, 0, order[0], "A has no dependencies and must sort first")
}

func TestValidateSubtaskGraph_Cycle_Rejected(t *testing.T) {
	subtasks := []domain.SubtaskSpec{
		{Title: "A", DependsOn: []int{1}},
		{Title: "B", DependsOn: []int{0}},
	}
	_, err := validateSubtaskGraph(subtasks)
	require.Error(t, err)
}

func TestValidateSubtaskGraph_OutOfRangeDependency_Rejected(t *testing.T) {
	subtasks := []domain.SubtaskSpec{
		{Title: "A", DependsOn: []int{5}},
	}
	_, err := validateSubtaskGraph(subtasks)
	require.Error(t, err)
}

func TestValidateSubtaskGraph_NoDependencies_AnyOrderIsValid(t *testing.T) {
	subtasks := []domain.SubtaskSpec{{Title: "A"}, {Title: "B"}, {Title: "C"}}
	order, err := validateSubtaskGraph(subtasks)
	require.NoError(t, err)
	require.Len(t, order, 3)
}

// newBareOrchestrator builds an Orchestrator with nil collaborators, valid
// only for exercising paths (like ReconcileOne's still-in-flight early
// return) that never touch the database, agents, or aggregator.
func newBareOrchestrator(t *testing.T) *Orchestrator {
	return New(nil, nil, nil, nil, nil, nil, nil, DefaultConfig(), testutil.Logger(t))
}

func TestReconcileOne_NotOrchestrated_NoOp(t *testing.T) {
	o := newBareOrchestrator(t)
	parent := &domain.Task{ID: uuid.New(), Status: domain.TaskPlanningDone, IsOrchestrated: false}

	advanced, err := o.ReconcileOne(context.Background(), parent, nil)
	require.NoError(t, err)
	require.False(t, advanced)
}

func TestReconcileOne_ChildrenStillInFlight_NoOp(t *testing.T) {
	o := newBareOrchestrator(t)
	parent := &domain.Task{ID: uuid.New(), Status: domain.TaskPlanningDone, IsOrchestrated: true}
	children := []*domain.Task{
		{ID: uuid.New(), Status: domain.TaskCompleted},
		{ID: uuid.New(), Status: domain.TaskCoding},
	}

	advanced, err := o.ReconcileOne(context.Background(), parent, children)
	require.NoError(t, err)
	require.False(t, advanced, "reconciliation must wait until every child is terminal")
}

func TestReconcileOne_ParentNotPlanningDone_NoOp(t *testing.T) {
	o := newBareOrchestrator(t)
	parent := &domain.Task{ID: uuid.New(), Status: domain.TaskCodingDone, IsOrchestrated: true}
	children := []*domain.Task{{ID: uuid.New(), Status: domain.TaskCompleted}}

	advanced, err := o.ReconcileOne(context.Background(), parent, children)
	require.NoError(t, err)
	require.False(t, advanced)
}
