package diffmerge

import "testing"

import "github.com/stretchr/testify/require"

func diffA() string {
	return "diff --git a/pkg/a.go b/pkg/a.go\n" +
		"--- a/pkg/a.go\n" +
		"+++ b/pkg/a.go\n" +
		"@@ -10,0 +11,2 @@\n" +
		"+func A() {}\n" +
		"+func B() {}\n"
}

func diffCOverlapping() string {
	return "diff --git a/pkg/a.go b/pkg/a.go\n" +
		"--- a/pkg/a.go\n" +
		"+++ b/pkg/a.go\n" +
		"@@ -10,2 +11,1 @@\n" +
		"-old line\n" +
		"+replacement\n"
}

func diffBDisjoint() string {
	return "diff --git a/pkg/b.go b/pkg/b.go\n" +
		"--- a/pkg/b.go\n" +
		"+++ b/pkg/b.go\n" +
		"@@ -30,0 +31,1 @@\n" +
		"+func C() {}\n"
}

func TestAggregate_DisjointFiles_Merges(t *testing.T) {
	agg := NewAggregator(PolicyManual, 50)
	res, err := agg.Aggregate([]SubtaskDiff{
		{SubtaskID: "sub-a", Diff: diffA(), TargetFiles: []string{"pkg/a.go"}},
		{SubtaskID: "sub-b", Diff: diffBDisjoint(), TargetFiles: []string{"pkg/b.go"}},
	})
	require.NoError(t, err)
	require.True(t, res.AutoResolved())
	require.Len(t, res.Summaries, 2)
	require.Equal(t, "pkg/a.go", res.Summaries[0].Path)
	require.Equal(t, "pkg/b.go", res.Summaries[1].Path)
}

func TestAggregate_OverlappingHunks_ManualPolicy_Conflicts(t *testing.T) {
	agg := NewAggregator(PolicyManual, 50)
	res, err := agg.Aggregate([]SubtaskDiff{
		{SubtaskID: "sub-a", Diff: diffA(), TargetFiles: []string{"pkg/a.go"}},
		{SubtaskID: "sub-c", Diff: diffCOverlapping(), TargetFiles: []string{"pkg/a.go"}},
	})
	require.NoError(t, err)
	require.False(t, res.AutoResolved())
	require.Len(t, res.Conflicts.Conflicts, 1)
}

func TestAggregate_MergeAdditive_PureAdditions_AutoResolves(t *testing.T) {
	additionOne := "diff --git a/pkg/a.go b/pkg/a.go\n" +
		"--- a/pkg/a.go\n" +
		"+++ b/pkg/a.go\n" +
		"@@ -10,0 +11,1 @@\n" +
		"+func A() {}\n"
	additionTwo := "diff --git a/pkg/a.go b/pkg/a.go\n" +
		"--- a/pkg/a.go\n" +
		"+++ b/pkg/a.go\n" +
		"@@ -10,0 +11,1 @@\n" +
		"+func B() {}\n"

	agg := NewAggregator(PolicyMergeAdditive, 50)
	res, err := agg.Aggregate([]SubtaskDiff{
		{SubtaskID: "sub-a", Diff: additionOne},
		{SubtaskID: "sub-b", Diff: additionTwo},
	})
	require.NoError(t, err)
	require.True(t, res.AutoResolved())
	require.Equal(t, 2, res.Summaries[0].Insertions)
}

func TestAggregate_MergeAdditive_OverThreshold_RequiresManual(t *testing.T) {
	additionOne := "diff --git a/pkg/a.go b/pkg/a.go\n--- a/pkg/a.go\n+++ b/pkg/a.go\n@@ -10,0 +11,1 @@\n+func A() {}\n"
	additionTwo := "diff --git a/pkg/a.go b/pkg/a.go\n--- a/pkg/a.go\n+++ b/pkg/a.go\n@@ -10,0 +11,1 @@\n+func B() {}\n"

	agg := NewAggregator(PolicyMergeAdditive, 1)
	res, err := agg.Aggregate([]SubtaskDiff{
		{SubtaskID: "sub-a", Diff: additionOne},
		{SubtaskID: "sub-b", Diff: additionTwo},
	})
	require.NoError(t, err)
	require.False(t, res.AutoResolved())
}

func TestAggregate_Deterministic(t *testing.T) {
	agg := NewAggregator(PolicyManual, 50)
	inputs := []SubtaskDiff{
		{SubtaskID: "sub-b", Diff: diffBDisjoint()},
		{SubtaskID: "sub-a", Diff: diffA()},
	}
	r1, err1 := agg.Aggregate(inputs)
	r2, err2 := agg.Aggregate(inputs)
	require.NoError(t, err1)
	require.NoError(t, err2)
	require.Equal(t, r1.Diff, r2.Diff)
}

func TestAggregate_CreatedAndModified_Rejected(t *testing.T) {
	created := "diff --git a/pkg/new.go b/pkg/new.go\n--- /dev/null\n+++ b/pkg/new.go\n@@ -0,0 +1,1 @@\n+package pkg\n"
	modified := "diff --git a/pkg/new.go b/pkg/new.go\n--- a/pkg/new.go\n+++ b/pkg/new.go\n@@ -1,1 +1,2 @@\n package pkg\n+// comment\n"

	agg := NewAggregator(PolicyManual, 50)
	_, err := agg.Aggregate([]SubtaskDiff{
		{SubtaskID: "sub-a", Diff: created},
		{SubtaskID: "sub-b", Diff: modified},
	})
	require.Error(t, err)
}
