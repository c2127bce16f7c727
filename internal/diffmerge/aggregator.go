package diffmerge

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Aggregator merges child-subtask diffs into one combined diff per the
// spec §4.7 algorithm. It holds no state; every call is a pure function of
// its inputs, which is what makes it deterministic across runs (spec §8).
type Aggregator struct {
	// Policy is the conflict-resolution strategy applied when two hunks
	// from different subtasks overlap. Defaults to PolicyManual, the safe
	// default per spec §9's open question.
	Policy Policy
	// AutoResolveThreshold bounds merge_additive: a merged hunk over this
	// many lines still requires a human (spec §4.7 point 4).
	AutoResolveThreshold int
}

// NewAggregator builds an Aggregator with the given conflict policy and
// additive-merge line threshold.
func NewAggregator(policy Policy, autoResolveThreshold int) *Aggregator {
	if policy == "" {
		policy = PolicyManual
	}
	return &Aggregator{Policy: policy, AutoResolveThreshold: autoResolveThreshold}
}

// Aggregate implements spec §4.7 steps 1-6: parse, group, detect, resolve,
// merge, emit. Files are processed in parallel (golang.org/x/sync/errgroup)
// since each file's conflict resolution is independent, then the combined
// output is assembled in lexicographic file order and ascending oldStart
// per file so the result is byte-identical for a given input (spec §8).
func (a *Aggregator) Aggregate(inputs []SubtaskDiff) (Result, error) {
	allFiles, err := a.parseAll(inputs)
	if err != nil {
		return Result{}, err
	}

	grouped, err := groupByPath(allFiles)
	if err != nil {
		return Result{}, err
	}

	paths := make([]string, 0, len(grouped))
	for p := range grouped {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	type fileResult struct {
		path      string
		merged    []Hunk
		summary   FileChangeSummary
		conflicts []Conflict
		isNew     bool
		isDeleted bool
	}
	results := make([]fileResult, len(paths))

	var g errgroup.Group
	for i, p := range paths {
		i, p := i, p
		files := grouped[p]
		g.Go(func() error {
			merged, conflicts := a.resolveFile(files)
			sort.Slice(merged, func(x, y int) bool { return merged[x].OldStart < merged[y].OldStart })
			// Rewrite each hunk's new-side start from the cumulative line
			// delta of the hunks before it, so headers stay consistent once
			// hunks from several subtasks share one file.
			offset := 0
			for k := range merged {
				newStart := merged[k].OldStart + offset
				if merged[k].OldLines == 0 {
					newStart++
				}
				if merged[k].NewLines == 0 {
					newStart--
				}
				merged[k].NewStart = newStart
				offset += merged[k].NewLines - merged[k].OldLines
			}

			var ins, del int
			contributors := map[string]bool{}
			var isNew, isDeleted bool
			for _, f := range files {
				if f.IsNewFile {
					isNew = true
				}
				if f.IsDeleted {
					isDeleted = true
				}
				contributors[f.SubtaskID] = true
			}
			for _, h := range merged {
				for _, l := range h.Body {
					if len(l) == 0 {
						continue
					}
					switch l[0] {
					case '+':
						ins++
					case '-':
						del++
					}
				}
			}
			subtaskIDs := make([]string, 0, len(contributors))
			for id := range contributors {
				subtaskIDs = append(subtaskIDs, id)
			}
			sort.Strings(subtaskIDs)

			results[i] = fileResult{
				path:   p,
				merged: merged,
				summary: FileChangeSummary{
					Path: p, Insertions: ins, Deletions: del,
					IsNewFile: isNew, IsDeleted: isDeleted,
					ContributingSubtask: subtaskIDs,
				},
				conflicts: conflicts,
				isNew:     isNew,
				isDeleted: isDeleted,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var allConflicts []Conflict
	for _, r := range results {
		allConflicts = append(allConflicts, r.conflicts...)
	}
	if len(allConflicts) > 0 {
		return Result{Conflicts: &ConflictReport{Conflicts: allConflicts}}, nil
	}

	var b strings.Builder
	summaries := make([]FileChangeSummary, 0, len(results))
	for _, r := range results {
		writeFileHeader(&b, r.path, r.isNew, r.isDeleted)
		for _, h := range r.merged {
			b.WriteString(renderHunk(h))
		}
		summaries = append(summaries, r.summary)
	}
	return Result{Diff: b.String(), Summaries: summaries}, nil
}

// parseAll runs parseUnifiedDiff over every subtask diff and rejects (spec
// §4.7 point 1) any file that one subtask creates from nothing while
// another subtask modifies it.
func (a *Aggregator) parseAll(inputs []SubtaskDiff) ([]FileDiff, error) {
	var all []FileDiff
	createdFrom := map[string]string{}
	modifiedBy := map[string]string{}
	for _, in := range inputs {
		files, err := parseUnifiedDiff(in.SubtaskID, in.Diff)
		if err != nil {
			return nil, fmt.Errorf("diffmerge: subtask %s: %w", in.SubtaskID, err)
		}
		for _, f := range files {
			if f.IsNewFile {
				createdFrom[f.Path] = in.SubtaskID
			} else {
				modifiedBy[f.Path] = in.SubtaskID
			}
		}
		all = append(all, files...)
	}
	for path, creator := range createdFrom {
		if modifier, ok := modifiedBy[path]; ok && modifier != creator {
			return nil, fmt.Errorf("diffmerge: %s created by subtask %s and modified by subtask %s", path, creator, modifier)
		}
	}
	return all, nil
}

func groupByPath(files []FileDiff) (map[string][]FileDiff, error) {
	out := map[string][]FileDiff{}
	for _, f := range files {
		if f.Path == "" {
			return nil, fmt.Errorf("diffmerge: file diff with empty path")
		}
		out[f.Path] = append(out[f.Path], f)
	}
	return out, nil
}

// resolveFile applies conflict detection and resolution (spec §4.7 points
// 3-4) to every hunk touching one file across its contributing subtasks.
func (a *Aggregator) resolveFile(files []FileDiff) ([]Hunk, []Conflict) {
	var hunks []Hunk
	for _, f := range files {
		hunks = append(hunks, f.Hunks...)
	}
	sort.SliceStable(hunks, func(i, j int) bool { return hunks[i].OldStart < hunks[j].OldStart })

	var resolved []Hunk
	var conflicts []Conflict
	used := make([]bool, len(hunks))

	for i := range hunks {
		if used[i] {
			continue
		}
		h := hunks[i]
		conflictIdx := -1
		for j := i + 1; j < len(hunks); j++ {
			if used[j] || hunks[j].SubtaskID == h.SubtaskID {
				continue
			}
			if h.overlaps(hunks[j]) {
				conflictIdx = j
				break
			}
		}
		if conflictIdx == -1 {
			used[i] = true
			resolved = append(resolved, h)
			continue
		}
		other := hunks[conflictIdx]
		used[i] = true
		used[conflictIdx] = true

		winner, ok := a.resolve(h, other)
		if !ok {
			conflicts = append(conflicts, Conflict{
				Path:  files[0].Path,
				A:     h,
				B:     other,
				AText: renderHunk(h),
				BText: renderHunk(other),
			})
			continue
		}
		resolved = append(resolved, winner)
	}
	return resolved, conflicts
}

// resolve applies the configured Policy to one conflicting hunk pair (spec
// §4.7 point 4). x is the hunk with the lower OldStart (input order breaks
// ties, via the stable sort in resolveFile), y the other.
func (a *Aggregator) resolve(x, y Hunk) (Hunk, bool) {
	switch a.Policy {
	case PolicyFirstWins:
		return x, true
	case PolicyLastWins:
		return y, true
	case PolicyMergeAdditive:
		if !x.IsPureAddition() || !y.IsPureAddition() {
			return Hunk{}, false
		}
		merged := mergeAdditions(x, y)
		total := 0
		for _, l := range merged.Body {
			if len(l) > 0 && l[0] == '+' {
				total++
			}
		}
		if a.AutoResolveThreshold > 0 && total > a.AutoResolveThreshold {
			return Hunk{}, false
		}
		return merged, true
	default: // PolicyManual
		return Hunk{}, false
	}
}

// mergeAdditions combines two pure-addition hunks covering the same
// old-line position into one hunk whose new-line count is their sum.
// Aggregate then rewrites every hunk's NewStart across the file from the
// cumulative line delta (spec §4.7 point 5).
func mergeAdditions(x, y Hunk) Hunk {
	body := make([]string, 0, len(x.Body)+len(y.Body))
	body = append(body, x.Body...)
	body = append(body, y.Body...)
	return Hunk{
		SubtaskID: x.SubtaskID + "+" + y.SubtaskID,
		OldStart:  x.OldStart,
		OldLines:  x.OldLines,
		NewStart:  x.NewStart,
		NewLines:  x.NewLines + y.NewLines,
		Body:      body,
	}
}

func writeFileHeader(b *strings.Builder, path string, isNew, isDeleted bool) {
	fmt.Fprintf(b, "diff --git a/%s b/%s\n", path, path)
	oldLabel, newLabel := "a/"+path, "b/"+path
	if isNew {
		oldLabel = "/dev/null"
	}
	if isDeleted {
		newLabel = "/dev/null"
	}
	fmt.Fprintf(b, "--- %s\n", oldLabel)
	fmt.Fprintf(b, "+++ %s\n", newLabel)
}
