package engine

import (
	"sort"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/petrijr/approvalflow/pkg/api"
)

// Nil and empty collections are the same thing in a stored definition.
var stepDiffOptions = []cmp.Option{cmpopts.EquateEmpty()}

func compareDefinitions(from, to api.WorkflowDefinition) api.VersionDiff {
	diff := api.VersionDiff{
		WorkflowID:      to.ID,
		FromVersion:     from.Version,
		ToVersion:       to.Version,
		StepCountBefore: len(from.Steps),
		StepCountAfter:  len(to.Steps),
	}

	before := make(map[int]api.WorkflowStep, len(from.Steps))
	for _, s := range from.Steps {
		before[s.StepOrder] = s
	}
	after := make(map[int]api.WorkflowStep, len(to.Steps))
	for _, s := range to.Steps {
		after[s.StepOrder] = s
	}

	for order, a := range after {
		b, ok := before[order]
		if !ok {
			diff.StepsAdded = append(diff.StepsAdded, order)
			continue
		}
		if d := cmp.Diff(b, a, stepDiffOptions...); d != "" {
			diff.StepsModified = append(diff.StepsModified, api.StepChange{StepOrder: order, Diff: d})
		}
	}
	for order := range before {
		if _, ok := after[order]; !ok {
			diff.StepsRemoved = append(diff.StepsRemoved, order)
		}
	}
	sort.Ints(diff.StepsAdded)
	sort.Ints(diff.StepsRemoved)
	sort.Slice(diff.StepsModified, func(i, j int) bool {
		return diff.StepsModified[i].StepOrder < diff.StepsModified[j].StepOrder
	})

	diff.TriggersAdded, diff.TriggersRemoved = stringSetDiff(from.Triggers, to.Triggers)
	diff.MetadataChanges = mapChanges(from.Metadata, to.Metadata)

	if from.Name != to.Name {
		diff.FieldChanges = append(diff.FieldChanges, api.FieldChange{Field: "name", Before: from.Name, After: to.Name})
	}
	if from.Description != to.Description {
		diff.FieldChanges = append(diff.FieldChanges, api.FieldChange{Field: "description", Before: from.Description, After: to.Description})
	}
	return diff
}

func stringSetDiff(before, after []string) (added, removed []string) {
	in := func(set []string, s string) bool {
		for _, v := range set {
			if v == s {
				return true
			}
		}
		return false
	}
	for _, s := range api.UniqueStrings(after) {
		if !in(before, s) {
			added = append(added, s)
		}
	}
	for _, s := range api.UniqueStrings(before) {
		if !in(after, s) {
			removed = append(removed, s)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// mapChanges lists added (empty Before), removed (empty After) and changed keys.
func mapChanges(before, after map[string]string) []api.FieldChange {
	var out []api.FieldChange
	for k, b := range before {
		a, ok := after[k]
		if !ok || a != b {
			out = append(out, api.FieldChange{Field: k, Before: b, After: a})
		}
	}
	for k, a := range after {
		if _, ok := before[k]; !ok {
			out = append(out, api.FieldChange{Field: k, Before: "", After: a})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}
