package api

// FieldChange records a scalar value that differs between two versions.
type FieldChange struct {
	Field  string
	Before string
	After  string
}

// StepChange describes a step present in both versions whose content differs.
type StepChange struct {
	StepOrder int
	// Diff is a human-readable field-level diff of the two steps.
	Diff string
}

// VersionDiff is the result of CompareVersions.
type VersionDiff struct {
	WorkflowID  string
	FromVersion int
	ToVersion   int

	StepCountBefore int
	StepCountAfter  int
	StepsAdded      []int
	StepsRemoved    []int
	StepsModified   []StepChange

	TriggersAdded   []string
	TriggersRemoved []string

	MetadataChanges []FieldChange
	// FieldChanges covers name and description.
	FieldChanges []FieldChange
}

// HasChanges reports whether the versions differ in anything compared.
func (d VersionDiff) HasChanges() bool {
	return d.StepCountBefore != d.StepCountAfter ||
		len(d.StepsAdded) > 0 || len(d.StepsRemoved) > 0 || len(d.StepsModified) > 0 ||
		len(d.TriggersAdded) > 0 || len(d.TriggersRemoved) > 0 ||
		len(d.MetadataChanges) > 0 || len(d.FieldChanges) > 0
}
