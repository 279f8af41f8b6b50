package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gosuri/uitable"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/approvalflow"
)

func newTable(header ...any) *uitable.Table {
	table := uitable.New()
	table.AddRow(header...)
	return table
}

func printTable(out io.Writer, table *uitable.Table) error {
	_, err := fmt.Fprintln(out, table)
	return err
}

func printYAML(out io.Writer, v any) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func printInstances(out io.Writer, instances []*approvalflow.WorkflowInstance) error {
	table := newTable("ID", "WORKFLOW", "VERSION", "ENTITY", "STEP", "STATUS")
	for _, inst := range instances {
		table.AddRow(inst.ID, inst.WorkflowID, inst.WorkflowVersion, inst.EntityType+"/"+inst.EntityID, inst.CurrentStep, inst.Status)
	}
	return printTable(out, table)
}

func printStatus(out io.Writer, s *approvalflow.InstanceStatus) error {
	inst := s.Instance
	fmt.Fprintf(out, "Instance:  %s\n", inst.ID)
	fmt.Fprintf(out, "Workflow:  %s v%d\n", inst.WorkflowID, inst.WorkflowVersion)
	fmt.Fprintf(out, "Entity:    %s/%s\n", inst.EntityType, inst.EntityID)
	fmt.Fprintf(out, "Status:    %s\n", inst.Status)
	fmt.Fprintf(out, "Step:      %d\n", inst.CurrentStep)
	if inst.CancellationReason != "" {
		fmt.Fprintf(out, "Reason:    %s\n", inst.CancellationReason)
	}
	fmt.Fprintf(out, "Tally:     %d approved, %d rejected, %d expired, %d outstanding of %d\n",
		s.Tally.Approved, s.Tally.Rejected, s.Tally.Expired, s.Tally.Outstanding, s.Tally.Eligible)

	if len(s.Approvals) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	table := newTable("APPROVER", "ROUND", "STATUS", "DECIDED", "EXPIRES", "DELEGATED TO")
	for _, a := range s.Approvals {
		table.AddRow(a.ApproverID, a.Round, a.Status, formatTime(a.ApprovedAt), formatTime(a.ExpiresAt), dash(a.DelegatedTo))
	}
	return printTable(out, table)
}

func printHistory(out io.Writer, events []approvalflow.WorkflowEvent) error {
	table := newTable("TIME", "EVENT", "VERSION", "STEP", "ACTOR", "DETAIL")
	for _, ev := range events {
		table.AddRow(ev.At.UTC().Format(time.RFC3339), ev.Type, ev.WorkflowVersion, ev.Step, dash(ev.Actor), dash(ev.Detail))
	}
	return printTable(out, table)
}

func printDiff(out io.Writer, d approvalflow.VersionDiff) {
	fmt.Fprintf(out, "%s: version %d -> %d\n", d.WorkflowID, d.FromVersion, d.ToVersion)
	if !d.HasChanges() {
		fmt.Fprintln(out, "no changes")
		return
	}
	fmt.Fprintf(out, "steps: %d -> %d\n", d.StepCountBefore, d.StepCountAfter)
	for _, c := range d.FieldChanges {
		fmt.Fprintf(out, "~ %s: %q -> %q\n", c.Field, c.Before, c.After)
	}
	for _, n := range d.StepsAdded {
		fmt.Fprintf(out, "+ step %d\n", n)
	}
	for _, n := range d.StepsRemoved {
		fmt.Fprintf(out, "- step %d\n", n)
	}
	for _, c := range d.StepsModified {
		fmt.Fprintf(out, "~ step %d\n", c.StepOrder)
		for _, line := range strings.Split(strings.TrimRight(c.Diff, "\n"), "\n") {
			fmt.Fprintf(out, "    %s\n", line)
		}
	}
	for _, t := range d.TriggersAdded {
		fmt.Fprintf(out, "+ trigger %s\n", t)
	}
	for _, t := range d.TriggersRemoved {
		fmt.Fprintf(out, "- trigger %s\n", t)
	}
	for _, c := range d.MetadataChanges {
		fmt.Fprintf(out, "~ metadata %s: %q -> %q\n", c.Field, c.Before, c.After)
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
