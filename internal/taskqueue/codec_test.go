package taskqueue

import (
	"testing"
	"time"
)

func TestEncodeDecodeTask_RoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	later := now.Add(5 * time.Minute)

	orig := Task{
		ID:              "id-123",
		Type:            TaskTypeNotify,
		InstanceID:      "inst-1",
		Event:           "approval_requested",
		Step:            2,
		WorkflowID:      "budget-approval",
		WorkflowVersion: 3,
		EntityType:      "budget",
		EntityID:        "B-7",
		Status:          "in_progress",
		EnqueuedAt:      now,
		NotBefore:       later,
		Attempts:        3,
	}

	data, err := EncodeTask(orig)
	if err != nil {
		t.Fatalf("EncodeTask error: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("EncodeTask returned empty bytes")
	}

	got, err := DecodeTask(data)
	if err != nil {
		t.Fatalf("DecodeTask error: %v", err)
	}

	// Times are compared with Equal since gob drops the monotonic reading.
	if !got.EnqueuedAt.Equal(orig.EnqueuedAt) {
		t.Fatalf("EnqueuedAt mismatch: got %v want %v", got.EnqueuedAt, orig.EnqueuedAt)
	}
	if !got.NotBefore.Equal(orig.NotBefore) {
		t.Fatalf("NotBefore mismatch: got %v want %v", got.NotBefore, orig.NotBefore)
	}
	got.EnqueuedAt, got.NotBefore = orig.EnqueuedAt, orig.NotBefore
	if *got != orig {
		t.Fatalf("task mismatch:\n got  %#v\n want %#v", *got, orig)
	}
}

func TestDecodeTask_InvalidData_ReturnsError(t *testing.T) {
	bad := []byte{taskFormat, 0x01, 0x02, 0x03, 0xFF}
	if task, err := DecodeTask(bad); err == nil {
		t.Fatalf("expected error, got task: %#v", task)
	}
}

func TestPrepare_FillsDefaults(t *testing.T) {
	now := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

	got := prepare(Task{Type: TaskTypeExpire, InstanceID: "i-1"}, now)
	if got.ID == "" {
		t.Fatalf("expected generated ID")
	}
	if !got.EnqueuedAt.Equal(now) || !got.NotBefore.Equal(now) {
		t.Fatalf("expected timestamps at %v, got %v / %v", now, got.EnqueuedAt, got.NotBefore)
	}

	later := now.Add(time.Hour)
	kept := prepare(Task{ID: "fixed", NotBefore: later}, now)
	if kept.ID != "fixed" || !kept.NotBefore.Equal(later) {
		t.Fatalf("explicit fields overwritten: %#v", kept)
	}
}

func TestDecodeTask_UnknownFormat(t *testing.T) {
	data, err := EncodeTask(Task{ID: "x", Type: TaskTypeNotify})
	if err != nil {
		t.Fatalf("EncodeTask error: %v", err)
	}
	data[0] = 0x7F
	if _, err := DecodeTask(data); err == nil {
		t.Fatalf("expected error for unknown format byte")
	}
	if _, err := DecodeTask(nil); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}
