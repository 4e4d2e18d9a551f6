package capability

import (
	"testing"
	"time"
)

func TestDetectReportsMissingTools(t *testing.T) {
	d := New(Spec{
		Name:          "widget",
		RequiredTools: []string{"definitely-not-a-real-binary-xyz"},
	})
	status := d.Get(0)
	if status.Ready {
		t.Fatal("expected Ready = false for a nonexistent binary")
	}
	if len(status.MissingTools) != 1 || status.MissingTools[0] != "definitely-not-a-real-binary-xyz" {
		t.Errorf("MissingTools = %v, want one entry", status.MissingTools)
	}
	if status.Message == "" {
		t.Error("expected a non-empty message")
	}
}

func TestDetectReadyWhenToolsPresent(t *testing.T) {
	d := New(Spec{
		Name:          "shell",
		RequiredTools: []string{"sh"},
	})
	status := d.Get(0)
	if !status.Ready {
		t.Fatalf("expected Ready = true, got %+v", status)
	}
	if len(status.MissingTools) != 0 {
		t.Errorf("MissingTools = %v, want none", status.MissingTools)
	}
}

func TestGetCachesWithinMaxAge(t *testing.T) {
	d := New(Spec{Name: "shell", RequiredTools: []string{"sh"}})
	first := d.Get(0)
	second := d.Get(time.Hour)
	if first.Ready != second.Ready {
		t.Errorf("expected cached result to be reused, got %+v vs %+v", first, second)
	}
	if d.checkedAt.IsZero() {
		t.Error("expected checkedAt to be set after Get")
	}
}
