package faults

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfReturnsOutermostFaultKind(t *testing.T) {
	inner := New(KindRender, "export.document", "rasterize_failed", errors.New("page 3"))
	outer := New(KindSync, "annotations.add", "persist_failed", inner)

	if KindOf(outer) != KindSync {
		t.Fatalf("expected outermost kind sync, got %s", KindOf(outer))
	}
	if CodeOf(outer) != "annotations.add.persist_failed" {
		t.Fatalf("unexpected code: %s", CodeOf(outer))
	}
}

func TestKindOfSeesThroughWrapping(t *testing.T) {
	fault := New(KindQuota, "export.request", "quota_exhausted", nil)
	wrapped := fmt.Errorf("enqueue: %w", fault)

	if KindOf(wrapped) != KindQuota {
		t.Fatalf("expected quota kind through fmt wrapping, got %s", KindOf(wrapped))
	}
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	if KindOf(errors.New("plain")) != KindInternal {
		t.Fatalf("expected internal kind for plain errors")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("expected empty code for plain errors")
	}
}

func TestFaultErrorIncludesCauseAndCode(t *testing.T) {
	cause := errors.New("boom")
	fault := New(KindEngine, "export.video", "invoke_failed", cause)

	if fault.Error() != "export.video.invoke_failed: boom" {
		t.Fatalf("unexpected error string: %s", fault.Error())
	}
	if !errors.Is(fault, cause) {
		t.Fatalf("expected cause to be reachable via errors.Is")
	}
}
