package annotations

import (
	"context"
	"fmt"
	"testing"
)

func validStyle() Style {
	return Style{
		FontSize:   24,
		FontFamily: "Arial",
		Color:      "#FFFFFF",
		FontWeight: WeightNormal,
		FontSlant:  SlantNormal,
		TextAlign:  AlignLeft,
	}
}

func videoDraft(content string) Draft {
	return Draft{
		Content:   content,
		Position:  Position{X: 50, Y: 50},
		Style:     validStyle(),
		Timestamp: 10,
		Duration:  3,
	}
}

func documentDraft(content string, page int) Draft {
	return Draft{
		Content:  content,
		Position: Position{X: 50, Y: 50},
		Style:    validStyle(),
		Page:     page,
	}
}

type recordingPersister struct {
	saves  [][]Annotation
	failed bool
}

func (p *recordingPersister) SaveAnnotations(_ context.Context, _ string, list []Annotation) error {
	copied := make([]Annotation, len(list))
	copy(copied, list)
	p.saves = append(p.saves, copied)
	if p.failed {
		return fmt.Errorf("store unavailable")
	}
	return nil
}

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("ann-%d", p.next), nil
}

func mustStore(t *testing.T, kind MediaKind, persister Persister) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{
		FileID:     "file-1",
		Kind:       kind,
		Persister:  persister,
		IDProvider: &sequenceIDProvider{},
	})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store
}

func mustAdd(t *testing.T, store *Store, draft Draft) Annotation {
	t.Helper()
	annotation, err := store.Add(context.Background(), draft)
	if err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}
	return annotation
}
