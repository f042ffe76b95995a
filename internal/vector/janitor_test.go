package vector

import (
	"context"
	"fmt"
	"testing"

	"github.com/heikob-lang/paperless-ai-high-performance/internal/archive"
)

type fakeStore struct {
	ids     []int
	deleted []int
}

func (f *fakeStore) ListIDs(context.Context) ([]int, error) {
	return f.ids, nil
}

func (f *fakeStore) Delete(_ context.Context, docID int) error {
	f.deleted = append(f.deleted, docID)
	return nil
}

type fakeDocs struct {
	missing map[int]bool
	broken  map[int]bool
}

func (f *fakeDocs) GetDocument(_ context.Context, id int) (*archive.Document, error) {
	if f.missing[id] {
		return nil, fmt.Errorf("archive GET /api/documents/%d/: %w", id, archive.ErrNotFound)
	}
	if f.broken[id] {
		return nil, fmt.Errorf("archive unreachable")
	}
	return &archive.Document{ID: id}, nil
}

func TestSweepRemovesOrphans(t *testing.T) {
	store := &fakeStore{ids: []int{1, 2, 3}}
	docs := &fakeDocs{missing: map[int]bool{2: true}}

	removed, err := NewJanitor(store, docs, nil).Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed %d, want 1", removed)
	}
	if len(store.deleted) != 1 || store.deleted[0] != 2 {
		t.Fatalf("deleted %v, want [2]", store.deleted)
	}
}

func TestSweepKeepsEntriesOnArchiveErrors(t *testing.T) {
	store := &fakeStore{ids: []int{7}}
	docs := &fakeDocs{broken: map[int]bool{7: true}}

	removed, err := NewJanitor(store, docs, nil).Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 0 || len(store.deleted) != 0 {
		t.Fatalf("entry must survive a transient archive error, deleted %v", store.deleted)
	}
}
