package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestBolt(t *testing.T) (*BoltStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docs.db")
	s, err := OpenBolt(path)
	if err != nil {
		t.Fatal(err)
	}
	return s, path
}

func TestBoltStore_LoadMissing(t *testing.T) {
	s, _ := openTestBolt(t)
	defer s.Close()

	if _, err := s.Load(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestBoltStore_PersistAndLoad(t *testing.T) {
	s, _ := openTestBolt(t)
	defer s.Close()
	ctx := context.Background()

	if err := s.Persist(ctx, "notes/todo.md", "buy milk", "alice"); err != nil {
		t.Fatal(err)
	}

	info, err := s.Load(ctx, "notes/todo.md")
	if err != nil {
		t.Fatal(err)
	}
	if info.Path != "notes/todo.md" || info.Content != "buy milk" || info.UpdatedBy != "alice" {
		t.Errorf("info = %+v", info)
	}
	if info.CreatedAt.IsZero() || info.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestBoltStore_UpdateKeepsCreatedAt(t *testing.T) {
	s, _ := openTestBolt(t)
	defer s.Close()
	ctx := context.Background()

	if err := s.Persist(ctx, "doc", "v1", "alice"); err != nil {
		t.Fatal(err)
	}
	first, err := s.Load(ctx, "doc")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Persist(ctx, "doc", "v2", "bob"); err != nil {
		t.Fatal(err)
	}
	second, err := s.Load(ctx, "doc")
	if err != nil {
		t.Fatal(err)
	}

	if second.Content != "v2" || second.UpdatedBy != "bob" {
		t.Errorf("info = %+v", second)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
}

func TestBoltStore_List(t *testing.T) {
	s, _ := openTestBolt(t)
	defer s.Close()
	ctx := context.Background()

	for _, path := range []string{"b", "a", "c"} {
		if err := s.Persist(ctx, path, "", "u"); err != nil {
			t.Fatal(err)
		}
	}

	docs, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 3 {
		t.Fatalf("got %d docs, want 3", len(docs))
	}
	// bbolt iterates keys in byte order.
	for i, want := range []string{"a", "b", "c"} {
		if docs[i].Path != want {
			t.Errorf("docs[%d].Path = %q, want %q", i, docs[i].Path, want)
		}
	}
}

func TestBoltStore_SurvivesReopen(t *testing.T) {
	s, path := openTestBolt(t)
	ctx := context.Background()

	if err := s.Persist(ctx, "doc", "durable", "alice"); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenBolt(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	info, err := reopened.Load(ctx, "doc")
	if err != nil {
		t.Fatal(err)
	}
	if info.Content != "durable" {
		t.Errorf("content = %q, want %q", info.Content, "durable")
	}
}
