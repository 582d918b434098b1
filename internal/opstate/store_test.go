package opstate

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)

	v, err := s.Get(context.Background(), "email_poll", "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != "" {
		t.Errorf("value = %q, want empty", v)
	}
}

func TestSetGetOverwrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "email_poll", "inbox", "42"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, _ := s.Get(ctx, "email_poll", "inbox"); v != "42" {
		t.Errorf("value = %q, want 42", v)
	}

	if err := s.Set(ctx, "email_poll", "inbox", "99"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if v, _ := s.Get(ctx, "email_poll", "inbox"); v != "99" {
		t.Errorf("value = %q, want 99", v)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Set(ctx, "a", "k", "1")
	s.Set(ctx, "b", "k", "2")

	if v, _ := s.Get(ctx, "a", "k"); v != "1" {
		t.Errorf("a/k = %q", v)
	}
	if v, _ := s.Get(ctx, "b", "k"); v != "2" {
		t.Errorf("b/k = %q", v)
	}
}

func TestDeleteAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Set(ctx, "ns", "one", "1")
	s.Set(ctx, "ns", "two", "2")

	if err := s.Delete(ctx, "ns", "one"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "ns", "ghost"); err != nil {
		t.Errorf("deleting missing key: %v", err)
	}

	all, err := s.List(ctx, "ns")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 || all["two"] != "2" {
		t.Errorf("List = %v", all)
	}

	empty, err := s.List(ctx, "void")
	if err != nil {
		t.Fatalf("List empty: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("empty namespace = %v, want empty map", empty)
	}
}
