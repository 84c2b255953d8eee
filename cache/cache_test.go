package cache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/chazu/kiri/vm"
	"github.com/chazu/kiri/vm/wire"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "cache.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func answerBlock(name string) *vm.CodeBlock {
	b := vm.NewCodeBlockBuilder(name).Registers(1)
	b.Emit(vm.OpAssignConst, 0, b.Const(vm.FromInt(42)))
	b.Emit(vm.OpReturn, 0)
	return b.MustBuild()
}

func TestPutGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cb := answerBlock("answer")
	hash, err := s.Put(ctx, cb)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := wire.Hash(cb)
	if hash != wire.HashString(want) {
		t.Errorf("hash = %s, want %s", hash, wire.HashString(want))
	}

	got, err := s.Get(ctx, hash)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "answer" || got.ID != cb.ID {
		t.Errorf("got %s (%s), want answer (%s)", got.Name, got.ID, cb.ID)
	}
	result, err := vm.NewVM(vm.Config{}).Execute(got, vm.Invocation{})
	if err != nil || result.Int() != 42 {
		t.Errorf("cached block returned %v (%v), want 42", result, err)
	}
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get(context.Background(), "deadbeef"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPutSameContentOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	h1, _ := s.Put(ctx, answerBlock("answer"))
	h2, _ := s.Put(ctx, answerBlock("answer"))
	if h1 != h2 {
		t.Errorf("hashes differ: %s vs %s", h1, h2)
	}
	entries, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}
}

func TestListAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ha, _ := s.Put(ctx, answerBlock("a"))
	hb, _ := s.Put(ctx, answerBlock("b"))
	if ha == hb {
		t.Fatal("blocks with different names should hash differently")
	}

	entries, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Size == 0 || e.Stored.IsZero() {
			t.Errorf("entry %s has size %d stored %v", e.Hash, e.Size, e.Stored)
		}
	}

	if err := s.Delete(ctx, ha); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, ha); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}
	entries, _ = s.List(ctx)
	if len(entries) != 1 || entries[0].Name != "b" {
		t.Errorf("entries after delete = %v, want only b", entries)
	}
}

func TestLoad(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	data, err := wire.Marshal(answerBlock("loaded"))
	if err != nil {
		t.Fatal(err)
	}
	cb, hash, err := s.Load(ctx, data)
	if err != nil {
		t.Fatal(err)
	}
	if cb.Name != "loaded" {
		t.Errorf("name = %q, want loaded", cb.Name)
	}
	raw, err := s.GetRaw(ctx, hash)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != string(data) {
		t.Error("stored bytes differ from the loaded encoding")
	}

	if _, _, err := s.Load(ctx, []byte("not cbor")); err == nil {
		t.Error("expected a decoding error")
	}
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	hash, _ := s.Put(ctx, answerBlock("persisted"))
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.Path() != path {
		t.Errorf("path = %s, want %s", s.Path(), path)
	}
	if _, err := s.Get(ctx, hash); err != nil {
		t.Errorf("block lost across reopen: %v", err)
	}
}
