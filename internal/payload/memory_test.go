package payload

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_PutGet(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()
	ctx := context.Background()

	if err := s.Put(ctx, "a", []byte("hello world"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	tests := []struct {
		offset, count int64
		want          string
	}{
		{0, 0, "hello world"},
		{6, 0, "world"},
		{0, 5, "hello"},
		{6, 100, "world"},
		{11, 0, ""},
	}
	for _, tt := range tests {
		got, err := s.Get(ctx, "a", tt.offset, tt.count)
		if err != nil {
			t.Fatalf("Get(%d, %d): %v", tt.offset, tt.count, err)
		}
		if string(got) != tt.want {
			t.Fatalf("Get(%d, %d) = %q, want %q", tt.offset, tt.count, got, tt.want)
		}
	}

	if _, err := s.Get(ctx, "a", 12, 0); err == nil {
		t.Fatal("expected error for offset past end")
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()

	_, err := s.Get(context.Background(), "missing", 0, 0)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	s := NewMemoryStore(10 * time.Millisecond)
	defer s.Close()
	ctx := context.Background()

	if err := s.Put(ctx, "short", []byte("x"), 20*time.Millisecond); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	if _, err := s.Get(ctx, "short", 0, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
	if n := s.Len(); n != 0 {
		t.Fatalf("Len = %d after eviction, want 0", n)
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()
	ctx := context.Background()

	_ = s.Put(ctx, "a", []byte("x"), 0)
	ok, err := s.Delete(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("Delete existing = %v, %v", ok, err)
	}
	ok, err = s.Delete(ctx, "a")
	if err != nil || ok {
		t.Fatalf("Delete missing = %v, %v", ok, err)
	}
}

func TestMemoryStore_CopiesInput(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()
	ctx := context.Background()

	buf := []byte("abc")
	_ = s.Put(ctx, "a", buf, 0)
	buf[0] = 'z'

	got, _ := s.Get(ctx, "a", 0, 0)
	if string(got) != "abc" {
		t.Fatalf("stored value changed with caller buffer: %q", got)
	}
}
