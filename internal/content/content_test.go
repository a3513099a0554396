package content

import (
	"context"
	"testing"
)

func TestMemoryListFilters(t *testing.T) {
	t.Parallel()
	m := NewMemory([]Entry{
		{Item: Item{ID: "a", URL: "https://cdn/a.png"}, Category: "memes/cats", Bytes: 1024, ContentType: "image/png"},
		{Item: Item{ID: "b", URL: "https://cdn/b.jpg"}, Category: "memes/dogs", Bytes: 2048, ContentType: "image/jpeg"},
		{Item: Item{ID: "huge", URL: "https://cdn/huge.png"}, Category: "memes/cats", Bytes: 64 << 20, ContentType: "image/png"},
		{Item: Item{ID: "clip", URL: "https://cdn/clip.mp4"}, Category: "memes/cats", Bytes: 1024, ContentType: "video/mp4"},
		{Item: Item{ID: "priv", URL: "https://cdn/priv.png"}, Tenant: "alpha", Category: "memes/cats", Bytes: 512, ContentType: "image/png"},
		{Item: Item{ID: "other", URL: "https://cdn/o.png"}, Category: "banners", Bytes: 512, ContentType: "image/png"},
	})

	got, err := m.List(context.Background(), "alpha", "memes")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := map[string]bool{"a": true, "b": true, "priv": true}
	if len(got) != len(want) {
		t.Fatalf("got %d items, want %d: %+v", len(got), len(want), got)
	}
	for _, it := range got {
		if !want[it.ID] {
			t.Fatalf("unexpected item %q", it.ID)
		}
	}

	// Tenant-scoped entries stay invisible to other tenants.
	got, err = m.List(context.Background(), "beta", "memes")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, it := range got {
		if it.ID == "priv" {
			t.Fatal("tenant-scoped item leaked to another tenant")
		}
	}
}

func TestMemoryListEmpty(t *testing.T) {
	t.Parallel()
	m := NewMemory(nil)
	got, err := m.List(context.Background(), "alpha", "memes")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty pool, got %+v", got)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "etcd"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
