package messages

import (
	"reflect"
	"testing"
)

func TestAddEvictsOldest(t *testing.T) {
	t.Parallel()

	cache := NewCache(3)
	for id := 1; id <= 5; id++ {
		cache.Add(10, Cached{ID: id, Text: "msg"})
	}

	got := cache.Messages(10)
	ids := make([]int, 0, len(got))
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	if want := []int{3, 4, 5}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("after eviction ids = %v, want %v", ids, want)
	}
}

func TestAddSameIDUpdatesWithoutGrowth(t *testing.T) {
	t.Parallel()

	cache := NewCache(3)
	cache.Add(10, Cached{ID: 1, Text: "первый"})
	cache.Add(10, Cached{ID: 2, Text: "второй"})
	cache.Add(10, Cached{ID: 1, Text: "первый, обновлён"})

	got := cache.Messages(10)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != 1 || got[0].Text != "первый, обновлён" {
		t.Fatalf("updated message = %+v", got[0])
	}
}

func TestUpdateText(t *testing.T) {
	t.Parallel()

	cache := NewCache(10)
	cache.Add(10, Cached{ID: 7, Text: "до правки", SenderID: 42})
	cache.UpdateText(10, 7, "после правки")
	cache.UpdateText(10, 99, "нет такого")
	cache.UpdateText(11, 7, "нет такого чата")

	got := cache.Messages(10)
	if len(got) != 1 || got[0].Text != "после правки" {
		t.Fatalf("messages = %+v", got)
	}
	if got[0].SenderID != 42 {
		t.Fatalf("update must keep sender, got %+v", got[0])
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()

	cache := NewCache(10)
	for id := 1; id <= 4; id++ {
		cache.Add(10, Cached{ID: id})
	}
	cache.Delete(10, 2, 4, 99)

	got := cache.Messages(10)
	ids := make([]int, 0, len(got))
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	if want := []int{1, 3}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("after delete ids = %v, want %v", ids, want)
	}
}

func TestReadyFlag(t *testing.T) {
	t.Parallel()

	cache := NewCache(10)
	if cache.Ready(10) {
		t.Fatal("chat must not be ready before warmup")
	}
	cache.MarkReady(10)
	if !cache.Ready(10) {
		t.Fatal("chat must be ready after MarkReady")
	}
	// Пустой чат тоже может быть прогрет.
	cache.MarkReady(11)
	if !cache.Ready(11) {
		t.Fatal("empty chat must be ready after MarkReady")
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	cache := NewCache(10)
	cache.Add(10, Cached{ID: 1})
	cache.Add(10, Cached{ID: 2})
	cache.Add(20, Cached{ID: 1})
	cache.MarkReady(20)

	got := cache.Stats()
	want := Stats{Chats: 2, Messages: 3, Ready: 1}
	if got != want {
		t.Fatalf("Stats() = %+v, want %+v", got, want)
	}
}
