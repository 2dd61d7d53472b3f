package albums

import (
	"context"
	"errors"
	"testing"
	"time"

	"telegram-radar/internal/domain/stream"
)

type fakeFetcher struct {
	fragments []*stream.Message
	err       error
	calls     int
}

func (f *fakeFetcher) Album(ctx context.Context, chatID, albumID int64, aroundID int) ([]*stream.Message, error) {
	f.calls++
	return f.fragments, f.err
}

func TestClaimOnlyFirstFragmentWins(t *testing.T) {
	t.Parallel()

	a := NewAssembler(&fakeFetcher{}, time.Minute)

	if !a.Claim(10, 500) {
		t.Fatal("first fragment must claim the album")
	}
	if a.Claim(10, 500) {
		t.Fatal("second fragment of the same album must not claim")
	}
	if !a.Claim(10, 501) {
		t.Fatal("different album must claim independently")
	}
	if !a.Claim(11, 500) {
		t.Fatal("same album id in another chat must claim independently")
	}
}

func TestClaimExpiresAfterWindow(t *testing.T) {
	t.Parallel()

	a := NewAssembler(&fakeFetcher{}, 15*time.Millisecond)

	if !a.Claim(10, 500) {
		t.Fatal("first claim must win")
	}
	time.Sleep(30 * time.Millisecond)
	if !a.Claim(10, 500) {
		t.Fatal("claim must be possible again after the window")
	}
}

func TestAssembleMergesFragments(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{fragments: []*stream.Message{
		{
			ID:     102,
			ChatID: 10,
			Text:   "подпись альбома",
			Link:   "https://t.me/c/10/102",
			Media:  []stream.Media{{Index: 0, Kind: stream.MediaPhoto}},
		},
		{
			ID:     101,
			ChatID: 10,
			Media:  []stream.Media{{Index: 0, Kind: stream.MediaPhoto}},
		},
		{
			ID:     103,
			ChatID: 10,
			Media:  []stream.Media{{Index: 0, Kind: stream.MediaVideo}},
		},
	}}
	a := NewAssembler(fetcher, time.Minute)

	merged, err := a.Assemble(context.Background(), &stream.Message{ID: 103, ChatID: 10, AlbumID: 500})
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if merged.ID != 101 {
		t.Fatalf("merged.ID = %d, want lowest fragment id 101", merged.ID)
	}
	if merged.Text != "подпись альбома" {
		t.Fatalf("merged.Text = %q, want first non-empty caption", merged.Text)
	}
	if merged.Link != "https://t.me/c/10/102" {
		t.Fatalf("merged.Link = %q, want the caption fragment link", merged.Link)
	}
	if len(merged.Media) != 3 {
		t.Fatalf("len(merged.Media) = %d, want 3", len(merged.Media))
	}
	for i, m := range merged.Media {
		if m.Index != i {
			t.Fatalf("media[%d].Index = %d, want %d", i, m.Index, i)
		}
	}
	if merged.Media[2].Kind != stream.MediaVideo {
		t.Fatalf("media order broken: last = %v, want video", merged.Media[2].Kind)
	}
}

func TestAssembleFetchFailureKeepsFragment(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{err: errors.New("flood wait")}
	a := NewAssembler(fetcher, time.Minute)

	original := &stream.Message{ID: 103, ChatID: 10, AlbumID: 500, Text: "кусок"}
	got, err := a.Assemble(context.Background(), original)
	if err == nil {
		t.Fatal("Assemble() must report the fetch error")
	}
	if got != original {
		t.Fatal("on fetch failure the claiming fragment itself must be returned")
	}
}

func TestAssembleEmptyHistoryKeepsFragment(t *testing.T) {
	t.Parallel()

	a := NewAssembler(&fakeFetcher{}, time.Minute)

	original := &stream.Message{ID: 103, ChatID: 10, AlbumID: 500}
	got, err := a.Assemble(context.Background(), original)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if got != original {
		t.Fatal("empty history must fall back to the claiming fragment")
	}
}
