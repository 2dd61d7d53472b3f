package notify

import (
	"reflect"
	"strings"
	"testing"

	"telegram-radar/internal/domain/stream"
)

func sampleEvent() Event {
	return Event{
		UserID:         42,
		SubscriptionID: 7,
		Query:          "iphone 15 pro",
		Message: &stream.Message{
			ID:     100,
			ChatID: 10,
			Text:   "Продаю iPhone 15 Pro Max 256gb, идеал. Цена 80000.",
			Sender: stream.User{FirstName: "Иван", LastName: "Петров"},
			Link:   "https://t.me/c/10/100",
		},
		ChatTitle: "Барахолка",
		Prose:     "Объявление о продаже именно iPhone 15 Pro.",
	}
}

func TestBuildPayloadPlainText(t *testing.T) {
	t.Parallel()

	p := BuildPayload(sampleEvent(), false)

	if p.UserID != 42 || p.MessageID != 100 || p.ChatID != 10 {
		t.Fatalf("payload identity = %+v", p)
	}
	for _, want := range []string{
		"«iphone 15 pro»",
		"Барахолка",
		"Иван Петров",
		"Продаю iPhone 15 Pro Max",
		"Объявление о продаже",
		"https://t.me/c/10/100",
	} {
		if !strings.Contains(p.Text, want) {
			t.Fatalf("payload text must contain %q:\n%s", want, p.Text)
		}
	}
	if strings.Contains(p.Text, "Конкуренция") {
		t.Fatalf("no competitor line expected:\n%s", p.Text)
	}
	if strings.Contains(p.Text, "Приоритетные") {
		t.Fatalf("no priority note expected:\n%s", p.Text)
	}
}

func TestBuildPayloadBullets(t *testing.T) {
	t.Parallel()

	ev := sampleEvent()
	ev.MatchedItems = []string{"iPhone 15 Pro 256gb", "зарядка в комплекте"}
	p := BuildPayload(ev, false)

	if !strings.Contains(p.Text, "• iPhone 15 Pro 256gb") || !strings.Contains(p.Text, "• зарядка в комплекте") {
		t.Fatalf("matched items must be bulleted:\n%s", p.Text)
	}
	if strings.Contains(p.Text, "Цена 80000") {
		t.Fatalf("original text must be replaced by bullets:\n%s", p.Text)
	}
}

func TestBuildPayloadCompetitorsAndPriority(t *testing.T) {
	t.Parallel()

	ev := sampleEvent()
	ev.Competitors = 10
	p := BuildPayload(ev, true)

	if !strings.Contains(p.Text, "Конкуренция: ~10") {
		t.Fatalf("competitor line missing:\n%s", p.Text)
	}
	if !strings.Contains(p.Text, "Приоритетные подписчики") {
		t.Fatalf("priority note missing:\n%s", p.Text)
	}
}

func TestBuildPayloadTrimsLongText(t *testing.T) {
	t.Parallel()

	ev := sampleEvent()
	ev.Message.Text = strings.Repeat("объявление ", 100)
	p := BuildPayload(ev, false)

	if !strings.Contains(p.Text, "…") {
		t.Fatalf("long text must be trimmed with ellipsis:\n%s", p.Text)
	}
}

func TestSelectMedia(t *testing.T) {
	t.Parallel()

	paths := []string{"a.jpg", "b.jpg", "c.jpg"}
	tests := []struct {
		name    string
		indices []int
		want    []string
	}{
		{name: "properSubset", indices: []int{0, 2}, want: []string{"a.jpg", "c.jpg"}},
		{name: "emptyIndices", indices: nil, want: paths},
		{name: "fullSet", indices: []int{0, 1, 2}, want: paths},
		{name: "outOfRange", indices: []int{5, -1}, want: paths},
		{name: "duplicates", indices: []int{1, 1}, want: []string{"b.jpg"}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := selectMedia(paths, tc.indices); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("selectMedia(%v) = %v, want %v", tc.indices, got, tc.want)
			}
		})
	}
	if got := selectMedia(nil, []int{0}); got != nil {
		t.Fatalf("selectMedia without media = %v, want nil", got)
	}
}
