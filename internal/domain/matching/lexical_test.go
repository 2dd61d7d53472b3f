package matching_test

import (
	"testing"

	"telegram-radar/internal/domain/matching"
)

func TestCoverage(t *testing.T) {
	t.Parallel()

	ix := matching.NewTextIndex("Продам iPhone 15 Pro Max, состояние идеал")

	cases := []struct {
		name    string
		keyword string
		want    float64
	}{
		{name: "exactWord", keyword: "iphone", want: 1},
		{name: "exactPhrase", keyword: "iphone 15", want: 1},
		{name: "shortKeywordSubstring", keyword: "15", want: 1},
		{name: "absentKeyword", keyword: "велосипед", want: 0},
		{name: "emptyKeyword", keyword: "", want: 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := ix.Coverage(tc.keyword); got != tc.want {
				t.Fatalf("Coverage(%q) = %v, want %v", tc.keyword, got, tc.want)
			}
		})
	}
}

func TestNegativeHit(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		text      string
		negatives []string
		wantHit   bool
		wantWord  string
	}{
		{
			name:      "phraseVerbatim",
			text:      "Продам айфон на запчасти, экран разбит",
			negatives: []string{"на запчасти"},
			wantHit:   true,
			wantWord:  "на запчасти",
		},
		{
			// Слова фразы есть в тексте, но стоят далеко друг от друга:
			// мостовые триграммы рвутся, отсев не срабатывает.
			name:      "wordsFarApart",
			text:      "на столе лежат запчасти от старого телефона",
			negatives: []string{"на запчасти"},
			wantHit:   false,
		},
		{
			name:      "secondPhraseFires",
			text:      "отдам даром, самовывоз",
			negatives: []string{"на запчасти", "отдам даром"},
			wantHit:   true,
			wantWord:  "отдам даром",
		},
		{
			name:      "blankPhrasesSkipped",
			text:      "продам гараж",
			negatives: []string{"", "   "},
			wantHit:   false,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ix := matching.NewTextIndex(tc.text)
			word, hit := ix.NegativeHit(tc.negatives)
			if hit != tc.wantHit {
				t.Fatalf("NegativeHit() = %v, want %v", hit, tc.wantHit)
			}
			if hit && word != tc.wantWord {
				t.Fatalf("NegativeHit() word = %q, want %q", word, tc.wantWord)
			}
		})
	}
}

func TestHasAllBridges(t *testing.T) {
	t.Parallel()

	ix := matching.NewTextIndex("продам iphone 15 pro")
	if !ix.HasAllBridges("iphone 15") {
		t.Error("HasAllBridges(adjacent phrase) = false")
	}
	if ix.HasAllBridges("продам pro") {
		t.Error("HasAllBridges(non-adjacent words) = true")
	}
	// У однословной фразы мостов нет.
	if !ix.HasAllBridges("iphone") {
		t.Error("HasAllBridges(single word) = false")
	}
}

func TestMatchLexical(t *testing.T) {
	t.Parallel()

	const threshold = 0.15

	t.Run("keywordsPresentPass", func(t *testing.T) {
		t.Parallel()

		ix := matching.NewTextIndex("Продам iPhone 15 Pro Max 256gb, торг")
		got := matching.MatchLexical(ix, []string{"iphone 15", "продам"}, "продам iphone", "", threshold)
		if !got.Pass || got.Fallback {
			t.Fatalf("MatchLexical() = %+v, want direct pass", got)
		}
		if got.Score < threshold {
			t.Fatalf("Score = %v, want >= %v", got.Score, threshold)
		}
	})

	t.Run("unrelatedTextScoresNearZero", func(t *testing.T) {
		t.Parallel()

		ix := matching.NewTextIndex("сегодня отличная погода, идём гулять в парк")
		got := matching.MatchLexical(ix, []string{"iphone"}, "куплю айфон", "куплю айфон в хорошем состоянии", threshold)
		if got.Pass {
			t.Fatalf("MatchLexical() = %+v, want reject", got)
		}
		if got.Score > 0.05 {
			t.Fatalf("Score = %v, want ~0", got.Score)
		}
	})

	t.Run("emptyKeywordsAndDescriptionNeverMatch", func(t *testing.T) {
		t.Parallel()

		ix := matching.NewTextIndex("любой текст")
		got := matching.MatchLexical(ix, []string{" ", ""}, "любой текст", "", threshold)
		if got.Pass || got.Score != 0 {
			t.Fatalf("MatchLexical() = %+v, want zero result", got)
		}
	})

	t.Run("queryFallbackRescues", func(t *testing.T) {
		t.Parallel()

		// Ключи сгенерированы мимо текста, но сам запрос в нём дословно.
		ix := matching.NewTextIndex("продам iphone 15 pro недорого")
		got := matching.MatchLexical(ix, []string{"горный велосипед"}, "продам iphone", "", threshold)
		if !got.Pass || !got.Fallback {
			t.Fatalf("MatchLexical() = %+v, want fallback pass", got)
		}
	})

	t.Run("descriptionAloneCanPass", func(t *testing.T) {
		t.Parallel()

		text := "продам детскую коляску прогулочную в отличном состоянии"
		ix := matching.NewTextIndex(text)
		got := matching.MatchLexical(ix, nil, "", text, threshold)
		if !got.Pass {
			t.Fatalf("MatchLexical() = %+v, want pass on identical description", got)
		}
	})
}
