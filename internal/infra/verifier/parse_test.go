package verifier

import (
	"errors"
	"reflect"
	"testing"
)

func TestDecodeVerdict(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		raw     string
		want    Verdict
		wantErr bool
	}{
		{
			name: "bareJSON",
			raw:  `{"match": true, "confidence": 0.9, "comment": "подходит"}`,
			want: Verdict{Match: true, Confidence: 0.9, Comment: "подходит"},
		},
		{
			name: "codeFenced",
			raw:  "```json\n{\"match\": true, \"confidence\": 0.8, \"comment\": \"ок\", \"matched_items\": [\"iPhone 15 Pro\"]}\n```",
			want: Verdict{Match: true, Confidence: 0.8, Comment: "ок", MatchedItems: []string{"iPhone 15 Pro"}},
		},
		{
			name: "fenceWithoutLabel",
			raw:  "```\n{\"match\": false, \"confidence\": 0.2, \"comment\": \"не то\"}\n```",
			want: Verdict{Match: false, Confidence: 0.2, Comment: "не то"},
		},
		{
			name: "surroundingProse",
			raw:  "Вот мой ответ:\n{\"match\": true, \"confidence\": 0.7, \"comment\": \"да\"}\nНадеюсь, это помогло!",
			want: Verdict{Match: true, Confidence: 0.7, Comment: "да"},
		},
		{
			name: "confidenceClamped",
			raw:  `{"match": true, "confidence": 1.4, "comment": ""}`,
			want: Verdict{Match: true, Confidence: 1},
		},
		{
			name: "photoIndices",
			raw:  `{"match": true, "confidence": 0.6, "comment": "", "matched_photo_indices": [0, 2]}`,
			want: Verdict{Match: true, Confidence: 0.6, MatchedPhotos: []int{0, 2}},
		},
		{
			name:    "totalGarbage",
			raw:     "извините, я не могу это оценить",
			wantErr: true,
		},
		{
			name:    "brokenWindow",
			raw:     "{match: yes}",
			wantErr: true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := decodeVerdict(tc.raw)
			if tc.wantErr {
				if !errors.Is(err, ErrUnparsable) {
					t.Fatalf("decodeVerdict() error = %v, want ErrUnparsable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeVerdict() error: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("decodeVerdict() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestDecodeBatch(t *testing.T) {
	t.Parallel()

	raw := "```json\n" +
		`[{"id": 100, "match": true, "confidence": 0.9, "comment": "да"},` +
		`{"id": 105, "match": false, "confidence": 0.1, "comment": "нет"}]` +
		"\n```"

	got, err := decodeBatch(raw)
	if err != nil {
		t.Fatalf("decodeBatch() error: %v", err)
	}
	want := map[int]Verdict{
		100: {Match: true, Confidence: 0.9, Comment: "да"},
		105: {Match: false, Confidence: 0.1, Comment: "нет"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("decodeBatch() = %+v, want %+v", got, want)
	}

	if _, err := decodeBatch("ответ потерялся"); !errors.Is(err, ErrUnparsable) {
		t.Fatalf("decodeBatch(garbage) error = %v, want ErrUnparsable", err)
	}
}
