package events

import (
	"errors"
	"testing"

	"pgregory.net/rapid"
)

func TestParseNarrow(t *testing.T) {
	tests := []struct {
		name    string
		pairs   [][]string
		want    []NarrowTerm
		wantErr bool
	}{
		{
			name:  "empty",
			pairs: nil,
			want:  []NarrowTerm{},
		},
		{
			name:  "stream and subject alias",
			pairs: [][]string{{"stream", "Denmark"}, {"subject", "lunch"}},
			want:  []NarrowTerm{{NarrowStream, "Denmark"}, {NarrowTopic, "lunch"}},
		},
		{
			name:  "sender and is private",
			pairs: [][]string{{"Sender", "a@example.com"}, {"is", "Private"}},
			want:  []NarrowTerm{{NarrowSender, "a@example.com"}, {NarrowIs, NarrowIsPrivate}},
		},
		{name: "unknown operator", pairs: [][]string{{"near", "5"}}, wantErr: true},
		{name: "unsupported is operand", pairs: [][]string{{"is", "starred"}}, wantErr: true},
		{name: "short pair", pairs: [][]string{{"stream"}}, wantErr: true},
		{name: "empty operand", pairs: [][]string{{"stream", "  "}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNarrow(tt.pairs)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidFilter) {
					t.Fatalf("expected ErrInvalidFilter, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d terms, got %d", len(tt.want), len(got))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("term %d: expected %+v, got %+v", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestFilter_AcceptsPrivateNarrow(t *testing.T) {
	narrow, _ := ParseNarrow([][]string{{"is", "private"}})
	f := Filter{Narrow: narrow}

	private := MessageEvent{Message: Message{Type: RecipientPrivate, DisplayRecipient: []PrivateRecipient{}}}
	stream := streamMessage(1, "general", "t", "x@example.com")

	if !f.Accepts(NewEvent(private, 0)) {
		t.Error("private message rejected by is:private")
	}
	if f.Accepts(NewEvent(stream, 0)) {
		t.Error("stream message accepted by is:private")
	}
	if !f.Accepts(NewEvent(&private, 0)) {
		t.Error("*MessageEvent payloads must be narrowed the same way")
	}
}

func TestFilter_TopicRequiresStreamMessage(t *testing.T) {
	narrow, _ := ParseNarrow([][]string{{"topic", "Lunch"}})
	f := Filter{Narrow: narrow}

	if !f.Accepts(NewEvent(streamMessage(1, "general", "lunch", "x@example.com"), 0)) {
		t.Error("topic match must ignore case")
	}
	private := MessageEvent{Message: Message{Type: RecipientPrivate, Subject: "lunch"}}
	if f.Accepts(NewEvent(private, 0)) {
		t.Error("private messages have no topic")
	}
}

func TestFilter_ValidateRejectsMalformedTerms(t *testing.T) {
	f := Filter{Narrow: []NarrowTerm{{Operator: NarrowOperator(99), Operand: "x"}}}
	if !errors.Is(f.Validate(), ErrInvalidFilter) {
		t.Error("unknown operator passed validation")
	}
	if err := (Filter{EventTypes: KnownEventTypes}).Validate(); err != nil {
		t.Errorf("known types rejected: %v", err)
	}
}

// A nil allow-list admits every type; an empty one admits none.
func TestProperty_WantsTypeMatchesAllowList(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		allowed := rapid.SliceOfDistinct(rapid.SampledFrom(KnownEventTypes), rapid.ID[string]).Draw(t, "allowed")
		probe := rapid.SampledFrom(KnownEventTypes).Draw(t, "probe")

		f := Filter{EventTypes: append([]string{}, allowed...)}
		want := false
		for _, a := range allowed {
			if a == probe {
				want = true
			}
		}
		if f.WantsType(probe) != want {
			t.Fatalf("WantsType(%q) with %v = %v", probe, allowed, !want)
		}
		if !(Filter{}).WantsType(probe) {
			t.Fatal("nil allow-list must admit every type")
		}
	})
}

// The wire form of a parsed narrow parses back to the same terms.
func TestProperty_NarrowPairsParseBack(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 4).Draw(t, "terms")
		pairs := make([][]string, n)
		for i := range pairs {
			op := rapid.SampledFrom([]string{"stream", "topic", "sender", "is"}).Draw(t, "op")
			operand := rapid.StringMatching(`[a-z][a-z0-9]{0,10}`).Draw(t, "operand")
			if op == "is" {
				operand = NarrowIsPrivate
			}
			pairs[i] = []string{op, operand}
		}

		terms, err := ParseNarrow(pairs)
		if err != nil {
			t.Fatalf("ParseNarrow(%v): %v", pairs, err)
		}
		again, err := ParseNarrow(Filter{Narrow: terms}.NarrowPairs())
		if err != nil {
			t.Fatalf("reparse: %v", err)
		}
		for i := range terms {
			if terms[i] != again[i] {
				t.Fatalf("term %d changed: %+v -> %+v", i, terms[i], again[i])
			}
		}
	})
}
