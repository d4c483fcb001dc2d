package infer

import (
	"strings"
	"testing"
)

func TestDetokenizerHoldsPartialCharacters(t *testing.T) {
	t.Parallel()

	// "é" is 0xC3 0xA9.
	ids := byteIDs("café!")
	d := NewDetokenizer(byteTokenizer{})

	var got []string
	for i := 1; i <= len(ids); i++ {
		delta, err := d.Next(ids[:i], false)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, delta)
	}
	want := []string{"c", "a", "f", "", "é", "!"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("got deltas %q, want %q", got, want)
	}
}

func TestDetokenizerIdempotent(t *testing.T) {
	t.Parallel()

	d := NewDetokenizer(byteTokenizer{})
	ids := byteIDs("hello")
	first, err := d.Next(ids, false)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first != "hello" {
		t.Fatalf("first delta = %q, want %q", first, "hello")
	}
	second, err := d.Next(ids, false)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if second != "" {
		t.Fatalf("second delta = %q, want empty", second)
	}
}

func TestDetokenizerFlushesOnFinish(t *testing.T) {
	t.Parallel()

	d := NewDetokenizer(byteTokenizer{})
	ids := []int{'o', 'k', 0xC3}

	delta, _ := d.Next(ids[:2], false)
	if delta != "ok" {
		t.Fatalf("delta = %q, want %q", delta, "ok")
	}
	delta, _ = d.Next(ids, false)
	if delta != "" {
		t.Fatalf("delta = %q, want the dangling byte held back", delta)
	}
	delta, _ = d.Next(ids, true)
	if delta != "\xc3" {
		t.Fatalf("finished delta = %q, want the dangling byte", delta)
	}
	delta, _ = d.Next(ids, true)
	if delta != "" {
		t.Fatalf("delta after finish = %q, want empty", delta)
	}
}

func TestDetokenizerConcatenationMatchesDecode(t *testing.T) {
	t.Parallel()

	texts := []string{
		"plain ascii text",
		"naïve façade ☃ snowman 🎉 party",
		"日本語のテキスト",
	}
	for _, text := range texts {
		ids := byteIDs(text)
		d := NewDetokenizer(byteTokenizer{})
		var b strings.Builder
		for i := 1; i <= len(ids); i++ {
			delta, err := d.Next(ids[:i], i == len(ids))
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			b.WriteString(delta)
		}
		if b.String() != text {
			t.Fatalf("concatenated %q, want %q", b.String(), text)
		}
	}
}

func TestDetokenizerReset(t *testing.T) {
	t.Parallel()

	d := NewDetokenizer(byteTokenizer{})
	_, _ = d.Next(byteIDs("abc"), true)
	d.Reset()
	delta, _ := d.Next(byteIDs("xy"), false)
	if delta != "xy" {
		t.Fatalf("delta after reset = %q, want %q", delta, "xy")
	}
}
