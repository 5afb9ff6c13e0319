package tokencount

import "testing"

func TestCountIsDeterministicAndPositive(t *testing.T) {
	c := New()
	a := c.Count("gpt-4", "the quick brown fox jumps over the lazy dog")
	b := c.Count("gpt-4", "the quick brown fox jumps over the lazy dog")
	if a != b {
		t.Fatalf("count not deterministic: %d vs %d", a, b)
	}
	if a <= 0 {
		t.Fatalf("expected positive count, got %d", a)
	}
}

func TestCountEmptyIsZero(t *testing.T) {
	c := New()
	if got := c.Count("gpt-4", ""); got != 0 {
		t.Fatalf("expected 0 for empty text, got %d", got)
	}
}

func TestClearDoesNotChangeResult(t *testing.T) {
	c := New()
	before := c.Count("claude-3", "some text to budget")
	c.Clear()
	after := c.Count("claude-3", "some text to budget")
	if before != after {
		t.Fatalf("clear changed result: %d vs %d", before, after)
	}
}
