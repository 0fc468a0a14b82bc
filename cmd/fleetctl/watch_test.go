package main

import "testing"

func TestPadRight(t *testing.T) {
	if got := padRight("ab", 5); got != "ab   " {
		t.Fatalf("padRight = %q", got)
	}
	if got := padRight("abcdef", 5); got != "abcde" {
		t.Fatalf("padRight = %q", got)
	}
}

func TestWatchTypeStyleForKnownPrefixes(t *testing.T) {
	cases := map[string]string{
		"task.started":          "task",
		"continuation.backoff":  "continuation",
		"delegation.spawned":    "delegation",
		"a2a.send":              "a2a",
		"lifecycle:start":       "lifecycle",
		"milestone.sync_failed": "milestone",
	}
	for eventType, prefix := range cases {
		got := watchTypeStyleFor(eventType).Render("x")
		want := watchTypeStyles[prefix].Render("x")
		if got != want {
			t.Fatalf("watchTypeStyleFor(%q) rendered %q, want %q", eventType, got, want)
		}
	}
}

func TestWatchTypeStyleForUnknownPrefixFallsBackToDefault(t *testing.T) {
	got := watchTypeStyleFor("mystery.event").Render("x")
	want := "x"
	if got != want {
		t.Fatalf("expected unstyled render %q, got %q", want, got)
	}
}
