package web

import (
	"net/url"
	"testing"

	"modelqueue-worker/internal/events"
)

func TestEventFilterMatches(t *testing.T) {
	query, _ := url.ParseQuery("queue=default&worker_id=w1&task_id=t42&type=task_finished,task_fault&level=info")
	filter, err := parseEventFilter(query)
	if err != nil {
		t.Fatalf("parse filter: %v", err)
	}
	match := events.Event{Queue: "default", WorkerID: "w1", TaskID: "t42", Type: events.TypeFinished, Level: "info"}
	if !filter.Matches(match) {
		t.Fatal("expected filter to match")
	}

	mismatches := map[string]func(*events.Event){
		"queue":  func(e *events.Event) { e.Queue = "other" },
		"worker": func(e *events.Event) { e.WorkerID = "w2" },
		"task":   func(e *events.Event) { e.TaskID = "t7" },
		"type":   func(e *events.Event) { e.Type = events.TypeClaimed },
		"level":  func(e *events.Event) { e.Level = "warn" },
	}
	for name, mutate := range mismatches {
		ev := match
		mutate(&ev)
		if filter.Matches(ev) {
			t.Fatalf("expected %s mismatch to fail", name)
		}
	}
}

func TestEventFilterEmptyMatchesAll(t *testing.T) {
	filter, err := parseEventFilter(url.Values{})
	if err != nil {
		t.Fatal(err)
	}
	if !filter.Matches(events.Event{Type: events.TypeWorker}) {
		t.Fatal("expected empty filter to match everything")
	}
}

func TestEventFilterRepeatedTypeParams(t *testing.T) {
	query, _ := url.ParseQuery("type=task_fault&type=finalize_lost")
	filter, err := parseEventFilter(query)
	if err != nil {
		t.Fatal(err)
	}
	if !filter.Matches(events.Event{Type: events.TypeLostRace}) || filter.Matches(events.Event{Type: events.TypeClaimed}) {
		t.Fatal("expected repeated type params to be combined")
	}
}

func TestEventFilterInvalidType(t *testing.T) {
	for _, raw := range []string{"type=,,", "type=task_exploded"} {
		query, _ := url.ParseQuery(raw)
		if _, err := parseEventFilter(query); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}
