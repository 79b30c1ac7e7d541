package web

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"modelqueue-worker/internal/events"
)

var knownEventTypes = []string{
	events.TypeClaimed,
	events.TypeFinished,
	events.TypeRetried,
	events.TypeCanceled,
	events.TypeReclaimed,
	events.TypeFault,
	events.TypeLostRace,
	events.TypeCorrupt,
	events.TypeWorker,
}

// eventFilter holds the /events query conditions; all of them must hold.
type eventFilter []func(events.Event) bool

func parseEventFilter(query url.Values) (eventFilter, error) {
	var filter eventFilter
	field := func(name string, get func(events.Event) string) {
		if want := strings.TrimSpace(query.Get(name)); want != "" {
			filter = append(filter, func(e events.Event) bool { return get(e) == want })
		}
	}
	field("queue", func(e events.Event) string { return e.Queue })
	field("worker_id", func(e events.Event) string { return e.WorkerID })
	field("task_id", func(e events.Event) string { return e.TaskID })
	field("level", func(e events.Event) string { return e.Level })

	if raw, ok := query["type"]; ok {
		var types []string
		for _, t := range strings.Split(strings.Join(raw, ","), ",") {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			if !slices.Contains(knownEventTypes, t) {
				return nil, fmt.Errorf("unknown event type %q", t)
			}
			types = append(types, t)
		}
		if len(types) == 0 {
			return nil, fmt.Errorf("type filter is empty")
		}
		filter = append(filter, func(e events.Event) bool { return slices.Contains(types, e.Type) })
	}
	return filter, nil
}

func (f eventFilter) Matches(event events.Event) bool {
	for _, cond := range f {
		if !cond(event) {
			return false
		}
	}
	return true
}
