package logging

import (
	"context"
	"log/slog"
	"net/url"
	"slices"
	"strings"
)

const redactedValue = "[REDACTED]"

// Keys whose values are task data or connection strings. Payloads and
// process output can carry anything a producer put in them.
var sensitiveKeys = []string{
	"authorization",
	"body",
	"database_url",
	"dsn",
	"headers",
	"payload",
	"stderr",
	"stdout",
}

var sensitiveFragments = []string{"secret", "token", "password", "apikey", "api_key", "authorization"}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(key)
	if lower == "" {
		return false
	}
	if slices.Contains(sensitiveKeys, lower) {
		return true
	}
	return slices.ContainsFunc(sensitiveFragments, func(f string) bool {
		return strings.Contains(lower, f)
	})
}

// scrubURLs hides the password of any URL with credentials inside s, such as
// a connection string echoed in a driver error.
func scrubURLs(s string) string {
	if !strings.Contains(s, "://") || !strings.Contains(s, "@") {
		return s
	}
	fields := strings.Fields(s)
	changed := false
	for i, field := range fields {
		trimmed := strings.Trim(field, `"'(),;`)
		u, err := url.Parse(trimmed)
		if err != nil || u.User == nil {
			continue
		}
		if _, ok := u.User.Password(); !ok {
			continue
		}
		fields[i] = strings.Replace(field, trimmed, u.Redacted(), 1)
		changed = true
	}
	if !changed {
		return s
	}
	return strings.Join(fields, " ")
}

func redactAttr(attr slog.Attr) slog.Attr {
	if shouldRedactKey(attr.Key) {
		return slog.String(attr.Key, redactedValue)
	}
	value := attr.Value.Resolve()
	switch value.Kind() {
	case slog.KindGroup:
		group := value.Group()
		out := make([]slog.Attr, len(group))
		for i, item := range group {
			out[i] = redactAttr(item)
		}
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(out...)}
	case slog.KindString:
		if s := value.String(); scrubURLs(s) != s {
			return slog.String(attr.Key, scrubURLs(s))
		}
	case slog.KindAny:
		if err, ok := value.Any().(error); ok {
			if msg := err.Error(); scrubURLs(msg) != msg {
				return slog.String(attr.Key, scrubURLs(msg))
			}
		}
	}
	return slog.Attr{Key: attr.Key, Value: value}
}

// redactingHandler rewrites attributes before they reach the wrapped
// handler, both per record and those bound with Logger.With.
type redactingHandler struct {
	next slog.Handler
}

func newRedactingHandler(next slog.Handler) slog.Handler {
	return &redactingHandler{next: next}
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.NumAttrs() == 0 {
		return h.next.Handle(ctx, r)
	}
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = redactAttr(a)
	}
	return &redactingHandler{next: h.next.WithAttrs(out)}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{next: h.next.WithGroup(name)}
}
