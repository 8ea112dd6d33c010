package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/you/livechat-harvester/internal/core"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Order represents the chronological order to use when listing events.
type Order string

const (
	// OrderDesc returns events newest first.
	OrderDesc Order = "desc"
	// OrderAsc returns events oldest first.
	OrderAsc Order = "asc"
)

// Filters captures the parsed query parameters for event lookups.
type Filters struct {
	// Authors match an author id exactly or a display name by substring,
	// case-insensitively.
	Authors []string
	// Types are upper-cased message types (CHAT, DONATION, ...).
	Types []string
	Since *time.Time
	Limit int
	Order Order
}

// ParseFilters parses query parameters into a Filters struct.
func ParseFilters(values url.Values) (Filters, error) {
	f := Filters{
		Limit: defaultLimit,
		Order: OrderDesc,
	}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Filters{}, errors.New("limit must be a positive integer")
		}
		if n > maxLimit {
			n = maxLimit
		}
		f.Limit = n
	}

	if raw := values.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "desc":
			f.Order = OrderDesc
		case "asc":
			f.Order = OrderAsc
		default:
			return Filters{}, errors.New("order must be asc or desc")
		}
	}

	if rawSince := values.Get("since"); rawSince != "" {
		parsed, err := parseSince(rawSince)
		if err != nil {
			return Filters{}, err
		}
		f.Since = &parsed
	}

	for _, raw := range collect(values, "type") {
		for _, part := range strings.Split(raw, ",") {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			if part == "ALL" || part == "*" {
				f.Types = nil
				return withAuthors(f, values), nil
			}
			if !validType(part) {
				return Filters{}, errors.New("invalid type filter")
			}
			if !contains(f.Types, part) {
				f.Types = append(f.Types, part)
			}
		}
	}

	return withAuthors(f, values), nil
}

func withAuthors(f Filters, values url.Values) Filters {
	for _, raw := range collect(values, "author") {
		for _, part := range strings.Split(raw, ",") {
			lowered := strings.ToLower(strings.TrimSpace(part))
			if lowered != "" && !contains(f.Authors, lowered) {
				f.Authors = append(f.Authors, lowered)
			}
		}
	}
	return f
}

// FiltersFromRequest parses filters from an HTTP request.
func FiltersFromRequest(r *http.Request) (Filters, error) {
	return ParseFilters(r.URL.Query())
}

func collect(values url.Values, key string) []string {
	out := values[key]
	if out == nil {
		return nil
	}
	return out
}

func contains(values []string, v string) bool {
	for _, existing := range values {
		if existing == v {
			return true
		}
	}
	return false
}

func validType(t string) bool {
	switch t {
	case "CHAT", "DONATION", "EVENT", "NOTICE":
		return true
	default:
		return false
	}
}

func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d).UTC(), nil
	}
	return time.Time{}, errors.New("invalid since parameter")
}

// SinceMicros is Since as microseconds since epoch, the unit of
// ChatEvent.Timestamp. Zero when unset.
func (f Filters) SinceMicros() int64 {
	if f.Since == nil {
		return 0
	}
	return f.Since.UnixMicro()
}

// Matches reports whether the provided event satisfies the filters.
func (f Filters) Matches(ev core.ChatEvent) bool {
	if len(f.Types) > 0 && !contains(f.Types, strings.ToUpper(ev.MessageType)) {
		return false
	}

	if len(f.Authors) > 0 {
		id := strings.ToLower(ev.Author.ID)
		name := strings.ToLower(ev.Author.DisplayName)
		match := false
		for _, a := range f.Authors {
			if id == a || (name != "" && strings.Contains(name, a)) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if f.Since != nil && ev.Timestamp < f.SinceMicros() {
		return false
	}

	return true
}

// CloneForStream returns a copy of the filters adjusted for streaming transports.
func (f Filters) CloneForStream() Filters {
	f.Limit = 0
	return f
}
