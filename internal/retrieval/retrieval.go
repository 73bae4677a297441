// Package retrieval classifies a natural-language query's intent and
// assembles retrieved screenshots into an LLM-ready context block,
// grounded on the teacher's RAG retrieval layer (intent-aware query
// rewriting before a hybrid search, then packing top hits into a bounded
// context window) adapted from document chunks to OCR'd screenshot text.
package retrieval

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"rewindos/internal/storage"
)

// Intent classifies what kind of query a user typed into search/chat.
type Intent int

const (
	IntentKeyword Intent = iota
	IntentTemporal
	IntentAppFilter
	IntentHybrid
)

func (i Intent) String() string {
	switch i {
	case IntentTemporal:
		return "temporal"
	case IntentAppFilter:
		return "app_filter"
	case IntentHybrid:
		return "hybrid"
	default:
		return "keyword"
	}
}

var temporalPhrases = []string{
	"yesterday", "today", "this morning", "last night", "this week",
	"last week", "this afternoon", "earlier today", "last month",
}

var appFilterPattern = regexp.MustCompile(`(?i)\b(?:in|on|within)\s+([A-Za-z0-9 _.-]+?)(?:$|\s+(?:about|regarding|related to)\b)`)

// ClassifyIntent inspects a raw query string for temporal and app-scoping
// cues, returning the strongest signal. A query with both a temporal
// phrase and an app filter classifies as IntentHybrid so callers can
// apply both extractors.
func ClassifyIntent(query string) Intent {
	lower := strings.ToLower(query)

	hasTemporal := false
	for _, phrase := range temporalPhrases {
		if strings.Contains(lower, phrase) {
			hasTemporal = true
			break
		}
	}
	hasAppFilter := appFilterPattern.MatchString(query)

	switch {
	case hasTemporal && hasAppFilter:
		return IntentHybrid
	case hasTemporal:
		return IntentTemporal
	case hasAppFilter:
		return IntentAppFilter
	default:
		return IntentKeyword
	}
}

// ExtractAppFilter pulls an "in <app>" / "on <app>" clause out of query,
// returning the cleaned remainder and the extracted app name, if any.
func ExtractAppFilter(query string) (cleaned string, appName *string) {
	loc := appFilterPattern.FindStringSubmatchIndex(query)
	if loc == nil {
		return query, nil
	}
	name := strings.TrimSpace(query[loc[2]:loc[3]])
	cleaned = strings.TrimSpace(query[:loc[0]] + query[loc[1]:])
	if cleaned == "" {
		cleaned = query
	}
	return cleaned, &name
}

// ExtractTimeRange resolves a recognized temporal phrase in query to a
// concrete [start, end) unix-second window relative to now, returning the
// query with the phrase stripped. A query with no recognized phrase
// returns nil bounds and the query unchanged.
func ExtractTimeRange(query string, now time.Time) (start, end *int64, cleaned string) {
	lower := strings.ToLower(query)
	dayStart := func(t time.Time) time.Time {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	}

	strip := func(phrase string) string {
		idx := strings.Index(lower, phrase)
		if idx < 0 {
			return query
		}
		return strings.TrimSpace(query[:idx] + query[idx+len(phrase):])
	}

	switch {
	case strings.Contains(lower, "yesterday"):
		s := dayStart(now.AddDate(0, 0, -1))
		e := dayStart(now)
		return unixPtr(s), unixPtr(e), strip("yesterday")
	case strings.Contains(lower, "today") || strings.Contains(lower, "this morning") || strings.Contains(lower, "this afternoon"):
		s := dayStart(now)
		for _, p := range []string{"today", "this morning", "this afternoon"} {
			if strings.Contains(lower, p) {
				return unixPtr(s), unixPtr(now), strip(p)
			}
		}
	case strings.Contains(lower, "last week"):
		s := dayStart(now.AddDate(0, 0, -7))
		return unixPtr(s), unixPtr(now), strip("last week")
	case strings.Contains(lower, "this week"):
		s := dayStart(now.AddDate(0, 0, -int(now.Weekday())))
		return unixPtr(s), unixPtr(now), strip("this week")
	case strings.Contains(lower, "last month"):
		s := dayStart(now.AddDate(0, -1, 0))
		return unixPtr(s), unixPtr(now), strip("last month")
	}
	return nil, nil, query
}

func unixPtr(t time.Time) *int64 {
	u := t.Unix()
	return &u
}

// MaxContextChars bounds AssembleContext's output, keeping a retrieval
// context block well within a typical small local model's context window.
const MaxContextChars = 8000

// AssembleContext packs ranked search results into a single text block
// suitable for an LLM prompt, in the order given, stopping once
// MaxContextChars would be exceeded rather than truncating mid-entry.
func AssembleContext(results []storage.SearchResult) string {
	var b strings.Builder
	for _, r := range results {
		app := "Unknown"
		if r.AppName != nil {
			app = *r.AppName
		}
		ts := time.Unix(r.Timestamp, 0).UTC().Format(time.RFC3339)

		entry := fmt.Sprintf("[%s] %s: %s\n", ts, app, r.MatchedText)
		if r.GroupCount > 1 {
			entry = fmt.Sprintf("[%s] %s (seen %d times): %s\n", ts, app, r.GroupCount, r.MatchedText)
		}

		if b.Len()+len(entry) > MaxContextChars {
			break
		}
		b.WriteString(entry)
	}
	return b.String()
}
