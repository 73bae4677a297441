package retrieval

import (
	"testing"
	"time"

	"rewindos/internal/storage"
)

func TestClassifyIntentKeyword(t *testing.T) {
	if got := ClassifyIntent("budget spreadsheet"); got != IntentKeyword {
		t.Fatalf("expected keyword intent, got %s", got)
	}
}

func TestClassifyIntentTemporal(t *testing.T) {
	if got := ClassifyIntent("what did I look at yesterday"); got != IntentTemporal {
		t.Fatalf("expected temporal intent, got %s", got)
	}
}

func TestClassifyIntentAppFilter(t *testing.T) {
	if got := ClassifyIntent("errors in Slack"); got != IntentAppFilter {
		t.Fatalf("expected app_filter intent, got %s", got)
	}
}

func TestClassifyIntentHybrid(t *testing.T) {
	if got := ClassifyIntent("what happened yesterday in Slack"); got != IntentHybrid {
		t.Fatalf("expected hybrid intent, got %s", got)
	}
}

func TestExtractAppFilterStripsClause(t *testing.T) {
	cleaned, app := ExtractAppFilter("invoice totals in Excel")
	if app == nil || *app != "Excel" {
		t.Fatalf("expected app Excel, got %v", app)
	}
	if cleaned != "invoice totals" {
		t.Fatalf("expected cleaned query without app clause, got %q", cleaned)
	}
}

func TestExtractAppFilterNoMatch(t *testing.T) {
	cleaned, app := ExtractAppFilter("invoice totals")
	if app != nil {
		t.Fatalf("expected nil app, got %v", *app)
	}
	if cleaned != "invoice totals" {
		t.Fatalf("expected unchanged query, got %q", cleaned)
	}
}

func TestExtractTimeRangeYesterday(t *testing.T) {
	now := time.Date(2026, 7, 30, 14, 0, 0, 0, time.UTC)
	start, end, cleaned := ExtractTimeRange("meeting notes yesterday", now)

	if start == nil || end == nil {
		t.Fatalf("expected non-nil time bounds")
	}
	wantStart := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC).Unix()
	if *start != wantStart {
		t.Fatalf("expected start %d, got %d", wantStart, *start)
	}
	if cleaned != "meeting notes" {
		t.Fatalf("expected phrase stripped, got %q", cleaned)
	}
}

func TestExtractTimeRangeNoMatch(t *testing.T) {
	now := time.Now()
	start, end, cleaned := ExtractTimeRange("budget spreadsheet", now)
	if start != nil || end != nil {
		t.Fatalf("expected nil bounds for non-temporal query")
	}
	if cleaned != "budget spreadsheet" {
		t.Fatalf("expected unchanged query, got %q", cleaned)
	}
}

func TestAssembleContextFormatsEntries(t *testing.T) {
	app := "firefox"
	results := []storage.SearchResult{
		{Timestamp: 0, AppName: &app, MatchedText: "hello world", GroupCount: 1},
	}
	ctx := AssembleContext(results)
	if ctx == "" {
		t.Fatalf("expected non-empty context")
	}
}

func TestAssembleContextStopsAtBudget(t *testing.T) {
	var results []storage.SearchResult
	for i := 0; i < 1000; i++ {
		results = append(results, storage.SearchResult{MatchedText: "filler text that repeats quite a lot here"})
	}
	ctx := AssembleContext(results)
	if len(ctx) > MaxContextChars+200 {
		t.Fatalf("expected context capped near budget, got len %d", len(ctx))
	}
}
