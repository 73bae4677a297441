package capture

import (
	"context"
	"testing"
	"time"
)

func TestMailboxGetReturnsLatestSet(t *testing.T) {
	m := NewMailbox[int]()
	m.Set(1)
	m.Set(2)
	m.Set(3)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	v, err := m.Get(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 3 {
		t.Fatalf("expected latest value 3, got %d", v)
	}
}

func TestMailboxGetBlocksUntilSet(t *testing.T) {
	m := NewMailbox[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := m.Get(ctx); err == nil {
		t.Fatalf("expected context deadline error on empty mailbox")
	}
}

func TestRestoreTokenRoundTripsThroughFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/restore_token"

	if tok := loadRestoreToken(path); tok != "" {
		t.Fatalf("expected empty token before save, got %q", tok)
	}

	saveRestoreToken(path, "abc123")
	if tok := loadRestoreToken(path); tok != "abc123" {
		t.Fatalf("expected abc123, got %q", tok)
	}
}
