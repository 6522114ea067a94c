package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "requests.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.InsertRequestLog(ctx, &RequestLog{
		RequestID:    "r1",
		SessionID:    "s1",
		Provider:     "deepseek",
		Model:        "deepseek-chat",
		Route:        "default",
		AuthType:     "client-oauth",
		InputTokens:  100,
		OutputTokens: 20,
		Status:       200,
		DurationMs:   123,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	logs, err := s.RecentRequestLogs(ctx, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("logs = %d rows", len(logs))
	}
	l := logs[0]
	if l.RequestID != "r1" || l.Provider != "deepseek" || l.InputTokens != 100 || l.Status != 200 {
		t.Fatalf("row = %+v", l)
	}
	if l.CreatedAt.IsZero() {
		t.Fatal("created_at not set")
	}
}

func TestUsagePeriods(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.InsertRequestLog(ctx, &RequestLog{RequestID: "r", InputTokens: 10, OutputTokens: 5})
	}
	s.InsertRequestLog(ctx, &RequestLog{
		RequestID:   "old",
		InputTokens: 1000,
		CreatedAt:   time.Now().Add(-40 * 24 * time.Hour),
	})

	periods, err := s.QueryUsagePeriods(ctx)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if len(periods) != 3 {
		t.Fatalf("periods = %d", len(periods))
	}
	today := periods[0]
	if today.Requests != 3 || today.InputTokens != 30 || today.OutputTokens != 15 {
		t.Fatalf("today = %+v", today)
	}
}

func TestPurgeOldLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.InsertRequestLog(ctx, &RequestLog{RequestID: "keep"})
	s.InsertRequestLog(ctx, &RequestLog{
		RequestID: "drop",
		CreatedAt: time.Now().Add(-48 * time.Hour),
	})

	n, err := s.PurgeOldLogs(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged = %d rows", n)
	}

	logs, _ := s.RecentRequestLogs(ctx, 10)
	if len(logs) != 1 || logs[0].RequestID != "keep" {
		t.Fatalf("remaining = %+v", logs)
	}
}
