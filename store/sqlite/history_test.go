package sqlite

import (
	"context"
	"testing"
	"time"

	arbor "github.com/okvist/arbor"
)

func countRows(t *testing.T, s *Store, table string) int {
	t.Helper()
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestConversationLogRoundTrip(t *testing.T) {
	s := testStore(t)
	log := NewConversationLog(s)
	ctx := context.Background()

	log.LogUserMessage("webchat:t1", "Ann", "u1", "hello", map[string]any{"source": "webchat"})
	waitUntil(t, func() bool { return countRows(t, s, "conversation_messages") == 1 })
	log.LogAssistantMessage("webchat:t1", "hi Ann", "Ava")
	waitUntil(t, func() bool { return countRows(t, s, "conversation_messages") == 2 })

	messages, err := log.LoadRecent(ctx, "webchat:t1", 10)
	if err != nil {
		t.Fatalf("LoadRecent: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("messages = %d", len(messages))
	}
	// Chronological order: user first.
	if messages[0].Role != "user" || messages[0].Content != "hello" {
		t.Errorf("messages[0] = %+v", messages[0])
	}
	if messages[1].Role != "assistant" || messages[1].SenderName != "Ava" {
		t.Errorf("messages[1] = %+v", messages[1])
	}
}

func TestWorkerRunLifecycle(t *testing.T) {
	s := testStore(t)
	log := NewRunLog(s)
	ctx := context.Background()

	log.LogWorkerStarted("webchat:t1", "w1", "crunch numbers", "builtin", "ava")
	waitUntil(t, func() bool { return countRows(t, s, "worker_runs") == 1 })

	log.LogWorkerCompleted("w1", "42", true)
	log.LogWorkerTranscript("w1", []byte{1, 2, 3}, 7)
	waitUntil(t, func() bool {
		detail, ok, err := log.GetWorkerDetail(ctx, "ava", "w1")
		return err == nil && ok && detail.Status == "done" && detail.ToolCalls == 7
	})

	detail, ok, err := log.GetWorkerDetail(ctx, "ava", "w1")
	if err != nil || !ok {
		t.Fatalf("GetWorkerDetail: ok=%v err=%v", ok, err)
	}
	if detail.Result != "42" || !detail.HasTranscript {
		t.Errorf("detail = %+v", detail)
	}
	if detail.CompletedAt == nil {
		t.Error("completed_at not set")
	}

	runs, total, err := log.ListWorkerRuns(ctx, "ava", 10, 0, "")
	if err != nil {
		t.Fatalf("ListWorkerRuns: %v", err)
	}
	if total != 1 || len(runs) != 1 {
		t.Fatalf("runs = %d total = %d", len(runs), total)
	}
	if !runs[0].HasTranscript {
		t.Error("list should flag transcript presence")
	}

	// Status filter.
	_, total, _ = log.ListWorkerRuns(ctx, "ava", 10, 0, "failed")
	if total != 0 {
		t.Errorf("failed filter total = %d", total)
	}
}

func TestTaskPickupWorkerHasNoChannel(t *testing.T) {
	s := testStore(t)
	log := NewRunLog(s)
	ctx := context.Background()

	log.LogWorkerStarted("", "w1", "task #7", "task", "ava")
	waitUntil(t, func() bool { return countRows(t, s, "worker_runs") == 1 })

	detail, ok, _ := log.GetWorkerDetail(ctx, "ava", "w1")
	if !ok {
		t.Fatal("run not found")
	}
	if detail.ChannelID != "" {
		t.Errorf("channel = %q, want empty for pickup worker", detail.ChannelID)
	}
}

// seedTimeline writes one message, branch run, and worker run with
// controlled timestamps.
func seedTimeline(t *testing.T, s *Store) {
	t.Helper()
	base := time.Now().Add(-time.Hour).UnixMilli()
	mustExec := func(query string, args ...any) {
		t.Helper()
		if _, err := s.db.Exec(query, args...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	mustExec(`INSERT INTO conversation_messages (id, channel_id, role, content, created_at) VALUES ('msg1', 'ch', 'user', 'first', ?)`, base)
	mustExec(`INSERT INTO branch_runs (id, channel_id, description, conclusion, started_at, completed_at) VALUES ('br1', 'ch', 'think', 'thought', ?, ?)`, base+1000, base+2000)
	mustExec(`INSERT INTO conversation_messages (id, channel_id, role, content, created_at) VALUES ('msg2', 'ch', 'assistant', 'reply', ?)`, base+3000)
	mustExec(`INSERT INTO worker_runs (id, channel_id, agent_id, task, status, started_at) VALUES ('w1', 'ch', 'ava', 'work', 'running', ?)`, base+4000)
	mustExec(`INSERT INTO conversation_messages (id, channel_id, role, content, created_at) VALUES ('other', 'elsewhere', 'user', 'not ours', ?)`, base+500)
}

func TestTimelineChronologicalAndBounded(t *testing.T) {
	s := testStore(t)
	log := NewRunLog(s)
	seedTimeline(t, s)
	ctx := context.Background()

	items, err := log.LoadChannelTimeline(ctx, "ch", 10, nil)
	if err != nil {
		t.Fatalf("LoadChannelTimeline: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("items = %d", len(items))
	}
	// Monotonically non-decreasing timestamps.
	for i := 1; i < len(items); i++ {
		if items[i].Timestamp.Before(items[i-1].Timestamp) {
			t.Errorf("timeline out of order at %d", i)
		}
	}
	wantTypes := []arbor.TimelineItemType{
		arbor.TimelineMessage, arbor.TimelineBranchRun,
		arbor.TimelineMessage, arbor.TimelineWorkerRun,
	}
	for i, want := range wantTypes {
		if items[i].Type != want {
			t.Errorf("items[%d].Type = %s, want %s", i, items[i].Type, want)
		}
	}
	if items[1].Conclusion != "thought" {
		t.Errorf("branch item = %+v", items[1])
	}

	// Limit is honored: the newest N survive the DESC query.
	limited, _ := log.LoadChannelTimeline(ctx, "ch", 2, nil)
	if len(limited) != 2 {
		t.Fatalf("limited = %d", len(limited))
	}
	if limited[0].ID != "msg2" || limited[1].ID != "w1" {
		t.Errorf("limited = %+v", limited)
	}
}

func TestTimelineKeysetPagination(t *testing.T) {
	s := testStore(t)
	log := NewRunLog(s)
	seedTimeline(t, s)
	ctx := context.Background()

	// First page: the two newest.
	page1, err := log.LoadChannelTimeline(ctx, "ch", 2, nil)
	if err != nil {
		t.Fatalf("page1: %v", err)
	}
	if len(page1) != 2 {
		t.Fatalf("page1 = %d", len(page1))
	}

	// Second page: strictly older than the first page's oldest item.
	before := page1[0].Timestamp
	page2, err := log.LoadChannelTimeline(ctx, "ch", 2, &before)
	if err != nil {
		t.Fatalf("page2: %v", err)
	}
	if len(page2) != 2 {
		t.Fatalf("page2 = %d", len(page2))
	}
	if page2[0].ID != "msg1" || page2[1].ID != "br1" {
		t.Errorf("page2 = %v, %v", page2[0].ID, page2[1].ID)
	}
	// No overlap between pages.
	for _, older := range page2 {
		for _, newer := range page1 {
			if older.ID == newer.ID {
				t.Errorf("item %s on both pages", older.ID)
			}
		}
	}
}

func TestCortexLogRoundTrip(t *testing.T) {
	s := testStore(t)
	log := NewCortexLog(s)
	ctx := context.Background()

	log.Log("bulletin_generated", "Bulletin generated: 6 words", map[string]any{"word_count": 6})
	log.Log("warmup_succeeded", "Warmup pass completed", nil)
	waitUntil(t, func() bool { return countRows(t, s, "cortex_events") == 2 })

	all, err := log.LoadEvents(ctx, 10, 0, "")
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("events = %d", len(all))
	}

	bulletins, err := log.LoadEvents(ctx, 10, 0, "bulletin_generated")
	if err != nil {
		t.Fatalf("filtered LoadEvents: %v", err)
	}
	if len(bulletins) != 1 {
		t.Fatalf("filtered = %d", len(bulletins))
	}
	if wc, ok := bulletins[0].Details["word_count"].(float64); !ok || wc != 6 {
		t.Errorf("details = %+v", bulletins[0].Details)
	}

	count, err := log.CountEvents(ctx, "warmup_succeeded")
	if err != nil || count != 1 {
		t.Errorf("count = %d err = %v", count, err)
	}
}

func TestProfileUpsert(t *testing.T) {
	s := testStore(t)
	profiles := NewProfileStore(s)
	ctx := context.Background()

	now := time.Now().UTC()
	first := arbor.AgentProfile{
		AgentID: "ava", DisplayName: "Ava", Status: "thinking", Bio: "an agent",
		AvatarSeed: "ava", GeneratedAt: now, UpdatedAt: now,
	}
	if err := profiles.UpsertProfile(ctx, first); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}

	second := first
	second.Status = "resting"
	second.UpdatedAt = now.Add(time.Minute)
	if err := profiles.UpsertProfile(ctx, second); err != nil {
		t.Fatalf("second UpsertProfile: %v", err)
	}

	loaded, ok, err := profiles.LoadProfile(ctx, "ava")
	if err != nil || !ok {
		t.Fatalf("LoadProfile: ok=%v err=%v", ok, err)
	}
	if loaded.Status != "resting" {
		t.Errorf("status = %q, want updated", loaded.Status)
	}
	if loaded.DisplayName != "Ava" {
		t.Errorf("display name = %q", loaded.DisplayName)
	}

	if _, ok, _ := profiles.LoadProfile(ctx, "ghost"); ok {
		t.Error("missing profile reported found")
	}
}
