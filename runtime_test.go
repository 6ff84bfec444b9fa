package arbor

import (
	"testing"
	"time"
)

func TestBulletinAge(t *testing.T) {
	nowMS := int64(10_000_000)
	if got := BulletinAge(0, nowMS); got != -1 {
		t.Errorf("no refresh: age = %d, want -1", got)
	}
	if got := BulletinAge(nowMS-5000, nowMS); got != 5 {
		t.Errorf("age = %d, want 5", got)
	}
	// Clock skew clamps to zero, never negative.
	if got := BulletinAge(nowMS+5000, nowMS); got != 0 {
		t.Errorf("future refresh: age = %d, want 0", got)
	}
}

func TestWarmupStatusHydrateRecomputesAge(t *testing.T) {
	status := WarmupStatus{State: WarmupWarm, LastRefreshUnixMS: NowUnixMilli() - 3000}
	hydrated := status.Hydrate(NowUnixMilli())
	if hydrated.BulletinAgeSecs < 2 || hydrated.BulletinAgeSecs > 4 {
		t.Errorf("age = %d, want ~3", hydrated.BulletinAgeSecs)
	}
	// Hydrate copies; the original is untouched.
	if status.BulletinAgeSecs != 0 {
		t.Errorf("original mutated: %d", status.BulletinAgeSecs)
	}
}

func TestLastRefreshIsMonotonic(t *testing.T) {
	rc := NewRuntimeConfig("agent")
	rc.UpdateWarmupStatus(func(s *WarmupStatus) {
		s.LastRefreshUnixMS = 1000
	})
	// An update that tries to roll the stamp back is clamped forward.
	rc.UpdateWarmupStatus(func(s *WarmupStatus) {
		s.LastRefreshUnixMS = 500
	})
	if got := rc.WarmupStatusPtr.Load().LastRefreshUnixMS; got != 1000 {
		t.Errorf("last refresh = %d, want 1000 (monotonic)", got)
	}
	// Moving forward still works.
	rc.UpdateWarmupStatus(func(s *WarmupStatus) {
		s.LastRefreshUnixMS = 2000
	})
	if got := rc.WarmupStatusPtr.Load().LastRefreshUnixMS; got != 2000 {
		t.Errorf("last refresh = %d, want 2000", got)
	}
}

func TestRuntimeConfigAtomicSwap(t *testing.T) {
	rc := NewRuntimeConfig("agent")

	snapshot := rc.Routing.Load()
	updated := *snapshot
	updated.Channel = "openai/gpt-4.1"
	rc.Routing.Store(&updated)

	// The earlier snapshot is unchanged; new readers see the new value.
	if snapshot.Channel == "openai/gpt-4.1" {
		t.Error("published update mutated an existing snapshot")
	}
	if rc.Routing.Load().Channel != "openai/gpt-4.1" {
		t.Error("new snapshot missing update")
	}
}

func TestRuntimeConfigBulletinSwap(t *testing.T) {
	rc := NewRuntimeConfig("agent")
	if rc.Bulletin() != "" {
		t.Errorf("initial bulletin = %q", rc.Bulletin())
	}
	rc.SetBulletin("fresh briefing")
	if rc.Bulletin() != "fresh briefing" {
		t.Errorf("bulletin = %q", rc.Bulletin())
	}
}

func TestReadyForWork(t *testing.T) {
	rc := NewRuntimeConfig("agent")
	if rc.ReadyForWork() {
		t.Error("cold agent should not be ready")
	}
	rc.UpdateWarmupStatus(func(s *WarmupStatus) {
		s.State = WarmupWarm
		s.LastRefreshUnixMS = NowUnixMilli()
	})
	if !rc.ReadyForWork() {
		t.Error("warm agent should be ready")
	}
	rc.UpdateWarmupStatus(func(s *WarmupStatus) { s.State = WarmupDegraded })
	if rc.ReadyForWork() {
		t.Error("degraded agent should not be ready")
	}
}

func TestMemoryTypeDefaultImportance(t *testing.T) {
	cases := map[MemoryType]float32{
		MemoryIdentity:    1.0,
		MemoryDecision:    0.8,
		MemoryPreference:  0.7,
		MemoryFact:        0.6,
		MemoryGoal:        0.6,
		MemoryTodo:        0.5,
		MemoryEvent:       0.4,
		MemoryObservation: 0.3,
	}
	for memType, want := range cases {
		if got := memType.DefaultImportance(); got != want {
			t.Errorf("%s importance = %v, want %v", memType, got, want)
		}
	}
}

func TestNewMemoryClampsImportance(t *testing.T) {
	m := NewMemory("x", MemoryFact).WithImportance(1.7)
	if m.Importance != 1.0 {
		t.Errorf("importance = %v, want clamped 1.0", m.Importance)
	}
	m = m.WithImportance(-0.5)
	if m.Importance != 0 {
		t.Errorf("importance = %v, want clamped 0", m.Importance)
	}
}

func TestAssociationWeightClamp(t *testing.T) {
	a := NewAssociation("s", "t", RelatedTo).WithWeight(2)
	if a.Weight != 1 {
		t.Errorf("weight = %v", a.Weight)
	}
	a = a.WithWeight(-1)
	if a.Weight != 0 {
		t.Errorf("weight = %v", a.Weight)
	}
}

func TestRelationTraversalMultipliers(t *testing.T) {
	cases := map[RelationType]float64{
		Updates: 1.5, CausedBy: 1.3, ResultOf: 1.3,
		RelatedTo: 1.0, PartOf: 0.8, Contradicts: 0.5,
	}
	for relation, want := range cases {
		if got := relation.TraversalMultiplier(); got != want {
			t.Errorf("%s multiplier = %v, want %v", relation, got, want)
		}
	}
	if !RelatedTo.Recurses() || !PartOf.Recurses() {
		t.Error("related_to and part_of should recurse")
	}
	for _, relation := range []RelationType{Updates, Contradicts, CausedBy, ResultOf} {
		if relation.Recurses() {
			t.Errorf("%s should not recurse", relation)
		}
	}
}

func TestCoalesceTimerBounds(t *testing.T) {
	c := newCoalescer(CoalesceConfig{Enabled: true, DebounceMS: 100, MaxWaitMS: 250})

	wait := c.add(InboundMessage{ID: "1", SenderID: "u", Content: TextContent("a")})
	if wait != 100*time.Millisecond {
		t.Errorf("first wait = %v, want debounce", wait)
	}
	// Debounce keeps resetting until max-wait takes over.
	time.Sleep(80 * time.Millisecond)
	wait = c.add(InboundMessage{ID: "2", SenderID: "u", Content: TextContent("b")})
	if wait > 100*time.Millisecond {
		t.Errorf("second wait = %v, should not exceed debounce", wait)
	}
	time.Sleep(120 * time.Millisecond)
	wait = c.add(InboundMessage{ID: "3", SenderID: "u", Content: TextContent("c")})
	if wait >= 100*time.Millisecond {
		t.Errorf("near max-wait, wait = %v, want < debounce", wait)
	}
}

func TestCoalesceFlushMergesBurst(t *testing.T) {
	c := newCoalescer(CoalesceConfig{Enabled: true, DebounceMS: 10, MaxWaitMS: 100})
	c.add(InboundMessage{ID: "1", SenderID: "u1", Content: TextContent("hello")})
	c.add(InboundMessage{ID: "2", SenderID: "u1", Content: TextContent("world")})

	merged, ok := c.flush()
	if !ok {
		t.Fatal("flush returned nothing")
	}
	if merged.ID != "1" {
		t.Errorf("merged keeps first identity, got %q", merged.ID)
	}
	if merged.Content.Text != "hello\nworld" {
		t.Errorf("merged text = %q", merged.Content.Text)
	}
	if !c.empty() {
		t.Error("coalescer should be drained")
	}
}

func TestCoalesceFlushAttributesMultiSender(t *testing.T) {
	c := newCoalescer(CoalesceConfig{Enabled: true, DebounceMS: 10, MaxWaitMS: 100})
	c.add(InboundMessage{ID: "1", SenderID: "u1", FormattedAuthor: "Ann", Content: TextContent("hi")})
	c.add(InboundMessage{ID: "2", SenderID: "u2", FormattedAuthor: "Bob", Content: TextContent("yo")})

	merged, _ := c.flush()
	if merged.Content.Text != "Ann: hi\nBob: yo" {
		t.Errorf("merged text = %q", merged.Content.Text)
	}
}

func TestCoalesceDisabledFiresImmediately(t *testing.T) {
	c := newCoalescer(CoalesceConfig{Enabled: false})
	if wait := c.add(InboundMessage{ID: "1", Content: TextContent("x")}); wait != 0 {
		t.Errorf("wait = %v, want 0 when disabled", wait)
	}
}
