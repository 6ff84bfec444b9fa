package arbor

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// WarmupState tracks an agent's readiness lifecycle.
type WarmupState string

const (
	WarmupCold     WarmupState = "cold"
	WarmupWarming  WarmupState = "warming"
	WarmupWarm     WarmupState = "warm"
	WarmupDegraded WarmupState = "degraded"
)

// WarmupStatus is the published readiness snapshot for an agent.
// LastRefreshUnixMS is never rolled back; BulletinAgeSecs is always
// recomputed from it on read (see Hydrate).
type WarmupStatus struct {
	State             WarmupState `json:"state"`
	EmbeddingReady    bool        `json:"embedding_ready"`
	LastRefreshUnixMS int64       `json:"last_refresh_unix_ms,omitempty"`
	BulletinAgeSecs   int64       `json:"bulletin_age_secs"`
	LastError         string      `json:"last_error,omitempty"`
}

// BulletinAge computes the bulletin age in seconds at nowUnixMS, clamped
// to ≥ 0. Returns -1 when no refresh has happened yet.
func BulletinAge(lastRefreshUnixMS, nowUnixMS int64) int64 {
	if lastRefreshUnixMS == 0 {
		return -1
	}
	if nowUnixMS <= lastRefreshUnixMS {
		return 0
	}
	return (nowUnixMS - lastRefreshUnixMS) / 1000
}

// Hydrate returns a copy with BulletinAgeSecs recomputed for nowUnixMS.
func (s WarmupStatus) Hydrate(nowUnixMS int64) WarmupStatus {
	s.BulletinAgeSecs = BulletinAge(s.LastRefreshUnixMS, nowUnixMS)
	return s
}

// WarmupConfig controls the warmup loop.
type WarmupConfig struct {
	Enabled            bool
	StartupDelaySecs   int64
	RefreshSecs        int64
	EagerEmbeddingLoad bool
}

// DefaultWarmupConfig returns warmup defaults.
func DefaultWarmupConfig() WarmupConfig {
	return WarmupConfig{
		Enabled:            true,
		StartupDelaySecs:   5,
		RefreshSecs:        900,
		EagerEmbeddingLoad: true,
	}
}

// CortexConfig tunes the cortex background loops.
type CortexConfig struct {
	BulletinIntervalSecs           int64
	BulletinMaxWords               int
	AssociationIntervalSecs        int64
	AssociationSimilarityThreshold float32
	AssociationUpdatesThreshold    float32
	AssociationMaxPerPass          int
	TickIntervalSecs               int64
}

// DefaultCortexConfig returns cortex defaults.
func DefaultCortexConfig() CortexConfig {
	return CortexConfig{
		BulletinIntervalSecs:           1800,
		BulletinMaxWords:               300,
		AssociationIntervalSecs:        600,
		AssociationSimilarityThreshold: 0.72,
		AssociationUpdatesThreshold:    0.90,
		AssociationMaxPerPass:          50,
		TickIntervalSecs:               30,
	}
}

// CoalesceConfig controls inbound message burst collapsing.
type CoalesceConfig struct {
	Enabled    bool
	DebounceMS int64 // quiet time after the last message before a turn starts
	MaxWaitMS  int64 // hard bound from the first buffered message
}

// DefaultCoalesceConfig returns coalesce defaults.
func DefaultCoalesceConfig() CoalesceConfig {
	return CoalesceConfig{Enabled: true, DebounceMS: 1500, MaxWaitMS: 8000}
}

// MemoryPersistenceConfig controls the channel-side memory extraction pass.
type MemoryPersistenceConfig struct {
	Enabled         bool
	MessageInterval int
}

// DefaultMemoryPersistenceConfig returns memory persistence defaults.
func DefaultMemoryPersistenceConfig() MemoryPersistenceConfig {
	return MemoryPersistenceConfig{Enabled: true, MessageInterval: 12}
}

// CompactionConfig controls channel history compaction.
type CompactionConfig struct {
	// MaxHistoryMessages triggers compaction when history grows past it.
	MaxHistoryMessages int
	// PreserveRecent is how many trailing messages survive compaction.
	PreserveRecent int
}

// DefaultCompactionConfig returns compaction defaults.
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{MaxHistoryMessages: 120, PreserveRecent: 30}
}

// ChannelTuning holds per-channel behavior knobs.
type ChannelTuning struct {
	MaxConcurrentBranches int
	ChannelMaxTurns       int
	BranchMaxTurns        int
	WorkerMaxTurns        int
	WorkerTimeoutSecs     int64
	BranchTimeoutSecs     int64
}

// DefaultChannelTuning returns tuning defaults.
func DefaultChannelTuning() ChannelTuning {
	return ChannelTuning{
		MaxConcurrentBranches: 5,
		ChannelMaxTurns:       8,
		BranchMaxTurns:        8,
		WorkerMaxTurns:        50,
		WorkerTimeoutSecs:     900,
		BranchTimeoutSecs:     300,
	}
}

// WorkerLogMode selects which worker transcripts are persisted.
type WorkerLogMode string

const (
	// WorkerLogErrorsOnly persists transcripts only for failed workers.
	WorkerLogErrorsOnly WorkerLogMode = "errors_only"
	// WorkerLogAllSeparate persists every worker's transcript individually.
	WorkerLogAllSeparate WorkerLogMode = "all_separate"
	// WorkerLogAllCombined persists every transcript, combined view.
	WorkerLogAllCombined WorkerLogMode = "all_combined"
)

// PromptSet holds the rendered prompt text for each process type.
type PromptSet struct {
	Channel        string
	Branch         string
	Worker         string
	CortexBulletin string
	CortexProfile  string
}

// DefaultPromptSet returns minimal built-in prompts. Deployments override
// these from identity files.
func DefaultPromptSet() PromptSet {
	return PromptSet{
		Channel:        "You are the conversational front of this agent. Reply concisely.",
		Branch:         "You are a thinking process forked from a conversation. Reason, use your tools, and end with a single concise conclusion.",
		Worker:         "You are a task execution process. Complete the task using your tools and report the outcome.",
		CortexBulletin: "You maintain this agent's memory bulletin: a compact briefing of who the user is, what has been decided, and what is going on.",
		CortexProfile:  "You generate a short profile card for this agent. Respond with JSON only: {\"display_name\":...,\"status\":...,\"bio\":...}.",
	}
}

// RenderSynthesis renders the bulletin synthesis request from gathered
// sections.
func (p PromptSet) RenderSynthesis(maxWords int, sections string) string {
	var b strings.Builder
	b.WriteString("Synthesize the following memory sections into a cohesive briefing of at most ")
	b.WriteString(strconv.Itoa(maxWords))
	b.WriteString(" words. Keep concrete names, decisions, and open items.\n\n")
	b.WriteString(sections)
	return b.String()
}

// RenderProfileSynthesis renders the profile generation request.
func (p PromptSet) RenderProfileSynthesis(identity, bulletin string) string {
	var b strings.Builder
	b.WriteString("Generate the profile card from the context below.\n")
	if identity != "" {
		b.WriteString("\n## Identity\n")
		b.WriteString(identity)
		b.WriteString("\n")
	}
	if bulletin != "" {
		b.WriteString("\n## Current bulletin\n")
		b.WriteString(bulletin)
		b.WriteString("\n")
	}
	return b.String()
}

// IdentityConfig is the agent's identity material injected into prompts.
type IdentityConfig struct {
	Name string
	Bio  string
}

// Render flattens the identity for prompt injection.
func (c IdentityConfig) Render() string {
	if c.Name == "" && c.Bio == "" {
		return ""
	}
	if c.Bio == "" {
		return c.Name
	}
	return c.Name + "\n" + c.Bio
}

// RuntimeConfig is the per-agent bundle of hot-swappable configuration.
// Every field is an atomic pointer: readers take a load-time snapshot and
// writers publish whole new values, so no partial update is ever visible.
type RuntimeConfig struct {
	AgentID      AgentID
	InstanceDir  string
	WorkspaceDir string

	Routing           atomic.Pointer[RoutingConfig]
	Cortex            atomic.Pointer[CortexConfig]
	Warmup            atomic.Pointer[WarmupConfig]
	Coalesce          atomic.Pointer[CoalesceConfig]
	MemoryPersistence atomic.Pointer[MemoryPersistenceConfig]
	Compaction        atomic.Pointer[CompactionConfig]
	Tuning            atomic.Pointer[ChannelTuning]
	Prompts           atomic.Pointer[PromptSet]
	Identity          atomic.Pointer[IdentityConfig]
	WorkerLog         atomic.Pointer[WorkerLogMode]

	// MemoryBulletin is the live LLM-synthesized briefing injected into
	// every channel's system prompt.
	MemoryBulletin atomic.Pointer[string]

	// WarmupStatusPtr is the published warmup snapshot. Mutate through
	// UpdateWarmupStatus so read-modify-write stays race-free under the
	// warmup lock.
	WarmupStatusPtr atomic.Pointer[WarmupStatus]

	// warmupLock serializes warmup passes and bulletin generation.
	warmupLock sync.Mutex
}

// NewRuntimeConfig creates a runtime config with defaults published.
func NewRuntimeConfig(agentID AgentID) *RuntimeConfig {
	rc := &RuntimeConfig{AgentID: agentID}
	routing := DefaultRouting()
	cortex := DefaultCortexConfig()
	warmup := DefaultWarmupConfig()
	coalesce := DefaultCoalesceConfig()
	persistence := DefaultMemoryPersistenceConfig()
	compaction := DefaultCompactionConfig()
	tuning := DefaultChannelTuning()
	prompts := DefaultPromptSet()
	identity := IdentityConfig{}
	logMode := WorkerLogAllSeparate
	bulletin := ""
	status := WarmupStatus{State: WarmupCold, BulletinAgeSecs: -1}

	rc.Routing.Store(&routing)
	rc.Cortex.Store(&cortex)
	rc.Warmup.Store(&warmup)
	rc.Coalesce.Store(&coalesce)
	rc.MemoryPersistence.Store(&persistence)
	rc.Compaction.Store(&compaction)
	rc.Tuning.Store(&tuning)
	rc.Prompts.Store(&prompts)
	rc.Identity.Store(&identity)
	rc.WorkerLog.Store(&logMode)
	rc.MemoryBulletin.Store(&bulletin)
	rc.WarmupStatusPtr.Store(&status)
	return rc
}

// WarmupLock serializes warmup passes and bulletin generation per agent.
func (rc *RuntimeConfig) WarmupLock() *sync.Mutex { return &rc.warmupLock }

// UpdateWarmupStatus applies a read-modify-write on the warmup status
// snapshot. The monotonic LastRefreshUnixMS invariant is enforced here:
// updates may advance it but never roll it back.
func (rc *RuntimeConfig) UpdateWarmupStatus(update func(*WarmupStatus)) {
	current := rc.WarmupStatusPtr.Load()
	next := *current
	update(&next)
	if next.LastRefreshUnixMS < current.LastRefreshUnixMS {
		next.LastRefreshUnixMS = current.LastRefreshUnixMS
	}
	rc.WarmupStatusPtr.Store(&next)
}

// WarmupSnapshot returns the current warmup status with the bulletin age
// recomputed.
func (rc *RuntimeConfig) WarmupSnapshot() WarmupStatus {
	return rc.WarmupStatusPtr.Load().Hydrate(NowUnixMilli())
}

// SetBulletin atomically replaces the live memory bulletin.
func (rc *RuntimeConfig) SetBulletin(text string) {
	rc.MemoryBulletin.Store(&text)
}

// Bulletin returns the live memory bulletin.
func (rc *RuntimeConfig) Bulletin() string {
	return *rc.MemoryBulletin.Load()
}

// ReadyForWork reports whether the agent is warm enough to dispatch
// workers, branches, and cron work without a forced warmup first.
func (rc *RuntimeConfig) ReadyForWork() bool {
	return rc.WarmupStatusPtr.Load().State == WarmupWarm
}
